package inbox

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Inbox is a buffered, typed message channel whose sends give up after a
// timeout instead of blocking the sender forever
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger
	stats   *Stats
}

// Stats tracks inbox usage and performance metrics
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	CurrentDepth  int
	MaxDepthSeen  int
}

// New creates a new inbox with the specified buffer size and timeout
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
		stats:   &Stats{},
	}
}

// Send sends a message to the inbox with timeout
// Returns true if message was sent successfully, false if timeout occurred
func (ib *Inbox[T]) Send(msg T) bool {
	select {
	case ib.ch <- msg:
		atomic.AddInt64(&ib.stats.TotalSent, 1)
		return true
	case <-time.After(ib.timeout):
		atomic.AddInt64(&ib.stats.TimeoutCount, 1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	}
}

// TryReceive attempts to receive a message without blocking
// Returns the message and true if available, zero value and false otherwise
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg := <-ib.ch:
		atomic.AddInt64(&ib.stats.TotalReceived, 1)
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

// C exposes the receive side for use in a select. Callers must report what
// they take with MarkReceived.
func (ib *Inbox[T]) C() <-chan T {
	return ib.ch
}

// MarkReceived counts a message taken directly from C
func (ib *Inbox[T]) MarkReceived() {
	atomic.AddInt64(&ib.stats.TotalReceived, 1)
}

// Drain hands every buffered message to fn without blocking and returns
// how many were handled
func (ib *Inbox[T]) Drain(fn func(T)) int {
	n := 0
	for {
		msg, ok := ib.TryReceive()
		if !ok {
			return n
		}
		fn(msg)
		n++
	}
}

// UpdateDepthStats updates the current and maximum depth statistics
func (ib *Inbox[T]) UpdateDepthStats() {
	depth := len(ib.ch)
	ib.stats.CurrentDepth = depth
	if depth > ib.stats.MaxDepthSeen {
		ib.stats.MaxDepthSeen = depth
	}
}

// GetStats returns a copy of the current inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	return Stats{
		TotalSent:     atomic.LoadInt64(&ib.stats.TotalSent),
		TotalReceived: atomic.LoadInt64(&ib.stats.TotalReceived),
		TimeoutCount:  atomic.LoadInt64(&ib.stats.TimeoutCount),
		CurrentDepth:  ib.stats.CurrentDepth,
		MaxDepthSeen:  ib.stats.MaxDepthSeen,
	}
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

