package scheduler

import (
	"time"

	"github.com/livinlefevreloca/digestd/internal/ledger"
)

// Message is the container for everything sent to the loop
type Message struct {
	Type         MessageType
	Data         interface{}
	ResponseChan chan<- interface{} // Optional, for request/response pattern
}

// MessageType identifies the type of message being sent to the loop
type MessageType int

const (
	// From pipeline workers
	MsgRunFinished MessageType = iota

	// State queries
	MsgGetHealth
)

// String returns a human-readable representation of the message type
func (m MessageType) String() string {
	switch m {
	case MsgRunFinished:
		return "run_finished"
	case MsgGetHealth:
		return "get_health"
	default:
		return "unknown"
	}
}

// RunFinishedMsg is sent by a worker once a run reached a terminal state
type RunFinishedMsg struct {
	ConfigurationID string
	RunID           string
	State           ledger.State
	FinishedAt      time.Time
}

// HealthReport is the response to MsgGetHealth
type HealthReport struct {
	Running  bool                   `json:"running"`
	InFlight int                    `json:"in_flight"`
	Failing  []ConfigurationHealth  `json:"failing"`
	Invalid  []InvalidConfiguration `json:"invalid"`

	// Completion inbox counters
	InboxTimeouts int64 `json:"inbox_timeouts"`
	InboxMaxDepth int   `json:"inbox_max_depth"`
}

// ConfigurationHealth reports a configuration whose recent runs keep failing
type ConfigurationHealth struct {
	ConfigurationID     string `json:"configuration_id"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// InvalidConfiguration reports a configuration skipped for a configuration error
type InvalidConfiguration struct {
	ConfigurationID string `json:"configuration_id"`
	Reason          string `json:"reason"`
}

// Healthy reports whether the loop runs and nothing crossed the alert threshold
func (h HealthReport) Healthy() bool {
	return h.Running && len(h.Failing) == 0
}
