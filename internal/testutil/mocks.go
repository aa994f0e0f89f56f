package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/digestd/internal/activity"
	"github.com/livinlefevreloca/digestd/internal/db"
	"github.com/livinlefevreloca/digestd/internal/report"
	"github.com/livinlefevreloca/digestd/internal/summarize"
)

// MockConfigStore provides an in-memory configuration store for testing
type MockConfigStore struct {
	mu         sync.Mutex
	configs    []report.Configuration
	entitled   map[string]bool
	queryError error
	listCalls  int
}

func NewMockConfigStore(configs ...report.Configuration) *MockConfigStore {
	return &MockConfigStore{
		configs:  configs,
		entitled: make(map[string]bool),
	}
}

func (m *MockConfigStore) SetConfigurations(configs []report.Configuration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs = configs
}

// SetEntitled overrides the entitlement of a configuration's owner.
// Owners are entitled unless set otherwise.
func (m *MockConfigStore) SetEntitled(configurationID string, entitled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entitled[configurationID] = entitled
}

func (m *MockConfigStore) SetQueryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryError = err
}

func (m *MockConfigStore) isEntitled(id string) bool {
	entitled, ok := m.entitled[id]
	return !ok || entitled
}

func (m *MockConfigStore) ListEnabledConfigurations(_ context.Context) ([]report.Configuration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++

	if m.queryError != nil {
		return nil, m.queryError
	}

	out := make([]report.Configuration, 0, len(m.configs))
	for _, c := range m.configs {
		if c.Enabled && m.isEntitled(c.ID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockConfigStore) GetConfiguration(_ context.Context, id string) (*report.Configuration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queryError != nil {
		return nil, false, m.queryError
	}
	for _, c := range m.configs {
		if c.ID == id {
			cfg := c
			return &cfg, m.isEntitled(id), nil
		}
	}
	return nil, false, db.ErrNotFound
}

func (m *MockConfigStore) ListCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

// MockProvider provides scripted source-control activity for testing
type MockProvider struct {
	mu      sync.Mutex
	changes []activity.Change
	errs    []error // returned in order, one per call, before changes
	delay   time.Duration
	queries []activity.Query
}

func NewMockProvider(changes ...activity.Change) *MockProvider {
	return &MockProvider{changes: changes}
}

func (m *MockProvider) SetChanges(changes []activity.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = changes
}

// FailNext queues errors returned by the next calls
func (m *MockProvider) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

func (m *MockProvider) SetDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = delay
}

func (m *MockProvider) FetchActivity(ctx context.Context, q activity.Query) ([]activity.Change, error) {
	m.mu.Lock()
	m.queries = append(m.queries, q)
	delay := m.delay
	var err error
	if len(m.errs) > 0 {
		err = m.errs[0]
		m.errs = m.errs[1:]
	}
	changes := make([]activity.Change, len(m.changes))
	copy(changes, m.changes)
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (m *MockProvider) Queries() []activity.Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]activity.Query, len(m.queries))
	copy(out, m.queries)
	return out
}

func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

// MockSummarizer returns canned text and records requests
type MockSummarizer struct {
	mu       sync.Mutex
	text     string
	errs     []error
	panicMsg string
	requests []summarize.Request
}

func NewMockSummarizer(text string) *MockSummarizer {
	return &MockSummarizer{text: text}
}

// FailNext queues errors returned by the next calls
func (m *MockSummarizer) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// PanicWith makes every call panic
func (m *MockSummarizer) PanicWith(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicMsg = msg
}

func (m *MockSummarizer) Summarize(_ context.Context, req summarize.Request) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	panicMsg := m.panicMsg
	var err error
	if len(m.errs) > 0 {
		err = m.errs[0]
		m.errs = m.errs[1:]
	}
	text := m.text
	m.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (m *MockSummarizer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Commits builds n changes spaced a minute apart starting at start
func Commits(n int, start time.Time) []activity.Change {
	changes := make([]activity.Change, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%040x", i+1)
		changes = append(changes, activity.Change{
			ID:          id,
			Title:       fmt.Sprintf("feat: change %d", i+1),
			Message:     fmt.Sprintf("feat: change %d", i+1),
			Author:      "Test Author",
			AuthorEmail: "author@example.com",
			URL:         "https://github.com/acme/widgets/commit/" + id,
			Timestamp:   start.Add(time.Duration(i) * time.Minute),
		})
	}
	return changes
}

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}

// TestLogger provides a logger that captures logs for testing
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		entries: make([]LogEntry, 0),
	}
}

func (l *TestLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]interface{}),
	}

	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key := fmt.Sprintf("%v", fields[i])
			entry.Fields[key] = fields[i+1]
		}
	}

	l.entries = append(l.entries, entry)
}

func (l *TestLogger) GetEntries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, len(l.entries))
	copy(result, l.entries)
	return result
}

func (l *TestLogger) GetEntriesByLevel(level string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, 0)
	for _, entry := range l.entries {
		if entry.Level == level {
			result = append(result, entry)
		}
	}
	return result
}

func (l *TestLogger) HasError() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Level == "ERROR" {
			return true
		}
	}
	return false
}

func (l *TestLogger) HasWarning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Level == "WARN" {
			return true
		}
	}
	return false
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
	groups []string
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()
	msg := r.Message

	// Collect all attributes
	fields := make([]interface{}, 0, r.NumAttrs()*2)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})

	// Add handler-level attributes
	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}

	h.logger.log(level, msg, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &testLogHandler{
		logger: h.logger,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *testLogHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups[len(h.groups)] = name
	return &testLogHandler{
		logger: h.logger,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// WaitFor waits for a condition to be true with timeout
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}

		select {
		case <-ticker.C:
			if time.Now().After(deadline) {
				t.Errorf("timeout waiting for condition: %v", msgAndArgs)
				return false
			}
		}
	}
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
