package scheduler

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/digestd/internal/cron"
)

// Config defines the scheduler loop and its worker pool
type Config struct {
	// Main loop iteration interval. Rules have minute granularity.
	TickInterval time.Duration `toml:"tick_interval"`

	// How far behind now a missed due instant still runs
	CatchUpWindow time.Duration `toml:"catch_up_window"`

	// Upper bound on concurrently executing pipelines
	MaxConcurrentRuns int `toml:"max_concurrent_runs"`

	// Aggregate deadline of one pipeline execution
	RunTimeout time.Duration `toml:"run_timeout"`

	// In-flight runs whose heartbeat is older than this are reclaimed
	StaleClaimAfter time.Duration `toml:"stale_claim_after"`

	// How often a running pipeline refreshes its heartbeat
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`

	// How long Stop waits for in-flight pipelines before cancelling them
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`

	// Consecutive failed runs after which a configuration is reported unhealthy
	FailureAlertThreshold int `toml:"failure_alert_threshold"`

	// Inbox buffer size and send timeout
	InboxBufferSize  int           `toml:"inbox_buffer_size"`
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout"`
}

// DefaultConfig returns scheduler configuration defaults
func DefaultConfig() Config {
	return Config{
		TickInterval:          30 * time.Second,
		CatchUpWindow:         cron.DefaultCatchUpWindow,
		MaxConcurrentRuns:     16,
		RunTimeout:            10 * time.Minute,
		StaleClaimAfter:       15 * time.Minute,
		HeartbeatInterval:     30 * time.Second,
		ShutdownTimeout:       30 * time.Second,
		FailureAlertThreshold: 3,
		InboxBufferSize:       1000,
		InboxSendTimeout:      5 * time.Second,
	}
}

// Validate validates scheduler configuration and returns error if invalid
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("TickInterval must be positive, got %v", c.TickInterval)
	}

	if c.CatchUpWindow < c.TickInterval {
		return fmt.Errorf("CatchUpWindow (%v) must be at least TickInterval (%v)",
			c.CatchUpWindow, c.TickInterval)
	}

	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("MaxConcurrentRuns must be positive, got %d", c.MaxConcurrentRuns)
	}

	if c.RunTimeout <= 0 {
		return fmt.Errorf("RunTimeout must be positive, got %v", c.RunTimeout)
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HeartbeatInterval must be positive, got %v", c.HeartbeatInterval)
	}

	// A live run must never look stale.
	if c.StaleClaimAfter <= c.RunTimeout {
		return fmt.Errorf("StaleClaimAfter (%v) must be greater than RunTimeout (%v)",
			c.StaleClaimAfter, c.RunTimeout)
	}

	if c.HeartbeatInterval >= c.StaleClaimAfter {
		return fmt.Errorf("HeartbeatInterval (%v) must be less than StaleClaimAfter (%v)",
			c.HeartbeatInterval, c.StaleClaimAfter)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("ShutdownTimeout must be positive, got %v", c.ShutdownTimeout)
	}

	if c.FailureAlertThreshold <= 0 {
		return fmt.Errorf("FailureAlertThreshold must be positive, got %d", c.FailureAlertThreshold)
	}

	if c.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", c.InboxBufferSize)
	}

	if c.InboxSendTimeout <= 0 {
		return fmt.Errorf("InboxSendTimeout must be positive, got %v", c.InboxSendTimeout)
	}

	return nil
}
