package pipeline

import (
	"errors"
	"fmt"

	"github.com/livinlefevreloca/digestd/internal/cron"
	"github.com/livinlefevreloca/digestd/internal/delivery"
	"github.com/livinlefevreloca/digestd/internal/report"
)

// ConfigurationError marks a configuration that cannot run as stored: a bad
// recurrence rule or timezone, or nothing to deliver to. It is never
// retried automatically.
type ConfigurationError struct {
	ConfigurationID string
	Reason          string
	Err             error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration %s: %s: %v", e.ConfigurationID, e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration %s: %s", e.ConfigurationID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Retryable is always false
func (e *ConfigurationError) Retryable() bool {
	return false
}

// Validate checks everything about cfg the engine relies on before claiming
// a run for it
func Validate(cfg report.Configuration, evaluator *cron.Evaluator) error {
	if err := evaluator.Validate(cfg.Schedule, cfg.Timezone); err != nil {
		reason := "invalid recurrence rule"
		if errors.Is(err, cron.ErrUnknownTimezone) {
			reason = "unknown timezone"
		}
		return &ConfigurationError{ConfigurationID: cfg.ID, Reason: reason, Err: err}
	}
	if cfg.Repository == "" {
		return &ConfigurationError{ConfigurationID: cfg.ID, Reason: "no repository"}
	}
	if len(cfg.Targets) == 0 {
		return &ConfigurationError{ConfigurationID: cfg.ID, Reason: "no delivery targets"}
	}
	return nil
}

// AsConfigurationError wraps an evaluator failure for cfg
func AsConfigurationError(cfg report.Configuration, err error) error {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return cfgErr
	}
	return &ConfigurationError{ConfigurationID: cfg.ID, Reason: "cannot evaluate schedule", Err: err}
}

// retryable reports whether err advertises itself as transient
func retryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// outcomeLabel is the metrics label of a finished run
func outcomeLabel(res *Result) string {
	switch {
	case res.Suppressed:
		return "suppressed"
	case res.Run != nil && res.Run.HasWarnings():
		return "succeeded_with_warnings"
	case res.Err != nil:
		var partial *delivery.PartialDeliveryError
		if errors.As(res.Err, &partial) {
			return "succeeded_with_warnings"
		}
		return "failed"
	default:
		return "succeeded"
	}
}
