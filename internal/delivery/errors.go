package delivery

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTarget is wrapped by results whose webhook URL is unusable
var ErrInvalidTarget = errors.New("delivery: invalid target")

// statusError is a non-2xx webhook response
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// PartialDeliveryError reports that some, but not all, targets failed.
// The run still succeeds.
type PartialDeliveryError struct {
	Failed []Result
	Total  int
}

func (e *PartialDeliveryError) Error() string {
	return fmt.Sprintf("delivery: %d of %d targets failed: %s", len(e.Failed), e.Total, describe(e.Failed))
}

// TotalDeliveryError reports that every target failed
type TotalDeliveryError struct {
	Failed []Result
}

func (e *TotalDeliveryError) Error() string {
	return fmt.Sprintf("delivery: all %d targets failed: %s", len(e.Failed), describe(e.Failed))
}

// Classify reduces per-target results to nil, a *PartialDeliveryError or a
// *TotalDeliveryError
func Classify(results []Result) error {
	var failed []Result
	for _, r := range results {
		if !r.Delivered {
			failed = append(failed, r)
		}
	}
	switch {
	case len(failed) == 0:
		return nil
	case len(failed) == len(results):
		return &TotalDeliveryError{Failed: failed}
	default:
		return &PartialDeliveryError{Failed: failed, Total: len(results)}
	}
}

func describe(results []Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("%s: %v", r.Target.ID, r.Err))
	}
	return strings.Join(parts, "; ")
}
