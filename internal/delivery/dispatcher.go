package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/livinlefevreloca/digestd/internal/digest"
	"github.com/livinlefevreloca/digestd/internal/ledger"
	"github.com/livinlefevreloca/digestd/internal/metrics"
	"github.com/livinlefevreloca/digestd/internal/report"
	"golang.org/x/sync/errgroup"
)

// Config bounds delivery retries and concurrency
type Config struct {
	MaxAttempts    int           `toml:"max_attempts"`
	BaseDelay      time.Duration `toml:"base_delay"`
	MaxDelay       time.Duration `toml:"max_delay"`
	AttemptTimeout time.Duration `toml:"attempt_timeout"`
	MaxParallel    int           `toml:"max_parallel"`
	UserAgent      string        `toml:"user_agent"`
}

// DefaultConfig returns the delivery defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    4,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: 10 * time.Second,
		MaxParallel:    8,
		UserAgent:      "digestd",
	}
}

// Result is the final outcome of delivering to one target
type Result struct {
	Target     report.Target
	Delivered  bool
	Attempts   int
	StatusCode int
	Err        error
}

// Outcome converts r to its ledger representation
func (r Result) Outcome() ledger.TargetOutcome {
	out := ledger.TargetOutcome{
		TargetID:   r.Target.ID,
		Channel:    string(r.Target.Channel),
		Delivered:  r.Delivered,
		Attempts:   r.Attempts,
		StatusCode: r.StatusCode,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}

// Outcomes converts a slice of results
func Outcomes(results []Result) []ledger.TargetOutcome {
	out := make([]ledger.TargetOutcome, 0, len(results))
	for _, r := range results {
		out = append(out, r.Outcome())
	}
	return out
}

// Dispatcher posts digests to webhook targets
type Dispatcher struct {
	client  *http.Client
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(client *http.Client, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	return &Dispatcher{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Deliver sends d to every target in parallel and returns one result per
// target, in target order. A failing target never affects the others.
func (disp *Dispatcher) Deliver(ctx context.Context, d *digest.Digest, targets []report.Target) []Result {
	results := make([]Result, len(targets))

	var g errgroup.Group
	g.SetLimit(disp.cfg.MaxParallel)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = disp.deliverOne(ctx, d, target)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (disp *Dispatcher) deliverOne(ctx context.Context, d *digest.Digest, target report.Target) Result {
	result := Result{Target: target}
	logger := disp.logger.With("configuration_id", d.ConfigurationID, "target", target.ID, "channel", target.Channel)

	if err := ValidateURL(target.URL); err != nil {
		result.Err = err
		logger.Warn("skipping target with invalid url", "error", err)
		return result
	}

	payload, err := FormatterFor(target.Channel).Format(d)
	if err != nil {
		result.Err = fmt.Errorf("format payload: %w", err)
		return result
	}

	var retryAfter time.Duration
	policy := retrypolicy.NewBuilder[int]().
		WithBackoff(disp.cfg.BaseDelay, disp.cfg.MaxDelay).
		WithMaxRetries(disp.cfg.MaxAttempts - 1).
		WithJitterFactor(0.1).
		HandleIf(func(_ int, err error) bool {
			return isRetryable(ctx, err)
		}).
		ReturnLastFailure().
		Build()

	status, err := failsafe.With[int](policy).WithContext(ctx).Get(func() (int, error) {
		// Honor the previous response's Retry-After on top of the backoff.
		if retryAfter > 0 {
			if err := sleep(ctx, retryAfter); err != nil {
				return 0, err
			}
			retryAfter = 0
		}

		result.Attempts++
		status, wait, err := disp.post(ctx, target, payload)
		disp.metrics.DeliveryAttempt(string(target.Channel), err == nil)
		if wait > disp.cfg.MaxDelay {
			wait = disp.cfg.MaxDelay
		}
		retryAfter = wait
		if err != nil {
			logger.Debug("delivery attempt failed", "attempt", result.Attempts, "status", status, "error", err)
		}
		return status, err
	})

	result.StatusCode = status
	var se *statusError
	if errors.As(err, &se) {
		result.StatusCode = se.StatusCode
	}
	if err != nil {
		result.Err = err
		logger.Warn("delivery failed", "attempts", result.Attempts, "status", result.StatusCode, "error", err)
		return result
	}

	result.Delivered = true
	logger.Info("delivered digest", "attempts", result.Attempts, "status", status)
	return result
}

// post performs one attempt. It returns the server's requested wait when
// the response carried a Retry-After header.
func (disp *Dispatcher) post(ctx context.Context, target report.Target, payload []byte) (int, time.Duration, error) {
	if disp.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, disp.cfg.AttemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if disp.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", disp.cfg.UserAgent)
	}

	resp, err := disp.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, 0, nil
	}
	return resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		&statusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// isRetryable reports transient failures: network errors, 5xx, 408 and 429.
// Cancellation of the run itself is never retried.
func isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrInvalidTarget) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 ||
			se.StatusCode == http.StatusTooManyRequests ||
			se.StatusCode == http.StatusRequestTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true // per-attempt timeout
	}
	var netErr net.Error
	var urlErr *url.Error
	return errors.As(err, &netErr) || errors.As(err, &urlErr)
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ValidateURL accepts absolute http and https URLs only
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q is not http or https", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
