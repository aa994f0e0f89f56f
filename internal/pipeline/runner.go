package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/livinlefevreloca/digestd/internal/activity"
	"github.com/livinlefevreloca/digestd/internal/delivery"
	"github.com/livinlefevreloca/digestd/internal/digest"
	"github.com/livinlefevreloca/digestd/internal/ledger"
	"github.com/livinlefevreloca/digestd/internal/metrics"
	"github.com/livinlefevreloca/digestd/internal/report"
)

// Collector fetches the activity of a window
type Collector interface {
	Collect(ctx context.Context, cfg report.Configuration, since, until time.Time) (*activity.Batch, error)
}

// Composer renders digests
type Composer interface {
	Compose(ctx context.Context, batch *activity.Batch, opts report.FormattingOptions) (*digest.Digest, error)
	ComposeNoUpdates(header digest.Header, opts report.FormattingOptions) (*digest.Digest, error)
}

// Deliverer posts a digest to every target
type Deliverer interface {
	Deliver(ctx context.Context, d *digest.Digest, targets []report.Target) []delivery.Result
}

// Archiver stores delivered digests. Optional.
type Archiver interface {
	Archive(ctx context.Context, run *ledger.Run, d *digest.Digest) error
}

// Config tunes stage retries and bookkeeping
type Config struct {
	// MaxAttempts bounds collection and composition attempts
	MaxAttempts int           `toml:"max_attempts"`
	BaseDelay   time.Duration `toml:"base_delay"`
	MaxDelay    time.Duration `toml:"max_delay"`
	// FirstRunLookback is the window start for a configuration that never
	// succeeded
	FirstRunLookback time.Duration `toml:"first_run_lookback"`
	// CompleteTimeout bounds the final ledger write, which runs even after
	// the run's own context expired
	CompleteTimeout time.Duration `toml:"complete_timeout"`
}

// DefaultConfig returns the pipeline defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseDelay:        2 * time.Second,
		MaxDelay:         30 * time.Second,
		FirstRunLookback: 24 * time.Hour,
		CompleteTimeout:  10 * time.Second,
	}
}

// Deps are the collaborators of a Runner
type Deps struct {
	Ledger    ledger.Ledger
	Collector Collector
	Composer  Composer
	Deliverer Deliverer
	Archiver  Archiver         // may be nil
	Metrics   *metrics.Metrics // may be nil
}

// Runner executes claimed runs
type Runner struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	// Optional state recorder for testing
	recorder *StateRecorder
}

// NewRunner creates a runner
func NewRunner(deps Deps, cfg Config, logger *slog.Logger) *Runner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.CompleteTimeout <= 0 {
		cfg.CompleteTimeout = 10 * time.Second
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger}
}

// SetRecorder attaches a recorder that sees every state of every run
func (r *Runner) SetRecorder(rec *StateRecorder) {
	r.recorder = rec
}

// Result is what a finished run reports back to its caller
type Result struct {
	Run        *ledger.Run
	Suppressed bool
	Digest     *digest.Digest
	// Err is the reason a run failed, or a *delivery.PartialDeliveryError
	// for a run that succeeded with warnings
	Err error
}

// Run drives a claimed run to a terminal state. It never panics and always
// attempts to record the terminal state, even when ctx has expired.
func (r *Runner) Run(ctx context.Context, run *ledger.Run, cfg report.Configuration) *Result {
	e := &execution{
		runner: r,
		run:    run,
		cfg:    cfg,
		state:  &ClaimedState{},
		logger: r.logger.With("configuration_id", cfg.ID, "run_id", run.RunID, "scheduled_at", run.ScheduledAt),
		result: &Result{Run: run},
	}
	e.exec(ctx)
	r.deps.Metrics.RunFinished(outcomeLabel(e.result))
	return e.result
}

// execution is the state of a single run
type execution struct {
	runner *Runner
	run    *ledger.Run
	cfg    report.Configuration
	state  State
	logger *slog.Logger

	since   time.Time
	batch   *activity.Batch
	digest  *digest.Digest
	results []delivery.Result
	err     error
	result  *Result
}

// transitionTo moves to newState, persisting non-terminal states in the
// ledger. A ledger failure fails the run.
func (e *execution) transitionTo(ctx context.Context, newState State) error {
	oldStateName := e.state.Name()

	if !newState.ledgerState().Terminal() && e.run.State != newState.ledgerState() {
		if err := e.runner.deps.Ledger.Transition(ctx, e.run, newState.ledgerState()); err != nil {
			return fmt.Errorf("record %s: %w", newState.Name(), err)
		}
	}
	e.state = newState

	if e.runner.recorder != nil {
		e.runner.recorder.Record(newState)
	}

	e.logger.Info("state transition",
		"from", oldStateName,
		"to", newState.Name())
	return nil
}

// exec is the main loop
func (e *execution) exec(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("pipeline panic recovered", "panic", rec)
			e.fail(ctx, fmt.Errorf("panic: %v", rec))
			e.finish(ctx)
		}
	}()

	if e.runner.recorder != nil {
		e.runner.recorder.Record(e.state)
	}

	for {
		switch e.state.(type) {
		case *ClaimedState:
			e.runClaimed(ctx)
		case *CollectingState:
			e.runCollecting(ctx)
		case *ComposingState:
			e.runComposing(ctx)
		case *DeliveringState:
			e.runDelivering(ctx)
		case *SucceededState, *FailedState:
			e.finish(ctx)
			return
		default:
			e.logger.Error("unknown state type", "state", fmt.Sprintf("%T", e.state))
			e.fail(ctx, fmt.Errorf("unknown state %T", e.state))
		}
	}
}

// fail moves to FailedState with err as the recorded reason
func (e *execution) fail(ctx context.Context, err error) {
	e.err = err
	e.state = &FailedState{}
	if e.runner.recorder != nil {
		e.runner.recorder.Record(e.state)
	}
	e.logger.Warn("run failing", "error", err)
}

// runClaimed resolves the collection window
func (e *execution) runClaimed(ctx context.Context) {
	state := e.state.(*ClaimedState)

	// Every run starts from collection; ReclaimStale hands stale runs back
	// as claimed. A run already past that would compose without its batch.
	if e.run.State != ledger.StateClaimed {
		e.fail(ctx, fmt.Errorf("run %s is %s, only claimed runs can start", e.run.RunID, e.run.State))
		return
	}

	if len(e.cfg.Targets) == 0 {
		e.fail(ctx, &ConfigurationError{ConfigurationID: e.cfg.ID, Reason: "no delivery targets"})
		return
	}

	watermark, ok, err := e.runner.deps.Ledger.LatestSucceeded(ctx, e.cfg.ID)
	if err != nil {
		e.fail(ctx, fmt.Errorf("read watermark: %w", err))
		return
	}
	if ok {
		e.since = watermark
	} else {
		e.since = e.run.ScheduledAt.Add(-e.runner.cfg.FirstRunLookback)
	}

	if err := e.transitionTo(ctx, state.ToCollecting()); err != nil {
		e.fail(ctx, err)
	}
}

// runCollecting fetches activity in [watermark, scheduled instant)
func (e *execution) runCollecting(ctx context.Context) {
	state := e.state.(*CollectingState)

	start := time.Now()
	batch, err := withRetry(ctx, e, "collect", func(ctx context.Context) (*activity.Batch, error) {
		return e.runner.deps.Collector.Collect(ctx, e.cfg, e.since, e.run.ScheduledAt)
	})
	e.runner.deps.Metrics.ObserveStage("collect", time.Since(start))

	switch {
	case errors.Is(err, activity.ErrNoActivity):
		e.batch = nil
	case err != nil:
		e.fail(ctx, err)
		return
	default:
		e.batch = batch
	}

	if err := e.transitionTo(ctx, state.ToComposing()); err != nil {
		e.fail(ctx, err)
	}
}

// runComposing renders the digest, or ends the run when it is suppressed
func (e *execution) runComposing(ctx context.Context) {
	state := e.state.(*ComposingState)
	opts := e.cfg.Formatting

	start := time.Now()
	var d *digest.Digest
	var err error
	if e.batch.Len() == 0 {
		d, err = e.runner.deps.Composer.ComposeNoUpdates(digest.Header{
			ConfigurationID: e.cfg.ID,
			Repository:      e.cfg.Repository,
			Branch:          e.cfg.Branch,
			Since:           e.since,
			Until:           e.run.ScheduledAt,
		}, opts)
	} else {
		d, err = withRetry(ctx, e, "compose", func(ctx context.Context) (*digest.Digest, error) {
			return e.runner.deps.Composer.Compose(ctx, e.batch, opts)
		})
	}
	e.runner.deps.Metrics.ObserveStage("compose", time.Since(start))

	if errors.Is(err, digest.ErrSuppressed) {
		e.result.Suppressed = true
		e.logger.Info("no activity, digest suppressed")
		if err := e.transitionTo(ctx, state.ToSucceeded()); err != nil {
			e.fail(ctx, err)
		}
		return
	}
	if err != nil {
		e.fail(ctx, err)
		return
	}

	e.digest = d
	e.result.Digest = d
	if err := e.transitionTo(ctx, state.ToDelivering()); err != nil {
		e.fail(ctx, err)
	}
}

// runDelivering posts the digest to every target
func (e *execution) runDelivering(ctx context.Context) {
	state := e.state.(*DeliveringState)

	start := time.Now()
	e.results = e.runner.deps.Deliverer.Deliver(ctx, e.digest, e.cfg.Targets)
	e.runner.deps.Metrics.ObserveStage("deliver", time.Since(start))

	err := delivery.Classify(e.results)
	var total *delivery.TotalDeliveryError
	if errors.As(err, &total) {
		e.fail(ctx, err)
		return
	}
	if err != nil {
		e.err = err
		e.logger.Warn("partial delivery", "error", err)
	}

	if err := e.transitionTo(ctx, state.ToSucceeded()); err != nil {
		e.fail(ctx, err)
	}
}

// finish records the terminal state. The write uses a context detached
// from the run's deadline so a timed-out run is still marked failed.
func (e *execution) finish(ctx context.Context) {
	outcome := ledger.Outcome{
		State:         e.state.ledgerState(),
		Deliveries:    delivery.Outcomes(e.results),
		ActivityCount: e.batch.Len(),
	}
	if e.err != nil {
		outcome.Error = e.err.Error()
	}
	if len(outcome.Deliveries) == 0 {
		outcome.Deliveries = nil
	}

	e.result.Err = e.err

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.runner.cfg.CompleteTimeout)
	defer cancel()

	if err := e.runner.deps.Ledger.Complete(writeCtx, e.run, outcome); err != nil {
		e.logger.Error("failed to record run outcome", "state", outcome.State, "error", err)
		if e.result.Err == nil {
			e.result.Err = err
		} else {
			e.result.Err = errors.Join(e.result.Err, err)
		}
		return
	}

	e.logger.Info("run finished",
		"state", outcome.State,
		"activity_count", outcome.ActivityCount,
		"deliveries", len(outcome.Deliveries),
		"suppressed", e.result.Suppressed)

	if outcome.State == ledger.StateSucceeded && e.digest != nil && e.runner.deps.Archiver != nil {
		if err := e.runner.deps.Archiver.Archive(writeCtx, e.run, e.digest); err != nil {
			e.logger.Warn("failed to archive digest", "error", err)
		}
	}
}

// withRetry runs fn under a failsafe retry policy that only retries errors
// reporting themselves as retryable
func withRetry[T any](ctx context.Context, e *execution, op string, fn func(context.Context) (T, error)) (T, error) {
	cfg := e.runner.cfg
	policy := retrypolicy.NewBuilder[T]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxAttempts - 1).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool {
			return err != nil && ctx.Err() == nil && retryable(err)
		}).
		ReturnLastFailure().
		Build()

	attempt := 0
	return failsafe.With[T](policy).WithContext(ctx).Get(func() (v T, err error) {
		attempt++
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("%s panicked: %v", op, rec)
			}
		}()
		v, err = fn(ctx)
		if err != nil && !errors.Is(err, activity.ErrNoActivity) && !errors.Is(err, digest.ErrSuppressed) {
			e.logger.Warn("stage attempt failed",
				"stage", op,
				"attempt", attempt,
				"retryable", retryable(err),
				"error", err)
		}
		return v, err
	})
}
