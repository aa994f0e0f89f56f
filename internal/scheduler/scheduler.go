package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/livinlefevreloca/digestd/internal/cron"
	"github.com/livinlefevreloca/digestd/internal/db"
	"github.com/livinlefevreloca/digestd/internal/inbox"
	"github.com/livinlefevreloca/digestd/internal/ledger"
	"github.com/livinlefevreloca/digestd/internal/metrics"
	"github.com/livinlefevreloca/digestd/internal/pipeline"
	"github.com/livinlefevreloca/digestd/internal/report"
)

var (
	// ErrUnknownConfiguration is returned by Trigger for an ID the store
	// does not know
	ErrUnknownConfiguration = errors.New("scheduler: unknown configuration")

	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("scheduler: already started")
)

// ConfigStore is the read path of the configuration store
type ConfigStore interface {
	ListEnabledConfigurations(ctx context.Context) ([]report.Configuration, error)
	GetConfiguration(ctx context.Context, id string) (*report.Configuration, bool, error)
}

// Executor drives a claimed run to a terminal state
type Executor interface {
	Run(ctx context.Context, run *ledger.Run, cfg report.Configuration) *pipeline.Result
}

// Deps are the collaborators of a Scheduler
type Deps struct {
	Store     ConfigStore
	Ledger    ledger.Ledger
	Executor  Executor
	Evaluator *cron.Evaluator  // nil builds one from CatchUpWindow
	Metrics   *metrics.Metrics // may be nil
	Now       func() time.Time // nil means time.Now
}

// TriggerResult is the outcome of an administrative trigger. Result is set
// only when the claim was acquired and the pipeline ran.
type TriggerResult struct {
	Outcome ledger.ClaimOutcome
	Run     *ledger.Run
	Result  *pipeline.Result
}

// Scheduler decides which configurations are due, claims them in the ledger
// and runs their pipelines on a bounded pool of goroutines
type Scheduler struct {
	// Configuration
	config    Config
	deps      Deps
	evaluator *cron.Evaluator
	logger    *slog.Logger

	// Worker pool
	slots    *semaphore.Weighted
	workers  sync.WaitGroup
	inFlight atomic.Int64

	// Runs launched by the loop, cleared by the worker itself
	activeMu sync.Mutex
	active   map[string]bool // configuration ID → run in progress

	// State owned by whoever calls Tick (the loop once started)
	failures map[string]int    // configuration ID → consecutive failed runs
	invalid  map[string]string // configuration ID → configuration error

	// Communication
	inbox *inbox.Inbox[Message]

	// Control
	mu        sync.Mutex
	running   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a scheduler with validated configuration
func New(config Config, deps Deps, logger *slog.Logger) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Ledger == nil || deps.Executor == nil {
		return nil, fmt.Errorf("scheduler: store, ledger and executor are required")
	}
	if deps.Evaluator == nil {
		deps.Evaluator = cron.NewEvaluator(config.CatchUpWindow)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	return &Scheduler{
		config:    config,
		deps:      deps,
		evaluator: deps.Evaluator,
		logger:    logger,
		slots:     semaphore.NewWeighted(int64(config.MaxConcurrentRuns)),
		active:    make(map[string]bool),
		failures:  make(map[string]int),
		invalid:   make(map[string]string),
		inbox:     inbox.New[Message](config.InboxBufferSize, config.InboxSendTimeout, logger),
		runCtx:    runCtx,
		runCancel: runCancel,
	}, nil
}

// Start launches the loop. It returns immediately; the first tick runs right away.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	s.logger.Info("starting scheduler",
		"tick_interval", s.config.TickInterval,
		"max_concurrent_runs", s.config.MaxConcurrentRuns)

	go s.loop(loopCtx)
	return nil
}

// Stop stops the loop and waits for in-flight pipelines. Pipelines still
// running after ShutdownTimeout are cancelled; they record themselves as
// failed before Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		return
	}

	s.logger.Info("shutting down scheduler")
	s.cancel()
	<-s.done

	waited := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn("cancelling in-flight runs after shutdown timeout",
			"in_flight", s.inFlight.Load(),
			"timeout", s.config.ShutdownTimeout)
		s.runCancel()
		<-waited
	}

	s.inbox.Drain(s.handleMessage)
	s.logger.Info("scheduler shutdown complete")
}

// Running reports whether the loop is active
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// loop is the main scheduler loop
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-s.inbox.C():
			s.inbox.MarkReceived()
			s.handleMessage(msg)

		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling pass. It never blocks on pipeline
// completion. Tick must not be called concurrently with itself or with a
// started loop.
func (s *Scheduler) Tick(ctx context.Context) {
	tickStart := time.Now()
	now := s.deps.Now()

	// Step 1: Apply completions reported by workers
	s.inbox.Drain(s.handleMessage)

	// Step 2: Crash recovery
	s.reclaim(ctx, now)

	// Step 3: Due check and claim for every enabled configuration
	configs, err := s.deps.Store.ListEnabledConfigurations(ctx)
	if err != nil {
		s.logger.Error("failed to list configurations", "error", err)
		s.deps.Metrics.ObserveTick(time.Since(tickStart))
		return
	}

	listed := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if ctx.Err() != nil {
			break
		}
		listed[cfg.ID] = true
		s.schedule(ctx, cfg, now)
	}

	// Step 4: Forget configurations that are gone or disabled
	s.prune(listed)

	s.deps.Metrics.ObserveTick(time.Since(tickStart))
	s.inbox.UpdateDepthStats()
}

// schedule launches the due instant of cfg if a worker slot is free
func (s *Scheduler) schedule(ctx context.Context, cfg report.Configuration, now time.Time) {
	if s.isActive(cfg.ID) {
		return
	}
	s.seedFailures(ctx, cfg.ID)

	instant, err := s.dueInstant(ctx, cfg, now)
	if err != nil {
		var cfgErr *pipeline.ConfigurationError
		if errors.As(err, &cfgErr) {
			if s.invalid[cfg.ID] != cfgErr.Reason {
				s.logger.Warn("skipping invalid configuration",
					"configuration_id", cfg.ID,
					"error", err)
			}
			s.invalid[cfg.ID] = cfgErr.Reason
			return
		}
		s.logger.Error("due check failed", "configuration_id", cfg.ID, "error", err)
		return
	}
	delete(s.invalid, cfg.ID)

	if instant.IsZero() {
		return
	}

	// Without a free slot nothing is claimed; the instant stays due for
	// later ticks inside the catch-up window.
	if !s.slots.TryAcquire(1) {
		s.logger.Debug("no free worker slot, deferring",
			"configuration_id", cfg.ID,
			"scheduled_at", instant)
		s.deps.Metrics.Claim("deferred", string(ledger.TriggerSchedule))
		return
	}

	res, err := s.claim(ctx, cfg, instant, ledger.TriggerSchedule)
	if err != nil || res.Outcome != ledger.ClaimAcquired {
		s.slots.Release(1)
		return
	}

	s.launch(cfg, res.Run)
}

// dueInstant returns the instant cfg is due for at now, or the zero time
func (s *Scheduler) dueInstant(ctx context.Context, cfg report.Configuration, now time.Time) (time.Time, error) {
	if err := pipeline.Validate(cfg, s.evaluator); err != nil {
		return time.Time{}, err
	}

	watermark, _, err := s.deps.Ledger.LatestSucceeded(ctx, cfg.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}

	due, err := s.evaluator.IsDue(cfg.Schedule, cfg.Timezone, watermark, now)
	if err != nil {
		return time.Time{}, pipeline.AsConfigurationError(cfg, err)
	}
	if !due.Due {
		return time.Time{}, nil
	}
	return due.Instant, nil
}

// claim asks the ledger for exclusive execution of instant
func (s *Scheduler) claim(ctx context.Context, cfg report.Configuration, instant time.Time, trigger ledger.Trigger) (ledger.ClaimResult, error) {
	res, err := s.deps.Ledger.Claim(ctx, ledger.ClaimRequest{
		ConfigurationID: cfg.ID,
		ScheduledAt:     instant,
		Trigger:         trigger,
	})
	if err != nil {
		s.logger.Error("claim failed",
			"configuration_id", cfg.ID,
			"scheduled_at", instant,
			"error", err)
		s.deps.Metrics.Claim("error", string(trigger))
		return res, err
	}

	s.deps.Metrics.Claim(res.Outcome.String(), string(trigger))

	if res.Outcome == ledger.ClaimAcquired {
		s.logger.Info("claimed run",
			"configuration_id", cfg.ID,
			"run_id", res.Run.RunID,
			"scheduled_at", instant,
			"trigger", trigger)
	} else {
		s.logger.Debug("claim not acquired",
			"configuration_id", cfg.ID,
			"scheduled_at", instant,
			"outcome", res.Outcome.String())
	}
	return res, nil
}

// launch runs a claimed pipeline in its own goroutine. The caller holds a
// slot which the goroutine releases. The configuration counts as active
// until the goroutine returns, whether or not its completion message gets
// through the inbox.
func (s *Scheduler) launch(cfg report.Configuration, run *ledger.Run) {
	s.setActive(cfg.ID, true)
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer s.slots.Release(1)
		defer s.setActive(cfg.ID, false)
		s.execute(cfg, run)
	}()
}

func (s *Scheduler) setActive(configurationID string, active bool) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if active {
		s.active[configurationID] = true
	} else {
		delete(s.active, configurationID)
	}
}

func (s *Scheduler) isActive(configurationID string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.active[configurationID]
}

// execute is the single pipeline-execution path shared by the loop, reclaim
// and Trigger. The run is bound to the scheduler's lifetime and RunTimeout,
// not to any caller's context.
func (s *Scheduler) execute(cfg report.Configuration, run *ledger.Run) *pipeline.Result {
	ctx, cancel := context.WithTimeout(s.runCtx, s.config.RunTimeout)
	defer cancel()

	s.deps.Metrics.SetInFlight(int(s.inFlight.Add(1)))
	defer func() {
		s.deps.Metrics.SetInFlight(int(s.inFlight.Add(-1)))
	}()

	stopHeartbeat := s.heartbeat(ctx, run.Key, run.ClaimToken, run.RunID)
	result := s.deps.Executor.Run(ctx, run, cfg)
	stopHeartbeat()

	state := ledger.StateFailed
	if result.Run != nil {
		state = result.Run.State
	}
	s.inbox.Send(Message{
		Type: MsgRunFinished,
		Data: RunFinishedMsg{
			ConfigurationID: cfg.ID,
			RunID:           run.RunID,
			State:           state,
			FinishedAt:      s.deps.Now(),
		},
	})
	return result
}

// heartbeat keeps a long-running claim fresh until the returned func is called
func (s *Scheduler) heartbeat(ctx context.Context, key, token, runID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := s.deps.Ledger.Heartbeat(hbCtx, key, token); err != nil {
					if hbCtx.Err() != nil {
						return
					}
					s.logger.Warn("heartbeat failed", "run_id", runID, "error", err)
					if errors.Is(err, ledger.ErrClaimLost) {
						return
					}
				}
			}
		}
	}()

	return func() {
		cancel()
		<-stopped
	}
}

// reclaim resumes runs whose process died before finishing them
func (s *Scheduler) reclaim(ctx context.Context, now time.Time) {
	res, err := s.deps.Ledger.ReclaimStale(ctx, now.Add(-s.config.StaleClaimAfter))
	if err != nil {
		s.logger.Error("failed to reclaim stale runs", "error", err)
		return
	}
	if len(res.Reclaimed) == 0 && len(res.Abandoned) == 0 {
		return
	}
	s.deps.Metrics.StaleRuns(len(res.Reclaimed), len(res.Abandoned))

	for _, run := range res.Abandoned {
		s.logger.Warn("stale run abandoned during delivery",
			"configuration_id", run.ConfigurationID,
			"run_id", run.RunID,
			"scheduled_at", run.ScheduledAt)
		s.recordFinished(run.ConfigurationID, ledger.StateFailed)
	}

	for _, run := range res.Reclaimed {
		cfg, entitled, err := s.deps.Store.GetConfiguration(ctx, run.ConfigurationID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			s.logger.Error("failed to load configuration of reclaimed run",
				"configuration_id", run.ConfigurationID,
				"run_id", run.RunID,
				"error", err)
			continue
		}
		if err != nil || !cfg.Enabled || !entitled {
			s.abandon(ctx, run, "configuration no longer enabled")
			continue
		}

		if !s.slots.TryAcquire(1) {
			s.logger.Info("no free worker slot for reclaimed run",
				"configuration_id", run.ConfigurationID,
				"run_id", run.RunID)
			continue
		}

		s.logger.Info("resuming reclaimed run",
			"configuration_id", run.ConfigurationID,
			"run_id", run.RunID,
			"scheduled_at", run.ScheduledAt,
			"attempt", run.Attempt)
		s.launch(*cfg, run)
	}
}

// abandon fails a reclaimed run without executing it
func (s *Scheduler) abandon(ctx context.Context, run *ledger.Run, reason string) {
	if err := s.deps.Ledger.Complete(ctx, run, ledger.Outcome{State: ledger.StateFailed, Error: reason}); err != nil {
		s.logger.Error("failed to fail reclaimed run", "run_id", run.RunID, "error", err)
		return
	}
	s.logger.Warn("reclaimed run failed", "run_id", run.RunID, "reason", reason)
}

// Trigger runs the pipeline for one configuration now, bypassing only the
// due check. The instant is the current minute, so a trigger racing the
// scheduled run of the same minute loses to it (or wins) through the same
// ledger claim. Trigger waits for the run to finish.
func (s *Scheduler) Trigger(ctx context.Context, configurationID string) (*TriggerResult, error) {
	cfg, entitled, err := s.deps.Store.GetConfiguration(ctx, configurationID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConfiguration, configurationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load configuration %s: %w", configurationID, err)
	}
	if !cfg.Enabled {
		return nil, &pipeline.ConfigurationError{ConfigurationID: cfg.ID, Reason: "configuration disabled"}
	}
	if !entitled {
		return nil, &pipeline.ConfigurationError{ConfigurationID: cfg.ID, Reason: "owner not entitled"}
	}
	if err := pipeline.Validate(*cfg, s.evaluator); err != nil {
		return nil, err
	}

	instant := s.deps.Now().Truncate(time.Minute)

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	res, err := s.claim(ctx, *cfg, instant, ledger.TriggerManual)
	if err != nil {
		s.slots.Release(1)
		return nil, err
	}
	if res.Outcome != ledger.ClaimAcquired {
		s.slots.Release(1)
		return &TriggerResult{Outcome: res.Outcome, Run: res.Run}, nil
	}

	s.workers.Add(1)
	defer s.workers.Done()
	defer s.slots.Release(1)

	result := s.execute(*cfg, res.Run)
	return &TriggerResult{Outcome: ledger.ClaimAcquired, Run: result.Run, Result: result}, nil
}

// Health reports configurations whose runs keep failing
func (s *Scheduler) Health(ctx context.Context) (HealthReport, error) {
	if !s.running.Load() {
		s.inbox.Drain(s.handleMessage)
		return s.healthReport(), nil
	}

	responseChan := make(chan interface{}, 1)
	if !s.inbox.Send(Message{Type: MsgGetHealth, ResponseChan: responseChan}) {
		return HealthReport{}, fmt.Errorf("scheduler: inbox full")
	}

	select {
	case resp := <-responseChan:
		return resp.(HealthReport), nil
	case <-ctx.Done():
		return HealthReport{}, ctx.Err()
	}
}

// handleMessage dispatches messages to appropriate handlers
func (s *Scheduler) handleMessage(msg Message) {
	s.logger.Debug("handling message", "type", msg.Type.String())

	switch msg.Type {
	case MsgRunFinished:
		data := msg.Data.(RunFinishedMsg)
		s.recordFinished(data.ConfigurationID, data.State)
	case MsgGetHealth:
		if msg.ResponseChan != nil {
			msg.ResponseChan <- s.healthReport()
		}
	default:
		s.logger.Warn("unknown message type", "type", msg.Type)
	}
}

// recordFinished updates the consecutive failure count of a configuration
func (s *Scheduler) recordFinished(configurationID string, state ledger.State) {
	switch state {
	case ledger.StateSucceeded:
		s.failures[configurationID] = 0
	case ledger.StateFailed:
		s.failures[configurationID]++
	default:
		return
	}

	n := s.failures[configurationID]
	s.deps.Metrics.SetConsecutiveFailures(configurationID, n)

	if n >= s.config.FailureAlertThreshold {
		s.logger.Warn("configuration failing repeatedly",
			"configuration_id", configurationID,
			"consecutive_failures", n)
	}
}

// seedFailures loads the failure streak of a configuration seen for the
// first time, so health survives restarts
func (s *Scheduler) seedFailures(ctx context.Context, configurationID string) {
	if _, ok := s.failures[configurationID]; ok {
		return
	}
	n, err := s.deps.Ledger.ConsecutiveFailures(ctx, configurationID)
	if err != nil {
		s.logger.Warn("failed to load failure streak", "configuration_id", configurationID, "error", err)
		return
	}
	s.failures[configurationID] = n
	s.deps.Metrics.SetConsecutiveFailures(configurationID, n)
}

// prune drops loop state of configurations no longer listed
func (s *Scheduler) prune(listed map[string]bool) {
	for id := range s.failures {
		if !listed[id] && !s.isActive(id) {
			delete(s.failures, id)
			s.deps.Metrics.SetConsecutiveFailures(id, 0)
		}
	}
	for id := range s.invalid {
		if !listed[id] {
			delete(s.invalid, id)
		}
	}
}

func (s *Scheduler) healthReport() HealthReport {
	h := HealthReport{
		Running:  s.running.Load(),
		InFlight: int(s.inFlight.Load()),
		Failing:  []ConfigurationHealth{},
		Invalid:  []InvalidConfiguration{},
	}

	stats := s.inbox.GetStats()
	h.InboxTimeouts = stats.TimeoutCount
	h.InboxMaxDepth = stats.MaxDepthSeen

	for id, n := range s.failures {
		if n >= s.config.FailureAlertThreshold {
			h.Failing = append(h.Failing, ConfigurationHealth{ConfigurationID: id, ConsecutiveFailures: n})
		}
	}
	sort.Slice(h.Failing, func(i, j int) bool {
		return h.Failing[i].ConfigurationID < h.Failing[j].ConfigurationID
	})

	for id, reason := range s.invalid {
		h.Invalid = append(h.Invalid, InvalidConfiguration{ConfigurationID: id, Reason: reason})
	}
	sort.Slice(h.Invalid, func(i, j int) bool {
		return h.Invalid[i].ConfigurationID < h.Invalid[j].ConfigurationID
	})

	return h
}
