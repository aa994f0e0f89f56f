package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/livinlefevreloca/digestd/internal/activity"
	"github.com/livinlefevreloca/digestd/internal/db/dbtest"
	"github.com/livinlefevreloca/digestd/internal/delivery"
	"github.com/livinlefevreloca/digestd/internal/digest"
	"github.com/livinlefevreloca/digestd/internal/ledger"
	"github.com/livinlefevreloca/digestd/internal/report"
	"github.com/livinlefevreloca/digestd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tuesday 2024-03-12 09:00 America/New_York (EDT)
var tuesday9am = time.Date(2024, 3, 12, 13, 0, 0, 0, time.UTC)

type harness struct {
	ledger     *ledger.SQLLedger
	provider   *testutil.MockProvider
	summarizer *testutil.MockSummarizer
	recorder   *StateRecorder
	runner     *Runner
	logs       *testutil.TestLogger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logs := testutil.NewTestLogger()
	logger := logs.Logger()

	h := &harness{
		ledger:     ledger.NewSQL(dbtest.New(t)),
		provider:   testutil.NewMockProvider(),
		summarizer: testutil.NewMockSummarizer("A productive day."),
		recorder:   NewStateRecorder(),
		logs:       logs,
	}

	composer := digest.NewComposer(h.summarizer, digest.Config{}, logger)
	dispatcher := delivery.NewDispatcher(&http.Client{}, delivery.Config{
		MaxAttempts:    2,
		BaseDelay:      time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		AttemptTimeout: time.Second,
		MaxParallel:    4,
	}, logger, nil)

	h.runner = NewRunner(Deps{
		Ledger:    h.ledger,
		Collector: activity.NewCollector(h.provider, time.Second, logger),
		Composer:  composer,
		Deliverer: dispatcher,
	}, Config{
		MaxAttempts:      3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
		FirstRunLookback: 24 * time.Hour,
		CompleteTimeout:  time.Second,
	}, logger)
	h.runner.SetRecorder(h.recorder)
	return h
}

func (h *harness) claim(t *testing.T, cfgID string, at time.Time) *ledger.Run {
	t.Helper()
	res, err := h.ledger.Claim(context.Background(), ledger.ClaimRequest{ConfigurationID: cfgID, ScheduledAt: at})
	require.NoError(t, err)
	require.Equal(t, ledger.ClaimAcquired, res.Outcome)
	return res.Run
}

func webhook(t *testing.T, status int, hits *int32) report.Target {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return report.Target{ID: srv.URL, URL: srv.URL, Channel: report.ChannelSlack}
}

func config(targets ...report.Target) report.Configuration {
	return *dbtest.MakeConfiguration("cfg-1", targets...)
}

// ============================================================================
// Happy path
// ============================================================================

func TestRun_DeliversAndAdvancesWatermark(t *testing.T) {
	h := newHarness(t)
	h.provider.SetChanges(testutil.Commits(5, tuesday9am.Add(-6*time.Hour)))

	var hits int32
	cfg := config(webhook(t, http.StatusOK, &hits))
	run := h.claim(t, cfg.ID, tuesday9am)

	res := h.runner.Run(context.Background(), run, cfg)

	require.NoError(t, res.Err)
	assert.False(t, res.Suppressed)
	assert.Equal(t, ledger.StateSucceeded, res.Run.State)
	assert.Equal(t, 5, res.Run.ActivityCount)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, []string{"claimed", "collecting", "composing", "delivering", "succeeded"}, h.recorder.Path())

	watermark, ok, err := h.ledger.LatestSucceeded(context.Background(), cfg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, watermark.Equal(tuesday9am))

	stored, err := h.ledger.Get(context.Background(), run.Key)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateSucceeded, stored.State)
	require.Len(t, stored.Deliveries, 1)
	assert.True(t, stored.Deliveries[0].Delivered)
}

func TestRun_CollectsFromWatermark(t *testing.T) {
	h := newHarness(t)
	cfg := config(webhook(t, http.StatusOK, new(int32)))
	monday := tuesday9am.Add(-24 * time.Hour)

	h.provider.SetChanges(testutil.Commits(2, monday.Add(-time.Hour)))
	first := h.runner.Run(context.Background(), h.claim(t, cfg.ID, monday), cfg)
	require.NoError(t, first.Err)

	h.provider.SetChanges(testutil.Commits(3, monday.Add(time.Hour)))
	second := h.runner.Run(context.Background(), h.claim(t, cfg.ID, tuesday9am), cfg)
	require.NoError(t, second.Err)

	queries := h.provider.Queries()
	require.Len(t, queries, 2)
	assert.True(t, queries[0].Since.Equal(monday.Add(-24*time.Hour)), "first run looks back one day")
	assert.True(t, queries[0].Until.Equal(monday))
	assert.True(t, queries[1].Since.Equal(monday), "second run starts at the previous success")
	assert.True(t, queries[1].Until.Equal(tuesday9am))
}

// ============================================================================
// No activity
// ============================================================================

func TestRun_SuppressedWhenNoActivityAndNoNotice(t *testing.T) {
	h := newHarness(t)

	var hits int32
	cfg := config(webhook(t, http.StatusOK, &hits))
	cfg.Formatting.OnNoUpdates = false

	res := h.runner.Run(context.Background(), h.claim(t, cfg.ID, tuesday9am), cfg)

	require.NoError(t, res.Err)
	assert.True(t, res.Suppressed)
	assert.Equal(t, ledger.StateSucceeded, res.Run.State)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits), "no delivery attempts")
	assert.Empty(t, res.Run.Deliveries)
	assert.Equal(t, 0, h.summarizer.CallCount())
	assert.Equal(t, []string{"claimed", "collecting", "composing", "succeeded"}, h.recorder.Path())
}

func TestRun_NoActivityNotice(t *testing.T) {
	h := newHarness(t)

	var hits int32
	cfg := config(webhook(t, http.StatusOK, &hits))
	cfg.Formatting.OnNoUpdates = true

	res := h.runner.Run(context.Background(), h.claim(t, cfg.ID, tuesday9am), cfg)

	require.NoError(t, res.Err)
	require.NotNil(t, res.Digest)
	assert.True(t, res.Digest.NoActivity)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRun_CollectionErrorIsNeverSuppressed(t *testing.T) {
	h := newHarness(t)
	h.provider.FailNext(activity.NewCollectionError("list commits", 404, errors.New("not found"), false))

	var hits int32
	cfg := config(webhook(t, http.StatusOK, &hits))
	cfg.Formatting.OnNoUpdates = false

	res := h.runner.Run(context.Background(), h.claim(t, cfg.ID, tuesday9am), cfg)

	var collErr *activity.CollectionError
	require.ErrorAs(t, res.Err, &collErr)
	assert.False(t, res.Suppressed)
	assert.Equal(t, ledger.StateFailed, res.Run.State)
	assert.Equal(t, 1, h.provider.CallCount(), "permanent errors are not retried")
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))

	_, ok, err := h.ledger.LatestSucceeded(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a failed run does not advance the watermark")
}

// ============================================================================
// Retries
// ============================================================================

func TestRun_RetriesTransientCollectionErrors(t *testing.T) {
	h := newHarness(t)
	h.provider.SetChanges(testutil.Commits(1, tuesday9am.Add(-time.Hour)))
	h.provider.FailNext(
		activity.NewCollectionError("list commits", 503, errors.New("unavailable"), true),
		activity.NewCollectionError("list commits", 429, errors.New("slow down"), true),
	)

	cfg := config(webhook(t, http.StatusOK, new(int32)))
	res := h.runner.Run(context.Background(), h.claim(t, cfg.ID, tuesday9am), cfg)

	require.NoError(t, res.Err)
	assert.Equal(t, 3, h.provider.CallCount())
	assert.Equal(t, ledger.StateSucceeded, res.Run.State)
}

func TestRun_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.provider.SetChanges(testutil.Commits(1, tuesday9am.Add(-time.Hour)))
	transient := activity.NewCollectionError("list commits", 502, errors.New("bad gateway"), true)
	h.provider.FailNext(transient, transient, transient, transient)

	cfg := config(webhook(t, http.StatusOK, new(int32)))
	res := h.runner.Run(context.Background(), h.claim(t, cfg.ID, tuesday9am), cfg)

	require.Error(t, res.Err)
	assert.Equal(t, 3, h.provider.CallCount())
	assert.Equal(t, ledger.StateFailed, res.Run.State)
	assert.Contains(t, res.Run.ErrorDetail, "bad gateway")
}

func TestRun_RetriesTransientCompositionErrors(t *testing.T) {
	h := newHarness(t)
	h.provider.SetChanges(testutil.Commits(2, tuesday9am.Add(-time.Hour)))
	h.summarizer.FailNext(errors.New("model overloaded"))

	cfg := config(webhook(t, http.StatusOK, new(int32)))
	res := h.runner.Run(context.Background(), h.claim(t, cfg.ID, tuesday9am), cfg)

	require.NoError(t, res.Err)
	assert.Equal(t, 2, h.summarizer.CallCount())
	assert.Equal(t, 1, h.provider.CallCount(), "composition retries do not re-collect")
}

// ============================================================================
// Delivery outcomes
// ============================================================================

func TestRun_PartialDeliverySucceedsWithWarnings(t *testing.T) {
	h := newHarness(t)
	h.provider.SetChanges(testutil.Commits(3, tuesday9am.Add(-time.Hour)))

	var ok1, bad, ok3 int32
	cfg := config(
		webhook(t, http.StatusOK, &ok1),
		webhook(t, http.StatusGone, &bad),
		webhook(t, http.StatusOK, &ok3),
	)

	res := h.runner.Run(context.Background(), h.claim(t, cfg.ID, tuesday9am), cfg)

	var partial *delivery.PartialDeliveryError
	require.ErrorAs(t, res.Err, &partial)
	assert.Equal(t, ledger.StateSucceeded, res.Run.State)
	assert.True(t, res.Run.HasWarnings())
	assert.Equal(t, int32(1), atomic.LoadInt32(&ok1))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ok3))

	stored, err := h.ledger.Get(context.Background(), res.Run.Key)
	require.NoError(t, err)
	require.Len(t, stored.Deliveries, 3)
	assert.False(t, stored.Deliveries[1].Delivered)
	assert.Equal(t, http.StatusGone, stored.Deliveries[1].StatusCode)
	assert.NotEmpty(t, stored.ErrorDetail)
}

func TestRun_TotalDeliveryFailureFails(t *testing.T) {
	h := newHarness(t)
	h.provider.SetChanges(testutil.Commits(1, tuesday9am.Add(-time.Hour)))

	cfg := config(webhook(t, http.StatusForbidden, new(int32)), webhook(t, http.StatusNotFound, new(int32)))
	res := h.runner.Run(context.Background(), h.claim(t, cfg.ID, tuesday9am), cfg)

	var total *delivery.TotalDeliveryError
	require.ErrorAs(t, res.Err, &total)
	assert.Equal(t, ledger.StateFailed, res.Run.State)
	assert.Equal(t, []string{"claimed", "collecting", "composing", "delivering", "failed"}, h.recorder.Path())
}

// ============================================================================
// Failure containment
// ============================================================================

func TestRun_PanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.provider.SetChanges(testutil.Commits(1, tuesday9am.Add(-time.Hour)))
	h.summarizer.PanicWith("summarizer exploded")

	cfg := config(webhook(t, http.StatusOK, new(int32)))
	res := h.runner.Run(context.Background(), h.claim(t, cfg.ID, tuesday9am), cfg)

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "summarizer exploded")
	assert.Equal(t, ledger.StateFailed, res.Run.State)
}

func TestRun_TimeoutIsRecordedAsFailed(t *testing.T) {
	h := newHarness(t)
	h.provider.SetChanges(testutil.Commits(1, tuesday9am.Add(-time.Hour)))
	h.provider.SetDelay(time.Second)

	cfg := config(webhook(t, http.StatusOK, new(int32)))
	run := h.claim(t, cfg.ID, tuesday9am)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := h.runner.Run(ctx, run, cfg)

	require.Error(t, res.Err)
	assert.Equal(t, ledger.StateFailed, res.Run.State)

	stored, err := h.ledger.Get(context.Background(), run.Key)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, stored.State, "terminal state is written after the deadline")
}

func TestRun_NoTargetsIsConfigurationError(t *testing.T) {
	h := newHarness(t)

	cfg := config()
	res := h.runner.Run(context.Background(), h.claim(t, cfg.ID, tuesday9am), cfg)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, res.Err, &cfgErr)
	assert.Equal(t, ledger.StateFailed, res.Run.State)
	assert.Equal(t, 0, h.provider.CallCount())
}

func TestRun_LostClaimIsNotOverwritten(t *testing.T) {
	h := newHarness(t)
	h.provider.SetChanges(testutil.Commits(1, tuesday9am.Add(-time.Hour)))

	cfg := config(webhook(t, http.StatusOK, new(int32)))
	run := h.claim(t, cfg.ID, tuesday9am)
	run.ClaimToken = "someone-else"

	res := h.runner.Run(context.Background(), run, cfg)

	require.ErrorIs(t, res.Err, ledger.ErrClaimLost)
	stored, err := h.ledger.Get(context.Background(), run.Key)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateClaimed, stored.State, "the real owner's record is untouched")
}

func TestRun_OnlyClaimedRunsStart(t *testing.T) {
	h := newHarness(t)
	h.provider.SetChanges(testutil.Commits(3, tuesday9am.Add(-time.Hour)))

	var hits int32
	cfg := config(webhook(t, http.StatusOK, &hits))
	run := h.claim(t, cfg.ID, tuesday9am)
	require.NoError(t, h.ledger.Transition(context.Background(), run, ledger.StateCollecting))
	require.NoError(t, h.ledger.Transition(context.Background(), run, ledger.StateComposing))

	res := h.runner.Run(context.Background(), run, cfg)

	require.Error(t, res.Err)
	assert.Equal(t, ledger.StateFailed, res.Run.State)
	assert.False(t, res.Suppressed, "a window with commits must never read as empty")
	assert.Equal(t, 0, h.provider.CallCount())
	assert.Equal(t, 0, h.summarizer.CallCount())
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
	assert.Equal(t, []string{"claimed", "failed"}, h.recorder.Path())

	_, ok, err := h.ledger.LatestSucceeded(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

type failingArchiver struct{ calls int32 }

func (a *failingArchiver) Archive(context.Context, *ledger.Run, *digest.Digest) error {
	atomic.AddInt32(&a.calls, 1)
	return errors.New("redis down")
}

func TestRun_ArchiveFailureOnlyLogs(t *testing.T) {
	h := newHarness(t)
	archiver := &failingArchiver{}
	h.runner.deps.Archiver = archiver
	h.provider.SetChanges(testutil.Commits(1, tuesday9am.Add(-time.Hour)))

	cfg := config(webhook(t, http.StatusOK, new(int32)))
	res := h.runner.Run(context.Background(), h.claim(t, cfg.ID, tuesday9am), cfg)

	require.NoError(t, res.Err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&archiver.calls))
	assert.Equal(t, ledger.StateSucceeded, res.Run.State)

	var archiveWarnings int
	for _, entry := range h.logs.GetEntriesByLevel("WARN") {
		if entry.Message == "failed to archive digest" {
			archiveWarnings++
		}
	}
	assert.Equal(t, 1, archiveWarnings)
}
