package activity

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/livinlefevreloca/digestd/internal/report"
)

// Collector fetches activity for a configuration's repository and branch
// and normalizes it into a Batch
type Collector struct {
	provider Provider
	timeout  time.Duration
	logger   *slog.Logger
}

// NewCollector creates a collector. timeout bounds each provider call;
// zero leaves it to the caller's context.
func NewCollector(provider Provider, timeout time.Duration, logger *slog.Logger) *Collector {
	return &Collector{
		provider: provider,
		timeout:  timeout,
		logger:   logger,
	}
}

// Collect returns the changes in [since, until). since must be the
// configuration's last succeeded instant so consecutive runs neither
// overlap nor leave a gap.
//
// Returns ErrNoActivity when the provider succeeded with nothing to report,
// and a *CollectionError on failure.
func (c *Collector) Collect(ctx context.Context, cfg report.Configuration, since, until time.Time) (*Batch, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := c.provider.FetchActivity(callCtx, Query{
		Repository: cfg.Repository,
		Branch:     cfg.Branch,
		Since:      since,
		Until:      until,
	})
	if err != nil {
		// The per-call deadline expired while the run still has time left.
		// Providers only see the call's context and cannot tell the two apart.
		timedOut := ctx.Err() == nil &&
			(errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded))

		var collErr *CollectionError
		if errors.As(err, &collErr) {
			if timedOut && !collErr.Retryable() {
				return nil, NewCollectionError(collErr.Op, collErr.StatusCode, collErr.Err, true)
			}
			return nil, collErr
		}
		// Unclassified provider failures are treated as transient unless the
		// run's own context is gone.
		return nil, NewCollectionError("fetch activity", 0, err, ctx.Err() == nil)
	}

	changes := normalize(raw, since, until)

	c.logger.Debug("collected activity",
		"configuration_id", cfg.ID,
		"repository", cfg.Repository,
		"branch", cfg.Branch,
		"since", since,
		"until", until,
		"fetched", len(raw),
		"kept", len(changes))

	if len(changes) == 0 {
		return nil, ErrNoActivity
	}

	return &Batch{
		ConfigurationID: cfg.ID,
		Repository:      cfg.Repository,
		Branch:          cfg.Branch,
		Since:           since,
		Until:           until,
		Changes:         changes,
	}, nil
}

// normalize keeps changes in [since, until), drops duplicate IDs and sorts
// oldest first. Providers may round window bounds, so the filter is applied
// here regardless of what the query asked for.
func normalize(raw []Change, since, until time.Time) []Change {
	seen := make(map[string]struct{}, len(raw))
	out := make([]Change, 0, len(raw))
	for _, ch := range raw {
		if !since.IsZero() && ch.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && !ch.Timestamp.Before(until) {
			continue
		}
		if ch.ID != "" {
			if _, dup := seen[ch.ID]; dup {
				continue
			}
			seen[ch.ID] = struct{}{}
		}
		out = append(out, ch)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
