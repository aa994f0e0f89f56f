package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/digestd/internal/db"
)

const abandonedDetail = "abandoned during delivery"

const runColumns = `
	idempotency_key, run_id, configuration_id, scheduled_at, state, attempt, claim_token,
	trigger_kind, claimed_at, heartbeat_at, completed_at, error_detail, deliveries_json, activity_count`

// SQLLedger stores run records in the run_records table
type SQLLedger struct {
	db  *db.DB
	now func() time.Time
}

// Option configures a SQLLedger
type Option func(*SQLLedger)

// WithClock overrides the time source used for claim and heartbeat stamps
func WithClock(now func() time.Time) Option {
	return func(l *SQLLedger) {
		l.now = now
	}
}

// NewSQL creates a ledger backed by database
func NewSQL(database *db.DB, opts ...Option) *SQLLedger {
	l := &SQLLedger{
		db:  database,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ Ledger = (*SQLLedger)(nil)

// queryer is satisfied by both *db.DB and *db.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Claim atomically creates the run record for (configuration, instant).
// Exactly one of any number of concurrent callers receives ClaimAcquired.
func (l *SQLLedger) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	if req.Trigger == "" {
		req.Trigger = TriggerSchedule
	}
	scheduledAt := req.ScheduledAt.Truncate(time.Second)
	now := l.now().UTC()

	run := &Run{
		Key:             IdempotencyKey(req.ConfigurationID, scheduledAt),
		RunID:           runID(req.ConfigurationID, scheduledAt, 1),
		ConfigurationID: req.ConfigurationID,
		ScheduledAt:     scheduledAt.UTC(),
		State:           StateClaimed,
		Attempt:         1,
		ClaimToken:      uuid.New().String(),
		Trigger:         req.Trigger,
		ClaimedAt:       now.Truncate(time.Second),
		HeartbeatAt:     now.Truncate(time.Second),
	}

	var result ClaimResult
	err := l.db.WithTransaction(ctx, func(tx *db.Tx) error {
		latest, ok, err := latestSucceeded(ctx, tx, req.ConfigurationID)
		if err != nil {
			return fmt.Errorf("read watermark: %w", err)
		}
		if ok && !scheduledAt.After(latest) {
			existing, err := getRun(ctx, tx, run.Key)
			if err == nil && existing.State == StateSucceeded {
				result = ClaimResult{Outcome: ClaimAlreadySucceeded, Run: existing}
				return nil
			}
			if err != nil && !db.IsNotFound(err) {
				return err
			}
			result = ClaimResult{Outcome: ClaimSuperseded, Run: existing}
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO run_records (
				idempotency_key, run_id, configuration_id, scheduled_at, state, attempt,
				claim_token, trigger_kind, claimed_at, heartbeat_at, activity_count
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT DO NOTHING
		`,
			run.Key, run.RunID, run.ConfigurationID, run.ScheduledAt.Unix(), string(run.State), run.Attempt,
			run.ClaimToken, string(run.Trigger), run.ClaimedAt.Unix(), run.HeartbeatAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert run record: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 1 {
			result = ClaimResult{Outcome: ClaimAcquired, Run: run}
			return nil
		}

		existing, err := getRun(ctx, tx, run.Key)
		if db.IsNotFound(err) {
			// Same key is free, so another instant of this configuration is in flight
			active, err := activeRun(ctx, tx, req.ConfigurationID)
			if err != nil && !db.IsNotFound(err) {
				return err
			}
			result = ClaimResult{Outcome: ClaimAlreadyClaimed, Run: active}
			return nil
		}
		if err != nil {
			return err
		}

		switch existing.State {
		case StateSucceeded:
			result = ClaimResult{Outcome: ClaimAlreadySucceeded, Run: existing}
		case StateFailed:
			result = ClaimResult{Outcome: ClaimAlreadyFailed, Run: existing}
		default:
			result = ClaimResult{Outcome: ClaimAlreadyClaimed, Run: existing}
		}
		return nil
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim %s at %s: %w", req.ConfigurationID, scheduledAt.UTC().Format(time.RFC3339), err)
	}

	return result, nil
}

// Transition moves a run forward to a non-terminal state and refreshes its
// heartbeat. It fails with ErrClaimLost if the caller no longer owns the run.
func (l *SQLLedger) Transition(ctx context.Context, run *Run, next State) error {
	if next.Terminal() || !run.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.State, next)
	}

	now := l.now().UTC().Truncate(time.Second)
	res, err := l.db.ExecContext(ctx, `
		UPDATE run_records SET state = ?, heartbeat_at = ?
		WHERE idempotency_key = ? AND claim_token = ? AND state = ?
	`, string(next), now.Unix(), run.Key, run.ClaimToken, string(run.State))
	if err != nil {
		return fmt.Errorf("transition %s: %w", run.RunID, err)
	}
	if err := expectOne(res, run); err != nil {
		return err
	}

	run.State = next
	run.HeartbeatAt = now
	return nil
}

// Heartbeat marks an in-flight run as still alive. It takes the key and
// token rather than the run so it can be called while the pipeline owns the
// record.
func (l *SQLLedger) Heartbeat(ctx context.Context, key, claimToken string) error {
	now := l.now().UTC().Truncate(time.Second)
	res, err := l.db.ExecContext(ctx, `
		UPDATE run_records SET heartbeat_at = ?
		WHERE idempotency_key = ? AND claim_token = ? AND state NOT IN ('succeeded', 'failed')
	`, now.Unix(), key, claimToken)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: heartbeat %s", ErrClaimLost, key)
	}
	return nil
}

// Complete records the terminal outcome of a run
func (l *SQLLedger) Complete(ctx context.Context, run *Run, outcome Outcome) error {
	if !outcome.State.Terminal() {
		return fmt.Errorf("%w: completing with non-terminal state %s", ErrInvalidTransition, outcome.State)
	}
	if run.State.Terminal() {
		return fmt.Errorf("%w: run %s already %s", ErrInvalidTransition, run.RunID, run.State)
	}

	var deliveries sql.NullString
	if len(outcome.Deliveries) > 0 {
		encoded, err := json.Marshal(outcome.Deliveries)
		if err != nil {
			return fmt.Errorf("encode deliveries: %w", err)
		}
		deliveries = sql.NullString{String: string(encoded), Valid: true}
	}
	errDetail := sql.NullString{String: outcome.Error, Valid: outcome.Error != ""}

	now := l.now().UTC().Truncate(time.Second)
	res, err := l.db.ExecContext(ctx, `
		UPDATE run_records
		SET state = ?, completed_at = ?, heartbeat_at = ?, error_detail = ?, deliveries_json = ?, activity_count = ?
		WHERE idempotency_key = ? AND claim_token = ? AND state NOT IN ('succeeded', 'failed')
	`,
		string(outcome.State), now.Unix(), now.Unix(), errDetail, deliveries, outcome.ActivityCount,
		run.Key, run.ClaimToken,
	)
	if err != nil {
		return fmt.Errorf("complete %s: %w", run.RunID, err)
	}
	if err := expectOne(res, run); err != nil {
		return err
	}

	run.State = outcome.State
	run.CompletedAt = &now
	run.HeartbeatAt = now
	run.ErrorDetail = outcome.Error
	run.Deliveries = outcome.Deliveries
	run.ActivityCount = outcome.ActivityCount
	return nil
}

// ReclaimStale finds in-flight runs whose heartbeat is older than cutoff.
// Runs that had not started delivering are re-tokened for another attempt;
// runs stale while delivering are failed since targets may already have
// received the digest.
func (l *SQLLedger) ReclaimStale(ctx context.Context, cutoff time.Time) (ReclaimResult, error) {
	var result ReclaimResult
	now := l.now().UTC().Truncate(time.Second)

	err := l.db.WithTransaction(ctx, func(tx *db.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT`+runColumns+`
			FROM run_records
			WHERE state NOT IN ('succeeded', 'failed') AND heartbeat_at < ?
			ORDER BY scheduled_at
		`, cutoff.Unix())
		if err != nil {
			return err
		}
		stale, err := scanRuns(rows)
		if err != nil {
			return err
		}

		for _, run := range stale {
			if run.State == StateDelivering {
				_, err := tx.ExecContext(ctx, `
					UPDATE run_records SET state = 'failed', completed_at = ?, error_detail = ?
					WHERE idempotency_key = ? AND claim_token = ?
				`, now.Unix(), abandonedDetail, run.Key, run.ClaimToken)
				if err != nil {
					return fmt.Errorf("abandon %s: %w", run.RunID, err)
				}
				run.State = StateFailed
				run.CompletedAt = &now
				run.ErrorDetail = abandonedDetail
				result.Abandoned = append(result.Abandoned, run)
				continue
			}

			token := uuid.New().String()
			attempt := run.Attempt + 1
			id := runID(run.ConfigurationID, run.ScheduledAt, attempt)
			_, err := tx.ExecContext(ctx, `
				UPDATE run_records
				SET state = 'claimed', claim_token = ?, run_id = ?, attempt = ?, claimed_at = ?, heartbeat_at = ?
				WHERE idempotency_key = ? AND claim_token = ?
			`, token, id, attempt, now.Unix(), now.Unix(), run.Key, run.ClaimToken)
			if err != nil {
				return fmt.Errorf("reclaim %s: %w", run.RunID, err)
			}
			run.State = StateClaimed
			run.ClaimToken = token
			run.RunID = id
			run.Attempt = attempt
			run.ClaimedAt = now
			run.HeartbeatAt = now
			result.Reclaimed = append(result.Reclaimed, run)
		}
		return nil
	})
	if err != nil {
		return ReclaimResult{}, fmt.Errorf("reclaim stale runs: %w", err)
	}

	return result, nil
}

// LatestSucceeded returns the watermark of a configuration
func (l *SQLLedger) LatestSucceeded(ctx context.Context, configurationID string) (time.Time, bool, error) {
	return latestSucceeded(ctx, l.db, configurationID)
}

// Get returns a run by idempotency key
func (l *SQLLedger) Get(ctx context.Context, key string) (*Run, error) {
	return getRun(ctx, l.db, key)
}

// Recent returns the latest runs of a configuration, newest first
func (l *SQLLedger) Recent(ctx context.Context, configurationID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT`+runColumns+`
		FROM run_records
		WHERE configuration_id = ?
		ORDER BY scheduled_at DESC
		LIMIT ?
	`, configurationID, limit)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// ConsecutiveFailures counts failed runs since the latest success
func (l *SQLLedger) ConsecutiveFailures(ctx context.Context, configurationID string) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM run_records
		WHERE configuration_id = ? AND state = 'failed'
		AND scheduled_at > COALESCE(
			(SELECT MAX(scheduled_at) FROM run_records WHERE configuration_id = ? AND state = 'succeeded'),
			-1
		)
	`, configurationID, configurationID).Scan(&count)
	return count, err
}

func latestSucceeded(ctx context.Context, q queryer, configurationID string) (time.Time, bool, error) {
	var latest sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT MAX(scheduled_at) FROM run_records
		WHERE configuration_id = ? AND state = 'succeeded'
	`, configurationID).Scan(&latest)
	if err != nil {
		return time.Time{}, false, err
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(latest.Int64, 0).UTC(), true, nil
}

func getRun(ctx context.Context, q queryer, key string) (*Run, error) {
	run, err := scanRun(q.QueryRowContext(ctx, `SELECT`+runColumns+` FROM run_records WHERE idempotency_key = ?`, key))
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	return run, err
}

func activeRun(ctx context.Context, q queryer, configurationID string) (*Run, error) {
	run, err := scanRun(q.QueryRowContext(ctx, `
		SELECT`+runColumns+` FROM run_records
		WHERE configuration_id = ? AND state NOT IN ('succeeded', 'failed')
	`, configurationID))
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	return run, err
}

func expectOne(res sql.Result, run *Run) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: run %s", ErrClaimLost, run.RunID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                            Run
		scheduledAt, claimedAt, beatAt int64
		completedAt                    sql.NullInt64
		errDetail, deliveries          sql.NullString
		state, trigger                 string
	)

	err := row.Scan(
		&run.Key, &run.RunID, &run.ConfigurationID, &scheduledAt, &state, &run.Attempt, &run.ClaimToken,
		&trigger, &claimedAt, &beatAt, &completedAt, &errDetail, &deliveries, &run.ActivityCount,
	)
	if err != nil {
		return nil, err
	}

	run.ScheduledAt = time.Unix(scheduledAt, 0).UTC()
	run.State = State(state)
	run.Trigger = Trigger(trigger)
	run.ClaimedAt = time.Unix(claimedAt, 0).UTC()
	run.HeartbeatAt = time.Unix(beatAt, 0).UTC()
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		run.CompletedAt = &t
	}
	run.ErrorDetail = errDetail.String
	if deliveries.Valid && deliveries.String != "" {
		if err := json.Unmarshal([]byte(deliveries.String), &run.Deliveries); err != nil {
			return nil, fmt.Errorf("decode deliveries of %s: %w", run.RunID, err)
		}
	}

	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
