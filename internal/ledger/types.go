package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrClaimLost is returned when a run's claim token no longer matches
	// the stored record, i.e. the run was reclaimed or completed elsewhere
	ErrClaimLost = errors.New("ledger: claim lost")

	// ErrInvalidTransition is returned for a backwards or sideways move
	ErrInvalidTransition = errors.New("ledger: invalid state transition")
)

// State is the lifecycle position of a run record
type State string

const (
	StateClaimed    State = "claimed"
	StateCollecting State = "collecting"
	StateComposing  State = "composing"
	StateDelivering State = "delivering"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

func (s State) ordinal() int {
	switch s {
	case StateClaimed:
		return 1
	case StateCollecting:
		return 2
	case StateComposing:
		return 3
	case StateDelivering:
		return 4
	case StateSucceeded, StateFailed:
		return 5
	default:
		return 0
	}
}

// Terminal reports whether no further transitions are allowed
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// CanTransition reports whether moving from s to next is a forward move
func (s State) CanTransition(next State) bool {
	if s.Terminal() || next.ordinal() == 0 {
		return false
	}
	return next.ordinal() > s.ordinal()
}

// Trigger records what started a run
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// TargetOutcome is the recorded delivery result for one target
type TargetOutcome struct {
	TargetID   string `json:"target_id"`
	Channel    string `json:"channel"`
	Delivered  bool   `json:"delivered"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Run is one RunRecord: a (configuration, scheduled instant) pair
type Run struct {
	Key             string
	RunID           string
	ConfigurationID string
	ScheduledAt     time.Time
	State           State
	Attempt         int
	ClaimToken      string
	Trigger         Trigger
	ClaimedAt       time.Time
	HeartbeatAt     time.Time
	CompletedAt     *time.Time
	ErrorDetail     string
	Deliveries      []TargetOutcome
	ActivityCount   int
}

// HasWarnings reports a succeeded run where at least one target failed
func (r *Run) HasWarnings() bool {
	if r.State != StateSucceeded {
		return false
	}
	for _, d := range r.Deliveries {
		if !d.Delivered {
			return true
		}
	}
	return false
}

// ClaimOutcome is the result of a claim attempt. Anything other than
// ClaimAcquired means the caller must not run the pipeline.
type ClaimOutcome int

const (
	ClaimAcquired ClaimOutcome = iota
	ClaimAlreadyClaimed
	ClaimAlreadySucceeded
	ClaimAlreadyFailed
	ClaimSuperseded
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimAcquired:
		return "acquired"
	case ClaimAlreadyClaimed:
		return "already_claimed"
	case ClaimAlreadySucceeded:
		return "already_succeeded"
	case ClaimAlreadyFailed:
		return "already_failed"
	case ClaimSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// ClaimRequest asks for exclusive execution of one scheduled instant
type ClaimRequest struct {
	ConfigurationID string
	ScheduledAt     time.Time
	Trigger         Trigger
}

// ClaimResult carries the claimed run when acquired, otherwise the record
// that blocked the claim if there is one
type ClaimResult struct {
	Outcome ClaimOutcome
	Run     *Run
}

// Outcome is what a finished pipeline reports to Complete
type Outcome struct {
	State         State // StateSucceeded or StateFailed
	Error         string
	Deliveries    []TargetOutcome
	ActivityCount int
}

// ReclaimResult lists the stale runs handled by ReclaimStale
type ReclaimResult struct {
	Reclaimed []*Run // re-tokened, ready to execute again
	Abandoned []*Run // stale while delivering, marked failed
}

// Ledger is the durable run record store and the single source of
// mutual exclusion for pipeline execution
type Ledger interface {
	Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error)
	Transition(ctx context.Context, run *Run, next State) error
	Heartbeat(ctx context.Context, key, claimToken string) error
	Complete(ctx context.Context, run *Run, outcome Outcome) error
	ReclaimStale(ctx context.Context, cutoff time.Time) (ReclaimResult, error)
	LatestSucceeded(ctx context.Context, configurationID string) (time.Time, bool, error)
	Get(ctx context.Context, key string) (*Run, error)
	Recent(ctx context.Context, configurationID string, limit int) ([]*Run, error)
	ConsecutiveFailures(ctx context.Context, configurationID string) (int, error)
}

// IdempotencyKey derives the ledger key of a (configuration, instant) pair
func IdempotencyKey(configurationID string, scheduledAt time.Time) string {
	sum := sha256.Sum256([]byte(configurationID + "|" + strconv.FormatInt(scheduledAt.Unix(), 10)))
	return hex.EncodeToString(sum[:])
}

// runID generates a readable run identifier for one attempt of an instant
func runID(configurationID string, scheduledAt time.Time, attempt int) string {
	return fmt.Sprintf("%s:%d:%d", configurationID, scheduledAt.Unix(), attempt)
}
