package pipeline

import (
	"sync"

	"github.com/livinlefevreloca/digestd/internal/ledger"
)

// State is the interface that all pipeline states implement. Each concrete
// state exposes only the transitions that are legal from it.
type State interface {
	Name() string
	ledgerState() ledger.State
}

// ClaimedState - run record exists, nothing done yet
type ClaimedState struct{}

func (s *ClaimedState) Name() string              { return "claimed" }
func (s *ClaimedState) ledgerState() ledger.State { return ledger.StateClaimed }
func (s *ClaimedState) ToCollecting() *CollectingState {
	return &CollectingState{}
}
func (s *ClaimedState) ToFailed() *FailedState {
	return &FailedState{}
}

// CollectingState - fetching activity since the watermark
type CollectingState struct{}

func (s *CollectingState) Name() string              { return "collecting" }
func (s *CollectingState) ledgerState() ledger.State { return ledger.StateCollecting }
func (s *CollectingState) ToComposing() *ComposingState {
	return &ComposingState{}
}
func (s *CollectingState) ToFailed() *FailedState {
	return &FailedState{}
}

// ComposingState - summarizing and rendering the digest
type ComposingState struct{}

func (s *ComposingState) Name() string              { return "composing" }
func (s *ComposingState) ledgerState() ledger.State { return ledger.StateComposing }
func (s *ComposingState) ToDelivering() *DeliveringState {
	return &DeliveringState{}
}

// ToSucceeded is only taken when the digest was suppressed
func (s *ComposingState) ToSucceeded() *SucceededState {
	return &SucceededState{}
}
func (s *ComposingState) ToFailed() *FailedState {
	return &FailedState{}
}

// DeliveringState - posting to targets
type DeliveringState struct{}

func (s *DeliveringState) Name() string              { return "delivering" }
func (s *DeliveringState) ledgerState() ledger.State { return ledger.StateDelivering }
func (s *DeliveringState) ToSucceeded() *SucceededState {
	return &SucceededState{}
}
func (s *DeliveringState) ToFailed() *FailedState {
	return &FailedState{}
}

// SucceededState - terminal
type SucceededState struct{}

func (s *SucceededState) Name() string              { return "succeeded" }
func (s *SucceededState) ledgerState() ledger.State { return ledger.StateSucceeded }

// FailedState - terminal
type FailedState struct{}

func (s *FailedState) Name() string              { return "failed" }
func (s *FailedState) ledgerState() ledger.State { return ledger.StateFailed }

// StateRecorder tracks state transitions for testing
type StateRecorder struct {
	mu   sync.Mutex
	path []string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]string, 0)}
}

func (r *StateRecorder) Record(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.path = append(r.path, state.Name())
}

func (r *StateRecorder) Path() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.path))
	copy(out, r.path)
	return out
}
