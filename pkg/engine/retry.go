package engine

import (
	"github.com/openfroyo/processor/pkg/kvstore"
)

// RetryDecision is the tracker's verdict on a failed attempt.
type RetryDecision struct {
	// Retry is true when the batch should be re-enqueued at the back.
	Retry bool

	// State is the updated retry state when Retry is true.
	State RetryState
}

// RetryTracker keeps per-execution retry counters and decides whether a
// failed attempt is retried or terminal.
type RetryTracker struct {
	state *stateStore
}

// NewRetryTracker creates a retry tracker.
func NewRetryTracker() *RetryTracker {
	return &RetryTracker{state: newStateStore()}
}

// OnFailure applies logic to a failed attempt of batch id at now.
//
//   - no logic: terminal
//   - Amount(max) with count < max: count+1, next eligible = now + interval
//   - Amount(max) with count >= max: terminal
//   - Indefinitely: count+1, next eligible = now + interval
//
// A terminal decision deletes the retry state.
func (t *RetryTracker) OnFailure(rw kvstore.ReadWriter, id uint64, logic *RetryLogic, now BlockInfo) (RetryDecision, error) {
	if logic == nil {
		return RetryDecision{}, t.state.clearRetryState(rw, id)
	}

	st, err := t.state.retryState(rw, id)
	if err != nil {
		return RetryDecision{}, err
	}
	var count uint64
	if st != nil {
		count = st.RetryAmounts
	}

	if logic.Times.Kind == RetryTimesAmount && count >= logic.Times.Amount {
		return RetryDecision{}, t.state.clearRetryState(rw, id)
	}

	next := RetryState{
		ExecutionID:  id,
		RetryAmounts: count + 1,
		NextEligible: logic.Interval.After(now),
	}
	if err := t.state.setRetryState(rw, next); err != nil {
		return RetryDecision{}, err
	}
	return RetryDecision{Retry: true, State: next}, nil
}

// Eligible reports whether batch id may run at now. A batch without retry
// state is always eligible.
func (t *RetryTracker) Eligible(r kvstore.Reader, id uint64, now BlockInfo) (bool, error) {
	st, err := t.state.retryState(r, id)
	if err != nil {
		return false, err
	}
	if st == nil {
		return true, nil
	}
	return st.NextEligible.Passed(now), nil
}

// Clear deletes the retry state of batch id.
func (t *RetryTracker) Clear(w kvstore.Writer, id uint64) error {
	return t.state.clearRetryState(w, id)
}

// State returns the retry state of batch id, or nil when none exists.
func (t *RetryTracker) State(r kvstore.Reader, id uint64) (*RetryState, error) {
	return t.state.retryState(r, id)
}
