package engine

import (
	"encoding/json"
	"errors"

	"github.com/openfroyo/processor/pkg/kvstore"
	"github.com/openfroyo/processor/pkg/queue"
)

const (
	prefixActionIndex = "idx/"
	prefixRetryState  = "retry/"
	prefixPending     = "pending/"
	prefixOutcome     = "outcome/"
)

var keyPaused = []byte("sys/paused")

// stateStore reads and writes the per-execution records kept next to the
// queues. It never holds state itself; every method works on the caller's
// write batch.
type stateStore struct {
	queues map[Priority]*queue.Store[Batch]
}

func newStateStore() *stateStore {
	qs := make(map[Priority]*queue.Store[Batch], 3)
	for _, p := range Priorities() {
		qs[p] = queue.New[Batch](string(p), nil)
	}
	return &stateStore{queues: qs}
}

func (s *stateStore) queue(p Priority) (*queue.Store[Batch], error) {
	q, ok := s.queues[p]
	if !ok {
		return nil, NewConfigurationError("unknown priority", nil).WithCode(ErrCodeUnknownPriority)
	}
	return q, nil
}

func getJSON(r kvstore.Reader, key []byte, v any) (bool, error) {
	raw, found, err := r.Get(key)
	if err != nil {
		return false, NewStorageError("failed to read state", err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, NewStorageError("failed to decode state", err).WithCode(ErrCodeCorruptState)
	}
	return true, nil
}

func setJSON(w kvstore.Writer, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return NewStorageError("failed to encode state", err)
	}
	if err := w.Set(key, raw); err != nil {
		return NewStorageError("failed to write state", err)
	}
	return nil
}

func del(w kvstore.Writer, key []byte) error {
	if err := w.Delete(key); err != nil {
		return NewStorageError("failed to delete state", err)
	}
	return nil
}

// ActionIndex

func (s *stateStore) actionIndex(r kvstore.Reader, id uint64) (uint64, error) {
	raw, found, err := r.Get(kvstore.Key(prefixActionIndex, id))
	if err != nil {
		return 0, NewStorageError("failed to read action index", err)
	}
	if !found {
		return 0, nil
	}
	idx, err := kvstore.DecodeUint64(raw)
	if err != nil {
		return 0, NewStorageError("failed to decode action index", err).WithCode(ErrCodeCorruptState)
	}
	return idx, nil
}

func (s *stateStore) setActionIndex(w kvstore.Writer, id, idx uint64) error {
	if err := w.Set(kvstore.Key(prefixActionIndex, id), kvstore.EncodeUint64(idx)); err != nil {
		return NewStorageError("failed to write action index", err)
	}
	return nil
}

func (s *stateStore) clearActionIndex(w kvstore.Writer, id uint64) error {
	return del(w, kvstore.Key(prefixActionIndex, id))
}

// RetryState

func (s *stateStore) retryState(r kvstore.Reader, id uint64) (*RetryState, error) {
	var st RetryState
	found, err := getJSON(r, kvstore.Key(prefixRetryState, id), &st)
	if err != nil || !found {
		return nil, err
	}
	return &st, nil
}

func (s *stateStore) setRetryState(w kvstore.Writer, st RetryState) error {
	return setJSON(w, kvstore.Key(prefixRetryState, st.ExecutionID), st)
}

func (s *stateStore) clearRetryState(w kvstore.Writer, id uint64) error {
	return del(w, kvstore.Key(prefixRetryState, id))
}

// Pending

func (s *stateStore) parked(r kvstore.Reader, id uint64) (*ParkedBatch, error) {
	var pb ParkedBatch
	found, err := getJSON(r, kvstore.Key(prefixPending, id), &pb)
	if err != nil || !found {
		return nil, err
	}
	return &pb, nil
}

func (s *stateStore) park(w kvstore.Writer, pb ParkedBatch) error {
	return setJSON(w, kvstore.Key(prefixPending, pb.Batch.ExecutionID), pb)
}

func (s *stateStore) unpark(w kvstore.Writer, id uint64) error {
	return del(w, kvstore.Key(prefixPending, id))
}

func (s *stateStore) listParked(r kvstore.Reader) ([]ParkedBatch, error) {
	var out []ParkedBatch
	lower := []byte(prefixPending)
	err := r.Scan(lower, kvstore.PrefixEnd(lower), false, func(_, value []byte) error {
		var pb ParkedBatch
		if err := json.Unmarshal(value, &pb); err != nil {
			return NewStorageError("failed to decode parked batch", err).WithCode(ErrCodeCorruptState)
		}
		out = append(out, pb)
		return nil
	})
	if err != nil {
		if IsStorage(err) {
			return nil, err
		}
		return nil, NewStorageError("failed to scan parked batches", err)
	}
	return out, nil
}

// Outcome

func (s *stateStore) outcome(r kvstore.Reader, id uint64) (*Callback, error) {
	var cb Callback
	found, err := getJSON(r, kvstore.Key(prefixOutcome, id), &cb)
	if err != nil || !found {
		return nil, err
	}
	return &cb, nil
}

func (s *stateStore) setOutcome(w kvstore.Writer, cb Callback) error {
	return setJSON(w, kvstore.Key(prefixOutcome, cb.ExecutionID), cb)
}

// Paused flag

func (s *stateStore) paused(r kvstore.Reader) (bool, error) {
	_, found, err := r.Get(keyPaused)
	if err != nil {
		return false, NewStorageError("failed to read paused flag", err)
	}
	return found, nil
}

func (s *stateStore) setPaused(w kvstore.Writer, paused bool) error {
	if paused {
		if err := w.Set(keyPaused, []byte{1}); err != nil {
			return NewStorageError("failed to write paused flag", err)
		}
		return nil
	}
	return del(w, keyPaused)
}

// queueError maps positional queue errors to classified engine errors.
func queueError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrIndexOutOfBounds):
		return NewQueueError("index out of bounds", err).WithCode(ErrCodeIndexOutOfBounds)
	case errors.Is(err, queue.ErrInvalidRange):
		return NewQueueError("invalid range", err).WithCode(ErrCodeInvalidRange)
	default:
		return NewStorageError("queue operation failed", err)
	}
}
