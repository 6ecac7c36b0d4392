package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/processor/pkg/kvstore"
	"github.com/openfroyo/processor/pkg/queue"
	"github.com/openfroyo/processor/pkg/telemetry"
)

// StepResult is the effect of one executor step on a batch.
type StepResult struct {
	Action TickAction

	// Result is set when Action is TickResolved.
	Result *ExecutionResult
}

// BatchExecutor advances a batch by one step per tick. All state changes go
// to the write batch it is given; it never commits.
type BatchExecutor struct {
	dispatcher *DomainDispatcher
	retry      *RetryTracker
	state      *stateStore

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewBatchExecutor creates an executor dispatching through d.
func NewBatchExecutor(d *DomainDispatcher, retry *RetryTracker, logger *telemetry.Logger, metrics *telemetry.Metrics) *BatchExecutor {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &BatchExecutor{
		dispatcher: d,
		retry:      retry,
		state:      retry.state,
		logger:     logger.NewComponentLogger("executor"),
		metrics:    metrics,
	}
}

// Step runs one step of batch, which has just been popped from q. A batch
// whose retry interval has not passed is moved to the back of q untouched.
func (e *BatchExecutor) Step(ctx context.Context, rw kvstore.ReadWriter, q *queue.Store[Batch], batch Batch, now BlockInfo) (StepResult, error) {
	eligible, err := e.retry.Eligible(rw, batch.ExecutionID, now)
	if err != nil {
		return StepResult{}, err
	}
	if !eligible {
		if err := q.PushBack(rw, batch); err != nil {
			return StepResult{}, queueError(err)
		}
		return StepResult{Action: TickDeferred}, nil
	}

	switch batch.Subroutine.Kind {
	case SubroutineAtomic:
		return e.stepAtomic(ctx, rw, q, batch, now)
	case SubroutineNonAtomic:
		return e.stepNonAtomic(ctx, rw, q, batch, now)
	default:
		return StepResult{}, NewStorageError(
			fmt.Sprintf("stored batch has unknown subroutine kind %q", batch.Subroutine.Kind), nil,
		).WithCode(ErrCodeCorruptState).WithExecutionID(batch.ExecutionID)
	}
}

func (e *BatchExecutor) stepAtomic(ctx context.Context, rw kvstore.ReadWriter, q *queue.Store[Batch], batch Batch, now BlockInfo) (StepResult, error) {
	for i, fn := range batch.Subroutine.Functions {
		if err := e.call(ctx, batch, uint64(i), fn); err != nil {
			if errors.Is(err, ErrAborted) {
				return StepResult{}, err
			}
			return e.onFailure(rw, q, batch, uint64(i), batch.Subroutine.RetryLogic, err, now)
		}
	}

	if err := e.retry.Clear(rw, batch.ExecutionID); err != nil {
		return StepResult{}, err
	}
	res := Success()
	return StepResult{Action: TickResolved, Result: &res}, nil
}

func (e *BatchExecutor) stepNonAtomic(ctx context.Context, rw kvstore.ReadWriter, q *queue.Store[Batch], batch Batch, now BlockInfo) (StepResult, error) {
	idx, err := e.state.actionIndex(rw, batch.ExecutionID)
	if err != nil {
		return StepResult{}, err
	}
	if idx >= uint64(len(batch.Subroutine.Functions)) {
		return StepResult{}, NewStorageError(
			fmt.Sprintf("action index %d out of range", idx), nil,
		).WithCode(ErrCodeCorruptState).WithExecutionID(batch.ExecutionID)
	}

	fn := batch.Subroutine.Functions[idx]
	if err := e.call(ctx, batch, idx, fn); err != nil {
		if errors.Is(err, ErrAborted) {
			return StepResult{}, err
		}
		return e.onFailure(rw, q, batch, idx, fn.RetryLogic, err, now)
	}

	if fn.CallbackConfirmation != nil {
		if err := e.state.park(rw, ParkedBatch{Batch: batch, Index: idx}); err != nil {
			return StepResult{}, err
		}
		return StepResult{Action: TickParked}, nil
	}

	return e.advance(rw, q, batch, idx)
}

// advance records the success of non-atomic function idx.
func (e *BatchExecutor) advance(rw kvstore.ReadWriter, q *queue.Store[Batch], batch Batch, idx uint64) (StepResult, error) {
	if err := e.retry.Clear(rw, batch.ExecutionID); err != nil {
		return StepResult{}, err
	}

	if idx+1 >= uint64(len(batch.Subroutine.Functions)) {
		if err := e.state.clearActionIndex(rw, batch.ExecutionID); err != nil {
			return StepResult{}, err
		}
		res := Success()
		return StepResult{Action: TickResolved, Result: &res}, nil
	}

	if err := e.state.setActionIndex(rw, batch.ExecutionID, idx+1); err != nil {
		return StepResult{}, err
	}
	if err := q.PushBack(rw, batch); err != nil {
		return StepResult{}, queueError(err)
	}
	return StepResult{Action: TickAdvanced}, nil
}

// onFailure routes a failed function at idx through the retry tracker.
func (e *BatchExecutor) onFailure(rw kvstore.ReadWriter, q *queue.Store[Batch], batch Batch, idx uint64, logic *RetryLogic, cause error, now BlockInfo) (StepResult, error) {
	log := e.logger.WithExecutionID(batch.ExecutionID).WithField("index", idx).WithError(cause)

	decision, err := e.retry.OnFailure(rw, batch.ExecutionID, logic, now)
	if err != nil {
		return StepResult{}, err
	}

	if decision.Retry {
		if err := q.PushBack(rw, batch); err != nil {
			return StepResult{}, queueError(err)
		}
		e.metrics.RecordRetry(string(batch.Priority))
		log.WithField("retry_amounts", decision.State.RetryAmounts).Info("Function failed, retry scheduled")
		return StepResult{Action: TickRetried}, nil
	}

	if batch.Subroutine.Kind == SubroutineNonAtomic {
		if err := e.state.clearActionIndex(rw, batch.ExecutionID); err != nil {
			return StepResult{}, err
		}
	}

	res := failureResult(idx, cause.Error())
	log.WithField("result", res.Kind).Warn("Function failed terminally")
	return StepResult{Action: TickResolved, Result: &res}, nil
}

func (e *BatchExecutor) call(ctx context.Context, batch Batch, idx uint64, fn Function) error {
	if err := ctx.Err(); err != nil {
		return aborted(batch.ExecutionID, idx, err)
	}
	err := e.dispatcher.Dispatch(ctx, Call{
		ExecutionID: batch.ExecutionID,
		Index:       idx,
		Target:      fn.Target,
		Payload:     fn.Payload,
	})
	if err == nil {
		return nil
	}
	// A done context aborts the tick. It is not a function failure.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return aborted(batch.ExecutionID, idx, ctxErr)
	}
	class, code := ClassOf(err)
	if class == "" {
		class = ErrorClassExecution
	}
	e.metrics.RecordError(string(class), code)
	return err
}

func aborted(executionID, idx uint64, cause error) error {
	return NewExecutionError(fmt.Sprintf("call %d interrupted", idx), cause).
		WithCode(ErrCodeAborted).
		WithExecutionID(executionID).
		WithOperation("tick")
}
