package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/processor/pkg/kvstore"
	"github.com/openfroyo/processor/pkg/queue"
	"github.com/openfroyo/processor/pkg/telemetry"
)

// errCallbackMismatch is the failure recorded when a confirmation payload
// differs from the expected one.
var errCallbackMismatch = errors.New("callback confirmation mismatch")

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	// Dispatcher executes function calls. Required.
	Dispatcher *DomainDispatcher

	// Sink receives callbacks. Optional; outcomes are always persisted.
	Sink CallbackSink

	// Clock supplies block height and time. Defaults to a BlockClock with a
	// one second block time starting at the Unix epoch.
	Clock Clock

	// Events receives a best-effort audit trail. Optional.
	Events EventRecorder

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Processor is the service object in front of the engine. Every public call
// runs inside one write batch that is committed only when the call succeeds.
// Calls are serialized.
type Processor struct {
	db *kvstore.DB

	mu sync.Mutex

	state    *stateStore
	retry    *RetryTracker
	executor *BatchExecutor
	emitter  *CallbackEmitter
	clock    Clock
	events   EventRecorder

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewProcessor creates a processor over db.
func NewProcessor(db *kvstore.DB, cfg ProcessorConfig) (*Processor, error) {
	if db == nil {
		return nil, NewConfigurationError("storage handle is required", nil).WithCode(ErrCodeValidation)
	}
	if cfg.Dispatcher == nil {
		return nil, NewConfigurationError("dispatcher is required", nil).WithCode(ErrCodeValidation)
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NopTracer()
	}
	if cfg.Clock == nil {
		cfg.Clock = NewBlockClock(unixEpoch, 0)
	}

	retry := NewRetryTracker()
	return &Processor{
		db:       db,
		state:    retry.state,
		retry:    retry,
		executor: NewBatchExecutor(cfg.Dispatcher, retry, cfg.Logger, cfg.Metrics),
		emitter:  NewCallbackEmitter(cfg.Sink, cfg.Logger, cfg.Metrics),
		clock:    cfg.Clock,
		events:   cfg.Events,
		logger:   cfg.Logger.NewComponentLogger("processor"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}, nil
}

// Enqueue admits a subroutine under executionID at the back of the priority
// queue.
func (p *Processor) Enqueue(ctx context.Context, executionID uint64, priority Priority, sub Subroutine) error {
	batch := Batch{
		ExecutionID: executionID,
		Priority:    priority,
		Subroutine:  sub,
		CreatedAt:   p.clock.Now().Time,
	}
	if err := ValidateBatch(batch); err != nil {
		p.recordError(err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var length uint64
	err := p.update(func(rw kvstore.ReadWriter) error {
		q, err := p.state.queue(priority)
		if err != nil {
			return err
		}
		if err := q.PushBack(rw, batch); err != nil {
			return queueError(err)
		}
		length, err = q.Len(rw)
		return queueError(err)
	})
	if err != nil {
		return err
	}

	p.metrics.RecordEnqueued(string(priority))
	p.metrics.SetQueueLength(string(priority), float64(length))
	p.logger.WithExecutionID(executionID).WithPriority(string(priority)).
		WithField("kind", sub.Kind).
		WithField("functions", len(sub.Functions)).
		Info("Batch enqueued")
	p.recordEvent(ctx, executionID, "enqueued", string(priority))
	return nil
}

// Tick performs at most one step on the head of the priority queue.
func (p *Processor) Tick(ctx context.Context, priority Priority) (*TickReport, error) {
	if err := priority.Validate(); err != nil {
		return nil, NewConfigurationError("invalid tick", err).WithCode(ErrCodeUnknownPriority)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := p.tracer.StartTickSpan(ctx, string(priority))
	defer span.End()

	report := &TickReport{Priority: priority}
	var (
		staged *Callback
		length uint64
	)

	err := p.update(func(rw kvstore.ReadWriter) error {
		paused, err := p.state.paused(rw)
		if err != nil {
			return err
		}
		if paused {
			report.Action = TickPaused
			return nil
		}

		q, err := p.state.queue(priority)
		if err != nil {
			return err
		}
		batch, ok, err := q.PopFront(rw)
		if err != nil {
			return queueError(err)
		}
		if !ok {
			report.Action = TickIdle
			return nil
		}
		report.ExecutionID = batch.ExecutionID

		now := p.clock.Now()
		res, err := p.executor.Step(ctx, rw, q, batch, now)
		if err != nil {
			return err
		}
		report.Action = res.Action
		report.Result = res.Result

		if res.Result != nil {
			cb, err := p.emitter.Stage(rw, batch.ExecutionID, *res.Result, now)
			if err != nil {
				return err
			}
			staged = &cb
		}

		length, err = q.Len(rw)
		return queueError(err)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		p.recordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("tick.action", string(report.Action)),
		attribute.Int64("execution.id", int64(report.ExecutionID)),
	)
	p.metrics.RecordTick(string(priority), string(report.Action))
	if report.Action != TickPaused && report.Action != TickIdle {
		p.metrics.SetQueueLength(string(priority), float64(length))
		p.recordEvent(ctx, report.ExecutionID, string(report.Action), p.eventDetail(report))
	}

	if staged != nil {
		p.logger.WithExecutionID(staged.ExecutionID).WithPriority(string(priority)).
			WithField("result", staged.Result.Kind).
			Info("Batch resolved")

		if err := p.emitter.Deliver(ctx, *staged); err != nil {
			report.DeliveryErr = err
			p.recordEvent(ctx, staged.ExecutionID, "delivery_failed", err.Error())
		}
	}

	telemetry.RecordSuccess(span)
	return report, nil
}

// ConfirmCallback resumes a parked batch. from must be the address named in
// the function's callback confirmation. A payload equal to the expected one
// counts as success of the parked function; any other payload counts as its
// failure and goes through the retry tracker.
func (p *Processor) ConfirmCallback(ctx context.Context, executionID uint64, from string, payload []byte) (*TickReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		report *TickReport
		staged *Callback
	)

	err := p.update(func(rw kvstore.ReadWriter) error {
		pb, err := p.state.parked(rw, executionID)
		if err != nil {
			return err
		}
		if pb == nil {
			return NewConfigurationError("batch is not awaiting a callback", nil).
				WithCode(ErrCodeNotPending).WithExecutionID(executionID)
		}

		batch := pb.Batch
		if pb.Index >= uint64(len(batch.Subroutine.Functions)) {
			return NewStorageError(fmt.Sprintf("parked index %d out of range", pb.Index), nil).
				WithCode(ErrCodeCorruptState).WithExecutionID(executionID)
		}
		fn := batch.Subroutine.Functions[pb.Index]
		if fn.CallbackConfirmation == nil {
			return NewStorageError("parked function has no callback confirmation", nil).
				WithCode(ErrCodeCorruptState).WithExecutionID(executionID)
		}
		if fn.CallbackConfirmation.Address != from {
			return NewConfigurationError(fmt.Sprintf("unexpected callback sender %q", from), nil).
				WithCode(ErrCodeSenderMismatch).WithExecutionID(executionID)
		}

		if err := p.state.unpark(rw, executionID); err != nil {
			return err
		}

		q, err := p.state.queue(batch.Priority)
		if err != nil {
			return err
		}

		now := p.clock.Now()
		var res StepResult
		if bytes.Equal(payload, fn.CallbackConfirmation.Expected) {
			res, err = p.executor.advance(rw, q, batch, pb.Index)
		} else {
			res, err = p.executor.onFailure(rw, q, batch, pb.Index, fn.RetryLogic, errCallbackMismatch, now)
		}
		if err != nil {
			return err
		}

		report = &TickReport{
			Priority:    batch.Priority,
			ExecutionID: executionID,
			Action:      res.Action,
			Result:      res.Result,
		}
		if res.Result != nil {
			cb, err := p.emitter.Stage(rw, executionID, *res.Result, now)
			if err != nil {
				return err
			}
			staged = &cb
		}
		return nil
	})
	if err != nil {
		p.recordError(err)
		return nil, err
	}

	p.recordEvent(ctx, executionID, "confirmed", string(report.Action))
	if staged != nil {
		if err := p.emitter.Deliver(ctx, *staged); err != nil {
			report.DeliveryErr = err
			p.recordEvent(ctx, executionID, "delivery_failed", err.Error())
		}
	}
	return report, nil
}

// QueueLength returns the number of batches waiting in the priority queue.
func (p *Processor) QueueLength(ctx context.Context, priority Priority) (uint64, error) {
	var n uint64
	err := p.view(func(r kvstore.Reader) error {
		q, err := p.state.queue(priority)
		if err != nil {
			return err
		}
		n, err = q.Len(r)
		return queueError(err)
	})
	return n, err
}

// ListPending returns the batches at queue positions [from, to).
func (p *Processor) ListPending(ctx context.Context, priority Priority, from, to uint64, order queue.Order) ([]Batch, error) {
	var out []Batch
	err := p.view(func(r kvstore.Reader) error {
		q, err := p.state.queue(priority)
		if err != nil {
			return err
		}
		out, err = q.Range(r, from, to, order)
		return queueError(err)
	})
	return out, err
}

// ListParked returns every batch waiting for a callback confirmation.
func (p *Processor) ListParked(ctx context.Context) ([]ParkedBatch, error) {
	var out []ParkedBatch
	err := p.view(func(r kvstore.Reader) error {
		var err error
		out, err = p.state.listParked(r)
		return err
	})
	return out, err
}

// RetryState returns the retry state of a batch, or nil when it has none.
func (p *Processor) RetryState(ctx context.Context, executionID uint64) (*RetryState, error) {
	var st *RetryState
	err := p.view(func(r kvstore.Reader) error {
		var err error
		st, err = p.retry.State(r, executionID)
		return err
	})
	return st, err
}

// ActionIndex returns the position of the next function of a non-atomic batch.
func (p *Processor) ActionIndex(ctx context.Context, executionID uint64) (uint64, error) {
	var idx uint64
	err := p.view(func(r kvstore.Reader) error {
		var err error
		idx, err = p.state.actionIndex(r, executionID)
		return err
	})
	return idx, err
}

// Outcome returns the persisted callback of a resolved batch, or nil.
func (p *Processor) Outcome(ctx context.Context, executionID uint64) (*Callback, error) {
	var cb *Callback
	err := p.view(func(r kvstore.Reader) error {
		var err error
		cb, err = p.state.outcome(r, executionID)
		return err
	})
	return cb, err
}

// InsertAt places a batch at a queue position. Only the authorizer may call
// this.
func (p *Processor) InsertAt(ctx context.Context, index uint64, batch Batch) error {
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = p.clock.Now().Time
	}
	if err := ValidateBatch(batch); err != nil {
		p.recordError(err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.update(func(rw kvstore.ReadWriter) error {
		q, err := p.state.queue(batch.Priority)
		if err != nil {
			return err
		}
		return queueError(q.InsertAt(rw, index, batch))
	})
	if err != nil {
		p.recordError(err)
		return err
	}

	p.recordEvent(ctx, batch.ExecutionID, "inserted", fmt.Sprintf("%s@%d", batch.Priority, index))
	return nil
}

// EvictAt removes the batch at a queue position together with its retry
// state and action index. Evicted batches produce no callback.
func (p *Processor) EvictAt(ctx context.Context, priority Priority, index uint64) (*Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var evicted Batch
	err := p.update(func(rw kvstore.ReadWriter) error {
		q, err := p.state.queue(priority)
		if err != nil {
			return err
		}
		evicted, err = q.RemoveAt(rw, index)
		if err != nil {
			return queueError(err)
		}
		if err := p.retry.Clear(rw, evicted.ExecutionID); err != nil {
			return err
		}
		return p.state.clearActionIndex(rw, evicted.ExecutionID)
	})
	if err != nil {
		p.recordError(err)
		return nil, err
	}

	p.logger.WithExecutionID(evicted.ExecutionID).WithPriority(string(priority)).Warn("Batch evicted")
	p.recordEvent(ctx, evicted.ExecutionID, "evicted", fmt.Sprintf("%s@%d", priority, index))
	return &evicted, nil
}

// Pause turns every subsequent tick into a no-op until Resume.
func (p *Processor) Pause(ctx context.Context) error {
	return p.setPaused(ctx, true)
}

// Resume re-enables ticking.
func (p *Processor) Resume(ctx context.Context) error {
	return p.setPaused(ctx, false)
}

// Paused reports whether ticking is paused.
func (p *Processor) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := p.view(func(r kvstore.Reader) error {
		var err error
		paused, err = p.state.paused(r)
		return err
	})
	return paused, err
}

func (p *Processor) setPaused(ctx context.Context, paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.update(func(rw kvstore.ReadWriter) error {
		return p.state.setPaused(rw, paused)
	}); err != nil {
		return err
	}

	kind := "resumed"
	if paused {
		kind = "paused"
	}
	p.logger.Info("Processor " + kind)
	p.recordEvent(ctx, 0, kind, "")
	return nil
}

// update runs fn in a write batch, classifying commit failures.
func (p *Processor) update(fn func(rw kvstore.ReadWriter) error) error {
	txn := p.db.NewTxn()
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		err = NewStorageError("failed to commit", err).WithCode(ErrCodeStorageUnavailable)
		p.recordError(err)
		return err
	}
	return nil
}

func (p *Processor) view(fn func(r kvstore.Reader) error) error {
	return p.db.View(fn)
}

func (p *Processor) recordError(err error) {
	class, code := ClassOf(err)
	if class != "" {
		p.metrics.RecordError(string(class), code)
	}
}

func (p *Processor) recordEvent(ctx context.Context, executionID uint64, kind, detail string) {
	if p.events == nil {
		return
	}
	if err := p.events.RecordEvent(ctx, executionID, kind, detail); err != nil {
		p.logger.WithExecutionID(executionID).WithError(err).Warn("Failed to record event")
	}
}

func (p *Processor) eventDetail(r *TickReport) string {
	if r.Result == nil {
		return string(r.Priority)
	}
	if r.Result.Error == "" {
		return string(r.Result.Kind)
	}
	return fmt.Sprintf("%s: %s", r.Result.Kind, r.Result.Error)
}
