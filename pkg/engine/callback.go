package engine

import (
	"context"

	"github.com/openfroyo/processor/pkg/kvstore"
	"github.com/openfroyo/processor/pkg/telemetry"
)

// CallbackEmitter produces exactly one callback per terminal resolution. The
// callback is staged in the caller's write batch and delivered only after
// that batch commits.
type CallbackEmitter struct {
	state *stateStore
	sink  CallbackSink

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewCallbackEmitter creates an emitter delivering to sink. A nil sink only
// persists outcomes.
func NewCallbackEmitter(sink CallbackSink, logger *telemetry.Logger, metrics *telemetry.Metrics) *CallbackEmitter {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &CallbackEmitter{
		state:   newStateStore(),
		sink:    sink,
		logger:  logger.NewComponentLogger("callback"),
		metrics: metrics,
	}
}

// Stage records the outcome of batch id in w and returns the callback to
// deliver once w commits.
func (c *CallbackEmitter) Stage(w kvstore.Writer, id uint64, result ExecutionResult, now BlockInfo) (Callback, error) {
	cb := Callback{
		ExecutionID: id,
		Result:      result,
		Height:      now.Height,
		EmittedAt:   now.Time,
	}
	if err := c.state.setOutcome(w, cb); err != nil {
		return Callback{}, err
	}
	return cb, nil
}

// Deliver sends cb to the sink. Failures are returned as transport errors
// and are never retried here.
func (c *CallbackEmitter) Deliver(ctx context.Context, cb Callback) error {
	c.metrics.RecordCallback(string(cb.Result.Kind))
	if c.sink == nil {
		return nil
	}

	if err := c.sink.Deliver(ctx, cb); err != nil {
		c.metrics.RecordDeliveryFailure()
		c.metrics.RecordError(string(ErrorClassTransport), ErrCodeDeliveryFailed)
		c.logger.WithExecutionID(cb.ExecutionID).WithError(err).Error("Callback delivery failed")
		return NewTransportError("callback delivery failed", err).
			WithCode(ErrCodeDeliveryFailed).
			WithExecutionID(cb.ExecutionID)
	}

	c.logger.WithExecutionID(cb.ExecutionID).WithField("result", cb.Result.Kind).Debug("Callback delivered")
	return nil
}
