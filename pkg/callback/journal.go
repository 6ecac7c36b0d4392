package callback

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/processor/pkg/engine"
	"github.com/openfroyo/processor/pkg/stores"
	"github.com/openfroyo/processor/pkg/telemetry"
)

type deliveryIDKey struct{}

// WithDeliveryID attaches a delivery id to ctx.
func WithDeliveryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deliveryIDKey{}, id)
}

// DeliveryIDFromContext returns the delivery id attached to ctx, if any.
func DeliveryIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deliveryIDKey{}).(string)
	return id
}

// DeliveryRecorder persists delivery attempts.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d *stores.Delivery) error
}

// JournalSink wraps a sink and records every delivery attempt, successful or
// not. The wrapped sink's error is returned unchanged.
type JournalSink struct {
	next     engine.CallbackSink
	name     string
	recorder DeliveryRecorder
	logger   *telemetry.Logger
	now      func() time.Time
}

// NewJournalSink creates a journaling wrapper around next. name identifies
// next in the journal.
func NewJournalSink(next engine.CallbackSink, name string, recorder DeliveryRecorder, logger *telemetry.Logger) *JournalSink {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &JournalSink{
		next:     next,
		name:     name,
		recorder: recorder,
		logger:   logger.NewComponentLogger("callback"),
		now:      time.Now,
	}
}

// Deliver implements engine.CallbackSink.
func (s *JournalSink) Deliver(ctx context.Context, cb engine.Callback) error {
	id := DeliveryIDFromContext(ctx)
	if id == "" {
		id = uuid.New().String()
		ctx = WithDeliveryID(ctx, id)
	}

	deliverErr := s.next.Deliver(ctx, cb)

	d := &stores.Delivery{
		ID:          id,
		ExecutionID: cb.ExecutionID,
		Result:      string(cb.Result.Kind),
		ResultIndex: cb.Result.Index,
		Sink:        s.name,
		Status:      stores.DeliveryStatusDelivered,
		Height:      cb.Height,
		CreatedAt:   s.now().UTC(),
	}
	if cb.Result.Error != "" {
		msg := cb.Result.Error
		d.ResultError = &msg
	}
	if deliverErr != nil {
		msg := deliverErr.Error()
		d.Status = stores.DeliveryStatusFailed
		d.Error = &msg
	}

	if err := s.recorder.RecordDelivery(context.WithoutCancel(ctx), d); err != nil {
		s.logger.WithExecutionID(cb.ExecutionID).WithError(err).Warn("Failed to journal delivery")
	}

	return deliverErr
}
