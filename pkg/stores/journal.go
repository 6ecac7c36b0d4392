package stores

import (
	"context"
	"time"

	"github.com/openfroyo/processor/pkg/telemetry"
)

// JournalEvents returns an event subscriber that appends every published
// engine event to the journal. Write failures are logged and dropped.
func JournalEvents(store Store, timeout time.Duration, logger *telemetry.Logger) telemetry.EventSubscriber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	log := logger.NewComponentLogger("journal")

	return func(event telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := store.AppendEvent(ctx, &Event{
			EventID:     event.ID,
			ExecutionID: event.ExecutionID,
			Type:        event.Type,
			Message:     event.Message,
			Timestamp:   event.Timestamp,
		})
		if err != nil {
			log.WithExecutionID(event.ExecutionID).WithError(err).
				WithField("type", event.Type).
				Warn("Failed to journal event")
		}
	}
}
