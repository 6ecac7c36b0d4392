package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/openfroyo/processor/pkg/stores"
	"github.com/openfroyo/processor/pkg/telemetry"
)

// Purger deletes journal rows older than a cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (stores.PurgeResult, error)
}

// Maintenance purges the journal on a cron schedule.
type Maintenance struct {
	journal   Purger
	schedule  string
	retention time.Duration
	logger    *telemetry.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
}

// NewMaintenance creates a purge job. schedule is a cron expression.
func NewMaintenance(journal Purger, schedule string, retention time.Duration, logger *telemetry.Logger) (*Maintenance, error) {
	if journal == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	if !gronx.IsValid(schedule) {
		return nil, fmt.Errorf("invalid cron schedule: %q", schedule)
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Maintenance{
		journal:   journal,
		schedule:  schedule,
		retention: retention,
		logger:    logger.NewComponentLogger("maintenance"),
		now:       time.Now,
	}, nil
}

// NextRun returns the first scheduled run after t.
func (m *Maintenance) NextRun(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(m.schedule, t, false)
}

// Run purges on schedule until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) error {
	m.logger.WithField("schedule", m.schedule).WithField("retention", m.retention.String()).Info("Journal maintenance scheduled")

	for {
		next, err := m.NextRun(m.now())
		if err != nil {
			m.logger.WithError(err).Error("Failed to compute next purge")
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.WithError(err).Error("Journal purge failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// RunOnce purges rows older than the retention window. Overlapping calls are
// skipped.
func (m *Maintenance) RunOnce(ctx context.Context) (stores.PurgeResult, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return stores.PurgeResult{}, nil
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	cutoff := m.now().Add(-m.retention)
	res, err := m.journal.PurgeBefore(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("failed to purge journal: %w", err)
	}

	m.logger.
		WithField("cutoff", cutoff.UTC().Format(time.RFC3339)).
		WithField("deliveries", res.Deliveries).
		WithField("events", res.Events).
		WithField("audit", res.Audit).
		Info("Journal purged")
	return res, nil
}
