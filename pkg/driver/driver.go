package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/openfroyo/processor/pkg/engine"
	"github.com/openfroyo/processor/pkg/telemetry"
)

// Ticker advances one queue by one step.
type Ticker interface {
	Tick(ctx context.Context, priority engine.Priority) (*engine.TickReport, error)
}

// Config configures a Driver.
type Config struct {
	// TicksPerSecond caps the tick rate across all priorities.
	TicksPerSecond float64

	// Burst is the number of ticks allowed back to back.
	Burst int

	// IdleInterval is how long to sleep after a round in which no queue
	// executed anything.
	IdleInterval time.Duration

	// Priorities is the order ticked within a round. Defaults to
	// engine.Priorities().
	Priorities []engine.Priority
}

// Driver is the external ticking policy of the serve command. Each round
// ticks every priority once, in order, so a busy high queue cannot starve
// the lower ones.
type Driver struct {
	ticker     Ticker
	limiter    *rate.Limiter
	idle       time.Duration
	priorities []engine.Priority
	logger     *telemetry.Logger
}

// New creates a driver.
func New(t Ticker, cfg Config, logger *telemetry.Logger) (*Driver, error) {
	if t == nil {
		return nil, fmt.Errorf("ticker is required")
	}
	if cfg.TicksPerSecond <= 0 {
		return nil, fmt.Errorf("ticks per second must be positive")
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 500 * time.Millisecond
	}
	if len(cfg.Priorities) == 0 {
		cfg.Priorities = engine.Priorities()
	}
	for _, p := range cfg.Priorities {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	return &Driver{
		ticker:     t,
		limiter:    rate.NewLimiter(rate.Limit(cfg.TicksPerSecond), cfg.Burst),
		idle:       cfg.IdleInterval,
		priorities: cfg.Priorities,
		logger:     logger.NewComponentLogger("driver"),
	}, nil
}

// Run ticks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.
		WithField("ticks_per_second", float64(d.limiter.Limit())).
		WithField("burst", d.limiter.Burst()).
		Info("Driver started")
	defer d.logger.Info("Driver stopped")

	for {
		busy, err := d.Round(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if busy {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.idle):
		}
	}
}

// Round ticks every priority once and reports whether any tick executed a
// function. Deferred heads do not count, so a round where every head is
// waiting out a retry interval is idle. Tick errors are logged and do not
// stop the round.
func (d *Driver) Round(ctx context.Context) (bool, error) {
	busy := false
	for _, p := range d.priorities {
		if err := d.limiter.Wait(ctx); err != nil {
			return busy, err
		}

		report, err := d.ticker.Tick(ctx, p)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return busy, err
			}
			d.logger.WithPriority(string(p)).WithError(err).Error("Tick failed")
			continue
		}

		switch report.Action {
		case engine.TickIdle, engine.TickPaused, engine.TickDeferred:
		default:
			busy = true
		}

		if report.DeliveryErr != nil {
			d.logger.WithExecutionID(report.ExecutionID).WithPriority(string(p)).
				WithError(report.DeliveryErr).
				Warn("Callback delivery failed")
		}
		if report.Action != engine.TickIdle {
			d.logger.WithExecutionID(report.ExecutionID).WithPriority(string(p)).
				WithField("action", report.Action).
				Debug("Tick")
		}
	}
	return busy, nil
}
