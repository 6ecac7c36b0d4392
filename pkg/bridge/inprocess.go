// Package bridge provides cross-domain bridges for the domain dispatcher.
package bridge

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/openfroyo/processor/pkg/engine"
	"github.com/openfroyo/processor/pkg/telemetry"
)

// InProcess forwards envelopes to the dispatcher of another domain running in
// the same process.
type InProcess struct {
	remote  *engine.DomainDispatcher
	limiter *rate.Limiter
	logger  *telemetry.Logger
}

// Option configures an InProcess bridge.
type Option func(*InProcess)

// WithRateLimit caps forwarded calls per second. Calls wait for a token or
// until their context is done.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(b *InProcess) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the bridge logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(b *InProcess) {
		b.logger = l
	}
}

// NewInProcess creates a bridge into remote.
func NewInProcess(remote *engine.DomainDispatcher, opts ...Option) *InProcess {
	b := &InProcess{remote: remote, logger: telemetry.NopLogger()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.NewComponentLogger("bridge").WithField("remote", remote.LocalDomain())
	return b
}

// Forward implements engine.Bridge.
func (b *InProcess) Forward(ctx context.Context, env engine.Envelope) error {
	if env.Call.Target.Domain != b.remote.LocalDomain() {
		return fmt.Errorf("envelope for domain %q sent to bridge for %q", env.Call.Target.Domain, b.remote.LocalDomain())
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("bridge throttled: %w", err)
		}
	}

	b.logger.WithExecutionID(env.Call.ExecutionID).
		WithTarget(env.Call.Target.Domain, env.Call.Target.Address).
		WithField("source", env.SourceDomain).
		Debug("Delivering cross-domain call")

	return b.remote.Dispatch(ctx, env.Call)
}

// Connect registers bridges in both directions between two dispatchers.
func Connect(a, b *engine.DomainDispatcher, opts ...Option) {
	a.RegisterBridge(b.LocalDomain(), NewInProcess(b, opts...))
	b.RegisterBridge(a.LocalDomain(), NewInProcess(a, opts...))
}
