package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/processor/pkg/telemetry"
)

// DomainDispatcher routes function calls either to a local adapter or, for
// other domains, to the bridge registered for that domain. Both paths share
// the same queue and retry contract: any error is an execution failure.
type DomainDispatcher struct {
	localDomain string

	mu       sync.RWMutex
	adapters map[string]Adapter
	bridges  map[string]Bridge

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// DispatcherOption configures a DomainDispatcher.
type DispatcherOption func(*DomainDispatcher)

// WithDispatcherTelemetry attaches logging, metrics and tracing.
func WithDispatcherTelemetry(logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) DispatcherOption {
	return func(d *DomainDispatcher) {
		if logger != nil {
			d.logger = logger.NewComponentLogger("dispatcher")
		}
		d.metrics = metrics
		d.tracer = tracer
	}
}

// NewDomainDispatcher creates a dispatcher for localDomain.
func NewDomainDispatcher(localDomain string, opts ...DispatcherOption) *DomainDispatcher {
	d := &DomainDispatcher{
		localDomain: localDomain,
		adapters:    make(map[string]Adapter),
		bridges:     make(map[string]Bridge),
		logger:      telemetry.NopLogger(),
		tracer:      telemetry.NopTracer(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// LocalDomain returns the domain this dispatcher executes locally.
func (d *DomainDispatcher) LocalDomain() string {
	return d.localDomain
}

// RegisterAdapter registers the adapter serving address, replacing any
// previous registration.
func (d *DomainDispatcher) RegisterAdapter(address string, a Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[address] = a
}

// UnregisterAdapter removes the adapter serving address.
func (d *DomainDispatcher) UnregisterAdapter(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.adapters, address)
}

// RegisterBridge registers the bridge used for calls to domain.
func (d *DomainDispatcher) RegisterBridge(domain string, b Bridge) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bridges[domain] = b
}

// Adapters returns the registered local addresses in sorted order.
func (d *DomainDispatcher) Adapters() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.adapters))
	for addr := range d.adapters {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// IsLocal reports whether target is executed by this dispatcher.
func (d *DomainDispatcher) IsLocal(target TargetRef) bool {
	return target.Domain == "" || target.Domain == d.localDomain
}

// Dispatch executes call locally or forwards it across domains.
func (d *DomainDispatcher) Dispatch(ctx context.Context, call Call) error {
	ctx, span := d.tracer.StartFunctionSpan(ctx, call.ExecutionID, call.Index, call.Target.Domain, call.Target.Address)
	defer span.End()

	start := time.Now()
	var err error
	if d.IsLocal(call.Target) {
		err = d.executeLocal(ctx, call)
	} else {
		err = d.forward(ctx, call)
	}

	status := "ok"
	if err != nil {
		status = "error"
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.SetAttributes(attribute.String("function.status", status))
	d.metrics.RecordFunctionCall(d.domainLabel(call.Target), status, time.Since(start))

	return err
}

func (d *DomainDispatcher) executeLocal(ctx context.Context, call Call) error {
	d.mu.RLock()
	a, ok := d.adapters[call.Target.Address]
	d.mu.RUnlock()

	if !ok {
		return NewExecutionError("no adapter registered for "+call.Target.Address, nil).
			WithCode(ErrCodeUnknownTarget).
			WithExecutionID(call.ExecutionID)
	}
	return a.Execute(ctx, call)
}

func (d *DomainDispatcher) forward(ctx context.Context, call Call) error {
	d.mu.RLock()
	b, ok := d.bridges[call.Target.Domain]
	d.mu.RUnlock()

	if !ok {
		return NewExecutionError("no bridge registered for domain "+call.Target.Domain, nil).
			WithCode(ErrCodeUnknownDomain).
			WithExecutionID(call.ExecutionID)
	}

	d.logger.WithExecutionID(call.ExecutionID).
		WithTarget(call.Target.Domain, call.Target.Address).
		Debug("Forwarding call across domains")

	return b.Forward(ctx, Envelope{SourceDomain: d.localDomain, Call: call})
}

func (d *DomainDispatcher) domainLabel(target TargetRef) string {
	if d.IsLocal(target) {
		return "local"
	}
	return target.Domain
}
