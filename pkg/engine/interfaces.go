package engine

import (
	"context"
)

// Call is a single function invocation handed to an adapter.
type Call struct {
	ExecutionID uint64    `json:"execution_id"`
	Index       uint64    `json:"index"`
	Target      TargetRef `json:"target"`
	Payload     []byte    `json:"payload,omitempty"`
}

// Adapter performs one domain action. A returned error is treated as an
// execution failure of the function.
type Adapter interface {
	Execute(ctx context.Context, call Call) error
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, call Call) error

// Execute implements Adapter.
func (f AdapterFunc) Execute(ctx context.Context, call Call) error {
	return f(ctx, call)
}

// Envelope wraps a call destined for another domain.
type Envelope struct {
	SourceDomain string `json:"source_domain"`
	Call         Call   `json:"call"`
}

// Bridge forwards envelopes to a remote domain. A returned error is treated
// exactly like a local execution failure.
type Bridge interface {
	Forward(ctx context.Context, env Envelope) error
}

// BridgeFunc adapts a plain function to the Bridge interface.
type BridgeFunc func(ctx context.Context, env Envelope) error

// Forward implements Bridge.
func (f BridgeFunc) Forward(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// CallbackSink delivers resolved results to the authorizer.
type CallbackSink interface {
	Deliver(ctx context.Context, cb Callback) error
}

// CallbackSinkFunc adapts a plain function to the CallbackSink interface.
type CallbackSinkFunc func(ctx context.Context, cb Callback) error

// Deliver implements CallbackSink.
func (f CallbackSinkFunc) Deliver(ctx context.Context, cb Callback) error {
	return f(ctx, cb)
}

// Clock supplies the current block height and time.
type Clock interface {
	Now() BlockInfo
}

// EventRecorder receives a best-effort audit trail of engine activity.
type EventRecorder interface {
	RecordEvent(ctx context.Context, executionID uint64, kind, detail string) error
}
