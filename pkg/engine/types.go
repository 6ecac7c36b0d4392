package engine

import (
	"math"
	"time"
)

// Batch is a unit of authorized work admitted by the authorizer. A batch
// lives in exactly one queue slot at a time, or is parked while it waits for
// a callback confirmation.
type Batch struct {
	// ExecutionID identifies the batch. It is assigned by the authorizer and
	// never reused.
	ExecutionID uint64 `json:"execution_id"`

	// Priority is the queue the batch was admitted to.
	Priority Priority `json:"priority"`

	// Subroutine is the work to perform.
	Subroutine Subroutine `json:"subroutine"`

	// CreatedAt is when the batch was admitted.
	CreatedAt time.Time `json:"created_at"`
}

// Subroutine is an ordered list of functions executed either atomically or
// one function per tick.
type Subroutine struct {
	Kind      SubroutineKind `json:"kind" yaml:"kind" validate:"required,oneof=atomic non_atomic"`
	Functions []Function     `json:"functions" yaml:"functions" validate:"required,min=1,dive"`

	// RetryLogic applies to the whole unit. Only valid for atomic subroutines.
	RetryLogic *RetryLogic `json:"retry_logic,omitempty" yaml:"retry_logic,omitempty"`
}

// TargetRef addresses an operation adapter in a domain. An empty Domain
// means the local domain.
type TargetRef struct {
	Domain  string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Address string `json:"address" yaml:"address" validate:"required"`
}

// Function is one step of a subroutine.
type Function struct {
	Target  TargetRef `json:"target" yaml:"target"`
	Payload []byte    `json:"payload,omitempty" yaml:"payload,omitempty"`

	// RetryLogic is the function's own retry policy. Only valid for
	// non-atomic subroutines.
	RetryLogic *RetryLogic `json:"retry_logic,omitempty" yaml:"retry_logic,omitempty"`

	// CallbackConfirmation, when set, parks the batch after the call
	// succeeds until the named address confirms with the expected payload.
	// Only valid for non-atomic subroutines.
	CallbackConfirmation *CallbackConfirmation `json:"callback_confirmation,omitempty" yaml:"callback_confirmation,omitempty"`
}

// CallbackConfirmation names who must confirm a function and with what.
type CallbackConfirmation struct {
	Address  string `json:"address" yaml:"address" validate:"required"`
	Expected []byte `json:"expected" yaml:"expected"`
}

// RetryLogic is a retry policy.
type RetryLogic struct {
	Times    RetryTimes    `json:"times" yaml:"times"`
	Interval RetryInterval `json:"interval" yaml:"interval"`
}

// RetryTimes bounds the number of retries.
type RetryTimes struct {
	Kind   RetryTimesKind `json:"kind" yaml:"kind" validate:"required,oneof=amount indefinitely"`
	Amount uint64         `json:"amount,omitempty" yaml:"amount,omitempty"`
}

// RetryInterval is the minimum wait between attempts. Time values are in
// seconds.
type RetryInterval struct {
	Kind  IntervalKind `json:"kind" yaml:"kind" validate:"required,oneof=height time"`
	Value uint64       `json:"value" yaml:"value"`
}

// BlockInfo is the engine's notion of now.
type BlockInfo struct {
	Height uint64    `json:"height"`
	Time   time.Time `json:"time"`
}

// Expiration is a point in height or time.
type Expiration struct {
	Kind   IntervalKind `json:"kind"`
	Height uint64       `json:"height,omitempty"`
	Time   time.Time    `json:"time,omitempty"`
}

// MaxTimeIntervalSeconds is the longest time interval a time.Duration can hold.
const MaxTimeIntervalSeconds = uint64(math.MaxInt64 / int64(time.Second))

// After returns the expiration interval past now. Intervals that would run
// past the end of the height or duration range saturate.
func (i RetryInterval) After(now BlockInfo) Expiration {
	if i.Kind == IntervalHeight {
		if i.Value > math.MaxUint64-now.Height {
			return Expiration{Kind: IntervalHeight, Height: math.MaxUint64}
		}
		return Expiration{Kind: IntervalHeight, Height: now.Height + i.Value}
	}
	secs := i.Value
	if secs > MaxTimeIntervalSeconds {
		secs = MaxTimeIntervalSeconds
	}
	return Expiration{Kind: IntervalTime, Time: now.Time.Add(time.Duration(secs) * time.Second)}
}

// Passed reports whether now is at or beyond the expiration.
func (e Expiration) Passed(now BlockInfo) bool {
	if e.Kind == IntervalHeight {
		return now.Height >= e.Height
	}
	return !now.Time.Before(e.Time)
}

// RetryState is the per-batch retry counter. It is created on the first
// failure and deleted on terminal resolution. For non-atomic subroutines it
// is also deleted whenever a function succeeds, so each function counts its
// own retries.
type RetryState struct {
	ExecutionID  uint64     `json:"execution_id"`
	RetryAmounts uint64     `json:"retry_amounts"`
	NextEligible Expiration `json:"next_eligible"`
}

// ExecutionResult is the terminal outcome of a batch.
type ExecutionResult struct {
	Kind ResultKind `json:"kind"`

	// Index is the position of the failing function for partially executed
	// batches.
	Index uint64 `json:"index,omitempty"`

	// Error is the underlying failure message, carried verbatim.
	Error string `json:"error,omitempty"`
}

// Success returns a success result.
func Success() ExecutionResult {
	return ExecutionResult{Kind: ResultSuccess}
}

// Rejected returns a result for a batch whose first function failed.
func Rejected(msg string) ExecutionResult {
	return ExecutionResult{Kind: ResultRejected, Error: msg}
}

// PartiallyExecuted returns a result for a batch that failed at index after
// earlier functions succeeded.
func PartiallyExecuted(index uint64, msg string) ExecutionResult {
	return ExecutionResult{Kind: ResultPartiallyExecuted, Index: index, Error: msg}
}

// failureResult picks Rejected or PartiallyExecuted based on the failing index.
func failureResult(index uint64, msg string) ExecutionResult {
	if index == 0 {
		return Rejected(msg)
	}
	return PartiallyExecuted(index, msg)
}

// Callback is what the authorizer receives for a resolved batch.
type Callback struct {
	ExecutionID uint64          `json:"execution_id"`
	Result      ExecutionResult `json:"result"`
	Height      uint64          `json:"height"`
	EmittedAt   time.Time       `json:"emitted_at"`
}

// TickReport describes the effect of one tick.
type TickReport struct {
	Priority    Priority         `json:"priority"`
	ExecutionID uint64           `json:"execution_id,omitempty"`
	Action      TickAction       `json:"action"`
	Result      *ExecutionResult `json:"result,omitempty"`

	// DeliveryErr is set when the callback for a resolved batch could not
	// be delivered. The resolution itself is committed regardless.
	DeliveryErr error `json:"-"`
}

// ParkedBatch is a batch waiting for a callback confirmation.
type ParkedBatch struct {
	Batch Batch  `json:"batch"`
	Index uint64 `json:"index"`
}
