package engine

import (
	"fmt"
)

// Priority selects one of the execution queues.
type Priority string

const (
	// PriorityHigh is drained first by the serve driver.
	PriorityHigh Priority = "high"

	// PriorityMedium is the default priority.
	PriorityMedium Priority = "medium"

	// PriorityLow is drained last.
	PriorityLow Priority = "low"
)

// Priorities returns every priority in the order the driver ticks them.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityMedium, PriorityLow}
}

// Validate checks if the priority is valid.
func (p Priority) Validate() error {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return nil
	default:
		return fmt.Errorf("invalid priority: %q", p)
	}
}

// SubroutineKind selects atomic or non-atomic execution.
type SubroutineKind string

const (
	// SubroutineAtomic runs all functions in one tick; any terminal failure
	// stops the unit.
	SubroutineAtomic SubroutineKind = "atomic"

	// SubroutineNonAtomic runs one function per tick and tracks progress
	// with a pointer.
	SubroutineNonAtomic SubroutineKind = "non_atomic"
)

// RetryTimesKind bounds how often a failure is retried.
type RetryTimesKind string

const (
	RetryTimesAmount       RetryTimesKind = "amount"
	RetryTimesIndefinitely RetryTimesKind = "indefinitely"
)

// IntervalKind selects the unit of a retry interval or expiration.
type IntervalKind string

const (
	// IntervalHeight measures in block heights.
	IntervalHeight IntervalKind = "height"

	// IntervalTime measures in seconds.
	IntervalTime IntervalKind = "time"
)

// ResultKind is the outcome of a resolved batch.
type ResultKind string

const (
	ResultSuccess           ResultKind = "success"
	ResultPartiallyExecuted ResultKind = "partially_executed"
	ResultRejected          ResultKind = "rejected"
)

// IsFailure returns true for any result other than success.
func (k ResultKind) IsFailure() bool {
	return k == ResultPartiallyExecuted || k == ResultRejected
}

// TickAction describes what a tick did with the head of a queue.
type TickAction string

const (
	// TickIdle means the queue was empty.
	TickIdle TickAction = "idle"

	// TickPaused means the processor is paused and nothing was touched.
	TickPaused TickAction = "paused"

	// TickDeferred means the head was not yet eligible for retry and was
	// moved to the back without executing.
	TickDeferred TickAction = "deferred"

	// TickAdvanced means a non-atomic function succeeded and the batch was
	// re-enqueued at the next function.
	TickAdvanced TickAction = "advanced"

	// TickRetried means a function failed and will be retried.
	TickRetried TickAction = "retried"

	// TickResolved means the batch reached a terminal result.
	TickResolved TickAction = "resolved"

	// TickParked means the batch is waiting for a callback confirmation.
	TickParked TickAction = "parked"
)
