// Package engine provides the batch execution engine of the processor.
//
// # Overview
//
// An authorizer admits batches of work under an execution id. Each batch
// carries a subroutine, an ordered list of functions that target operation
// adapters in the local domain or, through a bridge, in another domain.
// Batches wait in one of three persistent FIFO queues (high, medium, low).
// A tick pops the head of one queue and performs at most one step on it:
//
//  1. Eligibility - a batch whose retry interval has not passed is moved to
//     the back of its queue untouched.
//  2. Execution - atomic subroutines run every function in one tick;
//     non-atomic subroutines run the function at their action index.
//  3. Failure - a failed function is routed through the RetryTracker, which
//     either re-enqueues the batch or resolves it terminally.
//  4. Resolution - a terminal outcome is staged as a Callback and delivered
//     to the CallbackSink after the write batch commits.
//
// # Results
//
// A resolved batch yields exactly one ExecutionResult:
//
//   - Success: every function succeeded
//   - PartiallyExecuted(i): function i failed terminally after earlier
//     functions succeeded
//   - Rejected: the first function failed terminally
//
// # Components
//
//   - Processor: the service object; serializes calls and owns the write batch
//   - BatchExecutor: performs one step on a popped batch
//   - RetryTracker: per-batch retry counters and next-eligible expirations
//   - DomainDispatcher: routes calls to adapters or bridges
//   - CallbackEmitter: persists outcomes and delivers callbacks
//
// # Errors
//
// All errors raised by the engine are *EngineError values classified as
// configuration, execution, queue, transport or storage errors. Use the
// sentinels with errors.Is:
//
//	if errors.Is(err, engine.ErrSenderMismatch) {
//	    // confirmation came from the wrong address
//	}
//
// Execution errors never abort a tick; they become retries or terminal
// results. Any other error discards the write batch of the call.
//
// # Example
//
//	db, _ := kvstore.Open(kvstore.Config{Path: "data/processor"})
//	d := engine.NewDomainDispatcher("local")
//	d.RegisterAdapter("ledger", ledgerAdapter)
//
//	proc, _ := engine.NewProcessor(db, engine.ProcessorConfig{
//	    Dispatcher: d,
//	    Sink:       sink,
//	})
//
//	_ = proc.Enqueue(ctx, 7, engine.PriorityMedium, engine.Subroutine{
//	    Kind:      engine.SubroutineNonAtomic,
//	    Functions: []engine.Function{{Target: engine.TargetRef{Address: "ledger"}}},
//	})
//	report, _ := proc.Tick(ctx, engine.PriorityMedium)
package engine
