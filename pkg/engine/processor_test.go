package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/processor/pkg/kvstore"
	"github.com/openfroyo/processor/pkg/queue"
)

// mockAdapter records calls and fails according to a script keyed by call
// count.
type mockAdapter struct {
	mu    sync.Mutex
	calls []Call
	fail  func(n int, call Call) error
}

func (m *mockAdapter) Execute(_ context.Context, call Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	if m.fail != nil {
		return m.fail(len(m.calls), call)
	}
	return nil
}

func (m *mockAdapter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// recordingSink records delivered callbacks.
type recordingSink struct {
	mu        sync.Mutex
	callbacks []Callback
	err       error
}

func (s *recordingSink) Deliver(_ context.Context, cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.callbacks = append(s.callbacks, cb)
	return nil
}

func (s *recordingSink) all() []Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Callback(nil), s.callbacks...)
}

type testEnv struct {
	proc       *Processor
	dispatcher *DomainDispatcher
	clock      *ManualClock
	sink       *recordingSink
	db         *kvstore.DB
}

// setupTestProcessor creates a processor over an in-memory store.
func setupTestProcessor(t *testing.T) *testEnv {
	t.Helper()

	db, err := kvstore.Open(kvstore.Config{InMemory: true, NoSync: true})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{
		dispatcher: NewDomainDispatcher("local"),
		clock:      NewManualClock(100, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		sink:       &recordingSink{},
		db:         db,
	}

	env.proc, err = NewProcessor(db, ProcessorConfig{
		Dispatcher: env.dispatcher,
		Sink:       env.sink,
		Clock:      env.clock,
	})
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}
	return env
}

func (e *testEnv) tick(t *testing.T, p Priority) *TickReport {
	t.Helper()
	r, err := e.proc.Tick(context.Background(), p)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	return r
}

func fn(address string) Function {
	return Function{Target: TargetRef{Address: address}}
}

func amount(max uint64) *RetryLogic {
	return &RetryLogic{
		Times:    RetryTimes{Kind: RetryTimesAmount, Amount: max},
		Interval: RetryInterval{Kind: IntervalHeight, Value: 1},
	}
}

func indefinitely() *RetryLogic {
	return &RetryLogic{
		Times:    RetryTimes{Kind: RetryTimesIndefinitely},
		Interval: RetryInterval{Kind: IntervalHeight, Value: 1},
	}
}

func alwaysFail(msg string) func(int, Call) error {
	return func(int, Call) error { return errors.New(msg) }
}

func TestProcessor_FIFO(t *testing.T) {
	env := setupTestProcessor(t)
	ctx := context.Background()
	env.dispatcher.RegisterAdapter("ok", &mockAdapter{})

	for _, id := range []uint64{1, 2, 3} {
		sub := Subroutine{Kind: SubroutineAtomic, Functions: []Function{fn("ok")}}
		if err := env.proc.Enqueue(ctx, id, PriorityHigh, sub); err != nil {
			t.Fatalf("enqueue %d: %v", id, err)
		}
	}

	for _, want := range []uint64{1, 2, 3} {
		r := env.tick(t, PriorityHigh)
		if r.ExecutionID != want || r.Action != TickResolved {
			t.Errorf("expected %d resolved, got %d %s", want, r.ExecutionID, r.Action)
		}
	}

	if r := env.tick(t, PriorityHigh); r.Action != TickIdle {
		t.Errorf("expected idle tick, got %s", r.Action)
	}
}

func TestProcessor_RetryAmount(t *testing.T) {
	for _, max := range []uint64{0, 1, 5} {
		t.Run(fmt.Sprintf("max=%d", max), func(t *testing.T) {
			env := setupTestProcessor(t)
			ctx := context.Background()
			env.dispatcher.RegisterAdapter("flaky", &mockAdapter{fail: alwaysFail("unavailable")})

			sub := Subroutine{
				Kind:      SubroutineNonAtomic,
				Functions: []Function{{Target: TargetRef{Address: "flaky"}, RetryLogic: amount(max)}},
			}
			if err := env.proc.Enqueue(ctx, 9, PriorityMedium, sub); err != nil {
				t.Fatalf("enqueue: %v", err)
			}

			for i := uint64(0); i < max; i++ {
				r := env.tick(t, PriorityMedium)
				if r.Action != TickRetried {
					t.Fatalf("failure %d: expected retried, got %s", i+1, r.Action)
				}
				st, _ := env.proc.RetryState(ctx, 9)
				if st == nil || st.RetryAmounts != i+1 {
					t.Fatalf("failure %d: unexpected retry state %+v", i+1, st)
				}
				env.clock.Advance(1, time.Second)
			}

			if len(env.sink.all()) != 0 {
				t.Fatal("no callback expected before terminal failure")
			}

			r := env.tick(t, PriorityMedium)
			if r.Action != TickResolved || r.Result == nil || r.Result.Kind != ResultRejected {
				t.Fatalf("expected terminal rejection, got %+v", r)
			}
			if r.Result.Error != "unavailable" {
				t.Errorf("expected verbatim error, got %q", r.Result.Error)
			}

			cbs := env.sink.all()
			if len(cbs) != 1 || cbs[0].ExecutionID != 9 {
				t.Fatalf("expected one callback for 9, got %+v", cbs)
			}
			if st, _ := env.proc.RetryState(ctx, 9); st != nil {
				t.Errorf("retry state should be absent, got %+v", st)
			}
		})
	}
}

func TestProcessor_RetryIndefinitely(t *testing.T) {
	env := setupTestProcessor(t)
	ctx := context.Background()

	failures := 100
	adapter := &mockAdapter{fail: func(n int, _ Call) error {
		if n <= failures {
			return errors.New("not yet")
		}
		return nil
	}}
	env.dispatcher.RegisterAdapter("eventually", adapter)

	sub := Subroutine{
		Kind:       SubroutineAtomic,
		Functions:  []Function{fn("eventually")},
		RetryLogic: indefinitely(),
	}
	if err := env.proc.Enqueue(ctx, 3, PriorityLow, sub); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < failures; i++ {
		r := env.tick(t, PriorityLow)
		if r.Action != TickRetried {
			t.Fatalf("failure %d: expected retried, got %s", i+1, r.Action)
		}
		env.clock.Advance(1, time.Second)
	}
	if len(env.sink.all()) != 0 {
		t.Fatal("indefinite retry must not emit a callback on failure")
	}

	r := env.tick(t, PriorityLow)
	if r.Action != TickResolved || r.Result.Kind != ResultSuccess {
		t.Fatalf("expected success after recovery, got %+v", r)
	}
	if cbs := env.sink.all(); len(cbs) != 1 || cbs[0].Result.Kind != ResultSuccess {
		t.Errorf("expected a single success callback, got %+v", cbs)
	}
}

func TestProcessor_DeferIneligibleHead(t *testing.T) {
	env := setupTestProcessor(t)
	ctx := context.Background()

	env.dispatcher.RegisterAdapter("flaky", &mockAdapter{fail: func(n int, _ Call) error {
		if n == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	}})
	env.dispatcher.RegisterAdapter("ok", &mockAdapter{})

	slow := Subroutine{
		Kind:       SubroutineAtomic,
		Functions:  []Function{fn("flaky")},
		RetryLogic: &RetryLogic{Times: RetryTimes{Kind: RetryTimesAmount, Amount: 3}, Interval: RetryInterval{Kind: IntervalTime, Value: 60}},
	}
	_ = env.proc.Enqueue(ctx, 1, PriorityHigh, slow)
	_ = env.proc.Enqueue(ctx, 2, PriorityHigh, Subroutine{Kind: SubroutineAtomic, Functions: []Function{fn("ok")}})

	if r := env.tick(t, PriorityHigh); r.Action != TickRetried {
		t.Fatalf("expected retried, got %s", r.Action)
	}
	if r := env.tick(t, PriorityHigh); r.ExecutionID != 2 || r.Action != TickResolved {
		t.Fatalf("expected batch 2 resolved, got %+v", r)
	}

	// Interval not yet passed: head moves to the back untouched
	if r := env.tick(t, PriorityHigh); r.ExecutionID != 1 || r.Action != TickDeferred {
		t.Fatalf("expected batch 1 deferred, got %+v", r)
	}
	if n, _ := env.proc.QueueLength(ctx, PriorityHigh); n != 1 {
		t.Errorf("expected deferred batch to remain queued, got length %d", n)
	}

	env.clock.Advance(0, time.Minute)
	if r := env.tick(t, PriorityHigh); r.Action != TickResolved || r.Result.Kind != ResultSuccess {
		t.Fatalf("expected batch 1 to succeed once eligible, got %+v", r)
	}
}

func TestProcessor_NonAtomicPartialProgress(t *testing.T) {
	env := setupTestProcessor(t)
	ctx := context.Background()

	first := &mockAdapter{}
	env.dispatcher.RegisterAdapter("a", first)
	env.dispatcher.RegisterAdapter("b", &mockAdapter{fail: alwaysFail("b exploded")})
	env.dispatcher.RegisterAdapter("c", &mockAdapter{})

	sub := Subroutine{Kind: SubroutineNonAtomic, Functions: []Function{fn("a"), fn("b"), fn("c")}}
	if err := env.proc.Enqueue(ctx, 5, PriorityMedium, sub); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if r := env.tick(t, PriorityMedium); r.Action != TickAdvanced {
		t.Fatalf("expected advanced, got %s", r.Action)
	}
	r := env.tick(t, PriorityMedium)
	if r.Action != TickResolved {
		t.Fatalf("expected resolved, got %s", r.Action)
	}

	want := PartiallyExecuted(1, "b exploded")
	if *r.Result != want {
		t.Errorf("expected %+v, got %+v", want, *r.Result)
	}
	if first.count() != 1 {
		t.Errorf("function 0 must not be re-attempted, got %d calls", first.count())
	}
	if idx, _ := env.proc.ActionIndex(ctx, 5); idx != 0 {
		t.Errorf("expected action index cleared, got %d", idx)
	}
}

func TestProcessor_AtomicReporting(t *testing.T) {
	tests := []struct {
		name   string
		failAt string
		want   ExecutionResult
	}{
		{name: "fails at index 2", failAt: "f2", want: PartiallyExecuted(2, "f2 failed")},
		{name: "fails at index 0", failAt: "f0", want: Rejected("f0 failed")},
		{name: "all succeed", want: Success()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestProcessor(t)
			ctx := context.Background()

			for _, addr := range []string{"f0", "f1", "f2"} {
				a := &mockAdapter{}
				if addr == tt.failAt {
					a.fail = alwaysFail(addr + " failed")
				}
				env.dispatcher.RegisterAdapter(addr, a)
			}

			sub := Subroutine{Kind: SubroutineAtomic, Functions: []Function{fn("f0"), fn("f1"), fn("f2")}}
			if err := env.proc.Enqueue(ctx, 11, PriorityHigh, sub); err != nil {
				t.Fatalf("enqueue: %v", err)
			}

			r := env.tick(t, PriorityHigh)
			if r.Action != TickResolved || *r.Result != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, r.Result)
			}

			out, err := env.proc.Outcome(ctx, 11)
			if err != nil || out == nil || out.Result != tt.want {
				t.Errorf("expected persisted outcome %+v, got %+v (%v)", tt.want, out, err)
			}
		})
	}
}

func TestProcessor_RangeQuery(t *testing.T) {
	env := setupTestProcessor(t)
	ctx := context.Background()

	for _, id := range []uint64{4, 5, 6} {
		_ = env.proc.Enqueue(ctx, id, PriorityLow, Subroutine{Kind: SubroutineAtomic, Functions: []Function{fn("x")}})
	}

	if _, err := env.proc.ListPending(ctx, PriorityLow, 2, 1, queue.Ascending); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected invalid range, got %v", err)
	}

	n, _ := env.proc.QueueLength(ctx, PriorityLow)
	batches, err := env.proc.ListPending(ctx, PriorityLow, 0, n, queue.Ascending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(batches) != 3 || batches[0].ExecutionID != 4 || batches[2].ExecutionID != 6 {
		t.Errorf("expected insertion order [4 5 6], got %+v", batches)
	}
}

func TestProcessor_EndToEnd(t *testing.T) {
	env := setupTestProcessor(t)
	ctx := context.Background()

	a, b := &mockAdapter{}, &mockAdapter{}
	env.dispatcher.RegisterAdapter("A", a)
	env.dispatcher.RegisterAdapter("B", b)

	sub := Subroutine{Kind: SubroutineNonAtomic, Functions: []Function{fn("A"), fn("B")}}
	if err := env.proc.Enqueue(ctx, 7, PriorityMedium, sub); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := env.tick(t, PriorityMedium)
	if r.Action != TickAdvanced || a.count() != 1 {
		t.Fatalf("expected A to run and batch to advance, got %+v", r)
	}
	if idx, _ := env.proc.ActionIndex(ctx, 7); idx != 1 {
		t.Errorf("expected pointer 1, got %d", idx)
	}
	if n, _ := env.proc.QueueLength(ctx, PriorityMedium); n != 1 {
		t.Errorf("expected batch re-queued, got length %d", n)
	}

	r = env.tick(t, PriorityMedium)
	if r.Action != TickResolved || r.Result.Kind != ResultSuccess || b.count() != 1 {
		t.Fatalf("expected B to run and batch to succeed, got %+v", r)
	}

	cbs := env.sink.all()
	if len(cbs) != 1 || cbs[0].ExecutionID != 7 || cbs[0].Result.Kind != ResultSuccess {
		t.Errorf("expected Success(7) callback, got %+v", cbs)
	}
	if idx, _ := env.proc.ActionIndex(ctx, 7); idx != 0 {
		t.Errorf("expected pointer cleared, got %d", idx)
	}
	if n, _ := env.proc.QueueLength(ctx, PriorityMedium); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestProcessor_NonAtomicRetryKeepsPointer(t *testing.T) {
	env := setupTestProcessor(t)
	ctx := context.Background()

	env.dispatcher.RegisterAdapter("a", &mockAdapter{})
	b := &mockAdapter{fail: func(n int, _ Call) error {
		if n == 1 {
			return errors.New("transient")
		}
		return nil
	}}
	env.dispatcher.RegisterAdapter("b", b)

	sub := Subroutine{Kind: SubroutineNonAtomic, Functions: []Function{
		{Target: TargetRef{Address: "a"}, RetryLogic: amount(1)},
		{Target: TargetRef{Address: "b"}, RetryLogic: amount(1)},
	}}
	_ = env.proc.Enqueue(ctx, 8, PriorityHigh, sub)

	env.tick(t, PriorityHigh)
	if r := env.tick(t, PriorityHigh); r.Action != TickRetried {
		t.Fatalf("expected retried, got %s", r.Action)
	}
	if idx, _ := env.proc.ActionIndex(ctx, 8); idx != 1 {
		t.Errorf("retry must not move the pointer, got %d", idx)
	}

	env.clock.Advance(1, 0)
	if r := env.tick(t, PriorityHigh); r.Action != TickResolved || r.Result.Kind != ResultSuccess {
		t.Fatalf("expected success, got %+v", r)
	}
	if st, _ := env.proc.RetryState(ctx, 8); st != nil {
		t.Errorf("expected retry state cleared, got %+v", st)
	}
}

func TestProcessor_CallbackConfirmation(t *testing.T) {
	newEnv := func(t *testing.T) *testEnv {
		env := setupTestProcessor(t)
		env.dispatcher.RegisterAdapter("bridge-out", &mockAdapter{})
		env.dispatcher.RegisterAdapter("finish", &mockAdapter{})

		sub := Subroutine{Kind: SubroutineNonAtomic, Functions: []Function{
			{
				Target:               TargetRef{Address: "bridge-out"},
				CallbackConfirmation: &CallbackConfirmation{Address: "relayer", Expected: []byte("ack")},
			},
			fn("finish"),
		}}
		if err := env.proc.Enqueue(context.Background(), 21, PriorityHigh, sub); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if r := env.tick(t, PriorityHigh); r.Action != TickParked {
			t.Fatalf("expected parked, got %s", r.Action)
		}
		return env
	}

	t.Run("matching payload resumes", func(t *testing.T) {
		env := newEnv(t)
		ctx := context.Background()

		parked, _ := env.proc.ListParked(ctx)
		if len(parked) != 1 || parked[0].Batch.ExecutionID != 21 {
			t.Fatalf("expected batch 21 parked, got %+v", parked)
		}

		r, err := env.proc.ConfirmCallback(ctx, 21, "relayer", []byte("ack"))
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
		if r.Action != TickAdvanced {
			t.Errorf("expected advanced, got %s", r.Action)
		}
		if r := env.tick(t, PriorityHigh); r.Result == nil || r.Result.Kind != ResultSuccess {
			t.Errorf("expected success, got %+v", r)
		}
	})

	t.Run("wrong sender changes nothing", func(t *testing.T) {
		env := newEnv(t)
		ctx := context.Background()

		_, err := env.proc.ConfirmCallback(ctx, 21, "intruder", []byte("ack"))
		if !errors.Is(err, ErrSenderMismatch) || !IsConfiguration(err) {
			t.Fatalf("expected sender mismatch, got %v", err)
		}
		if parked, _ := env.proc.ListParked(ctx); len(parked) != 1 {
			t.Error("batch should still be parked")
		}
	})

	t.Run("mismatched payload fails", func(t *testing.T) {
		env := newEnv(t)
		ctx := context.Background()

		r, err := env.proc.ConfirmCallback(ctx, 21, "relayer", []byte("nack"))
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
		want := Rejected("callback confirmation mismatch")
		if r.Action != TickResolved || *r.Result != want {
			t.Errorf("expected %+v, got %+v", want, r.Result)
		}
		if cbs := env.sink.all(); len(cbs) != 1 || cbs[0].Result != want {
			t.Errorf("expected rejection callback, got %+v", cbs)
		}
	})

	t.Run("unknown batch", func(t *testing.T) {
		env := setupTestProcessor(t)
		_, err := env.proc.ConfirmCallback(context.Background(), 99, "relayer", nil)
		if !errors.Is(err, ErrNotPending) {
			t.Errorf("expected not pending, got %v", err)
		}
	})
}

func TestProcessor_DeliveryFailureDoesNotFailTick(t *testing.T) {
	env := setupTestProcessor(t)
	ctx := context.Background()
	env.sink.err = errors.New("authorizer offline")
	env.dispatcher.RegisterAdapter("ok", &mockAdapter{})

	_ = env.proc.Enqueue(ctx, 12, PriorityHigh, Subroutine{Kind: SubroutineAtomic, Functions: []Function{fn("ok")}})

	r := env.tick(t, PriorityHigh)
	if r.Action != TickResolved {
		t.Fatalf("expected resolved, got %s", r.Action)
	}
	if !IsTransport(r.DeliveryErr) {
		t.Errorf("expected transport delivery error, got %v", r.DeliveryErr)
	}
	if out, _ := env.proc.Outcome(ctx, 12); out == nil {
		t.Error("outcome must be persisted even when delivery fails")
	}
}

func TestProcessor_UnknownTargetIsExecutionFailure(t *testing.T) {
	env := setupTestProcessor(t)
	ctx := context.Background()

	_ = env.proc.Enqueue(ctx, 13, PriorityHigh, Subroutine{Kind: SubroutineAtomic, Functions: []Function{fn("missing")}})

	r := env.tick(t, PriorityHigh)
	if r.Action != TickResolved || r.Result.Kind != ResultRejected {
		t.Fatalf("expected rejection, got %+v", r)
	}
}

func TestProcessor_EnqueueValidation(t *testing.T) {
	env := setupTestProcessor(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		priority Priority
		sub      Subroutine
	}{
		{name: "unknown priority", priority: "urgent", sub: Subroutine{Kind: SubroutineAtomic, Functions: []Function{fn("x")}}},
		{name: "no functions", priority: PriorityHigh, sub: Subroutine{Kind: SubroutineAtomic}},
		{name: "bad kind", priority: PriorityHigh, sub: Subroutine{Kind: "sometimes", Functions: []Function{fn("x")}}},
		{name: "missing address", priority: PriorityHigh, sub: Subroutine{Kind: SubroutineAtomic, Functions: []Function{{}}}},
		{name: "function retry in atomic", priority: PriorityHigh, sub: Subroutine{
			Kind: SubroutineAtomic, Functions: []Function{{Target: TargetRef{Address: "x"}, RetryLogic: amount(1)}},
		}},
		{name: "subroutine retry in non-atomic", priority: PriorityHigh, sub: Subroutine{
			Kind: SubroutineNonAtomic, Functions: []Function{fn("x")}, RetryLogic: amount(1),
		}},
		{name: "bad retry kind", priority: PriorityHigh, sub: Subroutine{
			Kind: SubroutineAtomic, Functions: []Function{fn("x")},
			RetryLogic: &RetryLogic{Times: RetryTimes{Kind: "forever"}, Interval: RetryInterval{Kind: IntervalTime}},
		}},
		{name: "time interval beyond duration range", priority: PriorityHigh, sub: Subroutine{
			Kind: SubroutineAtomic, Functions: []Function{fn("x")},
			RetryLogic: &RetryLogic{
				Times:    RetryTimes{Kind: RetryTimesIndefinitely},
				Interval: RetryInterval{Kind: IntervalTime, Value: MaxTimeIntervalSeconds + 1},
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.proc.Enqueue(ctx, 1, tt.priority, tt.sub)
			if !IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}

	for _, p := range Priorities() {
		if n, _ := env.proc.QueueLength(ctx, p); n != 0 {
			t.Errorf("rejected batches must not be queued, %s has %d", p, n)
		}
	}
}

func TestProcessor_PauseResume(t *testing.T) {
	env := setupTestProcessor(t)
	ctx := context.Background()
	env.dispatcher.RegisterAdapter("ok", &mockAdapter{})
	_ = env.proc.Enqueue(ctx, 1, PriorityHigh, Subroutine{Kind: SubroutineAtomic, Functions: []Function{fn("ok")}})

	if err := env.proc.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused, _ := env.proc.Paused(ctx); !paused {
		t.Error("expected paused")
	}
	if r := env.tick(t, PriorityHigh); r.Action != TickPaused {
		t.Errorf("expected paused tick, got %s", r.Action)
	}
	if n, _ := env.proc.QueueLength(ctx, PriorityHigh); n != 1 {
		t.Error("paused tick must not touch the queue")
	}

	_ = env.proc.Resume(ctx)
	if r := env.tick(t, PriorityHigh); r.Action != TickResolved {
		t.Errorf("expected resolved after resume, got %s", r.Action)
	}
}

func TestProcessor_InsertAndEvict(t *testing.T) {
	env := setupTestProcessor(t)
	ctx := context.Background()
	env.dispatcher.RegisterAdapter("ok", &mockAdapter{})

	sub := Subroutine{Kind: SubroutineAtomic, Functions: []Function{fn("ok")}}
	_ = env.proc.Enqueue(ctx, 1, PriorityLow, sub)
	_ = env.proc.Enqueue(ctx, 2, PriorityLow, sub)

	if err := env.proc.InsertAt(ctx, 0, Batch{ExecutionID: 3, Priority: PriorityLow, Subroutine: sub}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := env.proc.InsertAt(ctx, 9, Batch{ExecutionID: 4, Priority: PriorityLow, Subroutine: sub}); !errors.Is(err, ErrIndexOutOfBounds) {
		t.Errorf("expected out of bounds, got %v", err)
	}

	evicted, err := env.proc.EvictAt(ctx, PriorityLow, 1)
	if err != nil || evicted.ExecutionID != 1 {
		t.Fatalf("expected to evict batch 1, got %+v (%v)", evicted, err)
	}
	if _, err := env.proc.EvictAt(ctx, PriorityLow, 5); !IsQueue(err) {
		t.Errorf("expected queue error, got %v", err)
	}

	var order []uint64
	for {
		r := env.tick(t, PriorityLow)
		if r.Action == TickIdle {
			break
		}
		order = append(order, r.ExecutionID)
	}
	if len(order) != 2 || order[0] != 3 || order[1] != 2 {
		t.Errorf("expected [3 2], got %v", order)
	}
	if out, _ := env.proc.Outcome(ctx, 1); out != nil {
		t.Error("evicted batch must not produce an outcome")
	}
}

func TestProcessor_TickUnknownPriority(t *testing.T) {
	env := setupTestProcessor(t)
	if _, err := env.proc.Tick(context.Background(), "urgent"); !errors.Is(err, ErrUnknownPriority) {
		t.Errorf("expected unknown priority, got %v", err)
	}
}

type recordedEvent struct {
	id   uint64
	kind string
}

type memoryEvents struct {
	events []recordedEvent
}

func (m *memoryEvents) RecordEvent(_ context.Context, id uint64, kind, _ string) error {
	m.events = append(m.events, recordedEvent{id: id, kind: kind})
	return nil
}

func TestProcessor_RecordsEvents(t *testing.T) {
	db, err := kvstore.Open(kvstore.Config{InMemory: true, NoSync: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	d := NewDomainDispatcher("local")
	d.RegisterAdapter("ok", &mockAdapter{})
	events := &memoryEvents{}

	proc, err := NewProcessor(db, ProcessorConfig{Dispatcher: d, Events: events})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	ctx := context.Background()
	_ = proc.Enqueue(ctx, 1, PriorityHigh, Subroutine{Kind: SubroutineAtomic, Functions: []Function{fn("ok")}})
	if _, err := proc.Tick(ctx, PriorityHigh); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(events.events) != 2 || events.events[0].kind != "enqueued" || events.events[1].kind != "resolved" {
		t.Errorf("unexpected events: %+v", events.events)
	}
}

func TestNewProcessor_RequiresDependencies(t *testing.T) {
	if _, err := NewProcessor(nil, ProcessorConfig{}); !IsConfiguration(err) {
		t.Errorf("expected configuration error for nil store, got %v", err)
	}
}

// ctxAdapter hands the call context to a script.
type ctxAdapter struct {
	mu    sync.Mutex
	calls int
	run   func(ctx context.Context) error
}

func (a *ctxAdapter) Execute(ctx context.Context, _ Call) error {
	a.mu.Lock()
	a.calls++
	run := a.run
	a.mu.Unlock()
	if run == nil {
		return nil
	}
	return run(ctx)
}

func (a *ctxAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// assertUntouched checks that a failed tick left batch id at the head of the
// high queue with no retry state, outcome or callback.
func assertUntouched(t *testing.T, env *testEnv, id uint64) {
	t.Helper()
	ctx := context.Background()

	if n, err := env.proc.QueueLength(ctx, PriorityHigh); err != nil || n != 1 {
		t.Errorf("expected queue length 1, got %d (%v)", n, err)
	}
	pending, err := env.proc.ListPending(ctx, PriorityHigh, 0, 1, queue.Ascending)
	if err != nil || len(pending) != 1 || pending[0].ExecutionID != id {
		t.Errorf("expected batch %d at the head, got %+v (%v)", id, pending, err)
	}
	if st, err := env.proc.RetryState(ctx, id); err != nil || st != nil {
		t.Errorf("expected no retry state, got %+v (%v)", st, err)
	}
	if out, err := env.proc.Outcome(ctx, id); err != nil || out != nil {
		t.Errorf("expected no outcome, got %+v (%v)", out, err)
	}
	if cbs := env.sink.all(); len(cbs) != 0 {
		t.Errorf("expected no callbacks, got %+v", cbs)
	}
}

func TestProcessor_InterruptedTickRollsBack(t *testing.T) {
	tests := []struct {
		name      string
		kind      SubroutineKind
		logic     *RetryLogic
		ctx       func() (context.Context, context.CancelFunc)
		cancelIn  bool
		wantCause error
		wantCalls int
	}{
		{
			name:      "cancelled during atomic call",
			kind:      SubroutineAtomic,
			ctx:       func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
			cancelIn:  true,
			wantCause: context.Canceled,
			wantCalls: 1,
		},
		{
			name:      "cancelled during non-atomic call with retries left",
			kind:      SubroutineNonAtomic,
			logic:     amount(3),
			ctx:       func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
			cancelIn:  true,
			wantCause: context.Canceled,
			wantCalls: 1,
		},
		{
			name: "deadline already passed",
			kind: SubroutineAtomic,
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
			},
			wantCause: context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestProcessor(t)

			ctx, cancel := tt.ctx()
			defer cancel()

			adapter := &ctxAdapter{}
			if tt.cancelIn {
				adapter.run = func(ctx context.Context) error {
					cancel()
					return ctx.Err()
				}
			}
			env.dispatcher.RegisterAdapter("slow", adapter)

			sub := Subroutine{Kind: tt.kind, Functions: []Function{fn("slow")}}
			if tt.kind == SubroutineAtomic {
				sub.RetryLogic = tt.logic
			} else {
				sub.Functions[0].RetryLogic = tt.logic
			}
			if err := env.proc.Enqueue(context.Background(), 21, PriorityHigh, sub); err != nil {
				t.Fatalf("enqueue: %v", err)
			}

			r, err := env.proc.Tick(ctx, PriorityHigh)
			if err == nil {
				t.Fatalf("expected tick error, got report %+v", r)
			}
			if !errors.Is(err, ErrAborted) || !errors.Is(err, tt.wantCause) {
				t.Errorf("expected aborted error wrapping %v, got %v", tt.wantCause, err)
			}
			if adapter.count() != tt.wantCalls {
				t.Errorf("expected %d adapter calls, got %d", tt.wantCalls, adapter.count())
			}
			assertUntouched(t, env, 21)

			adapter.mu.Lock()
			adapter.run = nil
			adapter.mu.Unlock()

			r = env.tick(t, PriorityHigh)
			if r.Action != TickResolved || r.Result.Kind != ResultSuccess {
				t.Errorf("expected the batch to resolve on the next tick, got %+v", r)
			}
		})
	}
}

func TestProcessor_FailedStepLeavesHead(t *testing.T) {
	env := setupTestProcessor(t)
	ctx := context.Background()
	adapter := &mockAdapter{}
	env.dispatcher.RegisterAdapter("ok", adapter)

	sub := Subroutine{Kind: SubroutineNonAtomic, Functions: []Function{fn("ok"), fn("ok")}}
	if err := env.proc.Enqueue(ctx, 22, PriorityHigh, sub); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.db.Update(func(rw kvstore.ReadWriter) error {
		return env.proc.state.setActionIndex(rw, 22, 5)
	}); err != nil {
		t.Fatalf("seed action index: %v", err)
	}

	_, err := env.proc.Tick(ctx, PriorityHigh)
	if !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected corrupt state error, got %v", err)
	}
	if adapter.count() != 0 {
		t.Errorf("expected no adapter calls, got %d", adapter.count())
	}
	assertUntouched(t, env, 22)
}
