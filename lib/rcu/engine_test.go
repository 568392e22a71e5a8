package rcu

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// recordingScheduler remembers every continuation handed to it
type recordingScheduler struct {
	mu  sync.Mutex
	ids []ContextID
}

func (s *recordingScheduler) ScheduleBatch(id ContextID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
}

func (s *recordingScheduler) scheduled() []ContextID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ContextID(nil), s.ids...)
}

// newTestEngine creates an engine with the given contexts online
func newTestEngine(t *testing.T, opts *Options, ids ...ContextID) *Engine {
	t.Helper()
	e := NewEngine(opts)
	for _, id := range ids {
		if err := e.ContextOnline(id); err != nil {
			t.Fatalf("failed to bring context %d online: %v", id, err)
		}
	}
	return e
}

// quiesce lets every given context pass an activity boundary and process its callbacks
func quiesce(e *Engine, ids ...ContextID) {
	for _, id := range ids {
		e.NotifyActivityBoundary(id)
		e.ProcessCallbacks(id)
	}
}

// driveUntil quiesces the given contexts until cond holds or the round limit is hit
func driveUntil(t *testing.T, e *Engine, cond func() bool, ids ...ContextID) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		quiesce(e, ids...)
	}
	if !cond() {
		t.Fatalf("condition not reached, engine state: %+v", e.Stats())
	}
}

// orderLog collects callback names in invocation order
type orderLog struct {
	mu    sync.Mutex
	names []string
}

func (l *orderLog) fn(name string) Func {
	return func(*Callback) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.names = append(l.names, name)
	}
}

func (l *orderLog) get() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.names, ",")
}

// --------------------------------------------------------------------------
// Scenarios
// --------------------------------------------------------------------------

// TestSingleContextOrder runs three callbacks on a single context through one grace
// period and checks that they run exactly once in registration order
func TestSingleContextOrder(t *testing.T) {
	e := newTestEngine(t, nil, 1)
	log := &orderLog{}
	var cbs [3]Callback

	for i, name := range []string{"A", "B", "C"} {
		e.Register(1, &cbs[i], log.fn(name))
	}
	if e.Queued() != 3 {
		t.Errorf("expected 3 queued callbacks, got %d", e.Queued())
	}

	// promotes the callbacks and starts grace period 1
	e.ProcessCallbacks(1)
	if cur, comp := e.Snapshot(); cur != 1 || comp != 0 {
		t.Fatalf("expected grace period 1 outstanding, got (%d, %d)", cur, comp)
	}
	if got := log.get(); got != "" {
		t.Fatalf("callbacks ran before the grace period completed: %s", got)
	}

	e.NotifyActivityBoundary(1)
	e.CheckQuiescentState(1)
	if e.Completed() != 1 {
		t.Fatalf("expected grace period 1 completed, got %d", e.Completed())
	}
	e.CheckQuiescentState(1) // no-op

	e.ProcessCallbacks(1)
	if got := log.get(); got != "A,B,C" {
		t.Errorf("expected A,B,C, got %s", got)
	}
	if e.Queued() != 0 {
		t.Errorf("expected nothing queued, got %d", e.Queued())
	}

	// nothing runs twice
	quiesce(e, 1, 1, 1)
	if got := log.get(); got != "A,B,C" {
		t.Errorf("callbacks ran again: %s", got)
	}
	if e.Pending(1) {
		t.Error("context should have nothing left to do")
	}
}

// TestFirstObservationNeverCounts checks the two-step quiescence detection
func TestFirstObservationNeverCounts(t *testing.T) {
	t.Run("NoBoundary", func(t *testing.T) {
		e := newTestEngine(t, nil, 1)
		e.Register(1, &Callback{}, func(*Callback) {})
		e.ProcessCallbacks(1)

		for i := 0; i < 10; i++ {
			e.CheckQuiescentState(1)
			e.ProcessCallbacks(1)
		}
		if e.Completed() != 0 {
			t.Error("grace period completed without any activity boundary")
		}
		rec, _ := e.Record(1)
		if batch, owed := rec.QuiescenceState(); batch != 1 || !owed {
			t.Errorf("expected report owed for grace period 1, got (%d, %v)", batch, owed)
		}
	})

	t.Run("BoundaryBeforeStart", func(t *testing.T) {
		e := newTestEngine(t, nil, 1)
		e.Register(1, &Callback{}, func(*Callback) {})

		// a boundary passed before the grace period started says nothing about it
		e.NotifyActivityBoundary(1)
		e.ProcessCallbacks(1)
		e.CheckQuiescentState(1)
		if e.Completed() != 0 {
			t.Error("boundary from before the grace period must not count")
		}

		e.NotifyActivityBoundary(1)
		e.CheckQuiescentState(1)
		if e.Completed() != 1 {
			t.Error("boundary after the snapshot should complete the grace period")
		}
	})
}

// TestStalledContextBlocksGracePeriod checks that a context that never passes an
// activity boundary holds back every callback
func TestStalledContextBlocksGracePeriod(t *testing.T) {
	e := newTestEngine(t, nil, 1, 2)
	var ran atomic.Bool
	e.Register(1, &Callback{}, func(*Callback) { ran.Store(true) })

	e.ProcessCallbacks(1)
	e.ProcessCallbacks(2) // context 2 observes the grace period but never leaves it

	for i := 0; i < 100; i++ {
		quiesce(e, 1)
	}

	if e.Completed() != 0 {
		t.Errorf("grace period completed while context 2 is stalled")
	}
	if ran.Load() {
		t.Error("callback ran before context 2 passed a boundary")
	}
	if got := e.Tracker().Pending(); len(got) != 1 || got[0] != 2 {
		t.Errorf("expected only context 2 pending, got %v", got)
	}

	t.Run("OfflineUnblocks", func(t *testing.T) {
		if err := e.ContextOffline(2, 1); err != nil {
			t.Fatalf("offline failed: %v", err)
		}
		if e.Completed() != 1 {
			t.Fatalf("expected grace period 1 completed after offline, got %d", e.Completed())
		}
		if e.Stats().ForcedReports != 1 {
			t.Errorf("expected 1 forced report, got %d", e.Stats().ForcedReports)
		}

		e.ProcessCallbacks(1)
		if !ran.Load() {
			t.Error("callback should run once context 2 went offline")
		}
		if e.IsOnline(2) {
			t.Error("context 2 should be offline")
		}
	})
}

// TestBatchLimitSchedulesContinuation checks that DoBatch honors MaxBatch and hands
// the rest to the scheduler
func TestBatchLimitSchedulesContinuation(t *testing.T) {
	sched := &recordingScheduler{}
	e := newTestEngine(t, &Options{MaxBatch: 10, Scheduler: sched}, 1)

	const total = 15
	var invoked atomic.Int64
	cbs := make([]Callback, total)
	for i := range cbs {
		e.Register(1, &cbs[i], func(*Callback) { invoked.Add(1) })
	}

	e.ProcessCallbacks(1) // start grace period 1
	quiesce(e, 1)         // report, grace period 1 completes
	if e.Completed() != 1 || invoked.Load() != 0 {
		t.Fatalf("unexpected state: completed %d, invoked %d", e.Completed(), invoked.Load())
	}

	e.ProcessCallbacks(1) // moves the callbacks to done and runs the first batch
	if n := invoked.Load(); n != 10 {
		t.Errorf("expected 10 callbacks after the first batch, got %d", n)
	}
	if got := sched.scheduled(); len(got) != 1 || got[0] != 1 {
		t.Errorf("expected one continuation for context 1, got %v", got)
	}

	if more := e.DoBatch(1); more {
		t.Error("the second batch should drain the queue")
	}
	if n := invoked.Load(); n != total {
		t.Errorf("expected %d callbacks, got %d", total, n)
	}
	if got := sched.scheduled(); len(got) != 1 {
		t.Errorf("no further continuation expected, got %v", got)
	}
	if e.Queued() != 0 {
		t.Errorf("expected nothing queued, got %d", e.Queued())
	}
}

// TestStartRequestQueuesNextGracePeriod checks that a grace period asked for while
// another one is outstanding starts automatically on its completion
func TestStartRequestQueuesNextGracePeriod(t *testing.T) {
	e := newTestEngine(t, nil, 1, 2)
	log := &orderLog{}

	e.Register(1, &Callback{}, log.fn("x"))
	e.ProcessCallbacks(1) // grace period 1

	e.Register(2, &Callback{}, log.fn("y"))
	e.ProcessCallbacks(2) // needs grace period 2, queued

	if !e.Control().StartRequested() {
		t.Fatal("start of grace period 2 should be requested")
	}
	if cur := e.Current(); cur != 1 {
		t.Fatalf("grace period 2 started early, current %d", cur)
	}
	rec2, _ := e.Record(2)
	if rec2.Batch() != 2 {
		t.Errorf("context 2 should wait for grace period 2, waits for %d", rec2.Batch())
	}

	quiesce(e, 1)
	if cur, comp := e.Snapshot(); cur != 1 || comp != 0 {
		t.Fatalf("expected (1, 0), got (%d, %d)", cur, comp)
	}
	quiesce(e, 2)
	if cur, comp := e.Snapshot(); cur != 2 || comp != 1 {
		t.Fatalf("expected grace period 2 started right after 1, got (%d, %d)", cur, comp)
	}
	if e.Control().StartRequested() {
		t.Error("request should be consumed")
	}
	if e.Tracker().PendingCount() != 2 {
		t.Errorf("both contexts should owe grace period 2, got %v", e.Tracker().Pending())
	}

	driveUntil(t, e, func() bool { return log.get() == "x" }, 1)
	if e.Completed() != 1 {
		t.Error("y must wait for grace period 2")
	}
	driveUntil(t, e, func() bool { return log.get() == "x,y" }, 1, 2)
	if e.Completed() < 2 {
		t.Errorf("expected grace period 2 completed, got %d", e.Completed())
	}
}

// TestRegisterFromCallback checks that callbacks can register further callbacks
func TestRegisterFromCallback(t *testing.T) {
	e := newTestEngine(t, nil, 1)
	log := &orderLog{}

	var first, second Callback
	e.Register(1, &first, func(cb *Callback) {
		log.fn("first")(cb)
		e.Register(1, &second, log.fn("second"))
	})

	driveUntil(t, e, func() bool { return log.get() == "first" }, 1)
	if e.Queued() != 1 {
		t.Errorf("expected the second callback queued, got %d", e.Queued())
	}
	completed := e.Completed()

	driveUntil(t, e, func() bool { return log.get() == "first,second" }, 1)
	if e.Completed() <= completed {
		t.Error("the nested callback needs its own grace period")
	}

	// reuse of the same Callback after it ran
	e.Register(1, &first, log.fn("again"))
	driveUntil(t, e, func() bool { return log.get() == "first,second,again" }, 1)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// TestContextLifecycleErrors checks the error codes of the lifecycle operations
func TestContextLifecycleErrors(t *testing.T) {
	e := newTestEngine(t, &Options{MaxContexts: 2}, 1)

	err := e.ContextOnline(1)
	if !errors.Is(err, &Error{Code: RetCContextExists}) {
		t.Errorf("expected ContextExists, got %v", err)
	}

	if err := e.ContextOnline(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = e.ContextOnline(3)
	if !errors.Is(err, &Error{Code: RetCContextLimit}) {
		t.Errorf("expected ContextLimit, got %v", err)
	}

	err = e.ContextOffline(1, 1)
	if !errors.Is(err, &Error{Code: RetCInvalidOperation}) {
		t.Errorf("expected InvalidOperation, got %v", err)
	}
	err = e.ContextOffline(7, 1)
	if !errors.Is(err, &Error{Code: RetCContextUnknown}) {
		t.Errorf("expected ContextUnknown, got %v", err)
	}
	err = e.ContextOffline(1, 7)
	if !errors.Is(err, &Error{Code: RetCContextUnknown}) {
		t.Errorf("expected ContextUnknown for the destination, got %v", err)
	}
	if !e.IsOnline(1) {
		t.Error("a failed offline must not remove the context")
	}

	if errors.Is(err, &Error{Code: RetCContextExists}) {
		t.Error("errors with different codes must not match")
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Code != RetCContextUnknown {
		t.Errorf("expected *Error with code ContextUnknown, got %v", err)
	}

	if got := e.Contexts(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("unexpected contexts %v", got)
	}
}

// TestConcurrentContextOnlineRespectsLimit races ContextOnline calls against a small
// limit and checks that exactly MaxContexts of them are admitted
func TestConcurrentContextOnlineRespectsLimit(t *testing.T) {
	const (
		limit      = 4
		numWorkers = 16
		rounds     = 100
	)

	for round := 0; round < rounds; round++ {
		e := NewEngine(&Options{MaxContexts: limit})

		var (
			wg       sync.WaitGroup
			admitted atomic.Int64
			rejected atomic.Int64
			start    = make(chan struct{})
		)
		for w := 0; w < numWorkers; w++ {
			wg.Add(1)
			go func(id ContextID) {
				defer wg.Done()
				<-start
				err := e.ContextOnline(id)
				switch {
				case err == nil:
					admitted.Add(1)
				case errors.Is(err, &Error{Code: RetCContextLimit}):
					rejected.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(ContextID(w))
		}
		close(start)
		wg.Wait()

		if admitted.Load() != limit || rejected.Load() != numWorkers-limit {
			t.Fatalf("round %d: admitted %d, rejected %d", round, admitted.Load(), rejected.Load())
		}
		if n := len(e.Contexts()); n != limit {
			t.Fatalf("round %d: expected %d online contexts, got %d", round, limit, n)
		}
		if n := e.Tracker().OnlineCount(); n != limit {
			t.Fatalf("round %d: tracker counts %d contexts, want %d", round, n, limit)
		}
	}
}

// TestOfflineMovesWaitingCallbacks checks that callbacks of an offline context keep
// their order and wait for a later grace period on the destination
func TestOfflineMovesWaitingCallbacks(t *testing.T) {
	e := newTestEngine(t, nil, 1, 2)
	log := &orderLog{}

	e.Register(2, &Callback{}, log.fn("A"))
	e.ProcessCallbacks(2) // A waits for grace period 1
	e.Register(2, &Callback{}, log.fn("B"))

	if err := e.ContextOffline(2, 1); err != nil {
		t.Fatalf("offline failed: %v", err)
	}

	rec1, _ := e.Record(1)
	if newLen, curLen, doneLen := rec1.QueueLens(); newLen != 2 || curLen != 0 || doneLen != 0 {
		t.Errorf("expected both callbacks in new, got (%d, %d, %d)", newLen, curLen, doneLen)
	}
	if rec1.Queued() != 2 {
		t.Errorf("expected 2 queued on context 1, got %d", rec1.Queued())
	}

	e.ProcessCallbacks(1)
	if got := log.get(); got != "" {
		t.Fatalf("moved callbacks must wait for a new grace period, ran %s", got)
	}
	driveUntil(t, e, func() bool { return log.get() == "A,B" }, 1)
}

// TestOfflineMovesReadyCallbacks checks that ready callbacks of an offline context
// are handed to the destination together with a continuation
func TestOfflineMovesReadyCallbacks(t *testing.T) {
	sched := &recordingScheduler{}
	e := newTestEngine(t, &Options{MaxBatch: 10, Scheduler: sched}, 1, 2)

	var invoked atomic.Int64
	cbs := make([]Callback, 15)
	for i := range cbs {
		e.Register(2, &cbs[i], func(*Callback) { invoked.Add(1) })
	}

	driveUntil(t, e, func() bool { return invoked.Load() > 0 }, 1, 2)
	if n := invoked.Load(); n != 10 {
		t.Fatalf("expected the first batch of 10, got %d", n)
	}

	if err := e.ContextOffline(2, 1); err != nil {
		t.Fatalf("offline failed: %v", err)
	}
	got := sched.scheduled()
	if len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Fatalf("expected continuations for 2 then 1, got %v", got)
	}
	if e.Queued() != 5 {
		t.Errorf("expected 5 queued, got %d", e.Queued())
	}

	e.DoBatch(1)
	if n := invoked.Load(); n != 15 {
		t.Errorf("expected all 15 callbacks invoked, got %d", n)
	}
	if e.Queued() != 0 {
		t.Errorf("expected nothing queued, got %d", e.Queued())
	}
}

// TestOnlineDuringGracePeriod checks that a context joining an outstanding grace
// period is not waited for
func TestOnlineDuringGracePeriod(t *testing.T) {
	e := newTestEngine(t, nil, 1)
	e.Register(1, &Callback{}, func(*Callback) {})
	e.ProcessCallbacks(1)

	if err := e.ContextOnline(2); err != nil {
		t.Fatal(err)
	}
	if e.Tracker().IsPending(2) {
		t.Error("a context joining late must not be pending")
	}
	e.ProcessCallbacks(2)
	quiesce(e, 1)
	if e.Completed() != 1 {
		t.Error("grace period 1 should complete without context 2")
	}
}

// --------------------------------------------------------------------------
// Concurrency
// --------------------------------------------------------------------------

type protected struct {
	value int
	freed atomic.Bool
}

// TestConcurrentReclamation runs readers, writers and drivers concurrently and checks
// that no reader ever observes a reclaimed object, that every callback runs exactly
// once and in order per context, and that the grace period numbers never go back
func TestConcurrentReclamation(t *testing.T) {
	const (
		numContexts  = 4
		numWriters   = 4
		perWriter    = 500
		readsPerTurn = 8
	)

	e := NewEngine(&Options{MaxBatch: 4})
	for id := ContextID(0); id < numContexts; id++ {
		if err := e.ContextOnline(id); err != nil {
			t.Fatal(err)
		}
	}

	var (
		shared      atomic.Pointer[protected]
		stop        atomic.Bool
		violations  atomic.Int64
		invocations atomic.Int64
		drivers     sync.WaitGroup
	)
	shared.Store(&protected{})

	// one driver per context: read sections followed by an activity boundary
	for id := ContextID(0); id < numContexts; id++ {
		drivers.Add(1)
		go func(id ContextID) {
			defer drivers.Done()
			for !stop.Load() {
				for i := 0; i < readsPerTurn; i++ {
					p := shared.Load()
					_ = p.value
					if p.freed.Load() {
						violations.Add(1)
					}
				}
				e.NotifyActivityBoundary(id)
				e.ProcessCallbacks(id)
			}
		}(id)
	}

	// sampler checking the grace period numbers
	var samplerDone sync.WaitGroup
	var regressions atomic.Int64
	samplerDone.Add(1)
	go func() {
		defer samplerDone.Done()
		var lastCur, lastComp int64
		for !stop.Load() {
			cur, comp := e.Snapshot()
			if cur < lastCur || comp < lastComp || comp > cur || cur > comp+1 {
				regressions.Add(1)
			}
			lastCur, lastComp = cur, comp
		}
	}()

	// writers replace the object and retire the old one on their own context
	type seen struct {
		mu   sync.Mutex
		last map[int]int
		bad  int
	}
	order := &seen{last: make(map[int]int)}

	var writers sync.WaitGroup
	for w := 0; w < numWriters; w++ {
		writers.Add(1)
		go func(w int) {
			defer writers.Done()
			id := ContextID(w % numContexts)
			for i := 1; i <= perWriter; i++ {
				old := shared.Swap(&protected{value: i})
				seq := i
				e.Register(id, &Callback{}, func(*Callback) {
					old.freed.Store(true)
					invocations.Add(1)
					order.mu.Lock()
					if order.last[w] >= seq {
						order.bad++
					}
					order.last[w] = seq
					order.mu.Unlock()
				})
			}
		}(w)
	}
	writers.Wait()

	deadline := time.After(10 * time.Second)
	for invocations.Load() < numWriters*perWriter {
		select {
		case <-deadline:
			stop.Store(true)
			drivers.Wait()
			t.Fatalf("timeout: %d of %d callbacks invoked, state %+v",
				invocations.Load(), numWriters*perWriter, e.Stats())
		case <-time.After(time.Millisecond):
		}
	}

	stop.Store(true)
	drivers.Wait()
	samplerDone.Wait()

	if n := violations.Load(); n != 0 {
		t.Errorf("readers observed %d reclaimed objects", n)
	}
	if n := regressions.Load(); n != 0 {
		t.Errorf("observed %d inconsistent grace period snapshots", n)
	}
	if n := invocations.Load(); n != numWriters*perWriter {
		t.Errorf("expected %d invocations, got %d", numWriters*perWriter, n)
	}
	if order.bad != 0 {
		t.Errorf("observed %d out-of-order invocations", order.bad)
	}
	stats := e.Stats()
	if stats.Registered != stats.Invoked || stats.Queued != 0 {
		t.Errorf("registered %d, invoked %d, queued %d", stats.Registered, stats.Invoked, stats.Queued)
	}
}

// --------------------------------------------------------------------------
// Inspection
// --------------------------------------------------------------------------

// TestStatsAndMetrics checks the counters and the Prometheus output
func TestStatsAndMetrics(t *testing.T) {
	e := newTestEngine(t, &Options{Name: "fast"}, 1)
	for i := 0; i < 3; i++ {
		e.Register(1, &Callback{}, func(*Callback) {})
	}
	driveUntil(t, e, func() bool { return e.Queued() == 0 }, 1)

	stats := e.Stats()
	if stats.Class != "fast" {
		t.Errorf("expected class fast, got %s", stats.Class)
	}
	if stats.Registered != 3 || stats.Invoked != 3 {
		t.Errorf("expected 3 registered and invoked, got %d and %d", stats.Registered, stats.Invoked)
	}
	if stats.Completed < 1 || stats.Current != stats.Completed {
		t.Errorf("unexpected grace period state %d/%d", stats.Current, stats.Completed)
	}
	if stats.OnlineContexts != 1 || stats.PendingContexts != 0 {
		t.Errorf("unexpected contexts %d online, %d pending", stats.OnlineContexts, stats.PendingContexts)
	}

	var buf bytes.Buffer
	e.WritePrometheus(&buf)
	out := buf.String()
	for _, want := range []string{
		`drcu_callbacks_registered_total{class="fast"} 3`,
		`drcu_callbacks_invoked_total{class="fast"} 3`,
		`drcu_contexts_online{class="fast"} 1`,
		`drcu_callbacks_queued{class="fast"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output misses %q:\n%s", want, out)
		}
	}
}

// TestGracePeriodHook checks OnGracePeriodComplete
func TestGracePeriodHook(t *testing.T) {
	var completed []int64
	e := newTestEngine(t, &Options{
		OnGracePeriodComplete: func(batch int64) { completed = append(completed, batch) },
	}, 1)

	e.Register(1, &Callback{}, func(*Callback) {})
	driveUntil(t, e, func() bool { return e.Queued() == 0 }, 1)

	if len(completed) != 1 || completed[0] != 1 {
		t.Errorf("expected hook for grace period 1, got %v", completed)
	}
}

// BenchmarkRegister benchmarks the producer path
func BenchmarkRegister(b *testing.B) {
	e := NewEngine(nil)
	_ = e.ContextOnline(1)
	cbs := make([]Callback, b.N)
	fn := func(*Callback) {}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Register(1, &cbs[i], fn)
	}
}

// BenchmarkNotifyActivityBoundary benchmarks the read-side boundary
func BenchmarkNotifyActivityBoundary(b *testing.B) {
	e := NewEngine(nil)
	_ = e.ContextOnline(1)
	for i := 0; i < b.N; i++ {
		e.NotifyActivityBoundary(1)
	}
}
