package rcu

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// startDriver keeps every online context of e quiescing until the returned stop
// function is called
func startDriver(e *Engine) (stop func()) {
	var (
		done atomic.Bool
		wg   sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !done.Load() {
			quiesce(e, e.Contexts()...)
			time.Sleep(100 * time.Microsecond)
		}
	}()
	return func() {
		done.Store(true)
		wg.Wait()
	}
}

// TestTick checks the scheduler-tick hook
func TestTick(t *testing.T) {
	e := newTestEngine(t, nil, 1)
	if e.Tick(1, true) {
		t.Error("idle context without callbacks should have nothing pending")
	}

	e.Register(1, &Callback{}, func(*Callback) {})
	if !e.Tick(1, false) {
		t.Fatal("new callbacks should be pending")
	}
	e.ProcessCallbacks(1)

	// ticks inside a read-side section never complete the grace period
	for i := 0; i < 10; i++ {
		if e.Tick(1, false) {
			e.ProcessCallbacks(1)
		}
	}
	if e.Completed() != 0 {
		t.Fatal("grace period completed while the context was reading")
	}

	for i := 0; i < 10 && e.Queued() > 0; i++ {
		if e.Tick(1, true) {
			e.ProcessCallbacks(1)
		}
	}
	if e.Queued() != 0 {
		t.Errorf("expected the callback to run after idle ticks, %d queued", e.Queued())
	}
}

// TestBarrier checks that Barrier waits for every earlier callback on every context
func TestBarrier(t *testing.T) {
	e := newTestEngine(t, nil, 1, 2, 3)

	var invoked atomic.Int64
	const perContext = 25
	cbs := make([]Callback, 3*perContext)
	for i := range cbs {
		e.Register(ContextID(i%3+1), &cbs[i], func(*Callback) { invoked.Add(1) })
	}

	stop := startDriver(e)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Barrier(ctx); err != nil {
		t.Fatalf("barrier failed: %v", err)
	}
	if n := invoked.Load(); n != 3*perContext {
		t.Errorf("expected %d callbacks invoked before the barrier returned, got %d", 3*perContext, n)
	}
}

// TestBarrierWithoutContexts checks that a barrier over nothing returns right away
func TestBarrierWithoutContexts(t *testing.T) {
	e := NewEngine(nil)
	if err := e.Barrier(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
