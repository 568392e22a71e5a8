package rcu

import (
	"context"
)

// Barrier blocks until every callback registered before the call, on every context
// online at the time of the call, has been invoked. It queues one marker callback per
// context, so it relies on the per-context FIFO order of callbacks.
//
// The caller must keep the set of online contexts stable until the markers are
// registered and the driver must keep processing all of them, otherwise Barrier only
// returns once ctx ends. Callbacks moved by ContextOffline during the wait land
// behind the marker of the destination and are not covered.
//
// Thread-safety: This method is thread-safe.
func (e *Engine) Barrier(ctx context.Context) error {
	ids := e.Contexts()
	done := make(chan struct{}, len(ids))
	markers := make([]Callback, len(ids))

	for i, id := range ids {
		e.Register(id, &markers[i], func(*Callback) {
			done <- struct{}{}
		})
	}

	for range ids {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
