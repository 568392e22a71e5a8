package host

import (
	"time"
)

// --------------------------------------------------------------------------
// Worker lifecycle
// --------------------------------------------------------------------------

// startWorker runs the worker goroutine of c in the host's group.
// Caller must hold h.mu.
func (h *Host) startWorker(c *Context) {
	stop := make(chan struct{})
	stopped := make(chan struct{})
	c.stop, c.stopped = stop, stopped

	h.group.Go(func() error {
		defer close(stopped)
		h.runWorker(c, stop)
		return nil
	})
}

// stopWorker stops the worker goroutine of c and waits for it to exit.
// Caller must hold h.mu.
func (h *Host) stopWorker(c *Context) {
	close(c.stop)
	<-c.stopped
}

// runWorker is the deferred-work loop of a context. It never runs concurrently with
// itself for the same context, which is what the engines require from their driver.
func (h *Host) runWorker(c *Context, stop <-chan struct{}) {
	ticker := time.NewTicker(h.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			h.tick(c)
		case <-c.kick:
			h.continueBatches(c)
		}
	}
}

// tick reports an activity boundary for every class the context is not reading in
// and processes the callbacks of every class with pending work
func (h *Host) tick(c *Context) {
	c.ticks.Add(1)
	h.ticks.Inc()

	for class, e := range h.engines {
		if e == nil {
			continue
		}
		if e.Tick(c.id, c.idle(Class(class))) {
			e.ProcessCallbacks(c.id)
		}
	}
}

// continueBatches runs the DoBatch continuations requested for the context
func (h *Host) continueBatches(c *Context) {
	for class, e := range h.engines {
		if e == nil {
			continue
		}
		if c.batch[class].Swap(false) {
			e.DoBatch(c.id)
		}
	}
}

// --------------------------------------------------------------------------
// Continuation dispatch
// --------------------------------------------------------------------------

// dispatch forwards continuations from the wake queue to the workers. Wake-ups of
// contexts that went offline are dropped, ContextOffline schedules the destination.
func (h *Host) dispatch() error {
	for w := range h.wakeups.Recv() {
		c, ok := h.contexts.Load(w.id)
		if !ok {
			continue
		}
		h.wakes.Inc()
		c.batch[w.class].Store(true)
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
	return nil
}
