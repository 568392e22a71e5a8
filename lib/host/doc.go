// Package host runs the grace-period engines of package rcu in user space.
//
// A Host owns one rcu.Engine per class (Normal and, unless disabled, Fast) and a
// set of execution contexts. Every context is backed by a worker goroutine that
// plays the part of a CPU's deferred-work machinery:
//
//   - every TickInterval it samples the read depth of each class and, if the context
//     is outside all read-side sections of that class, reports an activity boundary
//     (rcu.Engine.Tick). If the engine has pending work it runs ProcessCallbacks.
//   - DoBatch continuations requested through the engine's Scheduler are pushed to a
//     lock-free wake queue (util.WakeQueue), a dispatcher goroutine kicks the worker
//     of the context, which then runs DoBatch.
//
// All goroutines belong to one errgroup, Close cancels and waits for them.
//
// Read side:
//
//	c, _ := h.Context(0)
//	c.ReadLock()
//	v := shared.Load()
//	use(v)
//	c.ReadUnlock()
//
// Update side:
//
//	old := shared.Swap(newValue)
//	_ = c.Call(&old.rcu, func(*rcu.Callback) { release(old) })
//	// or block until every reader of old is gone:
//	_ = c.Synchronize(ctx)
//
// Contexts can be shared by many goroutines. A tick only counts as a boundary if it
// sees the read depth of the class at zero, so long or back-to-back read-side
// sections on a shared context delay grace periods. Giving each busy reader its own
// context keeps grace periods short.
//
// Context removal: RemoveContext rejects new registrations on the context, stops its
// worker and waits for its read-side sections to drain before the context is taken
// offline in every class. Its callbacks are handed to the surviving context with the
// lowest id.
//
// Metrics: each class exports a VictoriaMetrics set (see rcu.Engine.MetricsSet), the
// host adds tick and wake-up counters. Synchronize latencies are recorded in
// go-metrics timers (Registry) and summarized by Stats.
package host
