// Package rcu implements a grace-period based deferred-reclamation engine in the
// style of classic read-copy-update.
//
// Readers traverse shared data without locks. Writers publish a new version, unlink
// the old one and Register a Callback that frees (or recycles) it. The engine runs the
// callback only after every execution context that might still see the old version
// passed through a quiescent state.
//
// Core Components:
//
//   - CallbackQueue: intrusive FIFO of Callbacks with O(1) append and splice.
//   - GracePeriodControl: current/completed grace period numbers published through a
//     sequence counter (lib/seqcount), so the hot path reads them without locks.
//   - ProgressTracker: the set of contexts still owing a quiescent-state report for
//     the outstanding grace period, the single serialization point that turns "all
//     contexts quiesced" into "completed advanced".
//   - ContextRecord: per-context new/current/done queues and quiescence bookkeeping.
//   - Engine: one grace-period class orchestrating all of the above. Several engines
//     (e.g. a normal and a fast class) can run side by side.
//
// Contract with the Host:
//
//	The engine never blocks and runs no goroutines. The host (see lib/host) must:
//
//	- call NotifyActivityBoundary(id) whenever context id demonstrably left every
//	  read-side section of this class (idle, reschedule, end of a read guard)
//	- call ProcessCallbacks(id) regularly (e.g. every tick) for every online context
//	  and run the DoBatch continuations announced through the Scheduler
//	- bracket context creation/destruction with ContextOnline/ContextOffline; the
//	  latter only once the context provably stopped executing
//
// Quiescent-State Detection:
//
//	A context first observes a new grace period and snapshots its activity counter.
//	Only a later, different counter value counts as a quiescent state. This proves
//	the context passed a real boundary after the grace period was published and not
//	merely that the counter is non-zero.
//
// Guarantees:
//
//   - every callback runs exactly once
//   - a callback never runs before all contexts online at the start of its grace
//     period reported a quiescent state after that start
//   - current and completed never decrease and completed <= current
//   - callbacks registered on one context run in registration order (no ordering
//     across contexts)
//   - grace periods complete as long as every online context keeps reporting
//     activity boundaries and running ProcessCallbacks; a context going offline
//     never blocks a grace period
//
// Usage Example:
//
//	engine := rcu.NewEngine(nil)
//	_ = engine.ContextOnline(1)
//
//	// writer: unlink old and defer its reclamation
//	engine.Register(1, &old.cb, func(*rcu.Callback) { pool.Put(old) })
//
//	// driver, on every tick of context 1
//	engine.NotifyActivityBoundary(1) // if context 1 is not inside a read-side section
//	engine.ProcessCallbacks(1)
package rcu
