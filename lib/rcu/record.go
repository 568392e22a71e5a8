package rcu

import (
	"sync"
	"sync/atomic"
)

// ContextID identifies an execution context (a worker goroutine, a shard owner, ...)
type ContextID uint64

// ContextRecord is the per-context state of one grace-period class.
//
//   - new: callbacks registered since the last promotion, no batch assigned yet
//   - current: callbacks waiting for grace period batch
//   - done: callbacks whose grace period has completed, ready to be invoked
//
// Invariant: current is only non-empty while batch > completed or until the next
// ProcessCallbacks moves it to done.
//
// Thread-safety: Queues and quiescence bookkeeping are guarded by mu, which plays the
// role of masking local interrupts: it is only ever contended between the owning
// context, its producers and a lifecycle operation, never across contexts.
// activity is bumped lock-free by NotifyActivityBoundary.
type ContextRecord struct {
	id ContextID

	mu      sync.Mutex
	new     CallbackQueue
	current CallbackQueue
	done    CallbackQueue
	batch   int64 // grace period the current queue waits for

	quiescentBatch       int64  // grace period the quiescence bookkeeping refers to
	qsPending            bool   // a report is owed for quiescentBatch
	lastActivitySnapshot uint64 // activity value when quiescentBatch was first observed

	_        [64]byte // keep the hot counter off the lock's cache line
	activity atomic.Uint64
	queued   atomic.Int64 // callbacks in new+current+done
}

// newContextRecord creates a record that starts out with nothing owed
func newContextRecord(id ContextID, completed int64) *ContextRecord {
	return &ContextRecord{
		id:             id,
		quiescentBatch: completed,
	}
}

// ID returns the context id of the record
func (r *ContextRecord) ID() ContextID {
	return r.id
}

// Activity returns the number of activity boundaries observed so far
func (r *ContextRecord) Activity() uint64 {
	return r.activity.Load()
}

// Queued returns the number of callbacks held by the record
func (r *ContextRecord) Queued() int64 {
	return r.queued.Load()
}

// QueueLens returns the length of the new, current and done queue
func (r *ContextRecord) QueueLens() (newLen, currentLen, doneLen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.new.Len(), r.current.Len(), r.done.Len()
}

// Batch returns the grace period the current queue waits for
func (r *ContextRecord) Batch() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batch
}

// QuiescenceState returns the grace period the record last observed and whether a
// report for it is still owed
func (r *ContextRecord) QuiescenceState() (batch int64, pending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quiescentBatch, r.qsPending
}
