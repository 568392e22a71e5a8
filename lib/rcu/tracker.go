package rcu

import (
	"sort"
	"sync"
)

// trackerHooks are invoked by the ProgressTracker with its lock held. They must not
// call back into the tracker.
type trackerHooks struct {
	onStart    func(batch int64, pending int)
	onComplete func(batch int64)
}

// ProgressTracker holds the set of contexts that still owe a quiescent-state report
// for the grace period numbered GracePeriodControl.current. It is the only writer of
// its paired GracePeriodControl.
//
// State machine:
//
//   - Idle: current == completed, pending is empty
//   - Running: current == completed+1, pending is not empty
//   - Draining: the last pending context reported, completed is advanced to current
//     and a queued grace period (if any) is started, all under the same lock hold
//
// Thread-safety: All methods are thread-safe.
type ProgressTracker struct {
	mu      sync.Mutex
	control *GracePeriodControl
	online  map[ContextID]struct{} // contexts counted in future pending snapshots
	pending map[ContextID]struct{} // contexts owing a report for control.current
	hooks   trackerHooks
}

// NewProgressTracker creates a tracker paired with control.
func NewProgressTracker(control *GracePeriodControl) *ProgressTracker {
	return &ProgressTracker{
		control: control,
		online:  make(map[ContextID]struct{}),
		pending: make(map[ContextID]struct{}),
	}
}

// --------------------------------------------------------------------------
// Grace period transitions
// --------------------------------------------------------------------------

// StartBatch starts a new grace period if one has been requested (or force is
// true) and none is outstanding. If a grace period is outstanding the request is
// only recorded and picked up when the outstanding one completes.
//
// The pending set of the new grace period is a snapshot of all online contexts.
// If no context is online the grace period completes immediately.
func (t *ProgressTracker) StartBatch(force bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startBatchLocked(force)
}

func (t *ProgressTracker) startBatchLocked(force bool) {
	if force {
		t.control.startRequested.Store(true)
	}

	for t.control.startRequested.Load() && !t.control.InProgress() {
		t.control.startRequested.Store(false)

		for id := range t.online {
			t.pending[id] = struct{}{}
		}
		batch := t.control.beginBatch()
		if t.hooks.onStart != nil {
			t.hooks.onStart(batch, len(t.pending))
		}

		if len(t.pending) > 0 {
			return
		}

		// nobody can be reading, the grace period is over right away
		t.completeLocked()
	}
}

// completeLocked advances completed to current
func (t *ProgressTracker) completeLocked() {
	batch := t.control.finishBatch()
	if t.hooks.onComplete != nil {
		t.hooks.onComplete(batch)
	}
}

// ReportQuiescence removes id from the pending set of the outstanding grace period.
// When the set becomes empty the grace period completes and a queued one is started.
// Reporting a context that is not pending is a no-op.
//
// It returns whether id was pending.
func (t *ProgressTracker) ReportQuiescence(id ContextID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reportLocked(id)
}

// reportForBatch reports id only if batch is still the outstanding grace period.
// A quiescent state observed for an older grace period says nothing about a newer one.
func (t *ProgressTracker) reportForBatch(id ContextID, batch int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.control.current.Load() != batch {
		return false
	}
	return t.reportLocked(id)
}

func (t *ProgressTracker) reportLocked(id ContextID) bool {
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)

	if len(t.pending) == 0 {
		t.completeLocked()
		t.startBatchLocked(false)
	}
	return true
}

// --------------------------------------------------------------------------
// Membership
// --------------------------------------------------------------------------

// addContext makes id eligible for future pending snapshots
func (t *ProgressTracker) addContext(id ContextID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online[id] = struct{}{}
}

// removeContext removes id from future snapshots and, if it owes a report for the
// outstanding grace period, reports it right away. A context that no longer
// executes cannot hold references, so the forced report is safe.
func (t *ProgressTracker) removeContext(id ContextID) (forced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.online, id)
	if t.control.InProgress() {
		return t.reportLocked(id)
	}
	return false
}

// --------------------------------------------------------------------------
// Inspection
// --------------------------------------------------------------------------

// IsPending reports whether id still owes a report for the outstanding grace period.
func (t *ProgressTracker) IsPending(id ContextID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// PendingCount returns the number of contexts owing a report.
func (t *ProgressTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Pending returns the sorted ids of the contexts owing a report.
func (t *ProgressTracker) Pending() []ContextID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]ContextID, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// OnlineCount returns the number of contexts counted in pending snapshots.
func (t *ProgressTracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.online)
}
