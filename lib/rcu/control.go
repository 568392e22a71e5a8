package rcu

import (
	"sync/atomic"

	"github.com/ValentinKolb/dRCU/lib/seqcount"
)

// GracePeriodControl is the shared state of one grace-period class: the number of
// the newest grace period (current), the number of the newest finished one
// (completed) and whether another grace period has been asked for.
//
// Invariant: completed <= current. current == completed means no grace period is
// outstanding.
//
// Thread-safety: All fields are only mutated by the paired ProgressTracker while
// it holds its lock. Readers use Snapshot (or Current/Completed) without any lock.
type GracePeriodControl struct {
	seq            seqcount.SeqCount
	current        atomic.Int64
	completed      atomic.Int64
	startRequested atomic.Bool
}

// Snapshot returns a consistent (current, completed) pair.
//
// Thread-safety: This method is thread-safe and lock-free.
func (c *GracePeriodControl) Snapshot() (current, completed int64) {
	c.seq.Read(func() {
		current = c.current.Load()
		completed = c.completed.Load()
	})
	return current, completed
}

// Current returns the number of the most recently started grace period.
func (c *GracePeriodControl) Current() int64 {
	current, _ := c.Snapshot()
	return current
}

// Completed returns the number of the most recently completed grace period.
func (c *GracePeriodControl) Completed() int64 {
	_, completed := c.Snapshot()
	return completed
}

// StartRequested reports whether a grace period has been queued to start once the
// outstanding one (if any) completes.
func (c *GracePeriodControl) StartRequested() bool {
	return c.startRequested.Load()
}

// InProgress reports whether a grace period is outstanding.
func (c *GracePeriodControl) InProgress() bool {
	current, completed := c.Snapshot()
	return current != completed
}

// --------------------------------------------------------------------------
// Writer side (only called by ProgressTracker with its lock held)
// --------------------------------------------------------------------------

// beginBatch advances current and returns the new grace period number
func (c *GracePeriodControl) beginBatch() int64 {
	var batch int64
	c.seq.Write(func() {
		batch = c.current.Add(1)
	})
	return batch
}

// finishBatch sets completed to current and returns it
func (c *GracePeriodControl) finishBatch() int64 {
	var batch int64
	c.seq.Write(func() {
		batch = c.current.Load()
		c.completed.Store(batch)
	})
	return batch
}
