package host

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRCU/lib/rcu"
)

// idleProbes is the number of read depth samples a tick takes before it gives up
// on finding the context outside its read-side sections
const idleProbes = 64

// Context is an execution context of a host. Any number of goroutines may use a
// context for read-side sections and callback registration, the host's worker
// goroutine for the context is the only one running its callbacks.
type Context struct {
	host *Host
	id   rcu.ContextID

	depth   [numClasses]atomic.Int32 // active read-side sections per class
	batch   [numClasses]atomic.Bool  // continuation requested per class
	ticks   atomic.Uint64
	offline atomic.Bool

	life sync.RWMutex // excludes registrations while the context goes offline

	kick    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

func newContext(h *Host, id rcu.ContextID) *Context {
	return &Context{
		host: h,
		id:   id,
		kick: make(chan struct{}, 1),
	}
}

// ID returns the context id
func (c *Context) ID() rcu.ContextID {
	return c.id
}

// Ticks returns the number of ticks the worker of the context has run
func (c *Context) Ticks() uint64 {
	return c.ticks.Load()
}

// ReadDepth returns the number of active read-side sections of class
func (c *Context) ReadDepth(class Class) int {
	return int(c.depth[class].Load())
}

// --------------------------------------------------------------------------
// Read-side guards
// --------------------------------------------------------------------------

// ReadLock enters a read-side section of the normal class. Objects reached inside
// the section stay valid until the matching ReadUnlock. Sections nest.
//
// Thread-safety: This method is thread-safe and lock-free. It must not be used on a
// removed context.
func (c *Context) ReadLock() {
	c.readLock(Normal)
}

// ReadUnlock leaves a read-side section of the normal class.
func (c *Context) ReadUnlock() {
	c.readUnlock(Normal)
}

// ReadLockFast enters a read-side section of the fast class. Fast sections never
// delay grace periods of the normal class and vice versa.
func (c *Context) ReadLockFast() {
	c.readLock(Fast)
}

// ReadUnlockFast leaves a read-side section of the fast class.
func (c *Context) ReadUnlockFast() {
	c.readUnlock(Fast)
}

// ReadLockClass enters a read-side section of class
func (c *Context) ReadLockClass(class Class) {
	c.readLock(class)
}

// ReadUnlockClass leaves a read-side section of class
func (c *Context) ReadUnlockClass(class Class) {
	c.readUnlock(class)
}

func (c *Context) readLock(class Class) {
	if class < 0 || class >= numClasses || c.host.engines[class] == nil {
		panic(fmt.Sprintf("read-side section of disabled class %s", class))
	}
	c.depth[class].Add(1)
	if c.offline.Load() {
		c.depth[class].Add(-1)
		panic(fmt.Sprintf("read-side section on removed context %d", c.id))
	}
}

func (c *Context) readUnlock(class Class) {
	if c.depth[class].Add(-1) < 0 {
		panic(fmt.Sprintf("unbalanced %s read unlock on context %d", class, c.id))
	}
}

// idle samples the read depth of class until it is seen at zero
func (c *Context) idle(class Class) bool {
	for i := 0; i < idleProbes; i++ {
		if c.depth[class].Load() == 0 {
			return true
		}
	}
	return false
}

// drain waits until no read-side section of any class is active anymore
func (c *Context) drain(ctx context.Context) error {
	for {
		busy := false
		for class := Normal; class < numClasses; class++ {
			if c.depth[class].Load() != 0 {
				busy = true
			}
		}
		if !busy {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.host.config.TickInterval):
		}
	}
}

// --------------------------------------------------------------------------
// Updater side
// --------------------------------------------------------------------------

// Call registers fn to run once every read-side section of the normal class that
// was active at the time of the call has ended. cb is borrowed until fn runs.
//
// It fails if the context was removed or the host was closed.
//
// Thread-safety: This method is thread-safe and can be called from callbacks.
func (c *Context) Call(cb *rcu.Callback, fn rcu.Func) error {
	return c.call(Normal, cb, fn)
}

// CallFast is Call for the fast class.
func (c *Context) CallFast(cb *rcu.Callback, fn rcu.Func) error {
	return c.call(Fast, cb, fn)
}

// CallClass is Call for class
func (c *Context) CallClass(class Class, cb *rcu.Callback, fn rcu.Func) error {
	return c.call(class, cb, fn)
}

func (c *Context) call(class Class, cb *rcu.Callback, fn rcu.Func) error {
	if class < 0 || class >= numClasses || c.host.engines[class] == nil {
		return rcu.NewError(rcu.RetCInvalidOperation, "class %s is disabled", class)
	}

	c.life.RLock()
	defer c.life.RUnlock()
	if c.host.closed.Load() {
		return rcu.NewError(rcu.RetCInvalidOperation, "host is closed")
	}
	if c.offline.Load() {
		return rcu.NewError(rcu.RetCContextUnknown, "context %d was removed", c.id)
	}
	c.host.engines[class].Register(c.id, cb, fn)
	return nil
}

// Synchronize blocks until a full grace period of the normal class has elapsed,
// i.e. every read-side section active at the time of the call has ended. It returns
// ctx.Err() if ctx ends first and fails if the host is (or gets) closed.
//
// Thread-safety: This method is thread-safe. It must not be called from inside a
// callback or a read-side section.
func (c *Context) Synchronize(ctx context.Context) error {
	return c.synchronize(ctx, Normal)
}

// SynchronizeFast is Synchronize for the fast class.
func (c *Context) SynchronizeFast(ctx context.Context) error {
	return c.synchronize(ctx, Fast)
}

// SynchronizeClass is Synchronize for class
func (c *Context) SynchronizeClass(ctx context.Context, class Class) error {
	return c.synchronize(ctx, class)
}

func (c *Context) synchronize(ctx context.Context, class Class) error {
	start := time.Now()
	done := make(chan struct{})

	if err := c.call(class, &rcu.Callback{}, func(*rcu.Callback) {
		close(done)
	}); err != nil {
		return err
	}

	select {
	case <-done:
		c.host.latency[class].UpdateSince(start)
		return nil
	case <-c.host.ctx.Done():
		return rcu.NewError(rcu.RetCInvalidOperation, "host closed before the grace period ended")
	case <-ctx.Done():
		return ctx.Err()
	}
}
