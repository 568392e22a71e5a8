package host

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dRCU/lib/common"
	"github.com/ValentinKolb/dRCU/lib/rcu"
	"github.com/ValentinKolb/dRCU/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("host")

// --------------------------------------------------------------------------
// Classes
// --------------------------------------------------------------------------

// Class selects one of the independent grace-period classes of a host
type Class int

const (
	Normal Class = iota // general purpose class
	Fast                // class for short read-side sections that must not hold back Normal
	numClasses
)

func (c Class) String() string {
	switch c {
	case Normal:
		return "normal"
	case Fast:
		return "fast"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// wakeup asks the worker of a context to run a DoBatch continuation
type wakeup struct {
	class Class
	id    rcu.ContextID
}

// --------------------------------------------------------------------------
// Host
// --------------------------------------------------------------------------

// Host runs the engines of all classes in user space. Every context is a worker
// goroutine that drives its engines: a ticker turns read-idle moments into activity
// boundaries and runs ProcessCallbacks when there is work, continuations handed to
// the engine's Scheduler arrive through a lock-free wake queue.
type Host struct {
	config  common.HostConfig
	engines [numClasses]*rcu.Engine // engines[Fast] is nil if the fast class is disabled

	mu       sync.RWMutex // held exclusively by AddContext/RemoveContext, shared by Barrier
	contexts *xsync.MapOf[rcu.ContextID, *Context]
	nextID   rcu.ContextID

	wakeups *util.WakeQueue[wakeup]
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool

	registry gometrics.Registry
	latency  [numClasses]gometrics.Timer
	metrics  *metrics.Set
	ticks    *metrics.Counter
	wakes    *metrics.Counter
}

// New creates a host with config.Contexts running contexts.
func New(config common.HostConfig) (*Host, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid host config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	h := &Host{
		config:   config,
		contexts: xsync.NewMapOf[rcu.ContextID, *Context](),
		wakeups:  util.NewWakeQueue[wakeup](),
		group:    group,
		ctx:      gctx,
		cancel:   cancel,
		registry: gometrics.NewRegistry(),
		metrics:  metrics.NewSet(),
	}

	for class := Normal; class < numClasses; class++ {
		if class == Fast && !config.FastClass {
			continue
		}
		class := class
		h.engines[class] = rcu.NewEngine(&rcu.Options{
			Name:        class.String(),
			MaxBatch:    config.MaxBatch,
			MaxContexts: config.MaxContexts,
			Scheduler: rcu.SchedulerFunc(func(id rcu.ContextID) {
				h.wakeups.Push(wakeup{class: class, id: id})
			}),
		})
		h.latency[class] = gometrics.NewRegisteredTimer("synchronize."+class.String(), h.registry)
	}

	h.ticks = h.metrics.NewCounter("drcu_host_ticks_total")
	h.wakes = h.metrics.NewCounter("drcu_host_wakeups_total")
	h.metrics.NewGauge("drcu_host_contexts", func() float64 {
		return float64(h.contexts.Size())
	})

	group.Go(h.dispatch)

	for i := 0; i < config.Contexts; i++ {
		if _, err := h.AddContext(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	Logger.Infof("host started with %d contexts (fast class: %t)", config.Contexts, config.FastClass)
	return h, nil
}

// Config returns the configuration of the host
func (h *Host) Config() common.HostConfig {
	return h.config
}

// Engine returns the engine of class (nil if the class is disabled)
func (h *Host) Engine(class Class) *rcu.Engine {
	if class < 0 || class >= numClasses {
		return nil
	}
	return h.engines[class]
}

// Context returns the running context with the given id
func (h *Host) Context(id rcu.ContextID) (*Context, bool) {
	return h.contexts.Load(id)
}

// Contexts returns all running contexts ordered by id
func (h *Host) Contexts() []*Context {
	out := make([]*Context, 0, h.contexts.Size())
	h.contexts.Range(func(_ rcu.ContextID, c *Context) bool {
		out = append(out, c)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// --------------------------------------------------------------------------
// Context lifecycle
// --------------------------------------------------------------------------

// AddContext brings a new context online in every class and starts its worker.
//
// Thread-safety: This method is thread-safe. It must not be called from inside a
// callback or a read-side section.
func (h *Host) AddContext() (*Context, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return nil, rcu.NewError(rcu.RetCInvalidOperation, "host is closed")
	}
	if limit := h.config.MaxContexts; limit > 0 && h.contexts.Size() >= limit {
		return nil, rcu.NewError(rcu.RetCContextLimit, "cannot add context: limit of %d contexts reached", limit)
	}

	id := h.nextID
	h.nextID++

	for _, e := range h.engines {
		if e == nil {
			continue
		}
		if err := e.ContextOnline(id); err != nil {
			return nil, fmt.Errorf("failed to bring context %d online in class %s: %w", id, e.Name(), err)
		}
	}

	c := newContext(h, id)
	h.contexts.Store(id, c)
	h.startWorker(c)

	Logger.Infof("context %d online", id)
	return c, nil
}

// RemoveContext takes context id offline. New calls on the context fail from now on,
// its worker is stopped and RemoveContext waits until no read-side section of any
// class is active on it anymore. Then the context is taken offline in every class
// and its callbacks move to the surviving context with the lowest id.
//
// If ctx ends before the read-side sections drained, the context keeps running and
// ctx.Err() is returned.
//
// Thread-safety: This method is thread-safe. It must not be called from inside a
// callback or a read-side section.
func (h *Host) RemoveContext(ctx context.Context, id rcu.ContextID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.contexts.Load(id)
	if !ok {
		return rcu.NewError(rcu.RetCContextUnknown, "context %d is not running", id)
	}
	dest, ok := h.survivor(id)
	if !ok {
		return rcu.NewError(rcu.RetCInvalidOperation, "cannot remove the last context %d", id)
	}

	c.life.Lock()
	c.offline.Store(true)
	c.life.Unlock()
	h.stopWorker(c)

	if err := c.drain(ctx); err != nil {
		c.offline.Store(false)
		h.startWorker(c)
		return fmt.Errorf("context %d still has active readers: %w", id, err)
	}

	for _, e := range h.engines {
		if e == nil {
			continue
		}
		if err := e.ContextOffline(id, dest); err != nil {
			return fmt.Errorf("failed to take context %d offline in class %s: %w", id, e.Name(), err)
		}
	}
	h.contexts.Delete(id)

	Logger.Infof("context %d offline, callbacks moved to context %d", id, dest)
	return nil
}

// survivor returns the lowest context id other than id
func (h *Host) survivor(id rcu.ContextID) (rcu.ContextID, bool) {
	var (
		dest  rcu.ContextID
		found bool
	)
	h.contexts.Range(func(other rcu.ContextID, _ *Context) bool {
		if other != id && (!found || other < dest) {
			dest, found = other, true
		}
		return true
	})
	return dest, found
}

// Barrier waits until every callback registered before the call (in every class)
// has been invoked.
//
// Thread-safety: This method is thread-safe. It must not be called from inside a
// callback or a read-side section.
func (h *Host) Barrier(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, e := range h.engines {
		if e == nil {
			continue
		}
		if err := e.Barrier(ctx); err != nil {
			return fmt.Errorf("barrier of class %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Close stops all workers. Callbacks still queued are dropped, run Barrier first to
// flush them. Calls on any context fail afterward. Close is idempotent.
func (h *Host) Close() error {
	if h.closed.Swap(true) {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// wait for registrations that started before the closed flag was set
	h.contexts.Range(func(_ rcu.ContextID, c *Context) bool {
		c.life.Lock()
		c.life.Unlock()
		return true
	})

	h.cancel()
	h.wakeups.Close()
	err := h.group.Wait()

	Logger.Infof("host stopped")
	return err
}
