package rcu

import (
	"sort"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rcu")

// --------------------------------------------------------------------------
// Constants & Options
// --------------------------------------------------------------------------

const (
	defaultMaxBatch    = 10   // callbacks invoked per DoBatch call
	defaultMaxContexts = 1024 // context records admitted per engine
	defaultName        = "normal"
)

// Scheduler is the deferred-work dispatcher of the host. The engine calls
// ScheduleBatch when DoBatch left callbacks behind (or a lifecycle operation moved
// ready callbacks to a context) and expects DoBatch (or ProcessCallbacks) to be run
// for that context again soon.
//
// ScheduleBatch may be called with engine locks held and must not block or call
// back into the engine.
type Scheduler interface {
	ScheduleBatch(id ContextID)
}

// SchedulerFunc adapts a function to the Scheduler interface
type SchedulerFunc func(id ContextID)

func (f SchedulerFunc) ScheduleBatch(id ContextID) { f(id) }

// Options configures an Engine
type Options struct {
	Name        string    // Class name used in logs and metric labels ("" = "normal")
	MaxBatch    int       // Callbacks invoked per DoBatch (0 = default: 10)
	MaxContexts int       // Maximum online contexts (0 = default: 1024, <0 = unlimited)
	Scheduler   Scheduler // Continuation dispatcher (nil = continuations are only counted)

	// OnGracePeriodComplete is called with the tracker lock held every time
	// completed advances. It must not block or call into the engine.
	OnGracePeriodComplete func(completed int64)
}

// DefaultOptions returns the default engine options
func DefaultOptions() *Options {
	return &Options{
		Name:        defaultName,
		MaxBatch:    defaultMaxBatch,
		MaxContexts: defaultMaxContexts,
	}
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// Engine implements one grace-period class. It owns the GracePeriodControl, the
// ProgressTracker and the records of all online contexts.
type Engine struct {
	name        string
	maxBatch    int
	maxContexts int
	scheduler   Scheduler
	onComplete  func(int64)

	control *GracePeriodControl
	tracker *ProgressTracker
	records *xsync.MapOf[ContextID, *ContextRecord]
	admit   sync.Mutex // serializes the limit check with the insert in ContextOnline

	metrics *engineMetrics
}

// NewEngine creates a new engine with the specified options (optional).
// No context is online afterward, see ContextOnline.
func NewEngine(opts *Options) *Engine {
	if opts == nil {
		opts = DefaultOptions()
	}

	e := &Engine{
		name:        opts.Name,
		maxBatch:    opts.MaxBatch,
		maxContexts: opts.MaxContexts,
		scheduler:   opts.Scheduler,
		onComplete:  opts.OnGracePeriodComplete,
		control:     &GracePeriodControl{},
		records:     xsync.NewMapOf[ContextID, *ContextRecord](),
	}
	if e.name == "" {
		e.name = defaultName
	}
	if e.maxBatch <= 0 {
		e.maxBatch = defaultMaxBatch
	}
	if e.maxContexts == 0 {
		e.maxContexts = defaultMaxContexts
	}

	e.tracker = NewProgressTracker(e.control)
	e.metrics = newEngineMetrics(e)
	e.tracker.hooks = trackerHooks{
		onStart: func(batch int64, pending int) {
			e.metrics.gpStarted.Inc()
			Logger.Debugf("[%s] grace period %d started, %d contexts pending", e.name, batch, pending)
		},
		onComplete: func(batch int64) {
			e.metrics.gpCompleted.Inc()
			Logger.Debugf("[%s] grace period %d completed", e.name, batch)
			if e.onComplete != nil {
				e.onComplete(batch)
			}
		},
	}

	return e
}

// Name returns the class name of the engine
func (e *Engine) Name() string {
	return e.name
}

// MaxBatch returns the number of callbacks a single DoBatch invokes at most
func (e *Engine) MaxBatch() int {
	return e.maxBatch
}

// Control returns the grace-period state of the engine
func (e *Engine) Control() *GracePeriodControl {
	return e.control
}

// Tracker returns the progress tracker of the engine
func (e *Engine) Tracker() *ProgressTracker {
	return e.tracker
}

// Record returns the record of an online context
func (e *Engine) Record(id ContextID) (*ContextRecord, bool) {
	return e.records.Load(id)
}

// record returns the record of a context that the caller guarantees to be online
func (e *Engine) record(id ContextID) *ContextRecord {
	rec, _ := e.records.Load(id)
	return rec
}

// --------------------------------------------------------------------------
// Producer API
// --------------------------------------------------------------------------

// Register queues cb to run fn once every context has passed through a quiescent
// state after the next grace period started. It never blocks, allocates or starts a
// grace period itself (that is the job of ProcessCallbacks).
//
// Callbacks registered on the same context run in registration order.
//
// Precondition: id is online. cb is not queued.
//
// Thread-safety: This method is thread-safe and can be called concurrently, also
// from within a callback.
func (e *Engine) Register(id ContextID, cb *Callback, fn Func) {
	rec := e.record(id)
	cb.fn = fn

	rec.mu.Lock()
	rec.new.Append(cb)
	rec.mu.Unlock()

	rec.queued.Add(1)
	e.metrics.registered.Inc()
}

// NotifyActivityBoundary records that context id has left every read-side section
// of this class (it went idle, rescheduled or returned from its read-side API).
//
// Thread-safety: This method is thread-safe and lock-free.
func (e *Engine) NotifyActivityBoundary(id ContextID) {
	e.record(id).activity.Add(1)
}

// --------------------------------------------------------------------------
// Driver API
// --------------------------------------------------------------------------

// CheckQuiescentState reports the quiescent state of context id to the tracker once
// the context passed an activity boundary after first observing the outstanding
// grace period. The first observation of a grace period never counts by itself.
//
// Precondition: id is online.
//
// Thread-safety: Must not run concurrently for the same context (the driver runs it
// from the context's own worker).
func (e *Engine) CheckQuiescentState(id ContextID) {
	rec := e.record(id)
	current := e.control.Current()

	rec.mu.Lock()

	// a new grace period started since the last look: take the snapshot
	if rec.quiescentBatch != current {
		rec.qsPending = true
		rec.lastActivitySnapshot = rec.activity.Load()
		rec.quiescentBatch = current
		rec.mu.Unlock()
		return
	}

	// already reported, or no boundary passed since the snapshot
	if !rec.qsPending || rec.activity.Load() == rec.lastActivitySnapshot {
		rec.mu.Unlock()
		return
	}

	rec.qsPending = false
	batch := rec.quiescentBatch
	rec.mu.Unlock()

	e.tracker.reportForBatch(id, batch)
}

// ProcessCallbacks advances the callbacks of context id:
//
//  1. moves current to done if its grace period completed
//  2. promotes new to current (assigning the next grace period) if current is empty
//  3. requests a grace period start if none is queued yet
//  4. checks the quiescent state of the context
//  5. invokes ready callbacks via DoBatch
//
// Precondition: id is online.
//
// Thread-safety: Must not run concurrently for the same context. Different contexts
// can be processed concurrently.
func (e *Engine) ProcessCallbacks(id ContextID) {
	rec := e.record(id)

	rec.mu.Lock()

	if !rec.current.Empty() && e.control.Completed() >= rec.batch {
		rec.current.SpliceTo(&rec.done)
	}

	startNeeded := false
	if !rec.new.Empty() && rec.current.Empty() {
		rec.new.SpliceTo(&rec.current)
		rec.batch = e.control.Current() + 1
		startNeeded = !e.control.StartRequested()
	}

	rec.mu.Unlock()

	if startNeeded {
		e.tracker.StartBatch(true)
	}

	e.CheckQuiescentState(id)

	rec.mu.Lock()
	hasDone := !rec.done.Empty()
	rec.mu.Unlock()

	if hasDone {
		e.DoBatch(id)
	}
}

// DoBatch invokes up to MaxBatch ready callbacks of context id in order, without
// holding any lock while they run. If callbacks remain afterward the continuation is
// handed to the Scheduler and DoBatch reports true.
//
// Callbacks must not panic: a panic propagates to the caller and the callbacks
// detached together with the panicking one are lost.
//
// Precondition: id is online.
//
// Thread-safety: Must not run concurrently for the same context.
func (e *Engine) DoBatch(id ContextID) (more bool) {
	rec := e.record(id)

	rec.mu.Lock()
	chain, count := rec.done.PopN(e.maxBatch)
	rec.mu.Unlock()

	for cb := chain; cb != nil; {
		next := cb.next
		cb.invoke()
		cb = next
	}

	if count > 0 {
		rec.queued.Add(-int64(count))
		e.metrics.invoked.Add(count)
		e.metrics.batchSize.Update(float64(count))
	}

	rec.mu.Lock()
	more = !rec.done.Empty()
	rec.mu.Unlock()

	if more {
		e.scheduleBatch(id)
	}
	return more
}

// Pending reports whether ProcessCallbacks has anything to do for context id: a
// finished current batch, new callbacks waiting for promotion, ready callbacks or an
// outstanding quiescence report.
//
// Thread-safety: This method is thread-safe.
func (e *Engine) Pending(id ContextID) bool {
	rec := e.record(id)
	current, completed := e.control.Snapshot()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch {
	case !rec.current.Empty() && completed >= rec.batch:
		return true
	case rec.current.Empty() && !rec.new.Empty():
		return true
	case !rec.done.Empty():
		return true
	case rec.quiescentBatch != current || rec.qsPending:
		return true
	}
	return false
}

// Tick is the scheduler-tick hook of the driver. idle reports whether the context
// is outside every read-side section of this class right now, in which case the
// tick counts as an activity boundary. It returns Pending(id), i.e. whether the
// driver should run ProcessCallbacks.
//
// Thread-safety: This method is thread-safe.
func (e *Engine) Tick(id ContextID, idle bool) bool {
	if idle {
		e.NotifyActivityBoundary(id)
	}
	return e.Pending(id)
}

// scheduleBatch hands a DoBatch continuation to the scheduler
func (e *Engine) scheduleBatch(id ContextID) {
	e.metrics.continuations.Inc()
	if e.scheduler != nil {
		e.scheduler.ScheduleBatch(id)
	}
}

// --------------------------------------------------------------------------
// Context lifecycle
// --------------------------------------------------------------------------

// ContextOnline admits context id. Its record starts with nothing owed and the
// context is counted in every grace period started afterward.
//
// It fails if id is already online or the engine cannot admit another context.
//
// Thread-safety: This method is thread-safe.
func (e *Engine) ContextOnline(id ContextID) error {
	e.admit.Lock()
	defer e.admit.Unlock()

	if e.maxContexts > 0 && e.records.Size() >= e.maxContexts {
		return NewError(RetCContextLimit, "cannot bring context %d online: limit of %d contexts reached", id, e.maxContexts)
	}

	rec := newContextRecord(id, e.control.Completed())
	if _, loaded := e.records.LoadOrStore(id, rec); loaded {
		return NewError(RetCContextExists, "context %d is already online", id)
	}
	e.tracker.addContext(id)

	Logger.Debugf("[%s] context %d online", e.name, id)
	return nil
}

// ContextOffline removes context id and hands its callbacks to the surviving context
// dest. If id owed a report for the outstanding grace period, the report is forced.
// Waiting callbacks (current, then new) are appended to dest's new queue so they wait
// for a later grace period; ready callbacks are appended to dest's done queue and a
// continuation is scheduled for dest.
//
// Precondition: id no longer executes, holds no read-side section and nobody
// registers on it anymore. The call must be made from a live context.
//
// Thread-safety: This method is thread-safe with respect to all other contexts.
func (e *Engine) ContextOffline(id, dest ContextID) error {
	if id == dest {
		return NewError(RetCInvalidOperation, "context %d cannot take over its own callbacks", id)
	}
	rec, ok := e.records.Load(id)
	if !ok {
		return NewError(RetCContextUnknown, "context %d is not online", id)
	}
	destRec, ok := e.records.Load(dest)
	if !ok {
		return NewError(RetCContextUnknown, "destination context %d is not online", dest)
	}

	if forced := e.tracker.removeContext(id); forced {
		e.metrics.forcedReports.Inc()
		Logger.Debugf("[%s] forced quiescence report for offline context %d", e.name, id)
	}
	e.records.Delete(id)

	// detach everything from the dead record (older callbacks first)
	var waiting, ready CallbackQueue
	rec.mu.Lock()
	rec.current.SpliceTo(&waiting)
	rec.new.SpliceTo(&waiting)
	rec.done.SpliceTo(&ready)
	rec.mu.Unlock()
	moved := rec.queued.Swap(0)

	destRec.mu.Lock()
	waiting.SpliceTo(&destRec.new)
	hasReady := !ready.Empty()
	ready.SpliceTo(&destRec.done)
	destRec.mu.Unlock()
	destRec.queued.Add(moved)

	if hasReady {
		e.scheduleBatch(dest)
	}

	Logger.Debugf("[%s] context %d offline, %d callbacks moved to context %d", e.name, id, moved, dest)
	return nil
}

// IsOnline reports whether context id is online
func (e *Engine) IsOnline(id ContextID) bool {
	_, ok := e.records.Load(id)
	return ok
}

// Contexts returns the sorted ids of all online contexts
func (e *Engine) Contexts() []ContextID {
	ids := make([]ContextID, 0, e.records.Size())
	e.records.Range(func(id ContextID, _ *ContextRecord) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// --------------------------------------------------------------------------
// Inspection
// --------------------------------------------------------------------------

// Snapshot returns a consistent (current, completed) pair without locking.
func (e *Engine) Snapshot() (current, completed int64) {
	return e.control.Snapshot()
}

// Completed returns the number of the most recently completed grace period.
func (e *Engine) Completed() int64 {
	return e.control.Completed()
}

// Current returns the number of the most recently started grace period.
func (e *Engine) Current() int64 {
	return e.control.Current()
}

// Queued returns the number of callbacks held by all online contexts
func (e *Engine) Queued() int64 {
	var n int64
	e.records.Range(func(_ ContextID, rec *ContextRecord) bool {
		n += rec.Queued()
		return true
	})
	return n
}

// Stats is a point-in-time summary of an engine
type Stats struct {
	Class           string `json:"class"`
	Current         int64  `json:"current"`
	Completed       int64  `json:"completed"`
	StartRequested  bool   `json:"start_requested"`
	OnlineContexts  int    `json:"online_contexts"`
	PendingContexts int    `json:"pending_contexts"`
	Queued          int64  `json:"queued"`
	Registered      uint64 `json:"registered"`
	Invoked         uint64 `json:"invoked"`
	ForcedReports   uint64 `json:"forced_reports"`
}

// Stats returns a summary of the engine. Fields are read independently and may be
// mutually inconsistent under load.
func (e *Engine) Stats() Stats {
	current, completed := e.control.Snapshot()
	return Stats{
		Class:           e.name,
		Current:         current,
		Completed:       completed,
		StartRequested:  e.control.StartRequested(),
		OnlineContexts:  e.records.Size(),
		PendingContexts: e.tracker.PendingCount(),
		Queued:          e.Queued(),
		Registered:      e.metrics.registered.Get(),
		Invoked:         e.metrics.invoked.Get(),
		ForcedReports:   e.metrics.forcedReports.Get(),
	}
}
