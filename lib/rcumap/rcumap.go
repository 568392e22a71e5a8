package rcumap

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dRCU/lib/host"
	"github.com/ValentinKolb/dRCU/lib/rcu"
	"github.com/ValentinKolb/dRCU/lib/util"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rcumap")

const defaultShards = 16

// Options configures a Map
type Options struct {
	Shards int        // Number of shards, rounded up to a power of two (0 = default: 16)
	Class  host.Class // Grace-period class protecting the snapshots
}

// snapshot is an immutable version of a shard
type snapshot[V any] struct {
	entries map[string]V
	retired atomic.Bool // set once the snapshot was reclaimed
	rcu     rcu.Callback
}

type shard[V any] struct {
	mu   sync.Mutex // serializes writers of the shard
	data atomic.Pointer[snapshot[V]]
	_    [40]byte // keep neighboring shards apart
}

// Map is a sharded copy-on-write map protected by grace periods.
//
// Thread-safety: All methods are thread-safe. Get, Len and Range never block on
// writers.
type Map[V any] struct {
	class   host.Class
	sharder util.Sharder
	shards  []shard[V]
	pool    sync.Pool

	retired   atomic.Int64
	reclaimed atomic.Int64
	leaked    atomic.Int64
}

// New creates an empty map
func New[V any](opts *Options) *Map[V] {
	if opts == nil {
		opts = &Options{}
	}
	n := defaultShards
	if opts.Shards > 0 {
		n = opts.Shards
	}
	sharder := util.NewSharder(n)

	m := &Map[V]{
		class:   opts.Class,
		sharder: sharder,
		shards:  make([]shard[V], sharder.Shards()),
	}
	m.pool.New = func() any {
		return &snapshot[V]{entries: make(map[string]V)}
	}
	for i := range m.shards {
		m.shards[i].data.Store(&snapshot[V]{entries: make(map[string]V)})
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	return &m.shards[m.sharder.Index(key)]
}

// --------------------------------------------------------------------------
// Read side
// --------------------------------------------------------------------------

// Get returns the value stored under key
func (m *Map[V]) Get(c *host.Context, key string) (V, bool) {
	s := m.shardFor(key)

	c.ReadLockClass(m.class)
	v, ok := s.data.Load().entries[key]
	c.ReadUnlockClass(m.class)

	return v, ok
}

// Len returns the number of entries. Shards are counted one after another, so the
// result is not an atomic snapshot of the whole map.
func (m *Map[V]) Len(c *host.Context) int {
	n := 0
	for i := range m.shards {
		c.ReadLockClass(m.class)
		n += len(m.shards[i].data.Load().entries)
		c.ReadUnlockClass(m.class)
	}
	return n
}

// Range calls fn for every entry until fn returns false. Each shard is visited in its
// own read-side section, fn must not block and must not call Synchronize.
func (m *Map[V]) Range(c *host.Context, fn func(key string, value V) bool) {
	for i := range m.shards {
		c.ReadLockClass(m.class)
		for k, v := range m.shards[i].data.Load().entries {
			if !fn(k, v) {
				c.ReadUnlockClass(m.class)
				return
			}
		}
		c.ReadUnlockClass(m.class)
	}
}

// ShardSizes returns the number of entries per shard
func (m *Map[V]) ShardSizes(c *host.Context) []int64 {
	sizes := make([]int64, len(m.shards))
	for i := range m.shards {
		c.ReadLockClass(m.class)
		sizes[i] = int64(len(m.shards[i].data.Load().entries))
		c.ReadUnlockClass(m.class)
	}
	return sizes
}

// --------------------------------------------------------------------------
// Update side
// --------------------------------------------------------------------------

// Set stores value under key. The replaced snapshot is retired on context c.
func (m *Map[V]) Set(c *host.Context, key string, value V) {
	m.update(c, key, func(entries map[string]V) bool {
		entries[key] = value
		return true
	})
}

// Delete removes key and reports whether it was present.
func (m *Map[V]) Delete(c *host.Context, key string) bool {
	return m.update(c, key, func(entries map[string]V) bool {
		if _, ok := entries[key]; !ok {
			return false
		}
		delete(entries, key)
		return true
	})
}

// update applies change to a copy of the shard of key and publishes it if change
// reports a modification
func (m *Map[V]) update(c *host.Context, key string, change func(entries map[string]V) bool) bool {
	s := m.shardFor(key)

	s.mu.Lock()
	old := s.data.Load()
	next := m.pool.Get().(*snapshot[V])
	next.retired.Store(false)
	for k, v := range old.entries {
		next.entries[k] = v
	}
	if !change(next.entries) {
		s.mu.Unlock()
		clear(next.entries)
		m.pool.Put(next)
		return false
	}
	s.data.Store(next)
	s.mu.Unlock()

	m.retire(c, old)
	return true
}

// retire hands old to the grace-period machinery
func (m *Map[V]) retire(c *host.Context, old *snapshot[V]) {
	m.retired.Add(1)
	err := c.CallClass(m.class, &old.rcu, func(*rcu.Callback) {
		old.retired.Store(true)
		clear(old.entries)
		m.pool.Put(old)
		m.reclaimed.Add(1)
	})
	if err != nil {
		m.leaked.Add(1)
		Logger.Warningf("snapshot left to the garbage collector: %v", err)
	}
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Stats summarizes the snapshot turnover of a map
type Stats struct {
	Shards    int   `json:"shards"`
	Retired   int64 `json:"retired"`   // snapshots replaced by writers
	Reclaimed int64 `json:"reclaimed"` // snapshots recycled after their grace period
	Leaked    int64 `json:"leaked"`    // snapshots left to the garbage collector
}

// Stats returns the snapshot counters of the map
func (m *Map[V]) Stats() Stats {
	return Stats{
		Shards:    len(m.shards),
		Retired:   m.retired.Load(),
		Reclaimed: m.reclaimed.Load(),
		Leaked:    m.leaked.Load(),
	}
}
