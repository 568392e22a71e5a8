package seqcount

import (
	"runtime"
	"sync/atomic"
)

// spinLimit is the number of busy retries before a reader yields the processor
const spinLimit = 16

// SeqCount is a sequence counter. The zero value is ready to use.
type SeqCount struct {
	// seq is odd while a writer critical section is active
	seq atomic.Uint64
}

// Epoch identifies the writer generation observed by BeginRead
type Epoch uint64

// --------------------------------------------------------------------------
// Writer side
// --------------------------------------------------------------------------

// BeginWrite opens a writer critical section.
//
// Thread-safety: Writers must be serialized by the caller (e.g. with a sync.Mutex).
// Calling BeginWrite while a writer critical section is already open panics.
func (s *SeqCount) BeginWrite() {
	if seq := s.seq.Add(1); seq&1 == 0 {
		panic("seqcount: BeginWrite during writer critical section")
	}
}

// EndWrite closes the writer critical section opened by BeginWrite.
func (s *SeqCount) EndWrite() {
	if seq := s.seq.Add(1); seq&1 != 0 {
		panic("seqcount: EndWrite outside writer critical section")
	}
}

// Write runs fn inside a writer critical section.
//
// Thread-safety: same as BeginWrite.
func (s *SeqCount) Write(fn func()) {
	s.BeginWrite()
	defer s.EndWrite()
	fn()
}

// --------------------------------------------------------------------------
// Reader side
// --------------------------------------------------------------------------

// BeginRead starts a reader critical section and returns the epoch that must be
// passed to ReadOk. It waits until no writer is active.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *SeqCount) BeginRead() Epoch {
	if seq := s.seq.Load(); seq&1 == 0 {
		return Epoch(seq)
	}
	return s.beginReadSlow()
}

func (s *SeqCount) beginReadSlow() Epoch {
	for i := 0; ; i++ {
		if i >= spinLimit {
			runtime.Gosched()
		}
		if seq := s.seq.Load(); seq&1 == 0 {
			return Epoch(seq)
		}
	}
}

// ReadOk reports whether the reader critical section started with epoch did not
// overlap any writer critical section.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *SeqCount) ReadOk(epoch Epoch) bool {
	return s.seq.Load() == uint64(epoch)
}

// Read runs fn until it completes without overlapping a write. fn must be
// idempotent since it may be executed more than once.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *SeqCount) Read(fn func()) {
	for {
		epoch := s.BeginRead()
		fn()
		if s.ReadOk(epoch) {
			return
		}
	}
}

// Sequence returns the raw counter value (mainly for tests and diagnostics).
func (s *SeqCount) Sequence() uint64 {
	return s.seq.Load()
}
