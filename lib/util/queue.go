package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node is a single element of a WakeQueue
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// WakeQueue is an unbounded lock-free multi-producer single-consumer queue. Values
// are pushed by any number of goroutines and delivered in push order of completion
// to a single consumer through the channel returned by Recv.
//
// Push never blocks on the consumer, which makes the queue usable from code that
// holds locks the consumer might need (e.g. an rcu.Scheduler).
//
// Ordering: under concurrent Push calls the order between producers is decided by
// which producer links its node first. Values of a single producer keep their order.
type WakeQueue[T any] struct {
	head     atomic.Pointer[node[T]] // sentinel, only touched by the consumer
	tail     atomic.Pointer[node[T]]
	out      chan T
	wake     chan struct{} // capacity 1, a pending wake-up is never lost
	closed   atomic.Bool
	consumer sync.WaitGroup
}

// NewWakeQueue creates a queue and starts its consumer goroutine. Close must be
// called to stop it.
func NewWakeQueue[T any]() *WakeQueue[T] {
	sentinel := &node[T]{}

	q := &WakeQueue[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push appends value to the queue. It returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe, lock-free and never blocks.
func (q *WakeQueue[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	var backoff uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// may fail if another producer already moved the tail on
				q.tail.CompareAndSwap(tail, n)
				q.signal()
				return true
			}
		} else {
			// help a producer that linked its node but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin a little at low contention, then yield
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// signal wakes the consumer without blocking
func (q *WakeQueue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// consume moves values from the linked list to the output channel
func (q *WakeQueue[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	var zero T
	for {
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}

			value := next.value
			q.head.Store(next)
			q.out <- value
			next.value = zero
		}

		if q.closed.Load() && q.head.Load().next.Load() == nil {
			return
		}
		<-q.wake
	}
}

// Recv returns the channel the values are delivered on. It is closed after Close
// once every value pushed before has been received.
func (q *WakeQueue[T]) Recv() <-chan T {
	return q.out
}

// Close rejects further pushes. Values already queued are still delivered.
//
// Thread-safety: This method is thread-safe.
func (q *WakeQueue[T]) Close() {
	q.closed.Store(true)
	q.signal()
}

// IsClosed reports whether Close has been called.
func (q *WakeQueue[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of queued values that were not handed to the output
// channel yet. This is O(n) and only meant for debugging.
func (q *WakeQueue[T]) Len() int {
	count := 0
	for n := q.head.Load().next.Load(); n != nil; n = n.next.Load() {
		count++
	}
	return count
}
