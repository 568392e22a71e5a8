package rcu

// --------------------------------------------------------------------------
// Callback
// --------------------------------------------------------------------------

// Func is the deferred work of a Callback. It receives the Callback it was
// registered with so that callers embedding a Callback in their own struct can
// recover the surrounding object.
type Func func(cb *Callback)

// Callback is a deferred unit of work. It is meant to be embedded in memory the
// caller owns (typically the object that is reclaimed by the callback), so that
// queueing it never allocates:
//
//	type node struct {
//	    rcu   rcu.Callback
//	    value []byte
//	}
//
//	engine.Register(id, &n.rcu, func(*rcu.Callback) { pool.Put(n) })
//
// The engine borrows the Callback from Register until the function is invoked.
// A Callback must not be registered again before its function has been invoked,
// after that it may be reused (also from inside its own function).
type Callback struct {
	fn   Func
	next *Callback
}

// invoke runs the callback after detaching it, which returns ownership to the caller
func (cb *Callback) invoke() {
	fn := cb.fn
	cb.fn = nil
	cb.next = nil
	fn(cb)
}

// --------------------------------------------------------------------------
// CallbackQueue
// --------------------------------------------------------------------------

// CallbackQueue is an intrusive FIFO of Callbacks with a pointer to the tail slot.
// Append, SpliceTo and Pop are O(1). The zero value is an empty queue.
//
// A queue must not be copied after the first Append since tail may point into it.
//
// Thread-safety: A queue is not thread-safe. Each queue is owned by exactly one
// ContextRecord and guarded by that record's lock.
type CallbackQueue struct {
	head *Callback
	tail **Callback // slot to write the next element into (nil = &head)
	len  int
}

// tailSlot returns the slot the next appended callback is written into
func (q *CallbackQueue) tailSlot() **Callback {
	if q.tail == nil {
		q.tail = &q.head
	}
	return q.tail
}

// reset empties the queue without touching the former nodes
func (q *CallbackQueue) reset() {
	q.head = nil
	q.tail = &q.head
	q.len = 0
}

// Empty reports whether the queue holds no callbacks
func (q *CallbackQueue) Empty() bool {
	return q.head == nil
}

// Len returns the number of queued callbacks
func (q *CallbackQueue) Len() int {
	return q.len
}

// Append adds cb to the tail of the queue.
func (q *CallbackQueue) Append(cb *Callback) {
	cb.next = nil
	slot := q.tailSlot()
	*slot = cb
	q.tail = &cb.next
	q.len++
}

// SpliceTo moves every callback of q onto the tail of dst (in order) and leaves
// q empty. No node is copied.
func (q *CallbackQueue) SpliceTo(dst *CallbackQueue) {
	if q.head == nil {
		return
	}
	slot := dst.tailSlot()
	*slot = q.head
	dst.tail = q.tailSlot()
	dst.len += q.len
	q.reset()
}

// Pop removes and returns the head of the queue, nil if the queue is empty.
func (q *CallbackQueue) Pop() *Callback {
	cb := q.head
	if cb == nil {
		return nil
	}
	q.head = cb.next
	if q.head == nil {
		q.tail = &q.head
	}
	cb.next = nil
	q.len--
	return cb
}

// PopN detaches up to n callbacks from the head of the queue and returns them as
// a nil terminated chain together with the number of detached callbacks.
func (q *CallbackQueue) PopN(n int) (*Callback, int) {
	if q.head == nil || n <= 0 {
		return nil, 0
	}

	first := q.head
	last := first
	count := 1
	for count < n && last.next != nil {
		last = last.next
		count++
	}

	q.head = last.next
	last.next = nil
	if q.head == nil {
		q.tail = &q.head
	}
	q.len -= count
	return first, count
}
