package bridge

import "sync/atomic"

const eventQueueSize = 64

// eventQueue is a single producer, single consumer byte ring. The producer
// may be an interrupt handler.
type eventQueue struct {
	buf     [eventQueueSize]byte
	head    atomic.Uint32 // next write
	tail    atomic.Uint32 // next read
	dropped atomic.Uint32
}

func (q *eventQueue) push(b byte) bool {
	head := q.head.Load()
	if head-q.tail.Load() == eventQueueSize {
		q.dropped.Add(1)
		return false
	}
	q.buf[head%eventQueueSize] = b
	q.head.Store(head + 1)
	return true
}

func (q *eventQueue) pop() (byte, bool) {
	tail := q.tail.Load()
	if tail == q.head.Load() {
		return 0, false
	}
	b := q.buf[tail%eventQueueSize]
	q.tail.Store(tail + 1)
	return b, true
}
