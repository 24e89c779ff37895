// Package e2e implements the end-to-end verification harness (spec.md
// §4.7, C7): an operator-supplied command stream populates per-
// interface expectation queues, and every inbound delivery from
// device.Device is matched against them in strict FIFO order.
//
// Grounded on the teacher's lock-free, atomic-counter style (the same
// discipline as a monotonically-increasing stream/circuit ID counter)
// rather than a mutex, since spec.md §9 calls for a two-slot SPSC ring
// with atomic head/tail specifically so the harness stays observable
// and non-blocking.
package e2e

import "sync/atomic"

// queueCapacity is fixed at 2 per spec.md §4.7.
const queueCapacity = 2

// ExpectationQueue is a single-producer/single-consumer ring buffer:
// the command handler (shell thread) pushes, the verifier (poll
// thread) pops. head/tail are monotonically increasing counters, not
// wrapped indices, so the ring position is head%queueCapacity.
type ExpectationQueue struct {
	buf  [queueCapacity]Expected
	head atomic.Uint64 // next slot to pop
	tail atomic.Uint64 // next slot to push
}

// Push enqueues e. It returns false without blocking if the queue is
// already at capacity (2 outstanding expectations).
func (q *ExpectationQueue) Push(e Expected) bool {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail-head >= queueCapacity {
		return false
	}
	q.buf[tail%queueCapacity] = e
	q.tail.Store(tail + 1)
	return true
}

// Pop dequeues the oldest expectation, or returns ok=false if empty.
func (q *ExpectationQueue) Pop() (Expected, bool) {
	head := q.head.Load()
	tail := q.tail.Load()
	if head >= tail {
		return Expected{}, false
	}
	e := q.buf[head%queueCapacity]
	q.head.Store(head + 1)
	return e, true
}

// Len reports the number of outstanding (pushed, not yet popped)
// expectations. The harness does not consult it when a run ends, so
// leftover expectations are not reported as failures.
func (q *ExpectationQueue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}
