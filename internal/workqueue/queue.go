// Package workqueue implements the bounded worker-job queue the
// reactor dispatches onto (spec section 4.1 step 6): a condition-
// variable-guarded ring backed by github.com/eapache/queue, blocking
// producers when full and logging once on block and once on resume.
// The pool of goroutines that drain it is intentionally minimal: the
// broader thread-pool design (queue selection, affinity, resizing) is
// out of scope per the spec, which only asks for the bounded-queue
// contract.
//
// Author: momentics <momentics@gmail.com>
package workqueue

import (
	"errors"
	"log"
	"sync"

	"github.com/eapache/queue"
)

// ErrClosed is returned by Enqueue once the queue has been closed.
var ErrClosed = errors.New("workqueue: queue is closed")

// Job is one unit of work dispatched by the reactor.
type Job struct {
	Run func()
}

// Queue is a bounded FIFO of Jobs shared by every worker goroutine.
// Enqueue blocks while the queue is at capacity; Dequeue blocks while
// it is empty. Both unblock immediately once Close is called.
type Queue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	ring     *queue.Queue
	capacity int
	closed   bool
}

// New constructs a Queue bounded at capacity jobs.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{ring: queue.New(), capacity: capacity}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds j, blocking while the queue is full. It warns once when
// it first has to block a producer, and again once the block clears,
// per spec section 4.1 step 6.
func (q *Queue) Enqueue(j Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	blocked := false
	for q.ring.Length() >= q.capacity && !q.closed {
		if !blocked {
			log.Printf("workqueue: full at capacity %d, blocking producer", q.capacity)
			blocked = true
		}
		q.notFull.Wait()
	}
	if q.closed {
		return ErrClosed
	}
	if blocked {
		log.Printf("workqueue: resumed accepting jobs")
	}
	q.ring.Add(j)
	q.notEmpty.Signal()
	return nil
}

// Dequeue removes and returns the oldest Job, blocking while the queue
// is empty. ok is false only once the queue has been closed and
// drained.
func (q *Queue) Dequeue() (j Job, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.ring.Length() == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.ring.Length() == 0 {
		return Job{}, false
	}
	v := q.ring.Peek()
	q.ring.Remove()
	q.notFull.Signal()
	return v.(Job), true
}

// Len reports the current number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Length()
}

// Close unblocks every pending and future Enqueue/Dequeue call.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}
