package coordinator

import (
	"sync"

	"github.com/coedit-dev/coedit/internal/ot"
)

// submission is one queued submit request with its reply channel.
type submission struct {
	sessionID string
	op        ot.Operation
	reply     chan submitResult
}

type submitResult struct {
	res Result
	err error
}

// submitQueue is a thread-safe FIFO feeding the coordinator's single-writer
// loop. Unbounded, so a burst of concurrent submissions never blocks the
// sessions producing them; ordering is strict arrival order.
//
// A buffered signal channel coalesces wakeups and lets the Run loop wait
// with context awareness instead of blocking on the mutex.
type submitQueue struct {
	mu     sync.Mutex
	items  []submission
	closed bool
	signal chan struct{}
}

func newSubmitQueue() *submitQueue {
	return &submitQueue{
		items:  make([]submission, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a submission. Returns false if the queue is closed.
// Safe from any goroutine.
func (q *submitQueue) Enqueue(s submission) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, s)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front submission without blocking.
func (q *submitQueue) TryDequeue() (submission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return submission{}, false
	}
	s := q.items[0]
	// Nil the slot so the backing array does not pin the reply channel.
	q.items[0] = submission{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return s, true
}

// Wait returns the signal channel for select-based waiting. A received
// token is only a wakeup hint: the item that produced it may already have
// been dequeued, so the waiter must look at the queue itself, not at the
// token.
func (q *submitQueue) Wait() <-chan struct{} {
	return q.signal
}

// Closed reports whether the queue no longer accepts submissions.
func (q *submitQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of pending submissions.
func (q *submitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further submissions and wakes any waiter.
func (q *submitQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// drain fails every pending submission with err. Called on shutdown so no
// submitter is left waiting on a reply.
func (q *submitQueue) drain(err error) {
	for {
		s, ok := q.TryDequeue()
		if !ok {
			return
		}
		s.reply <- submitResult{err: err}
	}
}
