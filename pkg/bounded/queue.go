// Package bounded provides a capacity-limited FIFO with blocking Push and Pop
// and a terminal kill switch.
package bounded

import (
	"sync"

	"github.com/brickingsoft/errors"
	"github.com/eapache/queue"
)

var (
	ErrInvalidLimit = errors.Define("bounded: limit must be greater than 0")
	ErrKilled       = errors.Define("bounded: queue killed")
)

func IsKilled(err error) bool {
	return errors.Is(err, ErrKilled)
}

func New[E any](limit int) (q *Queue[E], err error) {
	if limit < 1 {
		err = ErrInvalidLimit
		return
	}
	q = &Queue[E]{
		entries: queue.New(),
		limit:   limit,
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return
}

// Queue is safe for any number of concurrent producers and consumers.
// Once killed, it stays killed.
type Queue[E any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	entries  *queue.Queue
	limit    int
	killed   bool
}

// Push appends entry, blocking while the queue is full. It fails with
// ErrKilled, leaving the queue untouched, if the queue is or gets killed.
func (q *Queue[E]) Push(entry E) error {
	q.mu.Lock()
	for !q.killed && q.entries.Length() >= q.limit {
		q.notFull.Wait()
	}
	if q.killed {
		q.mu.Unlock()
		return ErrKilled
	}
	q.entries.Add(entry)
	q.notEmpty.Signal()
	q.mu.Unlock()
	return nil
}

// Pop removes the oldest entry, blocking while the queue is empty.
func (q *Queue[E]) Pop() (entry E, err error) {
	q.mu.Lock()
	for !q.killed && q.entries.Length() == 0 {
		q.notEmpty.Wait()
	}
	if q.killed {
		q.mu.Unlock()
		err = ErrKilled
		return
	}
	entry, _ = q.entries.Remove().(E)
	q.notFull.Signal()
	q.mu.Unlock()
	return
}

// Kill fails every blocked and future Push and Pop.
func (q *Queue[E]) Kill() {
	q.mu.Lock()
	q.killed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

func (q *Queue[E]) Len() int {
	q.mu.Lock()
	n := q.entries.Length()
	q.mu.Unlock()
	return n
}

func (q *Queue[E]) Limit() int {
	return q.limit
}

func (q *Queue[E]) Killed() bool {
	q.mu.Lock()
	killed := q.killed
	q.mu.Unlock()
	return killed
}
