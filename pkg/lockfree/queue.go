// Package lockfree provides an unbounded multi-producer multi-consumer queue
// built on atomic pointers.
package lockfree

import (
	"sync/atomic"
)

func New[E any]() *Queue[E] {
	sentinel := &node[E]{}
	q := &Queue[E]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

type node[E any] struct {
	value *E
	next  atomic.Pointer[node[E]]
}

// Queue is a Michael-Scott queue. The head always points to a consumed
// sentinel node.
type Queue[E any] struct {
	head atomic.Pointer[node[E]]
	tail atomic.Pointer[node[E]]
	len  atomic.Int64
}

func (q *Queue[E]) Push(value *E) {
	n := &node[E]{value: value}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// help a producer that linked its node but did not swing the tail yet
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.len.Add(1)
			return
		}
	}
}

// Pop returns nil when the queue is empty.
func (q *Queue[E]) Pop() *E {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if head == tail {
			if next == nil {
				return nil
			}
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		// value stays set on the new sentinel: losing consumers may still read it
		value := next.value
		if q.head.CompareAndSwap(head, next) {
			q.len.Add(-1)
			return value
		}
	}
}

// Len is approximate while producers or consumers are active.
func (q *Queue[E]) Len() int64 {
	return q.len.Load()
}
