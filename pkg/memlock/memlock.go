// Package memlock allocates arrays outside of the Go heap, locked in memory
// when the process is allowed to, and never shared with forked children.
//
// The element type must not contain pointers: the garbage collector does not
// scan these regions.
package memlock

import "github.com/brickingsoft/errors"

var ErrInvalidSize = errors.Define("memlock: size must be greater than 0")

type Region[T any] struct {
	items   []T
	mem     []byte
	locked  bool
	release func([]byte) error
}

// Items returns the backing array. It is zeroed on allocation.
func (r *Region[T]) Items() []T {
	return r.items
}

// Locked reports whether the pages are pinned in memory.
func (r *Region[T]) Locked() bool {
	return r.locked
}

func (r *Region[T]) Release() (err error) {
	if r.release != nil && r.mem != nil {
		err = r.release(r.mem)
	}
	r.items = nil
	r.mem = nil
	return
}
