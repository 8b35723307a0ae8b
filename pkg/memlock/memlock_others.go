//go:build !linux

package memlock

import "github.com/brickingsoft/errors"

func Alloc[T any](n int) (*Region[T], error) {
	if n < 1 {
		return nil, errors.From(ErrInvalidSize)
	}
	return &Region[T]{items: make([]T, n)}, nil
}
