//go:build linux

package memlock

import (
	"unsafe"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"
)

func Alloc[T any](n int) (*Region[T], error) {
	if n < 1 {
		return nil, errors.From(ErrInvalidSize)
	}
	var zero T
	size := int(unsafe.Sizeof(zero)) * n
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.New("mmap failed", errors.WithMeta("pkg", "memlock"), errors.WithWrap(err))
	}
	if err = unix.Madvise(mem, unix.MADV_DONTFORK); err != nil {
		_ = unix.Munmap(mem)
		return nil, errors.New("madvise failed", errors.WithMeta("pkg", "memlock"), errors.WithWrap(err))
	}
	// locking needs CAP_IPC_LOCK or enough RLIMIT_MEMLOCK, so it is optional
	locked := unix.Mlock(mem) == nil

	return &Region[T]{
		items:   unsafe.Slice((*T)(unsafe.Pointer(&mem[0])), n),
		mem:     mem,
		locked:  locked,
		release: unix.Munmap,
	}, nil
}
