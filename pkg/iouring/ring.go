//go:build linux

package iouring

import (
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"
)

// Ring is an io_uring instance with its rings mapped in memory. The mappings
// are excluded from forked children.
type Ring struct {
	fd     int
	params Params

	sqRing []byte
	cqRing []byte
	sqeMem []byte

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqDropped *uint32
	sqArray   []uint32
	sqes      []SubmissionQueueEntry

	cqHead     *uint32
	cqTail     *uint32
	cqMask     uint32
	cqOverflow *uint32
	cqes       []CompletionQueueEvent
}

// New creates a ring of at least entries submission entries.
func New(entries uint32, flags uint32) (*Ring, error) {
	r := &Ring{fd: -1}
	r.params.Flags = flags
	fd, _, errno := unix.Syscall(sysSetup, uintptr(entries), uintptr(unsafe.Pointer(&r.params)), 0)
	if errno != 0 {
		return nil, errors.From(
			ErrSetup,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithWrap(errno),
		)
	}
	r.fd = int(fd)
	if err := r.mmap(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func mmapRegion(fd int, offset uint64, size int) ([]byte, error) {
	mem, err := unix.Mmap(fd, int64(offset), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, errors.From(ErrMmap, errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(err))
	}
	if err = unix.Madvise(mem, unix.MADV_DONTFORK); err != nil {
		_ = unix.Munmap(mem)
		return nil, errors.From(ErrMmap, errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(err))
	}
	return mem, nil
}

func u32(mem []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

func (r *Ring) mmap() (err error) {
	p := &r.params
	sqSize := int(p.SQOff.Array) + int(p.SQEntries)*int(unsafe.Sizeof(uint32(0)))
	cqSize := int(p.CQOff.CQEs) + int(p.CQEntries)*int(unsafe.Sizeof(CompletionQueueEvent{}))
	single := p.Features&FeatSingleMMap != 0
	if single && cqSize > sqSize {
		sqSize = cqSize
	}

	if r.sqRing, err = mmapRegion(r.fd, offSQRing, sqSize); err != nil {
		return
	}
	if single {
		r.cqRing = r.sqRing
	} else if r.cqRing, err = mmapRegion(r.fd, offCQRing, cqSize); err != nil {
		return
	}
	if r.sqeMem, err = mmapRegion(r.fd, offSQEs, int(p.SQEntries)*int(unsafe.Sizeof(SubmissionQueueEntry{}))); err != nil {
		return
	}

	r.sqHead = u32(r.sqRing, p.SQOff.Head)
	r.sqTail = u32(r.sqRing, p.SQOff.Tail)
	r.sqMask = *u32(r.sqRing, p.SQOff.RingMask)
	r.sqDropped = u32(r.sqRing, p.SQOff.Dropped)
	r.sqArray = unsafe.Slice(u32(r.sqRing, p.SQOff.Array), p.SQEntries)
	r.sqes = unsafe.Slice((*SubmissionQueueEntry)(unsafe.Pointer(&r.sqeMem[0])), p.SQEntries)

	r.cqHead = u32(r.cqRing, p.CQOff.Head)
	r.cqTail = u32(r.cqRing, p.CQOff.Tail)
	r.cqMask = *u32(r.cqRing, p.CQOff.RingMask)
	r.cqOverflow = u32(r.cqRing, p.CQOff.Overflow)
	r.cqes = unsafe.Slice((*CompletionQueueEvent)(unsafe.Pointer(&r.cqRing[p.CQOff.CQEs])), p.CQEntries)
	return
}

func (r *Ring) Fd() int {
	return r.fd
}

func (r *Ring) Params() Params {
	return r.params
}

func (r *Ring) SQEntries() uint32 {
	return r.params.SQEntries
}

func (r *Ring) SQMask() uint32 {
	return r.sqMask
}

// SQHead is advanced by the kernel as it consumes entries.
func (r *Ring) SQHead() uint32 {
	return atomic.LoadUint32(r.sqHead)
}

func (r *Ring) SQTail() uint32 {
	return atomic.LoadUint32(r.sqTail)
}

// PublishSQTail makes every entry before tail visible to the kernel.
func (r *Ring) PublishSQTail(tail uint32) {
	atomic.StoreUint32(r.sqTail, tail)
}

func (r *Ring) SQArray() []uint32 {
	return r.sqArray
}

func (r *Ring) SQE(index uint32) *SubmissionQueueEntry {
	return &r.sqes[index&r.sqMask]
}

func (r *Ring) SQDropped() uint32 {
	return atomic.LoadUint32(r.sqDropped)
}

func (r *Ring) CQEntries() uint32 {
	return r.params.CQEntries
}

func (r *Ring) CQHead() uint32 {
	return atomic.LoadUint32(r.cqHead)
}

// CompareAndSwapCQHead consumes the completion at head when no one else did.
func (r *Ring) CompareAndSwapCQHead(head, next uint32) bool {
	return atomic.CompareAndSwapUint32(r.cqHead, head, next)
}

func (r *Ring) CQTail() uint32 {
	return atomic.LoadUint32(r.cqTail)
}

func (r *Ring) CQE(index uint32) *CompletionQueueEvent {
	return &r.cqes[index&r.cqMask]
}

func (r *Ring) CQOverflow() uint32 {
	return atomic.LoadUint32(r.cqOverflow)
}

// Enter wraps io_uring_enter. It returns the number of consumed submission
// entries.
func (r *Ring) Enter(submit, wait, flags uint32) (int, error) {
	n, _, errno := unix.Syscall6(sysEnter, uintptr(r.fd), uintptr(submit), uintptr(wait), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// Ops returns the opcodes supported by the running kernel.
func (r *Ring) Ops() (*OpSupport, error) {
	ops := &OpSupport{}
	_, _, errno := unix.Syscall6(sysRegister, uintptr(r.fd), uintptr(registerOps), uintptr(unsafe.Pointer(ops)), maxOps, 0, 0)
	if errno != 0 {
		return nil, errors.From(
			ErrRegister,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta("op", "ops"),
			errors.WithWrap(errno),
		)
	}
	return ops, nil
}

// Poll waits up to timeout milliseconds for the ring to get the given poll
// events. It returns the events that fired.
func (r *Ring) Poll(events int16, timeout int) (int16, error) {
	fds := []unix.PollFd{{Fd: int32(r.fd), Events: events}}
	n, err := unix.Poll(fds, timeout)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.ETIMEDOUT
	}
	return fds[0].Revents, nil
}

func (r *Ring) Close() (err error) {
	if r.sqeMem != nil {
		_ = unix.Munmap(r.sqeMem)
		r.sqeMem = nil
	}
	if r.cqRing != nil && &r.cqRing[0] != &r.sqRing[0] {
		_ = unix.Munmap(r.cqRing)
	}
	r.cqRing = nil
	if r.sqRing != nil {
		_ = unix.Munmap(r.sqRing)
		r.sqRing = nil
	}
	if r.fd >= 0 {
		err = unix.Close(r.fd)
		r.fd = -1
	}
	return
}
