//go:build linux

package iouring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func (sqe *SubmissionQueueEntry) prepare(op uint8, fd int32, addr uint64, length uint32, off uint64, userData uint64) {
	*sqe = SubmissionQueueEntry{
		OpCode:   op,
		Fd:       fd,
		Addr:     addr,
		Len:      length,
		Off:      off,
		UserData: userData,
	}
}

func (sqe *SubmissionQueueEntry) PrepareNop(userData uint64) {
	sqe.prepare(OpNop, -1, 0, 0, 0, userData)
}

// PrepareCancel cancels the request whose user data is target.
func (sqe *SubmissionQueueEntry) PrepareCancel(target uint64, userData uint64) {
	sqe.prepare(OpAsyncCancel, -1, target, 0, 0, userData)
}

// PrepareTimeout completes after ts, or once count other completions were
// posted when count is not 0. ts must stay valid until submitted.
func (sqe *SubmissionQueueEntry) PrepareTimeout(ts *unix.Timespec, count uint64, flags uint32, userData uint64) {
	sqe.prepare(OpTimeout, -1, uint64(uintptr(unsafe.Pointer(ts))), 1, count, userData)
	sqe.OpcodeFlags = flags
}

// PrepareTimeoutRemove cancels the timeout whose user data is target.
func (sqe *SubmissionQueueEntry) PrepareTimeoutRemove(target uint64, userData uint64) {
	sqe.prepare(OpTimeoutRemove, -1, target, 0, 0, userData)
}

// Link makes the next entry of the ring wait for this one. A hard link keeps
// the chain going when this entry fails.
func (sqe *SubmissionQueueEntry) Link(hard bool) {
	if hard {
		sqe.Flags |= SQEIOHardlink
		return
	}
	sqe.Flags |= SQEIOLink
}
