//go:build linux

package threadpool

import (
	"fmt"
	"slices"
	"syscall"
	"unsafe"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"
)

const nameLimit = 16

func gettid() int {
	return unix.Gettid()
}

func setName(name string) error {
	if len(name) >= nameLimit {
		return errors.From(
			ErrInvalidName,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpName),
			errors.WithMeta(errMetaThreadKey, name),
		)
	}
	b, err := unix.BytePtrFromString(name)
	if err != nil {
		return err
	}
	if err = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(b)), 0, 0, 0); err != nil {
		return errors.New(
			"set thread name failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpName),
			errors.WithWrap(err),
		)
	}
	return nil
}

// blockSignals blocks every signal but the given ones. SIGURG is never
// blocked because the runtime preempts goroutines with it.
func blockSignals(signals []syscall.Signal) error {
	var set unix.Sigset_t
	for i := range set.Val {
		set.Val[i] = ^set.Val[i]
	}
	for _, sig := range signals {
		sigdel(&set, sig)
	}
	sigdel(&set, unix.SIGURG)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return errors.New(
			"set signal mask failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpMask),
			errors.WithWrap(err),
		)
	}
	return nil
}

func sigdel(set *unix.Sigset_t, sig syscall.Signal) {
	bits := int(unsafe.Sizeof(set.Val[0]) * 8)
	n := int(sig) - 1
	if n < 0 || n >= bits*len(set.Val) {
		return
	}
	set.Val[n/bits] &^= 1 << uint(n%bits)
}

// setAffinity pins the calling thread to the index-th cpu of cpus.
func setAffinity(cpus []int, index uint32) error {
	sorted := slices.Clone(cpus)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	if int(index) >= len(sorted) || sorted[index] < 0 {
		return errors.From(
			ErrNoCPU,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpAffinity),
			errors.WithMeta(errMetaThreadKey, fmt.Sprint(index)),
			errors.WithWrap(unix.ENODEV),
		)
	}
	set := unix.CPUSet{}
	set.Set(sorted[index])
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.New(
			"set cpu affinity failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpAffinity),
			errors.WithWrap(err),
		)
	}
	return nil
}

type schedParam struct {
	priority int32
}

func setSchedule(s Schedule) error {
	param := schedParam{priority: int32(s.Priority)}
	_, _, errno := unix.RawSyscall(unix.SYS_SCHED_SETSCHEDULER, 0, uintptr(s.Policy), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return errors.New(
			"set scheduling policy failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpSchedule),
			errors.WithWrap(errno),
		)
	}
	return nil
}

// PriorityRange returns the static priority bounds of a scheduling policy.
func PriorityRange(policy int) (low int, high int, err error) {
	r1, _, errno := unix.RawSyscall(unix.SYS_SCHED_GET_PRIORITY_MIN, uintptr(policy), 0, 0)
	if errno != 0 {
		err = errors.New("get priority range failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(errno))
		return
	}
	r2, _, errno := unix.RawSyscall(unix.SYS_SCHED_GET_PRIORITY_MAX, uintptr(policy), 0, 0)
	if errno != 0 {
		err = errors.New("get priority range failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(errno))
		return
	}
	low, high = int(r1), int(r2)
	return
}
