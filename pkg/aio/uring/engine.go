//go:build linux

// Package uring implements the io_uring engine.
//
// Every request sequence maps to the submission entry seq&mask, and the
// submission array is the identity. Prepared requests are published by
// groups: a group is a single request or a whole chain, and it is committed
// on the slot of its first entry with its length. Flushing walks the
// committed groups from the current tail and advances it. The entries of a
// chain are linked, so the kernel starts each one after its predecessor
// completed.
package uring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/gfio/pkg/aio"
	"github.com/brickingsoft/gfio/pkg/iouring"
	"github.com/brickingsoft/gfio/pkg/kernel"
	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const Name = "io_uring"

// FlagTimer marks the ids of delayed requests, which are cancelled with
// TIMEOUT_REMOVE instead of ASYNC_CANCEL.
const FlagTimer = aio.Flag1

const requiredFeatures = iouring.FeatNoDrop | iouring.FeatSubmitStable

func New(options ...Option) *Engine {
	opts := Options{
		Entries:      DefaultEntries,
		Workers:      DefaultWorkers,
		MaxRetries:   DefaultMaxRetries,
		PollInterval: time.Millisecond,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Engine{
		opts:   opts,
		logger: opts.Logger.WithField("engine", Name),
	}
}

type Engine struct {
	opts   Options
	logger logrus.FieldLogger
	d      aio.Dispatcher
	ring   *iouring.Ring

	entries uint32
	mask    uint32
	// commits[i] is the length of the committed group starting at slot i.
	commits []atomic.Uint32
	// links[i] is the number of chained entries ending at slot i.
	links     []uint32
	timespecs []unix.Timespec

	flushMu sync.Mutex
}

func (e *Engine) Name() string {
	return Name
}

func (e *Engine) Mode() aio.Mode {
	return aio.ModeIOUring
}

func (e *Engine) Setup(d aio.Dispatcher) (workers uint32, err error) {
	version, versionErr := kernel.Get()
	if versionErr != nil {
		err = errors.From(aio.ErrUnsupported, errors.WithMeta("engine", Name), errors.WithWrap(versionErr))
		return
	}
	if !version.GTE(5, 6, 0) {
		err = errors.From(
			aio.ErrUnsupported,
			errors.WithMeta("engine", Name),
			errors.WithMeta("kernel", version.String()),
		)
		return
	}

	ring, ringErr := iouring.New(e.opts.Entries, iouring.SetupClamp)
	if ringErr != nil {
		e.logger.WithError(ringErr).Debug("io_uring is not available")
		err = errors.From(aio.ErrUnsupported, errors.WithMeta("engine", Name), errors.WithWrap(ringErr))
		return
	}
	params := ring.Params()
	e.logger.WithFields(logrus.Fields{
		"sq_entries": params.SQEntries,
		"cq_entries": params.CQEntries,
		"flags":      iouring.SetupNames(params.Flags),
		"features":   iouring.FeatureNames(params.Features),
	}).Debug("io_uring ring created")

	if params.Features&requiredFeatures != requiredFeatures {
		_ = ring.Close()
		err = errors.From(
			aio.ErrUnsupported,
			errors.WithMeta("engine", Name),
			errors.WithMeta("reason", "missing required features"),
			errors.WithWrap(syscall.ENOTSUP),
		)
		return
	}
	if params.SQEntries < QueueMin {
		_ = ring.Close()
		err = errors.From(
			aio.ErrUnsupported,
			errors.WithMeta("engine", Name),
			errors.WithMeta("sq_entries", fmt.Sprint(params.SQEntries)),
			errors.WithWrap(syscall.ENOBUFS),
		)
		return
	}

	ops, opsErr := ring.Ops()
	if opsErr != nil {
		_ = ring.Close()
		err = errors.From(aio.ErrUnsupported, errors.WithMeta("engine", Name), errors.WithWrap(opsErr))
		return
	}
	e.logger.WithField("ops", ops.SupportedNames()).Debug("io_uring supported operations")

	array := ring.SQArray()
	for i := range array {
		array[i] = uint32(i)
	}

	e.d = d
	e.ring = ring
	e.entries = params.SQEntries
	e.mask = ring.SQMask()
	e.commits = make([]atomic.Uint32, e.entries)
	e.links = make([]uint32, e.entries)
	e.timespecs = make([]unix.Timespec, e.entries)

	workers = e.opts.Workers
	return
}

func (e *Engine) Cleanup() {
	if e.ring != nil {
		_ = e.ring.Close()
		e.ring = nil
	}
}

func (e *Engine) Wait(ctx context.Context) error {
	<-ctx.Done()
	return context.Cause(ctx)
}

func (e *Engine) WorkerSetup(_ *aio.Worker) error {
	return nil
}

func (e *Engine) WorkerCleanup(_ *aio.Worker) {}

// WorkerStop does nothing: a worker blocked in the ring wakes up with the
// completion of the stop request.
func (e *Engine) WorkerStop(_ *aio.Worker) {}

func (e *Engine) Worker(w *aio.Worker) error {
	wait := !e.process(w)
	e.dispatch(w, wait)
	return nil
}

func (e *Engine) Flush() {
	if w := e.d.Current(); w != nil {
		e.dispatch(w, false)
		return
	}
	e.dispatchNoProcess()
}

func (e *Engine) Callback(seq uint64, id aio.ID, _ *aio.Op, count uint32) aio.ID {
	slot := e.get(seq + uint64(count) - 1)
	sqe := e.ring.SQE(slot)
	sqe.PrepareNop(uint64(id))
	// a nop never fails
	link(sqe, id, false)
	return e.commit(slot, id, count)
}

func (e *Engine) Cancel(seq uint64, id aio.ID, op *aio.Op, count uint32) aio.ID {
	slot := e.get(seq + uint64(count) - 1)
	sqe := e.ring.SQE(slot)
	if op.Target.Has(FlagTimer) {
		sqe.PrepareTimeoutRemove(uint64(op.Target), uint64(id))
	} else {
		sqe.PrepareCancel(uint64(op.Target), uint64(id))
	}
	link(sqe, id, true)
	return e.commit(slot, id, count)
}

func (e *Engine) Delay(seq uint64, id aio.ID, op *aio.Op, count uint32) aio.ID {
	slot := e.get(seq + uint64(count) - 1)
	id = id.With(FlagTimer)
	ts := &e.timespecs[slot&e.mask]
	*ts = unix.NsecToTimespec(op.Timeout.Nanoseconds())
	sqe := e.ring.SQE(slot)
	sqe.PrepareTimeout(ts, 0, 0, uint64(id))
	// an expired timeout completes with -ETIME, which breaks a soft link
	link(sqe, id, true)
	return e.commit(slot, id, count)
}

// link makes the successor of a chained request wait for it in the kernel.
// hard is needed by requests that can complete with an error.
func link(sqe *iouring.SubmissionQueueEntry, id aio.ID, hard bool) {
	if id.Chained() {
		sqe.Link(hard)
	}
}

// get waits until the submission entry of seq is no longer used by the
// kernel.
func (e *Engine) get(seq uint64) uint32 {
	slot := uint32(seq)
	for slot-e.ring.SQHead() >= e.entries {
		e.Flush()
	}
	return slot
}

func (e *Engine) commit(slot uint32, id aio.ID, count uint32) aio.ID {
	prev := uint32(0)
	if count > 1 {
		prev = e.links[(slot-1)&e.mask]
	}
	if id.Chained() {
		e.links[slot&e.mask] = prev + 1
		return id
	}
	e.links[slot&e.mask] = 0
	e.commits[(slot-prev)&e.mask].Store(prev + 1)
	return id
}

// collect publishes every committed group found at the tail and returns the
// number of new entries.
func (e *Engine) collect() (flushed uint32) {
	e.flushMu.Lock()
	tail := e.ring.SQTail()
	for {
		n := e.commits[(tail+flushed)&e.mask].Swap(0)
		if n == 0 {
			break
		}
		flushed += n
	}
	if flushed > 0 {
		e.ring.PublishSQTail(tail + flushed)
	}
	e.flushMu.Unlock()
	return
}

// enter returns 0 when everything was submitted, the number of entries left
// when the kernel took only part of them, or a negated errno the caller must
// make room for.
func (e *Engine) enter(submit uint32, wait bool) int32 {
	if submit == 0 && !wait {
		return 0
	}
	flags, waitNr := uint32(0), uint32(0)
	if wait {
		flags, waitNr = iouring.EnterGetEvents, 1
	}
	for {
		n, err := e.ring.Enter(submit, waitNr, flags)
		if err == nil {
			return int32(submit) - int32(n)
		}
		errno, _ := err.(syscall.Errno)
		switch errno {
		case syscall.EINTR:
			continue
		case syscall.EAGAIN, syscall.EBUSY, syscall.ENOMEM:
			return -int32(errno)
		default:
			e.logger.WithError(err).Error("io_uring_enter failed")
			e.d.Abort(fmt.Sprintf("io_uring_enter failed: %v", err))
			return -int32(errno)
		}
	}
}

func (e *Engine) dispatch(w *aio.Worker, wait bool) {
	submit := e.collect()
	for {
		res := e.enter(submit, wait)
		if res == 0 {
			return
		}
		if res > 0 {
			submit = uint32(res)
		}
		e.processSome(w, submit)
		wait = false
	}
}

func (e *Engine) dispatchNoProcess() {
	retries := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.opts.PollInterval), e.opts.MaxRetries)
	submit := e.collect()
	for {
		res := e.enter(submit, false)
		if res == 0 {
			return
		}
		if res > 0 {
			if uint32(res) < submit {
				retries.Reset()
			}
			submit = uint32(res)
		}
		if retries.NextBackOff() == backoff.Stop {
			e.d.Abort("io_uring submission queue is not making progress")
			return
		}
		_, _ = e.ring.Poll(unix.POLLOUT, int(e.opts.PollInterval.Milliseconds()))
	}
}

// process consumes one completion, if any.
func (e *Engine) process(w *aio.Worker) bool {
	head := e.ring.CQHead()
	for head != e.ring.CQTail() {
		cqe := *e.ring.CQE(head)
		if e.ring.CompareAndSwapCQHead(head, head+1) {
			e.d.Complete(w, uint64(head), aio.ID(cqe.UserData), cqe.Res)
			return true
		}
		head = e.ring.CQHead()
	}
	return false
}

// processSome makes sure completions are progressing, either by processing up
// to n of them or by seeing other workers doing it.
func (e *Engine) processSome(w *aio.Worker, n uint32) {
	retries := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.opts.PollInterval), e.opts.MaxRetries)
	head := e.ring.CQHead()
	for !e.process(w) {
		revents, _ := e.ring.Poll(unix.POLLIN, int(e.opts.PollInterval.Milliseconds()))
		if revents != 0 && (e.process(w) || head != e.ring.CQHead()) {
			break
		}
		if retries.NextBackOff() == backoff.Stop {
			e.d.Abort("io_uring completion queue is not making progress")
			return
		}
	}
	for ; n > 1; n-- {
		if !e.process(w) {
			break
		}
	}
}
