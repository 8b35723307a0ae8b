//go:build linux

// Package legacy implements an engine for kernels without io_uring.
//
// Requests are executed by the workers themselves. Ready work is kept in a
// lock-free run queue and every entry is announced with one token of a
// semaphore eventfd, which workers wait for with their own epoll instance.
// Chains are queued as a single unit once their last element is prepared, so
// their elements always run in order on one worker. Delays are timers that
// put the rest of their unit back in the queue when they expire.
package legacy

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/gfio/pkg/aio"
	"github.com/brickingsoft/gfio/pkg/lockfree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const Name = "legacy"

type kind uint8

const (
	kindCallback kind = iota
	kindCancel
	kindDelay
)

type element struct {
	seq     uint64
	id      aio.ID
	// kind turns into kindCallback once a delay has a result
	kind    kind
	target  aio.ID
	timeout time.Duration
	res     int32
	next    *element
}

// worker is the state of one worker thread, kept in aio.Worker.Data.
type worker struct {
	epfd   int
	events [2]unix.EpollEvent
	buf    [8]byte
}

type timer struct {
	t         *time.Timer
	elem      *element
	cancelled bool
}

func New(options ...Option) *Engine {
	opts := Options{
		Workers: DefaultWorkers,
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
		runFd:  -1,
		stopFd: -1,
	}
}

type Engine struct {
	opts   Options
	logger logrus.FieldLogger
	d      aio.Dispatcher

	queue   *lockfree.Queue[element]
	runFd   int
	stopFd  int
	stopped atomic.Bool

	mu     sync.Mutex
	staged map[uint64]*element
	timers map[aio.ID]*timer
}

func (e *Engine) Name() string {
	return Name
}

func (e *Engine) Mode() aio.Mode {
	return aio.ModeLegacy
}

func (e *Engine) Setup(d aio.Dispatcher) (workers uint32, err error) {
	runFd, runErr := unix.Eventfd(0, unix.EFD_SEMAPHORE|unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if runErr != nil {
		err = errors.From(aio.ErrUnsupported, errors.WithMeta("engine", Name), errors.WithWrap(runErr))
		return
	}
	stopFd, stopErr := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if stopErr != nil {
		_ = unix.Close(runFd)
		err = errors.From(aio.ErrUnsupported, errors.WithMeta("engine", Name), errors.WithWrap(stopErr))
		return
	}
	e.d = d
	e.queue = lockfree.New[element]()
	e.runFd = runFd
	e.stopFd = stopFd
	e.stopped.Store(false)
	e.staged = make(map[uint64]*element)
	e.timers = make(map[aio.ID]*timer)
	e.logger.WithField("workers", e.opts.Workers).Debug("legacy engine ready")
	workers = e.opts.Workers
	return
}

func (e *Engine) Cleanup() {
	e.mu.Lock()
	for id, tm := range e.timers {
		if tm.t != nil {
			tm.t.Stop()
		}
		delete(e.timers, id)
	}
	e.mu.Unlock()
	if e.runFd >= 0 {
		_ = unix.Close(e.runFd)
		e.runFd = -1
	}
	if e.stopFd >= 0 {
		_ = unix.Close(e.stopFd)
		e.stopFd = -1
	}
}

func (e *Engine) Wait(ctx context.Context) error {
	<-ctx.Done()
	return context.Cause(ctx)
}

func (e *Engine) WorkerSetup(w *aio.Worker) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return errors.New("epoll create failed", errors.WithMeta("engine", Name), errors.WithWrap(err))
	}
	run := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLEXCLUSIVE, Fd: int32(e.runFd)}
	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, e.runFd, &run); err != nil {
		_ = unix.Close(epfd)
		return errors.New("epoll ctl failed", errors.WithMeta("engine", Name), errors.WithWrap(err))
	}
	stop := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(e.stopFd)}
	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, e.stopFd, &stop); err != nil {
		_ = unix.Close(epfd)
		return errors.New("epoll ctl failed", errors.WithMeta("engine", Name), errors.WithWrap(err))
	}
	w.Data = &worker{epfd: epfd}
	return nil
}

func (e *Engine) WorkerCleanup(w *aio.Worker) {
	if ws, ok := w.Data.(*worker); ok {
		_ = unix.Close(ws.epfd)
		w.Data = nil
	}
}

// WorkerStop makes the stop eventfd readable forever, waking every worker
// now and in the future.
func (e *Engine) WorkerStop(_ *aio.Worker) {
	if e.stopped.CompareAndSwap(false, true) {
		e.signal(e.stopFd)
	}
}

func (e *Engine) Worker(w *aio.Worker) error {
	ws := w.Data.(*worker)
	if e.acquire(ws.buf[:]) {
		e.run(w, e.queue.Pop())
		return nil
	}
	for {
		_, err := unix.EpollWait(ws.epfd, ws.events[:], -1)
		if err == nil {
			return nil
		}
		if err != unix.EINTR {
			return errors.New("epoll wait failed", errors.WithMeta("engine", Name), errors.WithWrap(err))
		}
	}
}

// Flush does nothing: prepared units are queued right away.
func (e *Engine) Flush() {}

func (e *Engine) Callback(seq uint64, id aio.ID, _ *aio.Op, count uint32) aio.ID {
	e.prepare(seq, count, &element{id: id, kind: kindCallback})
	return id
}

func (e *Engine) Cancel(seq uint64, id aio.ID, op *aio.Op, count uint32) aio.ID {
	e.prepare(seq, count, &element{id: id, kind: kindCancel, target: op.Target})
	return id
}

func (e *Engine) Delay(seq uint64, id aio.ID, op *aio.Op, count uint32) aio.ID {
	elem := &element{id: id, kind: kindDelay, timeout: op.Timeout}
	// registered now so that a cancellation finds it before it is armed
	e.mu.Lock()
	e.timers[id] = &timer{elem: elem}
	e.mu.Unlock()
	e.prepare(seq, count, elem)
	return id
}

func (e *Engine) prepare(seq uint64, count uint32, elem *element) {
	slot := seq + uint64(count) - 1
	elem.seq = slot

	var head *element
	e.mu.Lock()
	if count > 1 {
		if prev, ok := e.staged[slot-1]; ok {
			delete(e.staged, slot-1)
			head = prev
			tail := prev
			for tail.next != nil {
				tail = tail.next
			}
			tail.next = elem
		}
	}
	if head == nil {
		head = elem
	}
	if elem.id.Chained() {
		e.staged[slot] = head
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.push(head)
}

func (e *Engine) push(head *element) {
	e.queue.Push(head)
	e.signal(e.runFd)
}

func (e *Engine) signal(fd int) {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(fd, buf[:])
		if err != unix.EINTR {
			if err != nil {
				e.d.Abort("eventfd write failed: " + err.Error())
			}
			return
		}
	}
}

// acquire takes one token of the run queue without blocking. buf receives
// the eventfd counter.
func (e *Engine) acquire(buf []byte) bool {
	for {
		_, err := unix.Read(e.runFd, buf)
		switch err {
		case nil:
			return true
		case unix.EINTR:
			continue
		default:
			return false
		}
	}
}

func (e *Engine) run(w *aio.Worker, elem *element) {
	for elem != nil {
		next := elem.next
		switch elem.kind {
		case kindDelay:
			if e.arm(elem) {
				return
			}
		case kindCancel:
			elem.res = e.cancel(elem.target)
		default:
		}
		e.d.Complete(w, elem.seq, elem.id, elem.res)
		elem = next
	}
}

// arm starts the timer of a delay. It returns false when the delay was
// cancelled before being armed and must complete right away.
func (e *Engine) arm(elem *element) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	tm, ok := e.timers[elem.id]
	if !ok || tm.cancelled {
		delete(e.timers, elem.id)
		elem.res = -int32(syscall.ECANCELED)
		return false
	}
	id := elem.id
	tm.t = time.AfterFunc(elem.timeout, func() {
		e.expire(id)
	})
	return true
}

func (e *Engine) expire(id aio.ID) {
	e.mu.Lock()
	tm, ok := e.timers[id]
	if ok {
		delete(e.timers, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	tm.elem.kind = kindCallback
	tm.elem.res = -int32(syscall.ETIME)
	e.push(tm.elem)
}

func (e *Engine) cancel(target aio.ID) int32 {
	e.mu.Lock()
	tm, ok := e.timers[target]
	if !ok {
		e.mu.Unlock()
		return -int32(syscall.ENOENT)
	}
	if tm.t == nil {
		tm.cancelled = true
		e.mu.Unlock()
		return 0
	}
	if !tm.t.Stop() {
		// expiring right now
		e.mu.Unlock()
		return -int32(syscall.ENOENT)
	}
	delete(e.timers, target)
	e.mu.Unlock()

	tm.elem.kind = kindCallback
	tm.elem.res = -int32(syscall.ECANCELED)
	e.push(tm.elem)
	return 0
}
