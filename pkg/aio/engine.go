package aio

import (
	"context"
	"sync/atomic"

	"github.com/brickingsoft/gfio/pkg/threadpool"
)

type Mode int

const (
	ModeLegacy Mode = iota
	ModeIOUring
	// ModeThreaded is reserved.
	ModeThreaded
)

func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return "legacy"
	case ModeIOUring:
		return "io_uring"
	case ModeThreaded:
		return "threaded"
	default:
		return "unknown"
	}
}

// Engine executes requests and reports their completions through a
// Dispatcher.
//
// Cancel, Callback and Delay receive the sequence number of the batch, the
// id of the request, its op and its position plus one inside the batch, so
// the engine slot of the request is seq+count-1. They return the id the
// caller will see, possibly with engine flags. A request whose id has
// FlagChain is followed by the next element of its chain in the same batch.
type Engine interface {
	Name() string
	Mode() Mode
	// Setup prepares the engine and returns the number of workers it needs.
	Setup(d Dispatcher) (workers uint32, err error)
	Cleanup()
	// Wait blocks until ctx is done and returns its cause.
	Wait(ctx context.Context) error
	WorkerSetup(w *Worker) error
	WorkerCleanup(w *Worker)
	// WorkerStop wakes w so it notices it has been disabled.
	WorkerStop(w *Worker)
	// Worker processes at least one completion or blocks waiting for one.
	Worker(w *Worker) error
	// Flush makes every prepared request visible to the engine.
	Flush()
	Cancel(seq uint64, id ID, op *Op, count uint32) ID
	Callback(seq uint64, id ID, op *Op, count uint32) ID
	Delay(seq uint64, id ID, op *Op, count uint32) ID
}

// Dispatcher is implemented by the core driving an engine.
type Dispatcher interface {
	Complete(w *Worker, seq uint64, id ID, res int32)
	// Current returns the worker of the calling thread, or nil.
	Current() *Worker
	// Abort terminates the process after an unrecoverable failure.
	Abort(reason string)
}

func NewWorker(thread *threadpool.Thread) *Worker {
	w := &Worker{thread: thread}
	w.enabled.Store(true)
	return w
}

type Worker struct {
	thread  *threadpool.Thread
	enabled atomic.Bool
	// Data is private to the engine.
	Data any
}

func (w *Worker) Thread() *threadpool.Thread {
	return w.thread
}

func (w *Worker) Enabled() bool {
	return w.enabled.Load()
}

func (w *Worker) Enable() {
	w.enabled.Store(true)
}

func (w *Worker) Disable() {
	w.enabled.Store(false)
}

func (w *Worker) Name() string {
	if w.thread == nil {
		return ""
	}
	return w.thread.Name()
}
