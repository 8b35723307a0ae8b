// Package gfio runs asynchronous requests on a pool of worker threads driven
// by an I/O engine.
//
// A Core owns the request slots and the active engine. Run selects the
// engine, starts the workers, executes the setup handler and blocks until
// the core is terminated, after which the cleanup handler runs and the
// workers are stopped. Requests are submitted one by one with Callback,
// Async, Cancel and Delay, or grouped in a Batch whose requests may be
// chained to run in order.
package gfio

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/gfio/pkg/aio"
	"github.com/brickingsoft/gfio/pkg/memlock"
	"github.com/sirupsen/logrus"
)

// HandlerFunc is a lifecycle handler. It runs on a worker.
type HandlerFunc func(c *Core, data any) error

type Handlers struct {
	Setup   HandlerFunc
	Cleanup HandlerFunc
}

func New(options ...Option) (c *Core, err error) {
	opts := defaultOptions()
	for _, option := range options {
		if err = option(&opts); err != nil {
			return
		}
	}
	logger := opts.Logger.WithField(errMetaPkgKey, errMetaPkgVal)
	if opts.Abort == nil {
		opts.Abort = func(reason string) {
			logger.Fatal(reason)
		}
	}
	c = &Core{
		opts:    opts,
		logger:  logger,
		invoker: aio.Bare(),
		workers: make(map[int]*aio.Worker),
	}
	if opts.Tracing {
		c.invoker = aio.Traced(logger, opts.LatencyThreshold)
	}
	return
}

// Run creates a Core with the given options and runs it.
func Run(ctx context.Context, handlers Handlers, data any, options ...Option) error {
	c, err := New(options...)
	if err != nil {
		return err
	}
	return c.Run(ctx, handlers, data)
}

// Engines returns the engines Run tries by default, in order of preference,
// configured with options.
func Engines(options ...Option) ([]aio.Engine, error) {
	opts := defaultOptions()
	for _, option := range options {
		if err := option(&opts); err != nil {
			return nil, err
		}
	}
	if len(opts.Engines) > 0 {
		return opts.Engines, nil
	}
	return defaultEngines(&opts), nil
}

type Core struct {
	opts    Options
	logger  logrus.FieldLogger
	invoker aio.Invoker
	running atomic.Bool

	region *memlock.Region[atomic.Uint64]
	slots  aio.SlotMap
	ops    []aio.Op
	engine aio.Engine

	workersMu sync.RWMutex
	workers   map[int]*aio.Worker
	live      atomic.Int32
	shutdown  atomic.Bool

	// mu guards cancel and the engine seen by Mode and EngineName
	mu     sync.Mutex
	cancel context.CancelCauseFunc
	active aio.Engine
	// number of Terminate calls in progress
	terminating atomic.Int32
}

func (c *Core) Logger() logrus.FieldLogger {
	return c.logger
}

// Invoker returns the invoker running the callbacks, an *aio.TracedInvoker
// when tracing is enabled.
func (c *Core) Invoker() aio.Invoker {
	return c.invoker
}

// Mode returns the mode of the active engine, or -1 when the core is not
// running.
func (c *Core) Mode() aio.Mode {
	c.mu.Lock()
	engine := c.active
	c.mu.Unlock()
	if engine == nil {
		return aio.Mode(-1)
	}
	return engine.Mode()
}

// EngineName returns the name of the active engine, or "" when the core
// is not running.
func (c *Core) EngineName() string {
	c.mu.Lock()
	engine := c.active
	c.mu.Unlock()
	if engine == nil {
		return ""
	}
	return engine.Name()
}

// ShuttingDown reports whether the workers are being stopped.
func (c *Core) ShuttingDown() bool {
	return c.shutdown.Load()
}

/* dispatcher */

// Complete runs the callback of the request id and releases its slot.
func (c *Core) Complete(w *aio.Worker, seq uint64, id aio.ID, res int32) {
	op := &c.ops[id.Index()]
	op.Worker = w
	if op.Callback != nil {
		c.invoker.Callback(op.Callback, op, res)
	}
	c.slots.Put(seq, id)
}

// Current returns the worker running on the calling thread, or nil.
func (c *Core) Current() *aio.Worker {
	tid := gettid()
	c.workersMu.RLock()
	w := c.workers[tid]
	c.workersMu.RUnlock()
	return w
}

func (c *Core) Abort(reason string) {
	c.logger.WithField("reason", reason).Error("aborting")
	c.opts.Abort(reason)
}

/* slots */

// Reserve reserves n consecutive sequence numbers.
func (c *Core) Reserve(n uint32) uint64 {
	return c.slots.Reserve(n)
}

// Get claims the slot of seq. While the slot is still in use, a worker keeps
// processing completions and any other thread flushes pending requests.
func (c *Core) Get(seq uint64) aio.ID {
	return c.slots.Get(seq, c.wait)
}

func (c *Core) Put(seq uint64, id aio.ID) {
	c.slots.Put(seq, id)
}

func (c *Core) wait() {
	if w := c.Current(); w != nil && w.Enabled() {
		if err := c.engine.Worker(w); err != nil {
			c.logger.WithError(err).WithField("thread", w.Name()).Warn("worker failed while waiting for a slot")
		}
		return
	}
	c.engine.Flush()
	runtime.Gosched()
}

/* submission */

// Requests can be submitted from the start of the setup handler until the end
// of the cleanup handler. Terminate can be called at any time.

// Callback submits a request that only runs cbk with a result of 0.
func (c *Core) Callback(cbk aio.Callback, data any) aio.ID {
	return c.submitOne(kindCallback, aio.Op{Callback: cbk, Data: data})
}

// Async submits fn to run on a worker. Its result is given to cbk, which
// finds data in op.AsyncData and cbkData in op.Data.
func (c *Core) Async(fn aio.AsyncFunc, data any, cbk aio.Callback, cbkData any) aio.ID {
	return c.submitOne(kindCallback, c.asyncOp(fn, data, cbk, cbkData))
}

// Cancel submits the cancellation of target. The target completes with
// -ECANCELED if it was still pending; cbk receives 0 on success or a
// negated errno such as -ENOENT.
func (c *Core) Cancel(cbk aio.Callback, target aio.ID, data any) aio.ID {
	return c.submitOne(kindCancel, aio.Op{Callback: cbk, Data: data, Target: target})
}

// Delay submits a request that completes with -ETIME after d.
func (c *Core) Delay(cbk aio.Callback, d time.Duration, data any) aio.ID {
	return c.submitOne(kindDelay, aio.Op{Callback: cbk, Data: data, Timeout: d})
}

// Flush makes the submitted requests visible to the engine.
func (c *Core) Flush() {
	c.engine.Flush()
}

// Terminate ends the run of the core. Run returns err, or nil when err is
// nil. It does nothing once the cleanup handler has started.
func (c *Core) Terminate(err error) {
	// counted before cancel is read, so that deactivate sees this call
	c.terminating.Add(1)
	defer c.terminating.Add(-1)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	if err == nil {
		err = ErrTerminated
	}
	c.Callback(c.terminate, &termination{cancel: cancel, cause: err})
	c.Flush()
}

type termination struct {
	cancel context.CancelCauseFunc
	cause  error
}

func (c *Core) terminate(op *aio.Op, _ int32) {
	t := op.Data.(*termination)
	c.logger.WithError(t.cause).Debug("terminating")
	t.cancel(t.cause)
}

// activate makes Terminate effective for the run of engine.
func (c *Core) activate(engine aio.Engine, cancel context.CancelCauseFunc) {
	c.mu.Lock()
	c.active = engine
	c.cancel = cancel
	c.mu.Unlock()
}

// deactivate turns Terminate into a no-op and waits for the calls already
// submitting. The workers must still be running.
func (c *Core) deactivate() {
	c.mu.Lock()
	c.cancel = nil
	c.mu.Unlock()
	for c.terminating.Load() > 0 {
		runtime.Gosched()
	}
}

func (c *Core) asyncOp(fn aio.AsyncFunc, data any, cbk aio.Callback, cbkData any) aio.Op {
	return aio.Op{
		Callback:      c.asyncHandler,
		Data:          cbkData,
		AsyncFunc:     fn,
		AsyncCallback: cbk,
		AsyncData:     data,
	}
}

func (c *Core) asyncHandler(op *aio.Op, _ int32) {
	res := c.invoker.Async(op.AsyncFunc, op)
	if op.AsyncCallback != nil {
		op.AsyncCallback(op, res)
	}
}

func (c *Core) submitOne(kind requestKind, op aio.Op) aio.ID {
	seq := c.Reserve(1)
	id := c.Get(seq)
	slot := &c.ops[id.Index()]
	*slot = op
	return c.dispatch(kind, seq, id, slot, 1)
}

func (c *Core) dispatch(kind requestKind, seq uint64, id aio.ID, op *aio.Op, count uint32) aio.ID {
	switch kind {
	case kindCancel:
		return c.engine.Cancel(seq, id, op, count)
	case kindDelay:
		return c.engine.Delay(seq, id, op, count)
	default:
		return c.engine.Callback(seq, id, op, count)
	}
}

/* workers */

func (c *Core) register(w *aio.Worker) {
	c.workersMu.Lock()
	c.workers[w.Thread().Tid()] = w
	c.workersMu.Unlock()
}

func (c *Core) unregister(w *aio.Worker) {
	c.workersMu.Lock()
	delete(c.workers, w.Thread().Tid())
	c.workersMu.Unlock()
}

func (c *Core) registered() []*aio.Worker {
	c.workersMu.RLock()
	workers := make([]*aio.Worker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.workersMu.RUnlock()
	return workers
}
