package gfio

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/gfio/pkg/aio"
	"github.com/brickingsoft/gfio/pkg/barrier"
	"github.com/brickingsoft/gfio/pkg/memlock"
	"github.com/brickingsoft/gfio/pkg/threadpool"
	"github.com/sirupsen/logrus"
)

// Run executes the core until ctx is done or Terminate is called.
//
// It tries the engines in order and adopts the first one that can start
// its workers. The setup handler runs once the workers are ready, and the
// cleanup handler once the core has been terminated, if setup succeeded.
// Run returns the termination cause, or the first error of the startup.
func (c *Core) Run(ctx context.Context, handlers Handlers, data any) (err error) {
	if !c.running.CompareAndSwap(false, true) {
		err = errors.From(ErrRunning, errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithMeta(errMetaOpKey, "run"))
		return
	}
	defer c.running.Store(false)

	if err = c.allocate(); err != nil {
		return
	}
	defer c.release()

	engines := c.opts.Engines
	if len(engines) == 0 {
		engines = defaultEngines(&c.opts)
	}
	var last error
	for _, engine := range engines {
		if c.opts.Engine != "" && engine.Name() != c.opts.Engine {
			continue
		}
		adopted, runErr := c.run(ctx, engine, handlers, data)
		if adopted {
			err = runErr
			return
		}
		last = runErr
		c.logger.WithError(runErr).WithField("engine", engine.Name()).Debug("I/O engine not available")
	}
	c.logger.WithField("engine", c.opts.Engine).Error("no suitable I/O engine found")
	err = noEngine(c.opts.Engine, last)
	return
}

func (c *Core) allocate() (err error) {
	bits := c.opts.SlotBits
	size := 1 << bits
	var backing []atomic.Uint64
	if c.opts.LockedMemory {
		region, allocErr := memlock.Alloc[atomic.Uint64](size)
		if allocErr != nil {
			err = errors.New(
				"allocate slots failed",
				errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
				errors.WithMeta(errMetaOpKey, "allocate"),
				errors.WithWrap(allocErr),
			)
			return
		}
		if !region.Locked() {
			c.logger.Debug("slot memory could not be locked")
		}
		c.region = region
		backing = region.Items()
	}
	slots, slotsErr := aio.NewAtomicSlots(bits, backing)
	if slotsErr != nil {
		c.release()
		err = slotsErr
		return
	}
	c.slots = slots
	// ops hold pointers, so they stay on the heap
	c.ops = make([]aio.Op, size)
	return
}

func (c *Core) release() {
	c.slots = nil
	c.ops = nil
	if c.region != nil {
		if err := c.region.Release(); err != nil {
			c.logger.WithError(err).Warn("release slot memory failed")
		}
		c.region = nil
	}
}

// run drives one engine. adopted is false when the engine could not start,
// in which case the next one can be tried.
func (c *Core) run(ctx context.Context, engine aio.Engine, handlers Handlers, data any) (adopted bool, err error) {
	workers, setupErr := engine.Setup(c)
	if setupErr != nil {
		err = setupErr
		return
	}
	defer engine.Cleanup()
	c.engine = engine
	c.shutdown.Store(false)
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
		c.engine = nil
	}()

	var pool *threadpool.Pool
	if workers > 0 {
		if pool, err = c.startWorkers(engine, workers); err != nil {
			return
		}
	}
	adopted = true
	log := c.logger.WithFields(logrus.Fields{
		"engine":  engine.Name(),
		"workers": workers,
	})
	log.Info("I/O engine ready")

	runCtx, cancel := context.WithCancelCause(ctx)
	c.activate(engine, cancel)

	if err = c.sync("setup", handlers.Setup, data); err == nil {
		err = engine.Wait(runCtx)
		if errors.Is(err, ErrTerminated) {
			err = nil
		}
		c.deactivate()
		if cleanupErr := c.sync("cleanup", handlers.Cleanup, data); cleanupErr != nil {
			log.WithError(cleanupErr).Error("cleanup handler failed")
			if err == nil {
				err = cleanupErr
			}
		}
	} else {
		c.deactivate()
		log.WithError(err).Error("setup handler failed")
	}
	cancel(nil)

	if pool != nil {
		if stopErr := c.stopWorkers(engine, pool); stopErr != nil {
			log.WithError(stopErr).Warn("stop workers failed")
		}
	}
	log.Info("I/O engine stopped")
	return
}

// sync runs fn on a worker and waits for its result.
func (c *Core) sync(name string, fn HandlerFunc, data any) (err error) {
	if fn == nil {
		return
	}
	b, bErr := barrier.New(
		2, c.opts.HandlerTimeout, c.opts.HandlerRetries,
		barrier.WithLogger(c.logger.WithField("handler", name)),
		barrier.WithAbort(func(retries uint32) {
			c.Abort(fmt.Sprintf("%s handler did not complete after %d retries", name, retries))
		}),
	)
	if bErr != nil {
		err = bErr
		return
	}
	var res error
	c.Async(func(op *aio.Op) int32 {
		res = fn(c, op.AsyncData)
		return aio.ErrorResult(res)
	}, data, func(_ *aio.Op, _ int32) {
		_ = b.Done(1, res, false)
	}, nil)
	c.Flush()
	err = b.Done(1, nil, true)
	return
}

func (c *Core) startWorkers(engine aio.Engine, count uint32) (*threadpool.Pool, error) {
	wo := c.opts.Worker
	c.live.Store(int32(count))
	return threadpool.Start(threadpool.Config{
		Name:      wo.Name,
		Prefix:    wo.Prefix,
		FirstID:   1,
		Threads:   count,
		StackSize: wo.StackSize,
		Signals:   wo.Signals,
		CPUs:      wo.CPUs,
		Priority:  wo.Priority,
		Timeout:   c.opts.InitTimeout,
		Retries:   c.opts.InitRetries,
		Setup: func(b *barrier.Barrier, t *threadpool.Thread) error {
			return c.workerSetup(engine, b, t)
		},
		Main: func(t *threadpool.Thread) error {
			return c.workerMain(engine, t)
		},
		Logger: c.logger,
		Abort:  c.Abort,
	})
}

func (c *Core) workerSetup(engine aio.Engine, b *barrier.Barrier, t *threadpool.Thread) error {
	if t == nil {
		return b.Wait(1, nil)
	}
	w := aio.NewWorker(t)
	err := engine.WorkerSetup(w)
	if err == nil {
		c.register(w)
	}
	res := b.Wait(1, err)
	if res != nil {
		if err == nil {
			c.unregister(w)
			engine.WorkerCleanup(w)
		}
		return res
	}
	t.SetData(w)
	return nil
}

func (c *Core) workerMain(engine aio.Engine, t *threadpool.Thread) (err error) {
	w := t.Data().(*aio.Worker)
	for w.Enabled() {
		if err = engine.Worker(w); err != nil {
			return
		}
	}
	// a completion wakes a single waiter: pass the stop on to the next one
	if c.live.Add(-1) > 0 {
		c.Callback(nil, nil)
		c.Flush()
	}
	c.unregister(w)
	engine.WorkerCleanup(w)
	return
}

// stopWorkers disables every worker, wakes them up and joins them.
func (c *Core) stopWorkers(engine aio.Engine, pool *threadpool.Pool) error {
	c.shutdown.Store(true)
	workers := c.registered()
	for _, w := range workers {
		w.Disable()
	}
	for _, w := range workers {
		engine.WorkerStop(w)
	}
	c.Callback(nil, nil)
	c.Flush()
	return pool.Wait(c.opts.InitTimeout)
}
