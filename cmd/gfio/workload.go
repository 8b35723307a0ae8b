package main

import (
	"context"
	"sync/atomic"
	"syscall"

	"github.com/brickingsoft/gfio"
	"github.com/brickingsoft/gfio/pkg/aio"
	"github.com/brickingsoft/gfio/pkg/bounded"
	"github.com/brickingsoft/rxp"
	"github.com/sirupsen/logrus"
)

// workload submits a mix of callbacks, async functions, delays and
// cancellations, and accounts their results.
type workload struct {
	cfg    LoadConfig
	logger logrus.FieldLogger

	exec      rxp.Executors
	results   *bounded.Queue[int32]
	accounted atomic.Int64
	done      chan map[int32]int
}

func newWorkload(cfg LoadConfig, logger logrus.FieldLogger) *workload {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Backlog < 1 {
		cfg.Backlog = 1
	}
	return &workload{
		cfg:    cfg,
		logger: logger.WithField("component", "workload"),
	}
}

func (w *workload) setup(c *gfio.Core, _ any) (err error) {
	if w.cfg.Requests <= 0 {
		return
	}
	if w.results, err = bounded.New[int32](w.cfg.Backlog); err != nil {
		return
	}
	w.done = make(chan map[int32]int, 1)
	go w.collect()

	if w.exec, err = rxp.New(rxp.WithMaxGoroutines(w.cfg.Concurrency + 1)); err != nil {
		return
	}
	ctx := context.Background()
	for p := 0; p < w.cfg.Concurrency; p++ {
		if err = w.exec.Execute(ctx, &producer{w: w, c: c, first: p}); err != nil {
			return
		}
	}
	w.logger.WithFields(logrus.Fields{
		"requests":    w.cfg.Requests,
		"concurrency": w.cfg.Concurrency,
		"engine":      c.EngineName(),
	}).Info("load started")
	return
}

// producer submits every Concurrency-th request of the load, starting at
// first.
type producer struct {
	w     *workload
	c     *gfio.Core
	first int
}

func (p *producer) Handle(_ context.Context) {
	p.w.submit(p.c, p.first)
}

func (w *workload) submit(c *gfio.Core, first int) {
	n := 0
	for i := first; i < w.cfg.Requests; i += w.cfg.Concurrency {
		switch i % 4 {
		case 0:
			c.Callback(w.complete, nil)
		case 1:
			c.Async(func(op *aio.Op) int32 {
				return int32(op.AsyncData.(int))
			}, i, w.complete, nil)
		case 2:
			c.Delay(w.complete, w.cfg.Delay.Duration, nil)
		default:
			id := c.Delay(w.complete, w.cfg.Delay.Duration, nil)
			c.Cancel(w.complete, id, nil)
		}
		if n++; n%64 == 0 {
			c.Flush()
		}
	}
	c.Flush()
}

func (w *workload) complete(_ *aio.Op, res int32) {
	if res > 0 {
		res = 0
	}
	// fails once the collector is gone
	_ = w.results.Push(res)
}

func (w *workload) collect() {
	counts := make(map[int32]int)
	for {
		res, err := w.results.Pop()
		if bounded.IsKilled(err) {
			break
		}
		counts[res]++
		w.accounted.Add(1)
	}
	w.done <- counts
}

func (w *workload) cleanup(_ *gfio.Core, _ any) error {
	if w.exec == nil {
		return nil
	}
	// waits for the producers
	if err := w.exec.Close(); err != nil {
		w.logger.WithError(err).Warn("close executors failed")
	}
	w.results.Kill()
	counts := <-w.done
	fields := logrus.Fields{"total": w.accounted.Load()}
	for res, n := range counts {
		name := "ok"
		if res < 0 {
			name = syscall.Errno(-res).Error()
		}
		fields[name] = n
	}
	w.logger.WithFields(fields).Info("load completed")
	return nil
}
