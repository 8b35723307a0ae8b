// Package threadpool starts a fixed set of OS-thread bound workers in three
// synchronized phases.
//
// In the first phase every thread registers itself in the pool. In the second
// one each thread gets its index, and applies its name, signal mask, cpu
// affinity and scheduling policy. In the third phase the user supplied setup
// runs on every thread and on the initiator. Threads only enter their main
// function once all of them completed every phase successfully.
package threadpool

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/gfio/pkg/barrier"
	"github.com/sirupsen/logrus"
)

type Pool struct {
	cfg      Config
	schedule Schedule
	next     atomic.Uint32
	mu       sync.Mutex
	threads  []*Thread
}

type Thread struct {
	pool  *Pool
	index uint32
	tid   int
	name  string
	data  any
	done  chan struct{}
}

func (t *Thread) Pool() *Pool {
	return t.pool
}

// Index is the position of the thread inside the pool, starting at 0.
func (t *Thread) Index() uint32 {
	return t.index
}

// ID is the public identifier of the thread, which is Index plus FirstID.
func (t *Thread) ID() uint32 {
	return t.index + t.pool.cfg.FirstID
}

func (t *Thread) Name() string {
	return t.name
}

// Tid is the kernel id of the OS thread the goroutine is locked to.
func (t *Thread) Tid() int {
	return t.tid
}

func (t *Thread) Data() any {
	return t.data
}

func (t *Thread) SetData(data any) {
	t.data = data
}

// Start creates cfg.Threads threads and drives them through the startup
// phases. It returns once every thread is running its main function, or with
// the first error reported by any participant, in which case every thread
// left the startup phases at the same point and was joined.
func Start(cfg Config) (pool *Pool, err error) {
	if err = cfg.validate(); err != nil {
		return
	}
	schedule, scheduleErr := SchedParams(cfg.Priority)
	if scheduleErr != nil {
		err = scheduleErr
		return
	}

	p := &Pool{
		cfg:      cfg,
		schedule: schedule,
		threads:  make([]*Thread, 0, cfg.Threads),
	}

	options := cfg.barrierOptions(p)
	options = append(options, barrier.WithAbort(func(retries uint32) {
		cfg.Abort(fmt.Sprintf("threadpool %s: synchronization aborted after %d retries", cfg.Name, retries))
	}))
	b, bErr := barrier.New(cfg.Threads+1, cfg.Timeout, cfg.Retries, options...)
	if bErr != nil {
		err = bErr
		return
	}

	// goroutines are always created, so the initiator accounts only for itself
	spawned := make([]*Thread, 0, cfg.Threads)
	for i := uint32(0); i < cfg.Threads; i++ {
		t := &Thread{
			pool: p,
			done: make(chan struct{}),
		}
		spawned = append(spawned, t)
		go p.run(b, t)
	}
	pending := uint32(1)

	// registration
	err = b.Wait(pending, nil)
	if err == nil {
		// identity
		err = b.Wait(1, nil)
		if err == nil {
			err = cfg.Setup(b, nil)
		}
	}
	if doneErr := b.Done(pending, nil, true); err == nil {
		err = doneErr
	}

	if err != nil {
		cfg.Logger.WithError(err).WithField("pool", cfg.Name).Error("thread pool startup failed")
		join(cfg.Logger, spawned, time.Now().Add(cfg.Timeout))
		return
	}

	cfg.Logger.WithFields(logrus.Fields{
		"pool":    cfg.Name,
		"threads": cfg.Threads,
	}).Debug("thread pool started")
	pool = p
	return
}

func (p *Pool) run(b *barrier.Barrier, t *Thread) {
	// the OS thread dies with the goroutine since it is never unlocked
	runtime.LockOSThread()
	defer close(t.done)

	cfg := &p.cfg
	var main MainFunc
	var res error

	p.mu.Lock()
	p.threads = append(p.threads, t)
	p.mu.Unlock()

	if res = b.Wait(1, nil); res != nil {
		goto done
	}

	t.index = p.next.Add(1) - 1
	t.tid = gettid()
	t.name = fmt.Sprintf("%s%s/%d", cfg.Prefix, cfg.Name, t.ID())
	res = t.identify(cfg)
	if res = b.Wait(1, res); res != nil {
		goto done
	}

	if res = cfg.Setup(b, t); res == nil {
		main = cfg.Main
	}

done:
	_ = b.Done(1, res, false)

	if main != nil {
		if err := main(t); err != nil {
			cfg.Logger.WithError(err).WithField("thread", t.name).Error("thread main failed")
			cfg.Abort(fmt.Sprintf("thread %s failed: %v", t.name, err))
		}
	}
}

func (t *Thread) identify(cfg *Config) (err error) {
	if err = setName(t.name); err != nil {
		return
	}
	if err = blockSignals(cfg.Signals); err != nil {
		return
	}
	if len(cfg.CPUs) > 0 {
		if err = setAffinity(cfg.CPUs, t.index); err != nil {
			return
		}
	}
	if !t.pool.schedule.Default() {
		if err = setSchedule(t.pool.schedule); err != nil {
			return
		}
	}
	return
}

func (p *Pool) Name() string {
	return p.cfg.Name
}

// Threads returns the threads registered in the pool.
func (p *Pool) Threads() []*Thread {
	p.mu.Lock()
	threads := make([]*Thread, len(p.threads))
	copy(threads, p.threads)
	p.mu.Unlock()
	return threads
}

// Wait joins every thread of the pool. The timeout is shared by all of them.
// It returns an error if any thread did not terminate in time.
func (p *Pool) Wait(timeout time.Duration) error {
	p.mu.Lock()
	threads := p.threads
	p.threads = nil
	p.mu.Unlock()

	if lost := join(p.cfg.Logger, threads, time.Now().Add(timeout)); lost > 0 {
		return errors.New(
			"threads did not terminate in time",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta("pool", p.cfg.Name),
			errors.WithMeta("threads", fmt.Sprint(lost)),
		)
	}
	return nil
}

func join(logger logrus.FieldLogger, threads []*Thread, deadline time.Time) (lost int) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	expired := false
	for _, t := range threads {
		if expired {
			select {
			case <-t.done:
			default:
				lost++
			}
			continue
		}
		select {
		case <-t.done:
		case <-timer.C:
			expired = true
			lost++
		}
	}
	if lost > 0 {
		logger.WithField("threads", lost).Warn("some threads did not terminate in time")
	}
	return
}
