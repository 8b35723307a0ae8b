// Package barrier implements a reusable multi-phase rendezvous between a fixed
// number of participants.
//
// Every participant reports the end of a phase with Wait, which blocks until
// all of them have reported, or with Done, which only accounts for the report.
// One participant may drain the barrier with Done(..., true). The first error
// reported is kept: Wait returns it as it stood when its phase completed, so
// that every participant of a phase sees the same result.
//
// Blocked participants never wait forever: each expiration of the deadline
// consumes one retry, and running out of retries is fatal.
package barrier

import (
	"sync"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/sirupsen/logrus"
)

func New(count uint32, timeout time.Duration, retries uint32, options ...Option) (b *Barrier, err error) {
	if count == 0 {
		err = errors.From(ErrInvalidCount, errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
		return
	}
	if timeout <= 0 {
		err = errors.From(ErrInvalidTimeout, errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
		return
	}
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	b = &Barrier{
		count:    count,
		pending:  count,
		timeout:  timeout,
		deadline: time.Now().Add(timeout),
		retries:  retries,
		round:    &round{done: make(chan struct{})},
		drained:  make(chan struct{}, 1),
		data:     opts.Data,
		logger:   opts.Logger,
		abort:    opts.Abort,
	}
	return
}

// round is a phase in progress. res is set when done is closed.
type round struct {
	done chan struct{}
	res  error
}

type Barrier struct {
	mu       sync.Mutex
	count    uint32
	pending  uint32
	phase    uint64
	res      error
	timeout  time.Duration
	deadline time.Time
	retries  uint32
	round    *round
	drained  chan struct{}
	retired  bool
	data     any
	logger   logrus.FieldLogger
	abort    func(retries uint32)
}

func (b *Barrier) Data() any {
	return b.data
}

func (b *Barrier) Count() uint32 {
	return b.count
}

// Phase returns the number of phases completed so far.
func (b *Barrier) Phase() uint64 {
	b.mu.Lock()
	phase := b.phase
	b.mu.Unlock()
	return phase
}

// Wait reports that count participants reached the end of the current phase
// with the given result, and blocks until all the others have done the same.
// It returns the first error reported up to the end of the phase.
func (b *Barrier) Wait(count uint32, res error) error {
	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		return ErrRetired
	}
	b.merge(res)

	r := b.round
	b.pending -= count
	if b.pending == 0 {
		b.pending = b.count
		b.phase++
		r.res = b.res
		close(r.done)
		b.round = &round{done: make(chan struct{})}
		b.mu.Unlock()
		return r.res
	}

	retry := uint32(0)
	for b.round == r {
		var ok bool
		if retry, ok = b.sleep(r.done, retry); !ok {
			// aborted: the phase never completed
			err := b.res
			b.mu.Unlock()
			return err
		}
	}
	b.completed(retry)
	b.mu.Unlock()
	return r.res
}

// Done reports that count participants finished without advancing the phase.
// When wait is true, the caller blocks until no participant is pending and the
// barrier is retired, and returns the first error ever reported. Only one
// participant may pass wait = true.
func (b *Barrier) Done(count uint32, res error, wait bool) error {
	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		return ErrRetired
	}
	b.merge(res)

	b.pending -= count
	if !wait {
		if b.pending == 0 {
			select {
			case b.drained <- struct{}{}:
			default:
			}
		}
		b.mu.Unlock()
		return nil
	}

	retry := uint32(0)
	for b.pending != 0 {
		var ok bool
		if retry, ok = b.sleep(b.drained, retry); !ok {
			break
		}
	}
	b.completed(retry)

	err := b.res
	b.retired = true
	b.mu.Unlock()
	return err
}

func (b *Barrier) merge(res error) {
	if res != nil && b.res == nil {
		b.res = res
	}
}

// sleep releases the lock until ch fires or the deadline expires. It must be
// called with the lock held and returns with the lock held. It returns false
// when the retries are exhausted and the abort handler returned.
func (b *Barrier) sleep(ch <-chan struct{}, retry uint32) (uint32, bool) {
	timer := time.NewTimer(time.Until(b.deadline))
	b.mu.Unlock()

	select {
	case <-ch:
		timer.Stop()
		b.mu.Lock()
		return retry, true
	case <-timer.C:
	}

	b.mu.Lock()
	if time.Now().Before(b.deadline) {
		// another waiter already re-armed the deadline
		return retry, true
	}

	retry++
	b.logger.WithField("retries", retry).Warnf("timed out waiting for synchronization (%d retries)", retry)

	if b.retries == 0 {
		b.logger.WithField("retries", retry).Errorf("synchronization took too much time, aborting after %d retries", retry)
		abort := b.abort
		b.mu.Unlock()
		if abort == nil {
			b.logger.Fatalf("synchronization aborted after %d retries", retry)
		} else {
			abort(retry)
		}
		b.mu.Lock()
		b.merge(errors.From(ErrAborted, errors.WithMeta(errMetaPkgKey, errMetaPkgVal)))
		return retry, false
	}
	b.retries--
	b.deadline = b.deadline.Add(b.timeout)

	return retry, true
}

func (b *Barrier) completed(retry uint32) {
	if retry > 0 {
		b.logger.WithField("retries", retry).Infof("synchronization completed after %d retries", retry)
	}
}
