package threadpool

import (
	"syscall"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/gfio/pkg/barrier"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPrefix    = "gfio_"
	DefaultStackSize = 512 * 1024
	DefaultTimeout   = 3 * time.Second
	DefaultRetries   = 20
)

// SetupFunc runs in the third startup phase. It is called once per thread and
// once by the initiator with a nil thread, and every call must reach b.Wait
// exactly once so that all threads leave the phase together.
type SetupFunc func(b *barrier.Barrier, t *Thread) error

// MainFunc is the body of a thread. Returning an error is fatal.
type MainFunc func(t *Thread) error

type Config struct {
	// Name is the code of the threads; each one is named Prefix+Name+"/"+id.
	Name    string
	Prefix  string
	FirstID uint32
	Threads uint32
	// StackSize is kept for reference only: goroutine stacks grow on demand.
	StackSize uint32
	// Signals that stay unblocked. Every other signal is blocked.
	Signals []syscall.Signal
	// CPUs optionally pins the thread with index i to the i-th cpu of the list.
	CPUs []int
	// Priority is 0 for the default policy, 1..100 for FIFO and -1..-100 for
	// round-robin scheduling, proportional to the range of the policy.
	Priority int32
	Timeout  time.Duration
	Retries  uint32
	Setup    SetupFunc
	Main     MainFunc
	Logger   logrus.FieldLogger
	// Abort is called when a thread cannot continue. Defaults to a fatal log.
	Abort func(reason string)
}

func (cfg *Config) validate() (err error) {
	if cfg.Threads == 0 {
		err = errors.From(ErrInvalidThreads, errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
		return
	}
	if cfg.Setup == nil || cfg.Main == nil {
		err = errors.From(ErrInvalidSetup, errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
		return
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = DefaultStackSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Abort == nil {
		logger := cfg.Logger
		cfg.Abort = func(reason string) {
			logger.Fatal(reason)
		}
	}
	return
}

func (cfg *Config) barrierOptions(pool *Pool) []barrier.Option {
	return []barrier.Option{
		barrier.WithData(pool),
		barrier.WithLogger(cfg.Logger.WithField("pool", cfg.Name)),
	}
}
