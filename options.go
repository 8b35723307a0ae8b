package gfio

import (
	"fmt"
	"syscall"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/gfio/pkg/aio"
	"github.com/brickingsoft/gfio/pkg/threadpool"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSlotBits       = 12
	DefaultWorkerName     = "worker"
	DefaultInitTimeout    = 3 * time.Second
	DefaultInitRetries    = 20
	DefaultHandlerTimeout = 3 * time.Second
	DefaultHandlerRetries = 20
)

// DefaultSignals are the signals left unblocked on worker threads.
var DefaultSignals = []syscall.Signal{
	syscall.SIGSEGV,
	syscall.SIGBUS,
	syscall.SIGILL,
	syscall.SIGSYS,
	syscall.SIGFPE,
	syscall.SIGABRT,
	syscall.SIGCONT,
}

type WorkerOptions struct {
	Name      string
	Prefix    string
	Count     uint32
	StackSize uint32
	Signals   []syscall.Signal
	CPUs      []int
	Priority  int32
}

type Options struct {
	// Engine restricts the selection to the engine with that name.
	Engine string
	// Engines replaces the engines tried by Run, in order.
	Engines          []aio.Engine
	SlotBits         uint32
	LockedMemory     bool
	Tracing          bool
	LatencyThreshold time.Duration
	InitTimeout      time.Duration
	InitRetries      uint32
	HandlerTimeout   time.Duration
	HandlerRetries   uint32
	RingEntries      uint32
	Worker           WorkerOptions
	Logger           logrus.FieldLogger
	// Abort is called on unrecoverable failures. Defaults to a fatal log.
	Abort func(reason string)
}

type Option func(options *Options) (err error)

func optionError(name string, value any) error {
	return errors.New(
		"invalid option",
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta("option", name),
		errors.WithMeta("value", fmt.Sprint(value)),
	)
}

// WithEngine
// selects an engine by name, "io_uring" or "legacy". Empty means the first
// available one.
func WithEngine(name string) Option {
	return func(options *Options) (err error) {
		options.Engine = name
		return
	}
}

// WithEngines
// replaces the list of engines tried by Run.
func WithEngines(engines ...aio.Engine) Option {
	return func(options *Options) (err error) {
		options.Engines = engines
		return
	}
}

// WithSlotBits
// sets the number of in-flight requests to 1<<bits.
func WithSlotBits(bits uint32) Option {
	return func(options *Options) (err error) {
		if bits == 0 || bits > aio.IndexBits {
			err = optionError("slot bits", bits)
			return
		}
		options.SlotBits = bits
		return
	}
}

// WithLockedMemory
// keeps the slot map in page-locked memory excluded from forks.
func WithLockedMemory(locked bool) Option {
	return func(options *Options) (err error) {
		options.LockedMemory = locked
		return
	}
}

func WithTracing(tracing bool) Option {
	return func(options *Options) (err error) {
		options.Tracing = tracing
		return
	}
}

// WithLatencyThreshold
// sets the execution time above which traced callbacks are reported.
// It enables tracing.
func WithLatencyThreshold(threshold time.Duration) Option {
	return func(options *Options) (err error) {
		if threshold <= 0 {
			err = optionError("latency threshold", threshold)
			return
		}
		options.Tracing = true
		options.LatencyThreshold = threshold
		return
	}
}

// WithInitTimeout
// sets the timeout and retries of each startup phase of the workers. The
// same timeout bounds their termination.
func WithInitTimeout(timeout time.Duration, retries uint32) Option {
	return func(options *Options) (err error) {
		if timeout <= 0 {
			err = optionError("init timeout", timeout)
			return
		}
		options.InitTimeout = timeout
		options.InitRetries = retries
		return
	}
}

// WithHandlerTimeout
// sets the timeout and retries of the wait for the setup and cleanup
// handlers.
func WithHandlerTimeout(timeout time.Duration, retries uint32) Option {
	return func(options *Options) (err error) {
		if timeout <= 0 {
			err = optionError("handler timeout", timeout)
			return
		}
		options.HandlerTimeout = timeout
		options.HandlerRetries = retries
		return
	}
}

// WithWorkers
// sets the number of worker threads of the engines.
func WithWorkers(count uint32) Option {
	return func(options *Options) (err error) {
		if count == 0 {
			err = optionError("workers", count)
			return
		}
		options.Worker.Count = count
		return
	}
}

func WithWorkerName(prefix string, name string) Option {
	return func(options *Options) (err error) {
		if name == "" {
			err = optionError("worker name", name)
			return
		}
		options.Worker.Prefix = prefix
		options.Worker.Name = name
		return
	}
}

func WithWorkerStackSize(size uint32) Option {
	return func(options *Options) (err error) {
		options.Worker.StackSize = size
		return
	}
}

// WithWorkerSignals
// sets the signals that stay unblocked on worker threads.
func WithWorkerSignals(signals ...syscall.Signal) Option {
	return func(options *Options) (err error) {
		options.Worker.Signals = signals
		return
	}
}

// WithWorkerCPUs
// pins the i-th worker to the i-th cpu of the list.
func WithWorkerCPUs(cpus ...int) Option {
	return func(options *Options) (err error) {
		for _, cpu := range cpus {
			if cpu < 0 {
				err = optionError("worker cpu", cpu)
				return
			}
		}
		options.Worker.CPUs = cpus
		return
	}
}

// WithWorkerPriority
// sets the scheduling of the workers: 0 keeps the default, 1..100 selects
// FIFO and -1..-100 round-robin, as a percentage of the priority range.
func WithWorkerPriority(priority int32) Option {
	return func(options *Options) (err error) {
		if priority > 100 || priority < -100 {
			err = errors.From(threadpool.ErrInvalidPriority, errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
			return
		}
		options.Worker.Priority = priority
		return
	}
}

// WithRingEntries
// sets the size of the io_uring submission queue.
func WithRingEntries(entries uint32) Option {
	return func(options *Options) (err error) {
		options.RingEntries = entries
		return
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(options *Options) (err error) {
		if logger == nil {
			err = optionError("logger", logger)
			return
		}
		options.Logger = logger
		return
	}
}

func WithAbort(fn func(reason string)) Option {
	return func(options *Options) (err error) {
		options.Abort = fn
		return
	}
}

func defaultOptions() Options {
	return Options{
		SlotBits:       DefaultSlotBits,
		LockedMemory:   true,
		InitTimeout:    DefaultInitTimeout,
		InitRetries:    DefaultInitRetries,
		HandlerTimeout: DefaultHandlerTimeout,
		HandlerRetries: DefaultHandlerRetries,
		Worker: WorkerOptions{
			Name:      DefaultWorkerName,
			Prefix:    threadpool.DefaultPrefix,
			StackSize: threadpool.DefaultStackSize,
			Signals:   DefaultSignals,
		},
		Logger: logrus.StandardLogger(),
	}
}
