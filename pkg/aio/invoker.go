package aio

import (
	"reflect"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const DefaultLatencyThreshold = 100 * time.Microsecond

// Invoker runs the user code attached to requests.
type Invoker interface {
	Callback(cbk Callback, op *Op, res int32)
	Async(fn AsyncFunc, op *Op) int32
}

func Bare() Invoker {
	return bare{}
}

type bare struct{}

func (bare) Callback(cbk Callback, op *Op, res int32) {
	cbk(op, res)
}

func (bare) Async(fn AsyncFunc, op *Op) int32 {
	return fn(op)
}

// Traced measures every invocation and warns about the ones lasting at least
// threshold. Warnings are rate limited; Slow counts all of them.
func Traced(logger logrus.FieldLogger, threshold time.Duration) *TracedInvoker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if threshold <= 0 {
		threshold = DefaultLatencyThreshold
	}
	return &TracedInvoker{
		logger:    logger,
		threshold: threshold,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 8),
	}
}

type TracedInvoker struct {
	logger    logrus.FieldLogger
	threshold time.Duration
	limiter   *rate.Limiter
	slow      atomic.Uint64
}

func (t *TracedInvoker) Callback(cbk Callback, op *Op, res int32) {
	start := time.Now()
	cbk(op, res)
	t.check(cbk, time.Since(start))
}

func (t *TracedInvoker) Async(fn AsyncFunc, op *Op) int32 {
	start := time.Now()
	res := fn(op)
	t.check(fn, time.Since(start))
	return res
}

// Slow returns the number of invocations that exceeded the threshold.
func (t *TracedInvoker) Slow() uint64 {
	return t.slow.Load()
}

func (t *TracedInvoker) check(fn any, elapsed time.Duration) {
	if elapsed < t.threshold {
		return
	}
	t.slow.Add(1)
	if !t.limiter.Allow() {
		return
	}
	name, file, line := "unknown", "unknown", 0
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		name = f.Name()
		file, line = f.FileLine(f.Entry())
	}
	t.logger.WithField("elapsed", elapsed).Warnf(
		"execution of '%s()' in '%s:%d' took too much time (%d us)",
		name, file, line, elapsed.Microseconds(),
	)
}
