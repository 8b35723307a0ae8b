package barrier

import (
	"github.com/sirupsen/logrus"
)

type Options struct {
	Data   any
	Logger logrus.FieldLogger
	Abort  func(retries uint32)
}

type Option func(*Options)

// WithData attaches an opaque value readable by every participant.
func WithData(data any) Option {
	return func(opts *Options) {
		opts.Data = data
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(opts *Options) {
		if logger != nil {
			opts.Logger = logger
		}
	}
}

// WithAbort replaces the fatal handler run when a waiter exhausts its retries.
// If the handler returns, the waiter gives up and reports ErrAborted.
func WithAbort(fn func(retries uint32)) Option {
	return func(opts *Options) {
		opts.Abort = fn
	}
}
