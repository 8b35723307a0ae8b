//go:build linux

package legacy

import "github.com/sirupsen/logrus"

const DefaultWorkers = 2

type Options struct {
	Workers uint32
	Logger  logrus.FieldLogger
}

type Option func(*Options)

func WithWorkers(workers uint32) Option {
	return func(o *Options) {
		o.Workers = workers
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
