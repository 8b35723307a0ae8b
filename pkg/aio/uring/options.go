//go:build linux

package uring

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultEntries    = 4096
	DefaultWorkers    = 2
	DefaultMaxRetries = 10000
	// QueueMin is the smallest submission queue accepted. The report of the
	// supported opcodes has to fit in it.
	QueueMin = 64
)

type Options struct {
	Entries    uint32
	Workers    uint32
	MaxRetries uint64
	// PollInterval bounds each wait for ring readiness while retrying.
	PollInterval time.Duration
	Logger       logrus.FieldLogger
}

type Option func(*Options)

func WithEntries(entries uint32) Option {
	return func(o *Options) {
		o.Entries = entries
	}
}

func WithWorkers(workers uint32) Option {
	return func(o *Options) {
		o.Workers = workers
	}
}

func WithMaxRetries(retries uint64) Option {
	return func(o *Options) {
		o.MaxRetries = retries
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
