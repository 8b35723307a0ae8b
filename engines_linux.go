//go:build linux

package gfio

import (
	"github.com/brickingsoft/gfio/pkg/aio"
	"github.com/brickingsoft/gfio/pkg/aio/legacy"
	"github.com/brickingsoft/gfio/pkg/aio/uring"
	"golang.org/x/sys/unix"
)

// defaultEngines returns the engines in order of preference.
func defaultEngines(options *Options) []aio.Engine {
	uringOptions := []uring.Option{uring.WithLogger(options.Logger)}
	legacyOptions := []legacy.Option{legacy.WithLogger(options.Logger)}
	if n := options.Worker.Count; n > 0 {
		uringOptions = append(uringOptions, uring.WithWorkers(n))
		legacyOptions = append(legacyOptions, legacy.WithWorkers(n))
	}
	if n := options.RingEntries; n > 0 {
		uringOptions = append(uringOptions, uring.WithEntries(n))
	}
	return []aio.Engine{
		uring.New(uringOptions...),
		legacy.New(legacyOptions...),
	}
}

func gettid() int {
	return unix.Gettid()
}
