//go:build linux

package main

import (
	"github.com/brickingsoft/gfio/pkg/aio/uring"
	"github.com/brickingsoft/gfio/pkg/iouring"
)

func ringOps() ([]string, error) {
	ring, err := iouring.New(uring.QueueMin, 0)
	if err != nil {
		return nil, err
	}
	defer ring.Close()
	ops, err := ring.Ops()
	if err != nil {
		return nil, err
	}
	return ops.SupportedNames(), nil
}
