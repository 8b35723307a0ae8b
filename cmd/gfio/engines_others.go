//go:build !linux

package main

import "github.com/brickingsoft/gfio/pkg/aio"

func ringOps() ([]string, error) {
	return nil, aio.ErrUnsupported
}
