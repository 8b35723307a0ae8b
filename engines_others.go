//go:build !linux

package gfio

import "github.com/brickingsoft/gfio/pkg/aio"

func defaultEngines(_ *Options) []aio.Engine {
	return nil
}

func gettid() int {
	return -1
}
