package gfio

import (
	"syscall"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/gfio/pkg/aio"
)

var (
	ErrRunning    = errors.Define("gfio: core is already running")
	ErrChain      = errors.Define("gfio: invalid request chain")
	ErrSubmitted  = errors.Define("gfio: request already submitted")
	ErrTerminated = errors.Define("gfio: terminated")
)

func IsRunning(err error) bool {
	return errors.Is(err, ErrRunning)
}

func IsTerminated(err error) bool {
	return errors.Is(err, ErrTerminated)
}

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "gfio"
	errMetaOpKey  = "op"
)

// noEngine reports that no engine could run. The cause is the error of the
// last engine tried, or ENXIO when none matched.
func noEngine(name string, cause error) error {
	if cause == nil {
		cause = syscall.ENXIO
	}
	return errors.From(
		aio.ErrNoEngine,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, "run"),
		errors.WithMeta("engine", name),
		errors.WithWrap(cause),
	)
}
