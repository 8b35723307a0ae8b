package barrier

import "github.com/brickingsoft/errors"

var (
	ErrInvalidCount   = errors.Define("barrier: participant count must be greater than 0")
	ErrInvalidTimeout = errors.Define("barrier: timeout must be greater than 0")
	ErrAborted        = errors.Define("barrier: synchronization aborted")
	ErrRetired        = errors.Define("barrier: already retired")
)

func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "barrier"
)
