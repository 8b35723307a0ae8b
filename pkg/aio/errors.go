package aio

import (
	"strconv"
	"sync"
	"syscall"

	"github.com/brickingsoft/errors"
)

var (
	ErrNoEngine     = errors.Define("aio: no suitable I/O engine found")
	ErrUnsupported  = errors.Define("aio: engine not supported")
	ErrInvalidSlots = errors.Define("aio: invalid slot map size")
	ErrStopped      = errors.Define("aio: worker stopped")
)

func IsNoEngine(err error) bool {
	return errors.Is(err, ErrNoEngine)
}

func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "aio"
	errMetaResKey = "res"
	// errMetaErrnoKey keeps the errno number, which wrapping turns into text
	errMetaErrnoKey = "errno"
)

// ResultError converts a completion result into an error. Non negative
// results are successful and give nil.
func ResultError(res int32) error {
	if res >= 0 {
		return nil
	}
	errno := syscall.Errno(-res)
	return errors.New(
		errno.Error(),
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaResKey, errno.Error()),
		errors.WithMeta(errMetaErrnoKey, int(errno)),
		errors.WithWrap(errno),
	)
}

// ErrorResult converts an error back into a completion result. The errno is
// found in a syscall.Errno of the chain or in the errors made by ResultError,
// even once wrapped. Other errors are reported as EIO.
func ErrorResult(err error) int32 {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return -int32(errno)
	}
	var ee *errors.EnhancedError
	if !errors.As(err, &ee) {
		return -int32(syscall.EIO)
	}
	for e := ee; e != nil; e = e.Wrapped {
		for _, meta := range e.Meta {
			if meta.Key != errMetaErrnoKey {
				continue
			}
			if n, parseErr := strconv.Atoi(meta.Value); parseErr == nil && n > 0 {
				return -int32(n)
			}
		}
	}
	// errors.From does not copy the meta of the error it derives from
	messages := errnoMessages()
	for e := ee; e != nil; e = e.Wrapped {
		if errno, ok := messages[e.Message]; ok {
			return -int32(errno)
		}
	}
	return -int32(syscall.EIO)
}

const maxErrno = 4095

var errnoMessages = sync.OnceValue(func() map[string]syscall.Errno {
	messages := make(map[string]syscall.Errno)
	for errno := syscall.Errno(maxErrno); errno > 0; errno-- {
		messages[errno.Error()] = errno
	}
	return messages
})
