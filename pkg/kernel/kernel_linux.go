//go:build linux

package kernel

import (
	"bytes"
	"sync"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"
)

var (
	version     Version
	versionErr  error
	versionOnce sync.Once
)

func Get() (Version, error) {
	versionOnce.Do(func() {
		uts := unix.Utsname{}
		if err := unix.Uname(&uts); err != nil {
			versionErr = errors.From(ErrUnknownVersion, errors.WithWrap(err))
			return
		}
		release := uts.Release[:]
		if n := bytes.IndexByte(release, 0); n >= 0 {
			release = release[:n]
		}
		version, versionErr = Parse(string(release))
	})
	return version, versionErr
}
