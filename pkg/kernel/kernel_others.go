//go:build !linux

package kernel

import "github.com/brickingsoft/errors"

func Get() (Version, error) {
	return Version{}, errors.From(ErrUnknownVersion)
}
