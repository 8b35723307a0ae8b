//go:build !linux

package threadpool

import (
	"syscall"

	"github.com/brickingsoft/errors"
)

func gettid() int {
	return 0
}

func setName(_ string) error {
	return nil
}

func blockSignals(_ []syscall.Signal) error {
	return nil
}

func setAffinity(_ []int, _ uint32) error {
	return errors.From(ErrUnsupported, errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithMeta(errMetaOpKey, errMetaOpAffinity))
}

func setSchedule(_ Schedule) error {
	return errors.From(ErrUnsupported, errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithMeta(errMetaOpKey, errMetaOpSchedule))
}

func PriorityRange(_ int) (int, int, error) {
	return 1, 99, nil
}
