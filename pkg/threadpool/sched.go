package threadpool

import (
	"fmt"

	"github.com/brickingsoft/errors"
)

const (
	PolicyDefault = -1
	PolicyFIFO    = 1
	PolicyRR      = 2
)

type Schedule struct {
	Policy   int
	Priority int
}

func (s Schedule) Default() bool {
	return s.Policy == PolicyDefault
}

// SchedParams translates a relative priority into a scheduling policy and a
// priority inside the valid range of that policy. 0 keeps the default policy,
// positive values select FIFO and negative ones round-robin. The magnitude is
// a percentage of the range, so it must not exceed 100.
func SchedParams(priority int32) (s Schedule, err error) {
	s.Policy = PolicyDefault
	if priority == 0 {
		return
	}
	policy := PolicyFIFO
	p := int(priority)
	if p < 0 {
		policy = PolicyRR
		p = -p
	}
	if p > 100 {
		err = errors.From(
			ErrInvalidPriority,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaPriorityKey, fmt.Sprint(priority)),
		)
		return
	}
	low, high, rangeErr := PriorityRange(policy)
	if rangeErr != nil {
		err = rangeErr
		return
	}
	s.Policy = policy
	s.Priority = low + p*(high-low)/100
	return
}
