package threadpool

import "github.com/brickingsoft/errors"

var (
	ErrInvalidThreads  = errors.Define("threadpool: thread count must be greater than 0")
	ErrInvalidSetup    = errors.Define("threadpool: setup and main functions are required")
	ErrInvalidPriority = errors.Define("threadpool: priority is out of bounds")
	ErrInvalidName     = errors.Define("threadpool: invalid thread name")
	ErrNoCPU           = errors.Define("threadpool: no suitable cpu for thread")
	ErrUnsupported     = errors.Define("threadpool: not supported on this platform")
)

const (
	errMetaPkgKey      = "pkg"
	errMetaPkgVal      = "threadpool"
	errMetaOpKey       = "op"
	errMetaOpName      = "name"
	errMetaOpMask      = "signal_mask"
	errMetaOpAffinity  = "affinity"
	errMetaOpSchedule  = "schedule"
	errMetaThreadKey   = "thread"
	errMetaPriorityKey = "priority"
)
