package aio

import "time"

// Callback receives the result of a request: >= 0 on success, a negated
// errno on failure.
type Callback func(op *Op, res int32)

// AsyncFunc is the body of an asynchronous request. It runs on a worker and
// its result is passed to the async callback.
type AsyncFunc func(op *Op) int32

// Op is the control block stored in the slot of a request.
type Op struct {
	Callback Callback
	Data     any
	// Worker is set right before the callback runs.
	Worker *Worker

	AsyncFunc     AsyncFunc
	AsyncCallback Callback
	AsyncData     any

	// Target is the request a cancellation applies to.
	Target ID
	// Timeout is the expiration of a delayed request.
	Timeout time.Duration
}

func (op *Op) Reset() {
	*op = Op{}
}
