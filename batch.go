package gfio

import (
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/gfio/pkg/aio"
)

type requestKind uint8

const (
	kindCallback requestKind = iota
	kindCancel
	kindDelay
)

// Request is a request prepared to be submitted as part of a Batch.
type Request struct {
	op    aio.Op
	kind  requestKind
	batch *Batch
	id    *aio.ID
	next  *Request
	// linked is set on every request of a chain but its head
	linked bool
}

// Chain makes next run after r completes. Both requests must have been added
// to the same batch, r cannot have a successor yet and next cannot already
// follow another request.
func (r *Request) Chain(next *Request) error {
	if r.batch == nil || r.batch != next.batch || r.next != nil || next.linked {
		return errors.From(ErrChain, errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithMeta(errMetaOpKey, "chain"))
	}
	for req := next; req != nil; req = req.next {
		if req == r {
			return errors.From(ErrChain, errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithMeta(errMetaOpKey, "chain"))
		}
	}
	r.next = next
	next.linked = true
	return nil
}

// Batch is a group of requests submitted together.
type Batch struct {
	requests []*Request
}

// Add appends req to the batch. Once submitted, the id of the request is
// stored in id when it is not nil.
func (b *Batch) Add(req *Request, id *aio.ID) error {
	if req.batch != nil {
		return errors.From(ErrSubmitted, errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithMeta(errMetaOpKey, "add"))
	}
	req.batch = b
	req.id = id
	b.requests = append(b.requests, req)
	return nil
}

func (b *Batch) Len() int {
	return len(b.requests)
}

// Reset empties the batch so it can be reused.
func (b *Batch) Reset() {
	clear(b.requests)
	b.requests = b.requests[:0]
}

func (c *Core) PrepareCallback(req *Request, cbk aio.Callback, data any) {
	req.kind = kindCallback
	req.op = aio.Op{Callback: cbk, Data: data}
}

func (c *Core) PrepareAsync(req *Request, fn aio.AsyncFunc, data any, cbk aio.Callback, cbkData any) {
	req.kind = kindCallback
	req.op = c.asyncOp(fn, data, cbk, cbkData)
}

func (c *Core) PrepareCancel(req *Request, cbk aio.Callback, target aio.ID, data any) {
	req.kind = kindCancel
	req.op = aio.Op{Callback: cbk, Data: data, Target: target}
}

func (c *Core) PrepareDelay(req *Request, cbk aio.Callback, d time.Duration, data any) {
	req.kind = kindDelay
	req.op = aio.Op{Callback: cbk, Data: data, Timeout: d}
}

// Submit hands the requests of b to the engine. Chains are submitted in
// order starting from their head, the other requests in the order they were
// added. The batch is emptied.
func (c *Core) Submit(b *Batch) {
	n := uint32(len(b.requests))
	if n == 0 {
		return
	}
	seq := c.Reserve(n)
	count := uint32(0)
	for _, head := range b.requests {
		if head.linked {
			continue
		}
		for req := head; req != nil; req = req.next {
			id := c.Get(seq + uint64(count))
			count++
			op := &c.ops[id.Index()]
			*op = req.op
			if req.next != nil {
				id = id.With(aio.FlagChain)
			}
			id = c.dispatch(req.kind, seq, id, op, count)
			if req.id != nil {
				*req.id = id
			}
		}
	}
	b.Reset()
}
