package gfio_test

import (
	"context"
	"sync"
	"syscall"

	"github.com/brickingsoft/gfio/pkg/aio"
)

type call struct {
	Kind    string
	Name    string
	Count   uint32
	Chained bool
}

type completion struct {
	seq uint64
	id  aio.ID
	res int32
}

// fakeEngine completes every request in submission order on its workers.
type fakeEngine struct {
	name     string
	workers  uint32
	setupErr error

	d     aio.Dispatcher
	queue chan completion
	stop  chan struct{}
	once  sync.Once

	mu    sync.Mutex
	calls []call
}

func newFakeEngine(name string, workers uint32) *fakeEngine {
	return &fakeEngine{name: name, workers: workers}
}

func (e *fakeEngine) Name() string {
	return e.name
}

func (e *fakeEngine) Mode() aio.Mode {
	return aio.ModeLegacy
}

func (e *fakeEngine) Setup(d aio.Dispatcher) (uint32, error) {
	if e.setupErr != nil {
		return 0, e.setupErr
	}
	e.d = d
	e.queue = make(chan completion, 1024)
	e.stop = make(chan struct{})
	e.once = sync.Once{}
	return e.workers, nil
}

func (e *fakeEngine) Cleanup() {}

func (e *fakeEngine) Wait(ctx context.Context) error {
	<-ctx.Done()
	return context.Cause(ctx)
}

func (e *fakeEngine) WorkerSetup(_ *aio.Worker) error {
	return nil
}

func (e *fakeEngine) WorkerCleanup(_ *aio.Worker) {}

func (e *fakeEngine) WorkerStop(_ *aio.Worker) {
	e.once.Do(func() {
		close(e.stop)
	})
}

func (e *fakeEngine) Worker(w *aio.Worker) error {
	select {
	case c := <-e.queue:
		e.d.Complete(w, c.seq, c.id, c.res)
	case <-e.stop:
	}
	return nil
}

func (e *fakeEngine) Flush() {}

func (e *fakeEngine) Cancel(seq uint64, id aio.ID, op *aio.Op, count uint32) aio.ID {
	return e.submit("cancel", seq, id, op, count, -int32(syscall.ENOENT))
}

func (e *fakeEngine) Callback(seq uint64, id aio.ID, op *aio.Op, count uint32) aio.ID {
	return e.submit("callback", seq, id, op, count, 0)
}

func (e *fakeEngine) Delay(seq uint64, id aio.ID, op *aio.Op, count uint32) aio.ID {
	return e.submit("delay", seq, id, op, count, -int32(syscall.ETIME))
}

func (e *fakeEngine) submit(kind string, seq uint64, id aio.ID, op *aio.Op, count uint32, res int32) aio.ID {
	if name, ok := op.Data.(string); ok {
		e.mu.Lock()
		e.calls = append(e.calls, call{Kind: kind, Name: name, Count: count, Chained: id.Chained()})
		e.mu.Unlock()
	}
	e.queue <- completion{seq: seq + uint64(count) - 1, id: id, res: res}
	return id
}

func (e *fakeEngine) recorded() []call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]call(nil), e.calls...)
}
