//go:build linux

package uring_test

import (
	"syscall"
	"testing"
	"time"

	"github.com/brickingsoft/gfio/pkg/aio"
	"github.com/brickingsoft/gfio/pkg/aio/uring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completion struct {
	id  aio.ID
	res int32
}

type dispatcher struct {
	t           *testing.T
	completions []completion
}

func (d *dispatcher) Complete(_ *aio.Worker, _ uint64, id aio.ID, res int32) {
	d.completions = append(d.completions, completion{id: id, res: res})
}

func (d *dispatcher) Current() *aio.Worker {
	return nil
}

func (d *dispatcher) Abort(reason string) {
	d.t.Fatalf("engine aborted: %s", reason)
}

func setup(t *testing.T) (*uring.Engine, *dispatcher) {
	t.Helper()
	d := &dispatcher{t: t}
	engine := uring.New(uring.WithEntries(64), uring.WithMaxRetries(1000))
	workers, err := engine.Setup(d)
	if err != nil {
		t.Skipf("io_uring engine is not available: %v", err)
	}
	t.Cleanup(engine.Cleanup)
	assert.Equal(t, uint32(uring.DefaultWorkers), workers)
	assert.Equal(t, aio.ModeIOUring, engine.Mode())
	return engine, d
}

func collect(t *testing.T, engine *uring.Engine, d *dispatcher, n int) []completion {
	t.Helper()
	w := aio.NewWorker(nil)
	deadline := time.Now().Add(5 * time.Second)
	for len(d.completions) < n {
		require.True(t, time.Now().Before(deadline), "missing completions")
		require.NoError(t, engine.Worker(w))
	}
	return d.completions
}

func TestEngine_Callback(t *testing.T) {
	engine, d := setup(t)

	ids := []aio.ID{aio.NewID(0, aio.FlagChain, 0), aio.NewID(0, aio.FlagChain, 1), aio.NewID(0, 0, 2)}
	for i, id := range ids {
		assert.Equal(t, id, engine.Callback(0, id, &aio.Op{}, uint32(i+1)))
	}
	single := aio.NewID(3, 0, 3)
	engine.Callback(3, single, &aio.Op{}, 1)
	engine.Flush()

	completions := collect(t, engine, d, 4)
	got := make([]aio.ID, 0, 4)
	for _, c := range completions {
		assert.Zero(t, c.res)
		got = append(got, c.id)
	}
	assert.ElementsMatch(t, append(ids, single), got)
}

func TestEngine_DelayAndCancel(t *testing.T) {
	engine, d := setup(t)

	expired := engine.Delay(0, aio.NewID(0, 0, 0), &aio.Op{Timeout: time.Millisecond}, 1)
	assert.True(t, expired.Has(uring.FlagTimer))

	pending := engine.Delay(1, aio.NewID(0, 0, 1), &aio.Op{Timeout: time.Hour}, 1)
	cancel := engine.Cancel(2, aio.NewID(0, 0, 2), &aio.Op{Target: pending}, 1)
	engine.Flush()

	results := map[aio.ID]int32{}
	for _, c := range collect(t, engine, d, 3) {
		results[c.id] = c.res
	}
	assert.Equal(t, -int32(syscall.ETIME), results[expired])
	assert.Equal(t, -int32(syscall.ECANCELED), results[pending])
	assert.Zero(t, results[cancel])
}

func TestEngine_CancelUnknown(t *testing.T) {
	engine, d := setup(t)

	cancel := engine.Cancel(0, aio.NewID(0, 0, 0), &aio.Op{Target: aio.NewID(9, 0, 9)}, 1)
	engine.Flush()

	completions := collect(t, engine, d, 1)
	assert.Equal(t, cancel, completions[0].id)
	assert.Equal(t, -int32(syscall.ENOENT), completions[0].res)
}

func TestEngine_Wraparound(t *testing.T) {
	engine, d := setup(t)

	// more requests than submission entries: slots are reused once the
	// kernel consumed them
	const n = 200
	w := aio.NewWorker(nil)
	for seq := uint64(0); seq < n; seq++ {
		engine.Callback(seq, aio.NewID(seq/64, 0, uint32(seq%64)), &aio.Op{}, 1)
		for len(d.completions) < int(seq)-32 {
			require.NoError(t, engine.Worker(w))
		}
	}
	engine.Flush()
	assert.Len(t, collect(t, engine, d, n), n)
}

func TestEngine_ChainOrder(t *testing.T) {
	engine, d := setup(t)

	delay := engine.Delay(0, aio.NewID(0, aio.FlagChain, 0), &aio.Op{Timeout: 20 * time.Millisecond}, 1)
	callback := engine.Callback(0, aio.NewID(0, aio.FlagChain, 1), &aio.Op{}, 2)
	// fails with -ENOENT without breaking the chain
	cancel := engine.Cancel(0, aio.NewID(0, aio.FlagChain, 2), &aio.Op{Target: aio.NewID(9, 0, 9)}, 3)
	last := engine.Callback(0, aio.NewID(0, 0, 3), &aio.Op{}, 4)
	single := engine.Callback(4, aio.NewID(0, 0, 4), &aio.Op{}, 1)
	engine.Flush()

	completions := collect(t, engine, d, 5)
	// independent requests do not wait for the chain
	assert.Equal(t, single, completions[0].id)
	assert.Equal(t, []completion{
		{id: delay, res: -int32(syscall.ETIME)},
		{id: callback},
		{id: cancel, res: -int32(syscall.ENOENT)},
		{id: last},
	}, completions[1:])
}
