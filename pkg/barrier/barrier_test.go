package barrier_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/gfio/pkg/barrier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestNew(t *testing.T) {
	_, err := barrier.New(0, time.Second, 1)
	assert.True(t, errors.Is(err, barrier.ErrInvalidCount))

	_, err = barrier.New(1, 0, 1)
	assert.True(t, errors.Is(err, barrier.ErrInvalidTimeout))

	b, err := barrier.New(3, time.Second, 1, barrier.WithData("data"))
	require.NoError(t, err)
	assert.Equal(t, "data", b.Data())
	assert.Equal(t, uint32(3), b.Count())
}

func TestBarrier_WaitPhase(t *testing.T) {
	for _, n := range []uint32{1, 2, 7, 32} {
		b, err := barrier.New(n, time.Second, 3)
		require.NoError(t, err)

		arrived := atomic.Int32{}
		early := atomic.Int32{}
		g := errgroup.Group{}
		for i := uint32(0); i < n; i++ {
			g.Go(func() error {
				arrived.Add(1)
				res := b.Wait(1, nil)
				if arrived.Load() != int32(n) {
					early.Add(1)
				}
				return res
			})
		}
		require.NoError(t, g.Wait())
		assert.Zero(t, early.Load(), "released before every participant arrived (n=%d)", n)
		assert.Equal(t, uint64(1), b.Phase())
	}
}

func TestBarrier_MultiplePhases(t *testing.T) {
	const n = 4
	b, err := barrier.New(n, time.Second, 3)
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for phase := 0; phase < 5; phase++ {
				assert.NoError(t, b.Wait(1, nil))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(5), b.Phase())
}

func TestBarrier_FirstErrorSticks(t *testing.T) {
	errFive := errors.New("-5")
	errLater := errors.New("later")

	b, err := barrier.New(3, time.Second, 3)
	require.NoError(t, err)

	results := make([]error, 3)
	inputs := []error{nil, errFive, nil}
	wg := sync.WaitGroup{}
	for i := range inputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.Wait(1, inputs[i])
		}(i)
	}
	wg.Wait()
	for _, res := range results {
		assert.Equal(t, errFive, res)
	}

	// later errors never overwrite the first one
	wg.Add(3)
	for i := 0; i < 3; i++ {
		go func() {
			defer wg.Done()
			assert.Equal(t, errFive, b.Wait(1, errLater))
		}()
	}
	wg.Wait()
}

func TestBarrier_Done(t *testing.T) {
	errWorker := errors.New("worker failed")

	b, err := barrier.New(4, time.Second, 3)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		go func(i int) {
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			var res error
			if i == 1 {
				res = errWorker
			}
			assert.NoError(t, b.Done(1, res, false))
		}(i)
	}

	assert.Equal(t, errWorker, b.Done(1, nil, true))
	assert.Equal(t, barrier.ErrRetired, b.Wait(1, nil))
}

func TestBarrier_DoneAfterDrained(t *testing.T) {
	b, err := barrier.New(2, time.Second, 0)
	require.NoError(t, err)

	require.NoError(t, b.Done(1, nil, false))
	require.NoError(t, b.Done(1, nil, true))
}

func TestBarrier_RetryRecovers(t *testing.T) {
	b, err := barrier.New(2, 20*time.Millisecond, 10)
	require.NoError(t, err)

	go func() {
		time.Sleep(70 * time.Millisecond)
		_ = b.Done(1, nil, false)
	}()
	assert.NoError(t, b.Done(1, nil, true))
}

func TestBarrier_RetriesExhausted(t *testing.T) {
	aborted := atomic.Uint32{}
	b, err := barrier.New(2, 10*time.Millisecond, 2, barrier.WithAbort(func(retries uint32) {
		aborted.Store(retries)
	}))
	require.NoError(t, err)

	res := b.Wait(1, nil)
	assert.True(t, barrier.IsAborted(res), res)
	assert.Equal(t, uint32(3), aborted.Load())
}

// An error reported for the next phase is never seen by a waiter of the
// phase that just completed, even when it has not woken up yet.
func TestBarrier_PhaseResult(t *testing.T) {
	errNext := errors.New("next phase failed")
	for i := 0; i < 200; i++ {
		b, err := barrier.New(2, time.Second, 3)
		require.NoError(t, err)

		results := make(chan error, 1)
		go func() {
			res := b.Wait(1, nil)
			results <- res
			if res == nil {
				res = b.Done(1, nil, true)
			}
			results <- res
		}()

		require.NoError(t, b.Wait(1, nil))
		// the other participant may still be asleep in the first phase
		require.NoError(t, b.Done(1, errNext, false))

		require.NoError(t, <-results, "iteration %d", i)
		assert.Equal(t, errNext, <-results)
	}
}
