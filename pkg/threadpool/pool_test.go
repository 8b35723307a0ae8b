package threadpool_test

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/gfio/pkg/barrier"
	"github.com/brickingsoft/gfio/pkg/threadpool"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, threads uint32) threadpool.Config {
	return threadpool.Config{
		Name:    "test",
		FirstID: 1,
		Threads: threads,
		Timeout: time.Second,
		Retries: 3,
		Setup: func(b *barrier.Barrier, _ *threadpool.Thread) error {
			return b.Wait(1, nil)
		},
		Main: func(_ *threadpool.Thread) error {
			return nil
		},
		Abort: func(reason string) {
			t.Errorf("unexpected abort: %s", reason)
		},
	}
}

// failedStart starts a pool expected to fail and checks every thread was
// joined before Start returned.
func failedStart(t *testing.T, cfg threadpool.Config) error {
	t.Helper()
	logger, hook := test.NewNullLogger()
	cfg.Logger = logger
	pool, err := threadpool.Start(cfg)
	assert.Nil(t, pool)
	for _, entry := range hook.AllEntries() {
		assert.NotEqual(t, "some threads did not terminate in time", entry.Message)
	}
	return err
}

func TestStart_Invalid(t *testing.T) {
	cfg := testConfig(t, 0)
	_, err := threadpool.Start(cfg)
	assert.True(t, errors.Is(err, threadpool.ErrInvalidThreads))

	cfg = testConfig(t, 1)
	cfg.Main = nil
	_, err = threadpool.Start(cfg)
	assert.True(t, errors.Is(err, threadpool.ErrInvalidSetup))

	cfg = testConfig(t, 1)
	cfg.Priority = 101
	_, err = threadpool.Start(cfg)
	assert.True(t, errors.Is(err, threadpool.ErrInvalidPriority))
}

func TestStart(t *testing.T) {
	const n = 4

	stop := make(chan struct{})
	mu := sync.Mutex{}
	names := make([]string, 0, n)
	setups := atomic.Int32{}

	cfg := testConfig(t, n)
	cfg.Setup = func(b *barrier.Barrier, thread *threadpool.Thread) error {
		if thread != nil {
			thread.SetData(thread.ID() * 10)
			setups.Add(1)
		}
		return b.Wait(1, nil)
	}
	cfg.Main = func(thread *threadpool.Thread) error {
		assert.Equal(t, thread.ID()*10, thread.Data())
		name := thread.Name()
		if runtime.GOOS == "linux" {
			comm, err := os.ReadFile(fmt.Sprintf("/proc/self/task/%d/comm", thread.Tid()))
			if assert.NoError(t, err) {
				assert.Equal(t, name, strings.TrimSpace(string(comm)))
			}
		}
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
		<-stop
		return nil
	}

	pool, err := threadpool.Start(cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(n), setups.Load())

	threads := pool.Threads()
	require.Len(t, threads, n)
	indexes := make([]int, 0, n)
	for _, thread := range threads {
		indexes = append(indexes, int(thread.Index()))
	}
	sort.Ints(indexes)
	assert.Equal(t, []int{0, 1, 2, 3}, indexes)

	close(stop)
	require.NoError(t, pool.Wait(time.Second))

	sort.Strings(names)
	assert.Equal(t, []string{"gfio_test/1", "gfio_test/2", "gfio_test/3", "gfio_test/4"}, names)
}

func TestStart_SetupFailure(t *testing.T) {
	errSetup := errors.New("setup failed")
	mains := atomic.Int32{}

	cfg := testConfig(t, 4)
	cfg.Setup = func(b *barrier.Barrier, thread *threadpool.Thread) error {
		var res error
		if thread != nil && thread.Index() == 2 {
			res = errSetup
		}
		return b.Wait(1, res)
	}
	cfg.Main = func(_ *threadpool.Thread) error {
		mains.Add(1)
		return nil
	}

	for i := 0; i < 20; i++ {
		assert.Equal(t, errSetup, failedStart(t, cfg))
	}
	assert.Zero(t, mains.Load())
}

func TestStart_InitiatorSetupFailure(t *testing.T) {
	errSetup := errors.New("initiator failed")
	mains := atomic.Int32{}

	cfg := testConfig(t, 2)
	cfg.Setup = func(b *barrier.Barrier, thread *threadpool.Thread) error {
		var res error
		if thread == nil {
			res = errSetup
		}
		return b.Wait(1, res)
	}
	cfg.Main = func(_ *threadpool.Thread) error {
		mains.Add(1)
		return nil
	}

	assert.Equal(t, errSetup, failedStart(t, cfg))
	assert.Zero(t, mains.Load())
}

func TestStart_AffinityFailure(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("cpu affinity is only supported on linux")
	}
	mains := atomic.Int32{}
	setups := atomic.Int32{}

	cfg := testConfig(t, 2)
	// only one cpu for two threads: the second one has nowhere to go
	cfg.CPUs = []int{0}
	cfg.Setup = func(b *barrier.Barrier, _ *threadpool.Thread) error {
		setups.Add(1)
		return b.Wait(1, nil)
	}
	cfg.Main = func(_ *threadpool.Thread) error {
		mains.Add(1)
		return nil
	}

	err := failedStart(t, cfg)
	assert.True(t, errors.Is(err, threadpool.ErrNoCPU), err)
	assert.Zero(t, setups.Load())
	assert.Zero(t, mains.Load())
}

func TestStart_NameTooLong(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("thread names are only supported on linux")
	}
	cfg := testConfig(t, 1)
	cfg.Name = "a-much-too-long-name"
	_, err := threadpool.Start(cfg)
	assert.True(t, errors.Is(err, threadpool.ErrInvalidName), err)
}

func TestSchedParams(t *testing.T) {
	s, err := threadpool.SchedParams(0)
	require.NoError(t, err)
	assert.True(t, s.Default())

	low, high, err := threadpool.PriorityRange(threadpool.PolicyRR)
	require.NoError(t, err)
	s, err = threadpool.SchedParams(-50)
	require.NoError(t, err)
	assert.Equal(t, threadpool.PolicyRR, s.Policy)
	assert.Equal(t, low+50*(high-low)/100, s.Priority)

	low, high, err = threadpool.PriorityRange(threadpool.PolicyFIFO)
	require.NoError(t, err)
	s, err = threadpool.SchedParams(100)
	require.NoError(t, err)
	assert.Equal(t, threadpool.PolicyFIFO, s.Policy)
	assert.Equal(t, high, s.Priority)

	s, err = threadpool.SchedParams(1)
	require.NoError(t, err)
	assert.Equal(t, low+(high-low)/100, s.Priority)

	for _, p := range []int32{101, -101} {
		_, err = threadpool.SchedParams(p)
		assert.True(t, errors.Is(err, threadpool.ErrInvalidPriority), p)
	}
}
