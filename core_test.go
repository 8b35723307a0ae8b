package gfio_test

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/gfio"
	"github.com/brickingsoft/gfio/pkg/aio"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testOptions(t *testing.T, options ...gfio.Option) []gfio.Option {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return append([]gfio.Option{
		gfio.WithLogger(logger),
		gfio.WithSlotBits(8),
		// slots in mmap'd memory hide their synchronization from the race detector
		gfio.WithLockedMemory(false),
		gfio.WithInitTimeout(time.Second, 5),
		gfio.WithHandlerTimeout(time.Second, 5),
		gfio.WithAbort(func(reason string) {
			t.Errorf("unexpected abort: %s", reason)
		}),
	}, options...)
}

func TestNew_InvalidOptions(t *testing.T) {
	for name, option := range map[string]gfio.Option{
		"slot bits":  gfio.WithSlotBits(aio.IndexBits + 1),
		"no slots":   gfio.WithSlotBits(0),
		"workers":    gfio.WithWorkers(0),
		"priority":   gfio.WithWorkerPriority(-101),
		"cpu":        gfio.WithWorkerCPUs(0, -1),
		"threshold":  gfio.WithLatencyThreshold(0),
		"init":       gfio.WithInitTimeout(0, 1),
		"handler":    gfio.WithHandlerTimeout(-time.Second, 1),
		"nil logger": gfio.WithLogger(nil),
	} {
		_, err := gfio.New(option)
		assert.Error(t, err, name)
	}
}

func TestCore_RunTerminate(t *testing.T) {
	errStop := errors.New("stop requested")
	cleanups := atomic.Int32{}
	handlers := gfio.Handlers{
		Setup: func(c *gfio.Core, data any) error {
			assert.Equal(t, "data", data)
			assert.Equal(t, "fake", c.EngineName())
			if runtime.GOOS == "linux" {
				assert.NotNil(t, c.Current())
			}
			c.Terminate(errStop)
			return nil
		},
		Cleanup: func(c *gfio.Core, data any) error {
			assert.Equal(t, "data", data)
			cleanups.Add(1)
			return nil
		},
	}
	c, err := gfio.New(testOptions(t, gfio.WithEngines(newFakeEngine("fake", 2)))...)
	require.NoError(t, err)
	err = c.Run(context.Background(), handlers, "data")
	assert.Equal(t, errStop, err)
	assert.Equal(t, int32(1), cleanups.Load())
	assert.Empty(t, c.EngineName())
	assert.Nil(t, c.Current())

	// a core can run again once stopped
	handlers.Setup = func(c *gfio.Core, _ any) error {
		c.Terminate(nil)
		return nil
	}
	assert.NoError(t, c.Run(context.Background(), handlers, "data"))
	assert.Equal(t, int32(2), cleanups.Load())
}

func TestCore_RunContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handlers := gfio.Handlers{
		Setup: func(_ *gfio.Core, _ any) error {
			cancel()
			return nil
		},
	}
	err := gfio.Run(ctx, handlers, nil, testOptions(t, gfio.WithEngines(newFakeEngine("fake", 1)))...)
	assert.True(t, errors.Is(err, context.Canceled), err)
}

func TestCore_RunTwice(t *testing.T) {
	var nested error
	handlers := gfio.Handlers{
		Setup: func(c *gfio.Core, _ any) error {
			nested = c.Run(context.Background(), gfio.Handlers{}, nil)
			c.Terminate(nil)
			return nil
		},
	}
	c, err := gfio.New(testOptions(t, gfio.WithEngines(newFakeEngine("fake", 1)))...)
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background(), handlers, nil))
	assert.True(t, gfio.IsRunning(nested), nested)
}

func TestCore_SetupFailure(t *testing.T) {
	errSetup := errors.New("setup failed")
	cleanups := atomic.Int32{}
	handlers := gfio.Handlers{
		Setup: func(_ *gfio.Core, _ any) error {
			return errSetup
		},
		Cleanup: func(_ *gfio.Core, _ any) error {
			cleanups.Add(1)
			return nil
		},
	}
	err := gfio.Run(context.Background(), handlers, nil, testOptions(t, gfio.WithEngines(newFakeEngine("fake", 2)))...)
	assert.Equal(t, errSetup, err)
	assert.Zero(t, cleanups.Load())
}

func TestCore_EngineSelection(t *testing.T) {
	broken := newFakeEngine("broken", 1)
	broken.setupErr = errors.New("not available")
	working := newFakeEngine("working", 1)

	var selected string
	handlers := gfio.Handlers{
		Setup: func(c *gfio.Core, _ any) error {
			selected = c.EngineName()
			c.Terminate(nil)
			return nil
		},
	}
	err := gfio.Run(context.Background(), handlers, nil, testOptions(t, gfio.WithEngines(broken, working))...)
	require.NoError(t, err)
	assert.Equal(t, "working", selected)

	err = gfio.Run(context.Background(), handlers, nil, testOptions(t, gfio.WithEngines(broken, working), gfio.WithEngine("broken"))...)
	assert.True(t, aio.IsNoEngine(err), err)

	err = gfio.Run(context.Background(), handlers, nil, testOptions(t, gfio.WithEngines(working), gfio.WithEngine("missing"))...)
	assert.True(t, aio.IsNoEngine(err), err)
}

func TestCore_Tracing(t *testing.T) {
	handlers := gfio.Handlers{
		Setup: func(c *gfio.Core, _ any) error {
			c.Callback(func(_ *aio.Op, _ int32) {
				time.Sleep(2 * time.Millisecond)
			}, nil)
			c.Terminate(nil)
			return nil
		},
	}
	c, err := gfio.New(testOptions(t, gfio.WithEngines(newFakeEngine("fake", 1)), gfio.WithLatencyThreshold(time.Millisecond))...)
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background(), handlers, nil))
	traced, ok := c.Invoker().(*aio.TracedInvoker)
	require.True(t, ok)
	assert.NotZero(t, traced.Slow())
}

// Terminate and the accessors race with the end of the run: calls made once
// the cleanup has started do nothing.
func TestCore_TerminateConcurrent(t *testing.T) {
	const callers = 4
	stop := make(chan struct{})
	calls := atomic.Int64{}
	g := errgroup.Group{}
	handlers := gfio.Handlers{
		Setup: func(c *gfio.Core, _ any) error {
			for i := 0; i < callers; i++ {
				g.Go(func() error {
					for {
						select {
						case <-stop:
							return nil
						default:
						}
						c.Terminate(nil)
						_ = c.EngineName()
						_ = c.Mode()
						calls.Add(1)
					}
				})
			}
			return nil
		},
		Cleanup: func(c *gfio.Core, _ any) error {
			// too late to change the result
			c.Terminate(errors.New("ignored"))
			return nil
		},
	}
	c, err := gfio.New(testOptions(t, gfio.WithEngines(newFakeEngine("fake", 2)))...)
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background(), handlers, nil))

	// the callers outlive the run
	before := calls.Load()
	require.Eventually(t, func() bool { return calls.Load() > before+100 }, time.Second, time.Millisecond)
	close(stop)
	require.NoError(t, g.Wait())
	assert.Empty(t, c.EngineName())
	assert.Equal(t, aio.Mode(-1), c.Mode())
}

func TestCore_LockedMemory(t *testing.T) {
	const n = 64
	done := make(chan struct{})
	handlers := gfio.Handlers{
		Setup: func(c *gfio.Core, _ any) error {
			completed := atomic.Int32{}
			for i := 0; i < n; i++ {
				c.Callback(func(_ *aio.Op, res int32) {
					assert.Zero(t, res)
					if completed.Add(1) == n {
						close(done)
					}
				}, nil)
			}
			return nil
		},
	}
	c, err := gfio.New(testOptions(t, gfio.WithEngines(newFakeEngine("fake", 1)), gfio.WithLockedMemory(true))...)
	require.NoError(t, err)
	go func() {
		<-done
		c.Terminate(nil)
	}()
	require.NoError(t, c.Run(context.Background(), handlers, nil))
}
