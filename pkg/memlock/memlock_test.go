package memlock_test

import (
	"sync/atomic"
	"testing"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/gfio/pkg/memlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlloc(t *testing.T) {
	_, err := memlock.Alloc[uint64](0)
	assert.True(t, errors.Is(err, memlock.ErrInvalidSize))

	region, err := memlock.Alloc[atomic.Uint64](1024)
	require.NoError(t, err)
	t.Log("locked:", region.Locked())

	items := region.Items()
	require.Len(t, items, 1024)
	for i := range items {
		require.Zero(t, items[i].Load())
		items[i].Store(uint64(i))
	}
	assert.Equal(t, uint64(1023), items[1023].Load())
	assert.True(t, items[7].CompareAndSwap(7, 70))
	assert.Equal(t, uint64(70), items[7].Load())

	require.NoError(t, region.Release())
	assert.Nil(t, region.Items())
	require.NoError(t, region.Release())
}
