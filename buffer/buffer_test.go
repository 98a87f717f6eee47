package buffer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkSpace compares buffer accounting with externally tracked sizes.
func checkSpace(t testing.TB, b *Buffer, allocated, locked int) {
	t.Helper()
	assert.Equal(t, allocated, b.Allocated(), b.String())
	assert.Equal(t, locked, b.Locked(), b.String())
	assert.Equal(t, b.Capacity()-allocated-locked, b.Available(), b.String())
	assert.Equal(t, locked < b.Capacity(), b.HasSpace(), b.String())
}

func TestBuffer(t *testing.T) {
	t.Parallel()

	b := New(8)
	checkSpace(t, b, 0, 0)
	space, err := b.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 8, len(space))
	checkSpace(t, b, 8, 0)
	copy(space, "abcdef")
	require.NoError(t, b.Lock(6))
	checkSpace(t, b, 0, 6)
	assert.Equal(t, "abcdef", string(b.Unprocessed()))

	require.NoError(t, b.Free(4))
	assert.Equal(t, "ef", string(b.Unprocessed()))
	checkSpace(t, b, 0, 2)

	// compaction keeps unprocessed bytes contiguous at front
	space, err = b.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 6, len(space))
	checkSpace(t, b, 6, 2)
	copy(space, "gh")
	require.NoError(t, b.Lock(2))
	assert.Equal(t, "efgh", string(b.Unprocessed()))
	checkSpace(t, b, 0, 4)

	require.NoError(t, b.Free(4))
	checkSpace(t, b, 0, 0)
	assert.Equal(t, 8, b.Available())

	_, err = b.Allocate()
	require.NoError(t, err)
	b.Reset()
	checkSpace(t, b, 0, 0)
}

func TestBufferErrors(t *testing.T) {
	t.Parallel()

	b := New(4)
	space, err := b.Allocate()
	require.NoError(t, err)
	assert.True(t, errors.IsNotValid(b.Lock(len(space)+1)))
	require.NoError(t, b.Lock(4))
	assert.False(t, b.HasSpace())

	_, err = b.Allocate()
	assert.Equal(t, ErrCapacityExceeded, errors.Cause(err))
	assert.IsType(t, &errors.Err{}, ErrCapacityExceeded)
	assert.Equal(t, "allocate cap=4: buffer capacity exceeded", err.Error())
	assert.True(t, errors.IsNotValid(b.Lock(1)), "lock without allocation")
	assert.True(t, errors.IsNotValid(b.Free(5)))
	assert.True(t, errors.IsNotValid(b.Free(-1)))
	checkSpace(t, b, 0, 4)
}

func TestBufferInvariantRandom(t *testing.T) {
	t.Parallel()

	const capacity = 64
	seed := time.Now().UnixNano()
	rnd := rand.New(rand.NewSource(seed))
	b := New(capacity)
	var expect []byte
	for i := 0; i < 10000; i++ {
		switch rnd.Intn(3) {
		case 0:
			space, err := b.Allocate()
			if err != nil {
				require.Equal(t, capacity, len(expect), "seed=%d", seed)
				break
			}
			// whole free space is one contiguous allocation
			require.Equal(t, capacity-len(expect), len(space), "seed=%d", seed)
			checkSpace(t, b, len(space), len(expect))
			n := rnd.Intn(len(space) + 1)
			for j := 0; j < n; j++ {
				space[j] = byte(rnd.Intn(256))
			}
			require.NoError(t, b.Lock(n), "seed=%d", seed)
			expect = append(expect, space[:n]...)
		case 1:
			n := rnd.Intn(len(expect) + 1)
			require.NoError(t, b.Free(n), "seed=%d", seed)
			expect = expect[n:]
		case 2:
			if rnd.Intn(50) == 0 {
				b.Reset()
				expect = nil
			}
		}
		checkSpace(t, b, 0, len(expect))
		if len(expect) != 0 {
			require.Equal(t, expect, b.Unprocessed(), "seed=%d", seed)
		}
	}
}
