package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	now := int64(0)
	b := Backoff{Min: time.Second, Max: 8 * time.Second, K: 2, Now: func() int64 { return now }}
	assert.Equal(t, time.Duration(0), b.DelayBefore())

	b.Failure()
	assert.Equal(t, 1*time.Second, b.DelayBefore())
	b.Failure()
	assert.Equal(t, 2*time.Second, b.DelayBefore())
	now += int64(500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, b.DelayBefore())

	for i := 0; i < 10; i++ {
		b.Failure()
	}
	assert.Equal(t, 8*time.Second, b.DelayBefore())
	now += int64(9 * time.Second)
	assert.Equal(t, time.Duration(0), b.DelayBefore())

	b.Failure()
	b.Reset()
	assert.Equal(t, time.Duration(0), b.DelayBefore())
	assert.Equal(t, 1*time.Second, b.DelayAfter(false))
}

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))
	e1 := errorString("first")
	assert.Equal(t, error(e1), FoldErrors([]error{nil, e1}))
	assert.EqualError(t, FoldErrors([]error{e1, errorString("second")}), "first\nsecond")
}

type errorString string

func (e errorString) Error() string { return string(e) }

func TestMustHex(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte{0xc0, 0x00, 0x01}, MustHex("c0 00\n01"))
	assert.Panics(t, func() { MustHex("0") })
}

func TestAtomicError(t *testing.T) {
	t.Parallel()

	var ae AtomicError
	_, set := ae.Load()
	assert.False(t, set)
	prev, set := ae.StoreOnce(errorString("first"))
	assert.False(t, set)
	assert.Nil(t, prev)
	prev, set = ae.StoreOnce(errorString("second"))
	assert.True(t, set)
	assert.Equal(t, error(errorString("first")), prev)
	e, _ := ae.Load()
	assert.EqualError(t, e, "first")
}
