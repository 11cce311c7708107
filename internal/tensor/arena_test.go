package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaAllocAndRelease(t *testing.T) {
	a := NewDataArena()

	id := a.Alloc()
	require.True(t, id.Valid())
	assert.True(t, a.Live(id))
	assert.Equal(t, 1, a.NumLive())

	assert.True(t, a.Release(id))
	assert.False(t, a.Live(id))
	assert.Equal(t, 0, a.NumLive())
}

func TestArenaStaleIDDetection(t *testing.T) {
	a := NewDataArena()

	old := a.Alloc()
	require.True(t, a.Release(old))

	// The slot is recycled under a new generation; the old id must not
	// alias the new allocation.
	fresh := a.Alloc()
	assert.True(t, a.Live(fresh))
	assert.False(t, a.Live(old))
	assert.False(t, a.Release(old))
	assert.True(t, a.Live(fresh), "stale release must not free the new owner")
}

func TestArenaDoubleReleaseIsSafe(t *testing.T) {
	a := NewDataArena()

	id := a.Alloc()
	assert.True(t, a.Release(id))
	assert.False(t, a.Release(id))
}

func TestArenaZeroIDIsInvalid(t *testing.T) {
	a := NewDataArena()

	var zero DataID
	assert.False(t, zero.Valid())
	assert.False(t, a.Live(zero))
	assert.False(t, a.Release(zero))
}
