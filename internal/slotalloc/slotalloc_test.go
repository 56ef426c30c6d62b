package slotalloc_test

import (
	"testing"

	"github.com/GssMahadevan/gvthread/internal/slotalloc"
	"github.com/stretchr/testify/require"
)

func TestAllocateReleaseRoundTrip(t *testing.T) {
	a := slotalloc.New(4)
	require.Equal(t, 4, a.Available())

	ids := make(map[uint32]bool)
	for i := 0; i < 4; i++ {
		id, err := a.Allocate()
		require.NoError(t, err)
		require.False(t, ids[id], "id %d allocated twice", id)
		ids[id] = true
	}
	require.Equal(t, 0, a.Available())
}

func TestAllocateExhaustionBoundary(t *testing.T) {
	// spec.md §8: spawning max_tasks succeeds; the (max_tasks+1)-th
	// fails; releasing one allows one more.
	a := slotalloc.New(2)
	id0, err := a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	require.ErrorIs(t, err, slotalloc.ErrCapacityExceeded)

	a.Release(id0)
	require.Equal(t, 1, a.Available())
	_, err = a.Allocate()
	require.NoError(t, err)
}

func TestReleaseIsLIFO(t *testing.T) {
	a := slotalloc.New(3)
	var drained []uint32
	for i := 0; i < 3; i++ {
		id, err := a.Allocate()
		require.NoError(t, err)
		drained = append(drained, id)
	}
	// Release the last one drained; it must be the next one reused
	// (spec.md §4.2: LIFO reuse for cache locality).
	last := drained[len(drained)-1]
	a.Release(last)

	next, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, last, next)
}

func TestTotalIsStable(t *testing.T) {
	a := slotalloc.New(7)
	require.EqualValues(t, 7, a.Total())
	_, _ = a.Allocate()
	require.EqualValues(t, 7, a.Total())
}
