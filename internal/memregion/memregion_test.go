package memregion_test

import (
	"testing"

	"github.com/GssMahadevan/gvthread/internal/memregion"
	"github.com/stretchr/testify/require"
)

const testSlotSize = 64 * 1024 // small slot; real default is 16 MiB

func TestNewRejectsSlotSizeTooSmallForPages(t *testing.T) {
	_, err := memregion.New(memregion.MetadataPageSize, 4)
	require.Error(t, err)
}

func TestActivateDeactivateRoundTrip(t *testing.T) {
	r, err := memregion.New(testSlotSize, 4)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	require.NoError(t, r.Activate(0))
	require.NoError(t, r.Activate(1))
	require.NoError(t, r.Deactivate(0))

	// slot 1 stays activated while a fresh slot is activated too.
	require.NoError(t, r.Activate(2))
	require.NoError(t, r.Deactivate(1))
	require.NoError(t, r.Deactivate(2))
}

func TestStackTopIsSixteenByteAligned(t *testing.T) {
	r, err := memregion.New(testSlotSize, 4)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	for id := uint32(0); id < 4; id++ {
		top := r.StackTop(id)
		require.Zero(t, top%16, "slot %d stack top must be 16-byte aligned (spec.md §4.3)", id)
	}
}

func TestStackTopsAreDistinctPerSlot(t *testing.T) {
	r, err := memregion.New(testSlotSize, 4)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	seen := map[uintptr]bool{}
	for id := uint32(0); id < 4; id++ {
		top := r.StackTop(id)
		require.False(t, seen[top], "slot %d reused another slot's base address", id)
		seen[top] = true
	}
}

func TestStampVerifyRoundTrip(t *testing.T) {
	r, err := memregion.New(testSlotSize, 4)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.NoError(t, r.Activate(0))
	r.Stamp(0, 42)
	require.True(t, r.VerifyStamp(0, 42), "a freshly stamped slot must verify against its own generation")
	require.False(t, r.VerifyStamp(0, 43), "a stamp must not verify against a different generation")
}

func TestStampIsPerSlot(t *testing.T) {
	r, err := memregion.New(testSlotSize, 4)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.NoError(t, r.Activate(0))
	require.NoError(t, r.Activate(1))
	r.Stamp(0, 7)
	r.Stamp(1, 9)
	require.True(t, r.VerifyStamp(0, 7))
	require.True(t, r.VerifyStamp(1, 9))
	require.False(t, r.VerifyStamp(0, 9), "slot 0's stamp must not be visible to slot 1's generation")
}

func TestSlotSizeAndMaxTasksAccessors(t *testing.T) {
	r, err := memregion.New(testSlotSize, 7)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.Equal(t, testSlotSize, r.SlotSize())
	require.Equal(t, 7, r.MaxTasks())
}
