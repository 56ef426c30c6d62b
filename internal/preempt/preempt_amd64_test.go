//go:build linux && amd64

package preempt

import (
	"testing"
	"unsafe"

	"github.com/GssMahadevan/gvthread/internal/task"
	"github.com/stretchr/testify/require"
)

// captureForced only ever reads a byte buffer shaped like ucontext_t;
// it never performs an actual signal-frame switch, so a synthetic
// buffer with known values at the documented offsets exercises it
// safely (see DESIGN.md "execution-model decision").
func TestCaptureForcedReadsKnownOffsets(t *testing.T) {
	buf := make([]byte, ucMcontextOff+8*18)
	poke := func(off uintptr, v uintptr) {
		*(*uintptr)(unsafe.Pointer(&buf[off])) = v
	}
	poke(regRAX, 0xAAAA)
	poke(regRBX, 0xBBBB)
	poke(regRCX, 0xCCCC)
	poke(regRDX, 0xDDDD)
	poke(regRSI, 0x5151)
	poke(regRDI, 0xD1D1)
	poke(regRBP, 0xB4B4)
	poke(regRSP, 0x59595959)
	poke(regR8, 8)
	poke(regR9, 9)
	poke(regR10, 10)
	poke(regR11, 11)
	poke(regR12, 12)
	poke(regR13, 13)
	poke(regR14, 14)
	poke(regR15, 15)
	poke(regRIP, 0x10000)
	poke(regEFL, 0x246)

	var m task.Metadata
	captureForced(unsafe.Pointer(&buf[0]), &m)

	require.EqualValues(t, 0xAAAA, m.Forced.RAX)
	require.EqualValues(t, 0xBBBB, m.Forced.RBX)
	require.EqualValues(t, 0xCCCC, m.Forced.RCX)
	require.EqualValues(t, 0xDDDD, m.Forced.RDX)
	require.EqualValues(t, 0x5151, m.Forced.RSI)
	require.EqualValues(t, 0xD1D1, m.Forced.RDI)
	require.EqualValues(t, 0xB4B4, m.Forced.RBP)
	require.EqualValues(t, 0x59595959, m.Forced.RSP)
	require.EqualValues(t, 12, m.Forced.R12)
	require.EqualValues(t, 0x10000, m.Forced.RIP)
	require.EqualValues(t, 0x246, m.Forced.EFLAGS)
	require.Zero(t, m.Forced.FPDirty, "FP state is only captured lazily, never by captureForced")
}

func TestHandlerRegistryLookupRoundTrip(t *testing.T) {
	const tid = int32(424242)
	var requeued task.ID = task.None
	h := Handler{
		CurrentTask: func() (*task.Metadata, bool) { return nil, false },
		Requeue:     func(id task.ID) { requeued = id },
	}
	registerHandler(tid, h)

	got, ok := handlerFor(tid)
	require.True(t, ok)
	got.Requeue(task.ID(7))
	require.Equal(t, task.ID(7), requeued)

	_, ok = handlerFor(tid + 1)
	require.False(t, ok)
}

func TestOnPreemptIsANoOpWithoutARunningTask(t *testing.T) {
	const tid = int32(99)
	var requeued bool
	registerHandler(tid, Handler{
		Requeue:         func(task.ID) { requeued = true },
		ResumeScheduler: func() {},
	})

	onPreempt(tid, nil)

	require.False(t, requeued, "spec.md §4.10: a signal with no running task is harmless")
}
