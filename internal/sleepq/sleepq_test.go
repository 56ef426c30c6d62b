package sleepq_test

import (
	"testing"

	"github.com/GssMahadevan/gvthread/internal/sleepq"
	"github.com/GssMahadevan/gvthread/internal/task"
	"github.com/stretchr/testify/require"
)

func currentGenOf(gens map[task.ID]uint32) func(task.ID) uint32 {
	return func(id task.ID) uint32 { return gens[id] }
}

func TestPopExpiredReturnsInWakeOrder(t *testing.T) {
	q := sleepq.New()
	gens := map[task.ID]uint32{1: 0, 2: 0, 3: 0}
	q.Schedule(task.ID(1), 300, 0)
	q.Schedule(task.ID(2), 100, 0)
	q.Schedule(task.ID(3), 200, 0)
	require.Equal(t, 3, q.Len())

	expired := q.PopExpired(250, currentGenOf(gens))
	require.Len(t, expired, 2)
	require.Equal(t, task.ID(2), expired[0].ID)
	require.Equal(t, task.ID(3), expired[1].ID)
	require.Equal(t, 1, q.Len())
}

func TestPopExpiredDiscardsStaleGeneration(t *testing.T) {
	// spec.md §4.6/§8: a stale wake after slot reuse is discarded via
	// generation mismatch and produces no wake.
	q := sleepq.New()
	q.Schedule(task.ID(5), 100, 1)
	gens := map[task.ID]uint32{5: 2} // slot 5 was reused since scheduling

	expired := q.PopExpired(1000, currentGenOf(gens))
	require.Empty(t, expired)
	require.Equal(t, 0, q.Len())
}

func TestPopExpiredLeavesFutureEntries(t *testing.T) {
	q := sleepq.New()
	gens := map[task.ID]uint32{1: 0}
	q.Schedule(task.ID(1), 1000, 0)

	expired := q.PopExpired(500, currentGenOf(gens))
	require.Empty(t, expired)
	require.Equal(t, 1, q.Len())
}

func TestZeroDurationSleepIsImmediatelyExpired(t *testing.T) {
	// spec.md §8: a task that sleeps for 0 duration is immediately ready.
	q := sleepq.New()
	gens := map[task.ID]uint32{9: 0}
	now := int64(1_000_000)
	q.Schedule(task.ID(9), now, 0)

	expired := q.PopExpired(now, currentGenOf(gens))
	require.Len(t, expired, 1)
	require.Equal(t, task.ID(9), expired[0].ID)
}
