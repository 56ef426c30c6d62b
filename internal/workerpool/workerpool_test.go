package workerpool_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/GssMahadevan/gvthread/internal/preempt"
	"github.com/GssMahadevan/gvthread/internal/readyq"
	"github.com/GssMahadevan/gvthread/internal/task"
	"github.com/GssMahadevan/gvthread/internal/workerpool"
	"github.com/stretchr/testify/require"
)

func noopPreemptHandler(int) preempt.Handler { return preempt.Handler{} }

func testConfig() workerpool.Config {
	return workerpool.Config{
		NumWorkers:          2,
		ParkTimeout:         10 * time.Millisecond,
		ParkCooldown:        time.Millisecond,
		EnableForcedPreempt: false, // no real sigaction install in tests
	}
}

func TestPoolDispatchesPoppedTasks(t *testing.T) {
	rq := readyq.New(2, 8)
	dispatched := make(chan task.ID, 4)

	pool := workerpool.New(testConfig(), rq, func(w int, state *workerpool.State, id task.ID) {
		dispatched <- id
	}, nil)
	pool.Start(noopPreemptHandler)
	defer func() {
		pool.Stop()
		pool.Wait()
	}()

	rq.Push(task.ID(11), -1)
	rq.Push(task.ID(12), -1)

	seen := map[task.ID]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-dispatched:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatal("pool never dispatched a pushed task")
		}
	}
	require.True(t, seen[task.ID(11)])
	require.True(t, seen[task.ID(12)])
}

func TestPriorityGateVetoRequeuesForAnotherAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.NumWorkers = 1
	rq := readyq.New(1, 8)
	dispatched := make(chan task.ID, 1)
	var gateCalls atomic.Int32

	pool := workerpool.New(cfg, rq, func(w int, state *workerpool.State, id task.ID) {
		dispatched <- id
	}, func(w int, state *workerpool.State, id task.ID) bool {
		// Veto exactly once, then allow.
		return gateCalls.Add(1) > 1
	})
	pool.Start(noopPreemptHandler)
	defer func() {
		pool.Stop()
		pool.Wait()
	}()

	rq.Push(task.ID(5), 0)

	select {
	case id := <-dispatched:
		require.Equal(t, task.ID(5), id)
	case <-time.After(time.Second):
		t.Fatal("task vetoed by the priority gate was never eventually dispatched")
	}
	require.GreaterOrEqual(t, gateCalls.Load(), int32(2))
}

func TestLowPriorityWorkersAreMarked(t *testing.T) {
	cfg := testConfig()
	cfg.NumWorkers = 3
	cfg.NumLowPriorityWorkers = 1
	pool := workerpool.New(cfg, readyq.New(3, 8), func(int, *workerpool.State, task.ID) {}, nil)

	require.True(t, pool.LowPriority(0))
	require.False(t, pool.LowPriority(1))
	require.False(t, pool.LowPriority(2))
}

func TestRunningTaskReflectsDispatchInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.NumWorkers = 1
	rq := readyq.New(1, 8)
	inDispatch := make(chan struct{})
	release := make(chan struct{})

	pool := workerpool.New(cfg, rq, func(w int, state *workerpool.State, id task.ID) {
		state.RunningTask.Store(uint32(id))
		close(inDispatch)
		<-release
		state.RunningTask.Store(uint32(task.None))
	}, nil)
	pool.Start(noopPreemptHandler)
	defer func() {
		close(release)
		pool.Stop()
		pool.Wait()
	}()

	rq.Push(task.ID(1), 0)
	<-inDispatch
	require.Eventually(t, func() bool { return pool.RunningTask(0) != task.None }, time.Second, time.Millisecond)
}
