package timer_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/GssMahadevan/gvthread/internal/platform"
	"github.com/GssMahadevan/gvthread/internal/sleepq"
	"github.com/GssMahadevan/gvthread/internal/task"
	"github.com/GssMahadevan/gvthread/internal/timer"
	"github.com/stretchr/testify/require"
)

// stalledWorkerView reports a single worker permanently running task id
// with an activity counter that never advances, simulating a CPU-bound
// task that never hits a safepoint (spec.md §8 scenario 3).
type stalledWorkerView struct {
	id task.ID
}

func (stalledWorkerView) NumWorkers() int                { return 1 }
func (v stalledWorkerView) RunningTask(int) task.ID       { return v.id }
func (stalledWorkerView) ActivityCounter(int) uint64      { return 0 }
func (stalledWorkerView) KernelThreadID(int) int          { return 1234 }
func (stalledWorkerView) LowPriority(int) bool            { return false }

func TestDetectStallsSetsFlagThenSignalsAfterGracePeriod(t *testing.T) {
	var flagCalls, signalCalls atomic.Int32

	tm := timer.New(timer.Config{
		TimerInterval:       time.Millisecond,
		TimeSlice:           5 * time.Millisecond,
		GracePeriod:         5 * time.Millisecond,
		EnableForcedPreempt: true,
	}, sleepq.New(), stalledWorkerView{id: task.ID(1)}, timer.Callbacks{
		Wake:              func(task.ID) {},
		SetPreemptFlag:    func(int) { flagCalls.Add(1) },
		DeliverSignal:     func(int, int) error { signalCalls.Add(1); return nil },
		CurrentGeneration: func(task.ID) uint32 { return 0 },
	})

	go tm.Run()
	defer func() {
		tm.Stop()
		<-tm.Done()
	}()

	require.Eventually(t, func() bool { return flagCalls.Load() > 0 }, time.Second, time.Millisecond,
		"cooperative preempt flag should be set once the time slice elapses")
	require.Eventually(t, func() bool { return signalCalls.Load() > 0 }, time.Second, time.Millisecond,
		"forced signal should be delivered once the grace period elapses")
}

func TestDetectStallsNeverFiresWithoutARunningTask(t *testing.T) {
	var flagCalls atomic.Int32
	tm := timer.New(timer.Config{
		TimerInterval:       time.Millisecond,
		TimeSlice:           2 * time.Millisecond,
		GracePeriod:         2 * time.Millisecond,
		EnableForcedPreempt: true,
	}, sleepq.New(), stalledWorkerView{id: task.None}, timer.Callbacks{
		Wake:              func(task.ID) {},
		SetPreemptFlag:    func(int) { flagCalls.Add(1) },
		DeliverSignal:     func(int, int) error { return nil },
		CurrentGeneration: func(task.ID) uint32 { return 0 },
	})

	go tm.Run()
	time.Sleep(30 * time.Millisecond)
	tm.Stop()
	<-tm.Done()

	require.Zero(t, flagCalls.Load())
}

func TestTimerServicesSleepQueueAndWakes(t *testing.T) {
	sq := sleepq.New()
	woken := make(chan task.ID, 1)

	tm := timer.New(timer.Config{
		TimerInterval:       time.Millisecond,
		TimeSlice:           time.Hour,
		GracePeriod:         time.Hour,
		EnableForcedPreempt: false,
	}, sq, stalledWorkerView{id: task.None}, timer.Callbacks{
		Wake:              func(id task.ID) { woken <- id },
		SetPreemptFlag:    func(int) {},
		DeliverSignal:     func(int, int) error { return nil },
		CurrentGeneration: func(task.ID) uint32 { return 0 },
	})

	go tm.Run()
	defer func() {
		tm.Stop()
		<-tm.Done()
	}()

	// Give the timer a tick to establish its coarse clock, then
	// schedule a wake already in the past.
	time.Sleep(3 * time.Millisecond)
	sq.Schedule(task.ID(42), platform.CoarseNow(), 0)

	select {
	case id := <-woken:
		require.Equal(t, task.ID(42), id)
	case <-time.After(time.Second):
		t.Fatal("timer never serviced the expired sleep entry")
	}
}

func TestNowReflectsCoarseClock(t *testing.T) {
	tm := timer.New(timer.Config{TimerInterval: time.Millisecond}, sleepq.New(), stalledWorkerView{id: task.None}, timer.Callbacks{
		Wake:              func(task.ID) {},
		SetPreemptFlag:    func(int) {},
		DeliverSignal:     func(int, int) error { return nil },
		CurrentGeneration: func(task.ID) uint32 { return 0 },
	})
	require.Zero(t, tm.Now(), "clock is unset until Run has ticked at least once")

	go tm.Run()
	defer func() {
		tm.Stop()
		<-tm.Done()
	}()
	require.Eventually(t, func() bool { return tm.Now() > 0 }, time.Second, time.Millisecond)
}
