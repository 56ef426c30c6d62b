// Package timer drives the single background thread described in
// spec.md §4.7: it services the sleep queue and detects stalled tasks
// for preemption, running from runtime start to shutdown.
package timer

import (
	"sync/atomic"
	"time"

	"github.com/GssMahadevan/gvthread/internal/obslog"
	"github.com/GssMahadevan/gvthread/internal/platform"
	"github.com/GssMahadevan/gvthread/internal/sleepq"
	"github.com/GssMahadevan/gvthread/internal/task"
)

// WorkerView is the subset of worker state the timer needs to read,
// satisfied by internal/workerpool's Pool; neither package imports the
// other.
type WorkerView interface {
	NumWorkers() int
	RunningTask(worker int) task.ID
	ActivityCounter(worker int) uint64
	KernelThreadID(worker int) int
	LowPriority(worker int) bool
}

// Config mirrors the relevant fields of the root Config.
type Config struct {
	TimerInterval       time.Duration
	TimeSlice           time.Duration
	GracePeriod         time.Duration
	EnableForcedPreempt bool
}

// Callbacks the timer invokes; supplied by the scheduler so this
// package never imports it.
type Callbacks struct {
	// Wake transitions a sleeping task to Ready and enqueues it.
	Wake func(id task.ID)
	// SetPreemptFlag sets the cooperative preemption flag on the
	// currently-running task of the given worker, if any.
	SetPreemptFlag func(worker int)
	// DeliverSignal sends the preemption signal to a worker's kernel
	// thread, for tasks that ignored the cooperative flag.
	DeliverSignal func(worker int, tid int) error
	// CurrentGeneration reports a slot's live generation counter, used
	// to discard stale sleep-queue entries after slot reuse.
	CurrentGeneration func(id task.ID) uint32
}

// Timer is the single background preemption/sleep-service thread.
type Timer struct {
	cfg   Config
	sq    *sleepq.Queue
	cb    Callbacks
	wv    WorkerView
	clock atomic.Int64 // coarse monotonic clock, updated every loop pass

	stopped atomic.Bool
	done    chan struct{}

	sliceStart     []int64   // per worker, when the current task's time slice began
	lastRunning    []task.ID // per worker, the task id sliceStart was measured against
	activityAtFlag []uint64  // per worker, ActivityCounter snapshot taken at slice start, refreshed when phase 2 sees it moved or after a signal
}

// New constructs a timer bound to the given sleep queue, worker view,
// and callbacks. Call Run in its own goroutine.
func New(cfg Config, sq *sleepq.Queue, wv WorkerView, cb Callbacks) *Timer {
	n := wv.NumWorkers()
	lastRunning := make([]task.ID, n)
	for i := range lastRunning {
		lastRunning[i] = task.None
	}
	return &Timer{
		cfg:            cfg,
		sq:             sq,
		cb:             cb,
		wv:             wv,
		done:           make(chan struct{}),
		sliceStart:     make([]int64, n),
		lastRunning:    lastRunning,
		activityAtFlag: make([]uint64, n),
	}
}

// Now returns the timer's coarse monotonic clock with a single atomic
// load, avoiding a real clock read on every safepoint (spec.md §4.7).
func (t *Timer) Now() int64 { return t.clock.Load() }

// Stop requests the timer loop exit at its next iteration.
func (t *Timer) Stop() { t.stopped.Store(true) }

// Done is closed once Run has returned.
func (t *Timer) Done() <-chan struct{} { return t.done }

// Run executes the three-step loop from spec.md §4.7 until Stop is
// called. Intended to run on its own goroutine for the runtime's
// lifetime.
func (t *Timer) Run() {
	defer close(t.done)
	for !t.stopped.Load() {
		now := platform.CoarseNow()
		t.clock.Store(now)

		sleepDur := t.nextSleepInterval(now)

		t.serviceSleepQueue(now)
		t.detectStalls(now)

		if sleepDur > 0 {
			time.Sleep(sleepDur)
		}
	}
}

// nextSleepInterval bounds the loop's sleep by the tick interval; the
// sleep queue's own next expiry is handled implicitly by bounding the
// wait to at most one tick (spec.md §4.7 step 1's "bounded maximum").
func (t *Timer) nextSleepInterval(_ int64) time.Duration {
	interval := t.cfg.TimerInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}

func (t *Timer) serviceSleepQueue(now int64) {
	expired := t.sq.PopExpired(now, t.cb.CurrentGeneration)
	for _, e := range expired {
		t.cb.Wake(e.ID)
	}
}

// detectStalls implements spec.md §4.7's two-phase preemption: phase 1
// (cooperative) fires unconditionally once a task has held its worker
// for a full time slice, regardless of whether it is still making
// progress through Safepoint - a task spinning on Safepoint in a tight
// loop must see its flag set just as surely as one that has hung
// entirely, since either way it has overrun its slice. Phase 2 (the
// forced signal) is what the activity counter gates: it only escalates
// once the counter has stopped moving since the flag was armed, i.e.
// the task is ignoring the cooperative flag rather than merely
// finishing its current slice a little late.
func (t *Timer) detectStalls(now int64) {
	n := t.wv.NumWorkers()
	for w := 0; w < n; w++ {
		running := t.wv.RunningTask(w)
		if running == task.None {
			t.sliceStart[w] = 0
			t.lastRunning[w] = task.None
			continue
		}

		activity := t.wv.ActivityCounter(w)

		if running != t.lastRunning[w] {
			// A new task has been dispatched onto this worker: start
			// timing its slice fresh.
			t.lastRunning[w] = running
			t.sliceStart[w] = now
			t.activityAtFlag[w] = activity
			continue
		}
		if t.sliceStart[w] == 0 {
			t.sliceStart[w] = now
			t.activityAtFlag[w] = activity
			continue
		}

		heldFor := time.Duration(now - t.sliceStart[w])
		if heldFor < t.cfg.TimeSlice {
			continue
		}

		// Phase 1: the task has overrun its slice. Arm (or re-arm) the
		// cooperative flag every tick regardless of counter motion, so
		// a task that keeps calling Safepoint without ever observing a
		// cleared flag still yields at its very next safepoint.
		t.cb.SetPreemptFlag(w)

		if !t.cfg.EnableForcedPreempt {
			continue
		}
		if heldFor < t.cfg.TimeSlice+t.cfg.GracePeriod {
			continue
		}

		// Phase 2: only escalate to the forced signal once the grace
		// period has also elapsed AND the activity counter has not
		// moved since the flag was armed - proof the task never
		// reached a safepoint to observe it, rather than one that is
		// still dutifully calling Safepoint every iteration.
		if activity != t.activityAtFlag[w] {
			t.activityAtFlag[w] = activity
			continue
		}
		tid := t.wv.KernelThreadID(w)
		if err := t.cb.DeliverSignal(w, tid); err != nil {
			obslog.L().Warn().Err(err).Int("worker", w).Msg("preemption signal delivery failed; worker degraded to cooperative-only")
		}
		// Re-arm the grace-period window so we don't re-signal every
		// tick while the worker is mid-handler.
		t.sliceStart[w] = now
		t.activityAtFlag[w] = activity
	}
}
