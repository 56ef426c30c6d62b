package gvthread

import (
	"fmt"
	goruntime "runtime"
	"sync"
	"sync/atomic"

	"github.com/GssMahadevan/gvthread/internal/memregion"
	"github.com/GssMahadevan/gvthread/internal/obslog"
	"github.com/GssMahadevan/gvthread/internal/platform"
	"github.com/GssMahadevan/gvthread/internal/preempt"
	"github.com/GssMahadevan/gvthread/internal/readyq"
	"github.com/GssMahadevan/gvthread/internal/sleepq"
	"github.com/GssMahadevan/gvthread/internal/slotalloc"
	"github.com/GssMahadevan/gvthread/internal/task"
	"github.com/GssMahadevan/gvthread/internal/timer"
	"github.com/GssMahadevan/gvthread/internal/workerpool"
	"golang.org/x/sys/unix"
)

// TaskID identifies a spawned task.
type TaskID = task.ID

// Priority is advisory scheduling priority (SPEC_FULL.md §1).
type Priority = task.Priority

const (
	PriorityCritical = task.Critical
	PriorityHigh     = task.High
	PriorityNormal   = task.Normal
	PriorityLow      = task.Low
)

// Func is the type-erased entry point a spawned task runs.
type Func = task.Closure

// taskGate is the per-slot synchronous handoff between a worker's
// dispatch loop and the goroutine hosting that slot's task body (see
// DESIGN.md "execution model"): an unbuffered round-trip, reused across
// every slot occupant for the slot's lifetime.
type taskGate struct {
	toTask   chan struct{}
	toWorker chan struct{}
}

// Runtime is the scheduler: memory region, slot allocator, ready and
// sleep queues, worker pool, and timer thread, wired together per
// spec.md §4.9.
type Runtime struct {
	cfg    Config
	region *memregion.Region
	alloc  *slotalloc.Allocator
	slots  []*task.Metadata
	gates  []*taskGate

	rq   *readyq.Default
	sq   *sleepq.Queue
	tm   *timer.Timer
	pool *workerpool.Pool

	byGoroutine sync.Map // uint64 (gident.Current()) -> task.ID

	spawnCount   atomic.Uint64
	finishCount  atomic.Uint64
	liveTasks    atomic.Int64 // spawned but not yet finished, including descendants
	shuttingDown atomic.Bool
	stopOnce     sync.Once
}

// New constructs a Runtime: reserves the memory region, builds the
// ready/sleep queues, starts the worker pool and the timer thread.
// Mirrors spec.md §6 Runtime::new.
func New(cfg Config) (*Runtime, error) {
	if preempt.Unsupported {
		return nil, fmt.Errorf("gvthread: no context-switch backend for this GOOS/GOARCH (spec.md §1 scopes this core to linux/amd64)")
	}
	cfg = cfg.withDefaults()

	region, err := memregion.New(cfg.SlotSize, cfg.MaxTasks)
	if err != nil {
		return nil, &MemoryActivationFailedError{Err: err}
	}

	rt := &Runtime{
		cfg:    cfg,
		region: region,
		alloc:  slotalloc.New(uint32(cfg.MaxTasks)),
		slots:  make([]*task.Metadata, cfg.MaxTasks),
		gates:  make([]*taskGate, cfg.MaxTasks),
		rq:     readyq.New(cfg.NumWorkers, cfg.LocalQueueCapacity),
		sq:     sleepq.New(),
	}
	for i := range rt.slots {
		m := &task.Metadata{}
		m.WorkerID.Store(-1)
		rt.slots[i] = m
		rt.gates[i] = &taskGate{toTask: make(chan struct{}), toWorker: make(chan struct{})}
	}

	rt.pool = workerpool.New(workerpool.Config{
		NumWorkers:            cfg.NumWorkers,
		NumLowPriorityWorkers: cfg.NumLowPriorityWorkers,
		ParkTimeout:           cfg.ParkTimeout,
		ParkCooldown:          cfg.ParkCooldown,
		EnableForcedPreempt:   cfg.EnableForcedPreempt,
		PreemptSignal:         cfg.PreemptSignal,
	}, rt.rq, rt.dispatch, rt.priorityGate)

	rt.tm = timer.New(timer.Config{
		TimerInterval:       cfg.TimerInterval,
		TimeSlice:           cfg.TimeSlice,
		GracePeriod:         cfg.GracePeriod,
		EnableForcedPreempt: cfg.EnableForcedPreempt,
	}, rt.sq, rt.pool, timer.Callbacks{
		Wake:              func(id task.ID) { _ = rt.Wake(id) },
		SetPreemptFlag:    rt.setPreemptFlag,
		DeliverSignal:     rt.deliverSignal,
		CurrentGeneration: func(id task.ID) uint32 { return rt.slots[id].Generation.Load() },
	})

	rt.pool.Start(rt.makePreemptHandler)
	go rt.tm.Run()

	return rt, nil
}

// BlockOn spawns entry as the root task, waits for it and every
// descendant it transitively spawned to finish (tracked via liveTasks,
// bumped on every spawn and dropped on every finish), then shuts the
// runtime down and returns entry's result.
func (rt *Runtime) BlockOn(entry Func, arg any) (any, error) {
	id, err := rt.Spawn(entry, arg)
	if err != nil {
		return nil, err
	}
	result, err := rt.Join(id)
	rt.drainDescendants()
	rt.Shutdown()
	return result, err
}

// drainDescendants polls liveTasks down to zero after the root task has
// finished. A plain poll rather than a condvar: this runs once, outside
// any task, at block_on's tail, not on a hot path (spec.md §6).
func (rt *Runtime) drainDescendants() {
	for rt.liveTasks.Load() > 0 {
		goruntime.Gosched()
	}
}

// Shutdown requests an orderly exit: stops accepting new spawns, stops
// the timer, and stops the worker pool once its current slices drain.
func (rt *Runtime) Shutdown() {
	rt.stopOnce.Do(func() {
		rt.shuttingDown.Store(true)
		rt.tm.Stop()
		rt.pool.Stop()
		<-rt.tm.Done()
		if err := rt.region.Close(); err != nil {
			obslog.L().Warn().Err(err).Msg("memory region close failed during shutdown")
		}
	})
}

// Stats is a point-in-time snapshot for diagnostics (SPEC_FULL.md §4
// supplemental feature).
type Stats struct {
	Spawned     uint64
	Finished    uint64
	ActiveTasks int
	ReadyLen    int
	SleepingLen int
	FreeSlots   int
	TotalSlots  int
}

// Stats reports a snapshot of scheduler-wide counters.
func (rt *Runtime) Stats() Stats {
	return Stats{
		Spawned:     rt.spawnCount.Load(),
		Finished:    rt.finishCount.Load(),
		ActiveTasks: int(rt.alloc.Total()) - rt.alloc.Available(),
		ReadyLen:    rt.rq.Len(),
		SleepingLen: rt.sq.Len(),
		FreeSlots:   rt.alloc.Available(),
		TotalSlots:  int(rt.alloc.Total()),
	}
}

// makePreemptHandler builds the per-worker signal handler installed by
// internal/preempt. CurrentTask always reports "nothing to preempt"
// here (see DESIGN.md "forced preemption is a safe no-op"): a task
// body runs on its own goroutine (scheduler.go's runBody), not pinned
// to this worker's locked OS thread, so the signal that interrupts
// this thread never actually interrupts the task's execution context
// - the task may be running on an entirely different M, or not running
// at all because its goroutine is parked on <-g.toTask. Reporting a
// task here would make onPreempt mark it Ready and requeue it while
// its own goroutine is still live and believes itself Running,
// corrupting the slot's state and racing whichever worker pops the
// duplicate entry. Answering false instead keeps onPreempt on its
// verified no-op path (spec.md §4.10's "signal with no running task"),
// so a signal landing here is always harmless, never merely untested.
func (rt *Runtime) makePreemptHandler(w int) preempt.Handler {
	return preempt.Handler{
		CurrentTask: func() (*task.Metadata, bool) {
			if id := rt.pool.RunningTask(w); id != task.None {
				obslog.L().Debug().Int("worker", w).Msg("forced-preempt signal observed a nominally running task; ignoring (goroutine-hosted tasks cannot be safely requeued from a signal handler)")
			}
			return nil, false
		},
		Requeue: func(id task.ID) {
			rt.rq.Push(id, w)
		},
		ResumeScheduler: func() {
			// No-op: the signal lands on the worker's own dispatch loop
			// (see DESIGN.md) and simply resumes at the interrupted
			// instruction, same as spec.md §4.4's "may resume either
			// the interrupted code or scheduler code".
		},
	}
}

func (rt *Runtime) setPreemptFlag(w int) {
	id := rt.pool.RunningTask(w)
	if id == task.None {
		return
	}
	rt.slots[id].PreemptFlag.Store(1)
}

func (rt *Runtime) deliverSignal(_ int, tid int) error {
	sig := rt.cfg.PreemptSignal
	if sig == 0 {
		sig = preempt.DefaultSignal
	}
	return platform.Tgkill(tid, unix.Signal(sig))
}
