package gvthread

import (
	"fmt"

	"github.com/GssMahadevan/gvthread/internal/gident"
	"github.com/GssMahadevan/gvthread/internal/obslog"
	"github.com/GssMahadevan/gvthread/internal/task"
	"github.com/GssMahadevan/gvthread/internal/workerpool"
)

// Spawn starts entry as a new Normal-priority task and returns its id.
func (rt *Runtime) Spawn(entry Func, arg any) (TaskID, error) {
	return rt.SpawnWithPriority(entry, arg, PriorityNormal)
}

// SpawnWithPriority is Spawn with an explicit advisory priority
// (spec.md §4.9 spawn).
func (rt *Runtime) SpawnWithPriority(entry Func, arg any, prio Priority) (TaskID, error) {
	return rt.spawn(task.None, -1, entry, arg, prio)
}

func (rt *Runtime) spawn(parent TaskID, hintWorker int, entry Func, arg any, prio Priority) (TaskID, error) {
	if rt.shuttingDown.Load() {
		return task.None, &ShutdownInProgressError{}
	}
	slot, err := rt.alloc.Allocate()
	if err != nil {
		return task.None, &CapacityExceededError{MaxTasks: int(rt.alloc.Total())}
	}
	id := task.ID(slot)
	if err := rt.region.Activate(slot); err != nil {
		rt.alloc.Release(slot)
		return task.None, &MemoryActivationFailedError{Err: err}
	}

	m := rt.slots[id]
	m.Reset(id, parent, entry, arg, prio)
	g := rt.gates[id]

	rt.region.Stamp(slot, m.Generation.Load())

	rt.spawnCount.Add(1)
	rt.liveTasks.Add(1)
	go rt.runBody(m, g)

	m.SetState(task.Ready)
	rt.rq.Push(id, hintWorker)
	return id, nil
}

// runBody is the goroutine hosting one task's entire lifetime. It runs
// on an ordinary Go-managed stack (see DESIGN.md "execution model" for
// why this departs from the literal hand-switched-raw-stack design)
// and synchronizes with whichever worker currently "owns" it through a
// pair of unbuffered channels: blocked on toTask between slices,
// signaling toWorker when it yields, sleeps, blocks, or finishes.
func (rt *Runtime) runBody(m *task.Metadata, g *taskGate) {
	rt.registerCurrent(m.Self)
	defer rt.unregisterCurrent()

	<-g.toTask

	result := rt.runEntry(m)

	rt.finish(m.Self, result)
	g.toWorker <- struct{}{}
}

func (rt *Runtime) runEntry(m *task.Metadata) (result any) {
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Errorf("gvthread: task %d panicked: %v", uint32(m.Self), r)
		}
	}()
	return m.Entry(m.Arg)
}

func (rt *Runtime) registerCurrent(id TaskID) { rt.byGoroutine.Store(gident.Current(), id) }
func (rt *Runtime) unregisterCurrent()        { rt.byGoroutine.Delete(gident.Current()) }

func (rt *Runtime) currentMetadata() (*task.Metadata, bool) {
	v, ok := rt.byGoroutine.Load(gident.Current())
	if !ok {
		return nil, false
	}
	return rt.slots[v.(TaskID)], true
}

// dispatch satisfies workerpool.Dispatch: run exactly one slice of id
// on worker w, then handle the outcome per spec.md §4.8.
func (rt *Runtime) dispatch(w int, state *workerpool.State, id TaskID) {
	m := rt.slots[id]
	g := rt.gates[id]

	m.SetState(task.Running)
	m.WorkerID.Store(int32(w))
	state.RunningTask.Store(uint32(id))
	state.Activity.Add(1)

	g.toTask <- struct{}{}
	<-g.toWorker

	state.RunningTask.Store(uint32(task.None))

	switch m.State() {
	case task.Ready:
		rt.rq.Push(id, w)
	case task.Finished, task.Sleeping, task.Blocked:
		// Finished: finish() already did every bit of cleanup.
		// Sleeping: already registered with the sleep queue.
		// Blocked: already referenced by whatever external waker the
		// caller registered before calling BlockCurrent.
	}
}

// priorityGate satisfies workerpool.PriorityGate (spec.md §4.8
// low-priority segregation): a non-low-priority worker skips a
// Priority::Low task while other ready work exists, leaving it for a
// low-priority worker.
func (rt *Runtime) priorityGate(_ int, state *workerpool.State, id TaskID) bool {
	if state.LowPriority {
		return true
	}
	m := rt.slots[id]
	if m.Priority() == task.Low && rt.rq.Len() > 0 {
		return false
	}
	return true
}

func (rt *Runtime) finish(id TaskID, result any) {
	m := rt.slots[id]
	m.Result.Store(&result)
	rt.finishCount.Add(1)
	m.SetState(task.Finished)
	m.DrainWaiters()
	rt.liveTasks.Add(-1)

	if !rt.region.VerifyStamp(uint32(id), m.Generation.Load()) {
		obslog.L().Warn().Uint32("task", uint32(id)).Msg("slot's committed memory canary did not match its spawn-time stamp")
	}
	if err := rt.region.Deactivate(uint32(id)); err != nil {
		obslog.L().Warn().Err(err).Uint32("task", uint32(id)).Msg("slot deactivation failed")
	}
	m.BumpGeneration()
	rt.alloc.Release(uint32(id))
}

// yieldInternal performs the voluntary switch: mark Ready, hand
// control back to the worker (which re-enqueues), then block until
// dispatched again.
func (rt *Runtime) yieldInternal(m *task.Metadata) {
	g := rt.gates[m.Self]
	m.SetState(task.Ready)
	g.toWorker <- struct{}{}
	<-g.toTask
}

// YieldNow voluntarily gives up the worker, unconditionally (spec.md
// §4.9 yield_now). A no-op if called outside a task.
func (rt *Runtime) YieldNow() {
	m, ok := rt.currentMetadata()
	if !ok {
		return
	}
	rt.yieldInternal(m)
}

// Safepoint bumps the current worker's activity counter and, if the
// cooperative preemption flag is set, yields (spec.md §4.9 safepoint).
// A no-op if called outside a task.
func (rt *Runtime) Safepoint() {
	m, ok := rt.currentMetadata()
	if !ok {
		return
	}
	if w := m.WorkerID.Load(); w >= 0 {
		rt.pool.State(int(w)).Activity.Add(1)
	}
	if m.PreemptFlag.Swap(0) != 0 {
		rt.yieldInternal(m)
	}
}

// BlockCurrent marks the current task Blocked and does not re-enqueue
// it (spec.md §4.9 block_current). The caller must have already
// registered the task with whatever external waker will eventually
// call Wake. A no-op if called outside a task.
func (rt *Runtime) BlockCurrent() {
	m, ok := rt.currentMetadata()
	if !ok {
		return
	}
	g := rt.gates[m.Self]
	m.SetState(task.Blocked)
	g.toWorker <- struct{}{}
	<-g.toTask
}

// SleepUntil sets Sleeping, registers with the sleep queue, then blocks
// (spec.md §4.9 sleep_until). A no-op if called outside a task.
func (rt *Runtime) SleepUntil(deadlineNanos int64) {
	m, ok := rt.currentMetadata()
	if !ok {
		return
	}
	g := rt.gates[m.Self]
	gen := m.Generation.Load()
	m.WakeAt.Store(deadlineNanos)
	m.SetState(task.Sleeping)
	rt.sq.Schedule(m.Self, deadlineNanos, gen)
	g.toWorker <- struct{}{}
	<-g.toTask
}

// Sleep sleeps the current task for d, relative to the timer's coarse
// clock. A no-op if called outside a task.
func (rt *Runtime) Sleep(d int64) { rt.SleepUntil(rt.tm.Now() + d) }

// Wake transitions a Blocked/Sleeping task to Ready and re-enqueues it
// with worker affinity if known (spec.md §4.9 wake). Idempotent: waking
// a task that is not Blocked/Sleeping is a no-op. Panics (InvalidId)
// if id is task.None or outside the slot table.
func (rt *Runtime) Wake(id TaskID) error {
	rt.mustValidID(id)
	m := rt.slots[id]
	switch m.State() {
	case task.Sleeping, task.Blocked:
		m.SetState(task.Ready)
		rt.rq.Push(id, int(m.WorkerID.Load()))
	}
	return nil
}

// Cancel sets id's cancelled flag (spec.md §4.9 cancel). The task
// observes it cooperatively by calling Cancelled; Safepoint does not
// check it. Panics (InvalidId) if id is task.None or outside the slot
// table.
func (rt *Runtime) Cancel(id TaskID) {
	rt.mustValidID(id)
	rt.slots[id].CancelledFlag.Store(1)
}

// Cancelled reports whether the current task's cancelled flag is set.
// Returns false if called outside a task.
func (rt *Runtime) Cancelled() bool {
	m, ok := rt.currentMetadata()
	return ok && m.CancelledFlag.Load() != 0
}

// CurrentID returns the id of the task the calling goroutine is
// executing, and whether one was found (spec.md §4.9 current_id).
func (rt *Runtime) CurrentID() (TaskID, bool) {
	v, ok := rt.byGoroutine.Load(gident.Current())
	if !ok {
		return task.None, false
	}
	return v.(TaskID), true
}

// IsInTask reports whether the calling goroutine is running a task
// (spec.md §4.9 is_in_task).
func (rt *Runtime) IsInTask() bool {
	_, ok := rt.CurrentID()
	return ok
}

// CurrentWorker returns the worker id currently hosting the calling
// goroutine's task (spec.md §3's metadata.worker_id), and whether one
// was found. A no-op (returns -1, false) outside a task or before the
// task has been dispatched onto a worker.
func (rt *Runtime) CurrentWorker() (int, bool) {
	m, ok := rt.currentMetadata()
	if !ok {
		return -1, false
	}
	w := m.WorkerID.Load()
	return int(w), w >= 0
}

// Join blocks until id finishes and returns its result. Panics
// (InvalidId) if id is task.None or outside the slot table.
func (rt *Runtime) Join(id TaskID) (any, error) {
	rt.mustValidID(id)
	m := rt.slots[id]

	w := task.NewWaiter()
	m.AddWaiter(w)
	if m.State() != task.Finished {
		<-w.Chan()
	}

	if r := m.Result.Load(); r != nil {
		return *r, nil
	}
	return nil, nil
}

func (rt *Runtime) mustValidID(id TaskID) {
	if id == task.None || uint32(id) >= uint32(len(rt.slots)) {
		panic(invalidIDPanic{ID: uint32(id)})
	}
}
