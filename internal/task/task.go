// Package task defines the fixed-layout per-task control block and the
// states it moves through. internal/preempt's signal handler fills the
// forced-save area field by field (preempt_amd64.go's captureForced); the
// fixed offsets it uses are those of the kernel's ucontext_t, not of
// ForcedSave.
package task

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// ID is a 32-bit index into the slot table. None is the all-ones sentinel.
type ID uint32

// None means "no task".
const None ID = 1<<32 - 1

// State is a task's position in its lifecycle (spec.md §3).
type State uint32

const (
	Created State = iota
	Ready
	Running
	Blocked
	Sleeping
	Preempted
	Finished
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Sleeping:
		return "sleeping"
	case Preempted:
		return "preempted"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Priority is advisory within a queue; it never changes routing except
// for the Low/low-priority-worker split (spec.md §4.8).
type Priority uint32

const (
	Critical Priority = iota
	High
	Normal
	Low
)

// ForcedSave holds the full general-purpose register file and flags, as
// captured by the signal handler off the kernel's signal frame (spec.md
// §4.4). FPU state is referenced through a pointer and is only valid if
// FPDirty is set.
type ForcedSave struct {
	RAX, RBX, RCX, RDX uintptr
	RSI, RDI, RBP, RSP uintptr
	R8, R9, R10, R11   uintptr
	R12, R13, R14, R15 uintptr
	RIP, EFLAGS        uintptr
	FPState            unsafe.Pointer
	FPDirty            uint32
}

// Closure is the type-erased entry point a spawned task runs.
type Closure func(arg any) any

// Metadata is the fixed-layout per-task control block. Fields touched by
// more than one party (owning task, scheduler, worker, timer, or a
// waker on a foreign worker) are atomic; the rest are plain and are only
// ever touched by the owning task or by the scheduler while the task is
// provably not running (spec.md §3 invariants).
type Metadata struct {
	// Control bytes.
	PreemptFlag   atomic.Uint32
	CancelledFlag atomic.Uint32
	StateWord     atomic.Uint32
	PriorityWord  atomic.Uint32

	// Identity.
	Self       ID
	Parent     ID
	WorkerID   atomic.Int32
	Generation atomic.Uint32

	// Entry.
	Entry Closure
	Arg   any

	// Join.
	Result  atomic.Pointer[any]
	Waiters atomic.Pointer[waiterList]

	// Timing.
	CreatedAt time.Time
	WakeAt    atomic.Int64 // unix nanos; 0 if not sleeping

	// Register save area, read by the forced-preemption signal handler.
	Forced ForcedSave
}

// waiterList is a lock-free singly-linked list of channels to close on
// finish, used by the Join operation (SPEC_FULL.md §4).
type waiterList struct {
	ch   chan struct{}
	next *waiterList
}

// NewWaiter allocates a waiter node. Callers must not invoke this from
// code running on a task stack (spec.md §5 hot-path hazard); Join
// calls happen from ordinary goroutines or the worker loop between task
// executions, never mid-task.
func NewWaiter() *waiterList {
	return &waiterList{ch: make(chan struct{})}
}

func (w *waiterList) Chan() chan struct{} { return w.ch }

// AddWaiter pushes a new waiter onto m.Waiters using a lock-free CAS
// loop; safe to call concurrently with Finish's drain.
func (m *Metadata) AddWaiter(w *waiterList) {
	for {
		head := m.Waiters.Load()
		w.next = head
		if m.Waiters.CompareAndSwap(head, w) {
			return
		}
	}
}

// DrainWaiters closes every registered waiter channel, used on finish.
func (m *Metadata) DrainWaiters() {
	head := m.Waiters.Swap(nil)
	for n := head; n != nil; n = n.next {
		close(n.ch)
	}
}

func (m *Metadata) State() State     { return State(m.StateWord.Load()) }
func (m *Metadata) SetState(s State) { m.StateWord.Store(uint32(s)) }

func (m *Metadata) Priority() Priority     { return Priority(m.PriorityWord.Load()) }
func (m *Metadata) SetPriority(p Priority) { m.PriorityWord.Store(uint32(p)) }

// Reset reinitializes a reused metadata block for a fresh spawn at the
// same slot. It leaves the generation unchanged: BumpGeneration, called
// when the previous occupant finished, already invalidated its stale
// sleep-queue entries (spec.md §4.6).
func (m *Metadata) Reset(self, parent ID, entry Closure, arg any, prio Priority) {
	m.PreemptFlag.Store(0)
	m.CancelledFlag.Store(0)
	m.SetState(Created)
	m.SetPriority(prio)
	m.Self = self
	m.Parent = parent
	m.WorkerID.Store(-1)
	m.Entry = entry
	m.Arg = arg
	m.Result.Store(nil)
	m.Waiters.Store(nil)
	m.CreatedAt = time.Now()
	m.WakeAt.Store(0)
	m.Forced = ForcedSave{}
}

// BumpGeneration is called by the scheduler's finish path just before
// the slot id is released to the allocator, invalidating any sleep-queue
// entry still carrying the old generation.
func (m *Metadata) BumpGeneration() uint32 {
	return m.Generation.Add(1)
}
