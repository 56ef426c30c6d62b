// Package preempt installs and handles the forced-preemption signal
// (spec.md §4.4). It claims one real-time signal the Go runtime itself
// never manages (SIGRTMIN+10 by default) and installs a raw sigaction
// via golang.org/x/sys/unix rather than os/signal: os/signal only
// delivers through a channel on the Go scheduler's own time, which
// would turn a synchronous, register-capturing forced preempt into an
// asynchronous, allocating one. Claiming a signal the Go runtime
// doesn't touch means this registration never fights the runtime's own
// sigaction for SIGURG et al.
package preempt

import (
	"fmt"
	"sync/atomic"

	"github.com/GssMahadevan/gvthread/internal/platform"
	"github.com/GssMahadevan/gvthread/internal/task"
	"golang.org/x/sys/unix"
)

// DefaultSignal is the real-time signal used for forced preemption.
// SIGRTMIN+10 sits well clear of the handful of low real-time signals
// glibc and the Go runtime reserve for their own use.
var DefaultSignal = unix.SIGRTMIN + 10

// Handler is invoked by the assembly trampoline (preempt_amd64.s) once
// it has copied the interrupted thread's registers out of the kernel's
// ucontext into scratch form. Per spec.md §4.4 it must not allocate,
// lock beyond atomics, or perform I/O: it runs on the alternate signal
// stack for whichever task happened to be running.
type Handler struct {
	// CurrentTask returns the task currently running on the
	// interrupted worker (the worker is identified implicitly: this
	// handler runs on that worker's own kernel thread).
	CurrentTask func() (*task.Metadata, bool)
	// Requeue re-enqueues a preempted task onto its own worker's local
	// queue, preserving affinity (spec.md §4.4).
	Requeue func(id task.ID)
	// ResumeScheduler is where control returns after the handler has
	// captured state: the worker's scheduler loop entry point, not
	// back into the interrupted task.
	ResumeScheduler func()
}

// registry maps kernel thread id to that thread's Handler. Signal
// disposition is process-wide on Linux, but which task is "current" is
// per-thread, so sigtrampGo must look up the interrupted thread's own
// handler rather than share one - a single package-level Handler would
// silently pick up whichever worker called Install last. Slots are
// claimed with a CAS on the tid field, so lookup and insert are both
// lock-free; the table is tiny and only grows at worker startup.
const maxRegisteredThreads = 256

var (
	registryTids [maxRegisteredThreads]atomic.Int32
	registryHnd  [maxRegisteredThreads]atomic.Pointer[Handler]
)

func registerHandler(tid int32, h Handler) {
	slot := int(uint32(tid)) % maxRegisteredThreads
	for i := 0; i < maxRegisteredThreads; i++ {
		idx := (slot + i) % maxRegisteredThreads
		if registryTids[idx].CompareAndSwap(0, tid) || registryTids[idx].Load() == tid {
			registryHnd[idx].Store(&h)
			return
		}
	}
	panic("preempt: worker registry full")
}

func handlerFor(tid int32) (*Handler, bool) {
	slot := int(uint32(tid)) % maxRegisteredThreads
	for i := 0; i < maxRegisteredThreads; i++ {
		idx := (slot + i) % maxRegisteredThreads
		if registryTids[idx].Load() == tid {
			if h := registryHnd[idx].Load(); h != nil {
				return h, true
			}
			return nil, false
		}
	}
	return nil, false
}

// Install registers sig's handler on the calling OS thread (each
// worker must call this once, after runtime.LockOSThread, before
// entering its scheduler loop - sigaction is per-process but the
// signal mask that determines whether a thread can receive sig is
// per-thread, so every worker must also unblock it explicitly).
func Install(sig int, h Handler) error {
	tid := int32(platform.Gettid())
	registerHandler(tid, h)
	var sa unix.Sigaction
	sa.Flags = unix.SA_SIGINFO | unix.SA_ONSTACK
	setRestorerAndEntry(&sa)
	if err := unix.Sigaction(sig, &sa, nil); err != nil {
		return fmt.Errorf("preempt: sigaction(%d): %w", sig, err)
	}
	if err := unix.PthreadSigmask(unix.SIG_UNBLOCK, maskOf(sig), nil); err != nil {
		return fmt.Errorf("preempt: unblock %d: %w", sig, err)
	}
	return nil
}

func maskOf(sig int) *unix.Sigset_t {
	var set unix.Sigset_t
	set.Val[(sig-1)/64] |= 1 << uint((sig-1)%64)
	return &set
}

// onPreempt performs exactly the steps spec.md §4.4 allows once the
// trampoline has filled in m's forced-save area: set state, requeue,
// call ResumeScheduler, nothing else. m is nil when the signal landed on a worker with no
// running task (spec.md §4.10: harmless).
//
//go:nosplit
func onPreempt(tid int32, m *task.Metadata) {
	h, ok := handlerFor(tid)
	if !ok || m == nil {
		return
	}
	m.SetState(task.Preempted)
	m.SetState(task.Ready)
	h.Requeue(m.Self)
	h.ResumeScheduler()
}
