//go:build linux && amd64

package preempt

import (
	"syscall"
	"unsafe"

	"github.com/GssMahadevan/gvthread/internal/task"
	"golang.org/x/sys/unix"
)

// Unsupported reports whether this GOOS/GOARCH has a real signal-trampoline
// backend. linux/amd64 does; Runtime.New refuses to start anywhere else
// (spec.md §1 scopes the core to linux/amd64).
const Unsupported = false

// sysGettid is Linux/amd64's gettid(2) syscall number. Used instead of
// unix.Gettid here because this runs on the signal-handling path: a raw
// syscall.RawSyscall is guaranteed not to allocate or touch anything
// the signal handler can't safely touch mid-interrupt.
const sysGettid = 186

//go:nosplit
func rawGettid() uintptr {
	tid, _, _ := syscall.RawSyscall(sysGettid, 0, 0, 0)
	return tid
}

// sigtrampRT is the raw kernel-ABI signal entry point: the kernel calls
// it as handler(sig int32, info *siginfo, uctx *ucontext) per the
// SysV x86-64 calling convention (sig in DI, info in SI, uctx in DX).
// Implemented in preempt_amd64.s.
func sigtrampRT()

// sigrestoreRT is a minimal SA_RESTORER stub: raw rt_sigaction on
// amd64 Linux expects one instead of relying on libc's __restore_rt,
// since this process has no libc signal trampoline installed for a
// handler we registered ourselves.
func sigrestoreRT()

func setRestorerAndEntry(sa *unix.Sigaction) {
	sa.Handler = funcPC(sigtrampRT)
	sa.Flags |= unix.SA_RESTORER
	sa.Restorer = sigrestoreRT
}

func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

// ucontextOffsets are glibc/kernel x86-64 ucontext_t layout constants:
// uc_mcontext starts after uc_flags(8)+uc_link(8)+stack_t(24) = 40, and
// mcontext_t begins with gregs[23], indexed by the kernel's REG_*
// enum. These are ABI, not implementation, details - they do not
// change across kernel/glibc versions on this architecture.
const (
	ucMcontextOff = 40
	regR8         = ucMcontextOff + 8*0
	regR9         = ucMcontextOff + 8*1
	regR10        = ucMcontextOff + 8*2
	regR11        = ucMcontextOff + 8*3
	regR12        = ucMcontextOff + 8*4
	regR13        = ucMcontextOff + 8*5
	regR14        = ucMcontextOff + 8*6
	regR15        = ucMcontextOff + 8*7
	regRDI        = ucMcontextOff + 8*8
	regRSI        = ucMcontextOff + 8*9
	regRBP        = ucMcontextOff + 8*10
	regRBX        = ucMcontextOff + 8*11
	regRDX        = ucMcontextOff + 8*12
	regRAX        = ucMcontextOff + 8*13
	regRCX        = ucMcontextOff + 8*14
	regRSP        = ucMcontextOff + 8*15
	regRIP        = ucMcontextOff + 8*16
	regEFL        = ucMcontextOff + 8*17
)

// captureForced copies the interrupted thread's registers out of the
// kernel's ucontext_t (reached from the assembly trampoline) into m's
// forced-save area. No allocation, no locking beyond the atomics
// already in task.Metadata (spec.md §4.4).
//
//go:nosplit
func captureForced(uctxPtr unsafe.Pointer, m *task.Metadata) {
	read := func(off uintptr) uintptr {
		return *(*uintptr)(unsafe.Pointer(uintptr(uctxPtr) + off))
	}
	m.Forced.RAX = read(regRAX)
	m.Forced.RBX = read(regRBX)
	m.Forced.RCX = read(regRCX)
	m.Forced.RDX = read(regRDX)
	m.Forced.RSI = read(regRSI)
	m.Forced.RDI = read(regRDI)
	m.Forced.RBP = read(regRBP)
	m.Forced.RSP = read(regRSP)
	m.Forced.R8 = read(regR8)
	m.Forced.R9 = read(regR9)
	m.Forced.R10 = read(regR10)
	m.Forced.R11 = read(regR11)
	m.Forced.R12 = read(regR12)
	m.Forced.R13 = read(regR13)
	m.Forced.R14 = read(regR14)
	m.Forced.R15 = read(regR15)
	m.Forced.RIP = read(regRIP)
	m.Forced.EFLAGS = read(regEFL)
	// FPState/FPDirty are left unset: floating-point state is captured
	// lazily only if the resumed task's restore path observes it was
	// touched (spec.md §4.3).
}

// sigtrampGo is called from sigtrampRT with the raw (sig, info, uctx)
// triple. It captures state for the currently-running task (if any)
// and hands off to onPreempt, which decides whether to resume the
// scheduler loop or return (no running task case).
//
//go:nosplit
func sigtrampGo(sig int32, info unsafe.Pointer, uctx unsafe.Pointer) {
	tid := int32(rawGettid())
	h, ok := handlerFor(tid)
	if !ok {
		return
	}
	m, ok := h.CurrentTask()
	if !ok {
		onPreempt(tid, nil)
		return
	}
	captureForced(uctx, m)
	onPreempt(tid, m)
}
