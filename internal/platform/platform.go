// Package platform is the small surface of OS primitives the rest of the
// runtime is built on: virtual memory reservation/activation, signal
// delivery to a specific kernel thread, and a coarse monotonic clock
// (spec.md §2, "Platform Layer"). It is not the only OS-facing code:
// internal/preempt installs its signal handler with its own
// golang.org/x/sys/unix and raw-syscall calls, and the root package
// names the preemption signal through golang.org/x/sys/unix.
package platform

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ReserveAnonymous reserves a contiguous virtual span of size bytes with
// no read/write access: a reservation only, with zero physical backing
// until Activate grants access to a sub-range (spec.md §4.1).
func ReserveAnonymous(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("platform: reserve %d bytes: %w", size, err)
	}
	return b, nil
}

// Activate grants read/write access to a byte range within a prior
// reservation, relying on demand paging for physical allocation.
func Activate(region []byte, offset, length int) error {
	if err := unix.Mprotect(region[offset:offset+length], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("platform: activate [%d,%d): %w", offset, offset+length, err)
	}
	return nil
}

// Deactivate advises the kernel that a byte range's pages are no longer
// needed (releasing physical memory) while keeping the reservation.
func Deactivate(region []byte, offset, length int) error {
	if err := unix.Madvise(region[offset:offset+length], unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("platform: deactivate [%d,%d): %w", offset, offset+length, err)
	}
	if err := unix.Mprotect(region[offset:offset+length], unix.PROT_NONE); err != nil {
		return fmt.Errorf("platform: reprotect [%d,%d): %w", offset, offset+length, err)
	}
	return nil
}

// Unreserve releases the entire virtual reservation. Called only at
// Runtime shutdown.
func Unreserve(region []byte) error {
	return unix.Munmap(region)
}

// Gettid returns the kernel thread id of the calling OS thread. Workers
// call this once, right after LockOSThread, and store the result in
// their WorkerState record so the timer can target signals precisely.
func Gettid() int {
	return unix.Gettid()
}

// Tgkill delivers signal sig to the specific thread tid within the
// current process's thread group - the only safe way to target one
// worker's kernel thread rather than the whole process.
func Tgkill(tid int, sig unix.Signal) error {
	return unix.Tgkill(unix.Getpid(), tid, sig)
}

// CoarseNow reads CLOCK_MONOTONIC_COARSE through clock_gettime, whose
// resolution is the kernel tick rather than sub-microsecond. The timer
// thread calls it once per loop pass and caches the result; other
// components read that cached copy with a single load (spec.md §4.7
// "Time").
func CoarseNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_COARSE, &ts); err != nil {
		return time.Now().UnixNano()
	}
	return ts.Nano()
}

// PointerOf returns the address of the first byte of b, used to compute
// slot base addresses from the region's base (spec.md §4.1 "O(1)
// id<->address translation").
func PointerOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
