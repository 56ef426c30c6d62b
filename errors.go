package gvthread

import "fmt"

// CapacityExceededError is returned by Spawn/SpawnWithPriority when
// every task slot is in use (spec.md §7).
type CapacityExceededError struct {
	MaxTasks int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("gvthread: capacity exceeded (max %d tasks)", e.MaxTasks)
}

// MemoryActivationFailedError wraps a failed mmap/mprotect call: New
// returns it when the region cannot be reserved, and Spawn returns it
// when a slot cannot be activated. Neither aborts the process.
type MemoryActivationFailedError struct {
	Err error
}

func (e *MemoryActivationFailedError) Error() string {
	return fmt.Sprintf("gvthread: memory activation failed: %v", e.Err)
}

func (e *MemoryActivationFailedError) Unwrap() error { return e.Err }

// ShutdownInProgressError is returned by operations attempted after
// Shutdown has been requested.
type ShutdownInProgressError struct{}

func (e *ShutdownInProgressError) Error() string { return "gvthread: shutdown in progress" }

// invalidIDPanic panics with InvalidId semantics (spec.md §7: a
// programming error, not a recoverable result).
type invalidIDPanic struct {
	ID uint32
}

func (e invalidIDPanic) Error() string { return fmt.Sprintf("gvthread: invalid task id %d", e.ID) }
