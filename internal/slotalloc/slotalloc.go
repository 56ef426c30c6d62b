// Package slotalloc hands out and reclaims task-slot ids with LIFO
// reuse, so a newly spawned task tends to land on a slot whose pages are
// still warm (spec.md §4.2).
package slotalloc

import (
	"fmt"

	"github.com/GssMahadevan/gvthread/internal/spinlock"
)

// ErrCapacityExceeded is returned by Allocate when every slot is in use.
var ErrCapacityExceeded = fmt.Errorf("slotalloc: capacity exceeded")

// Allocator is a pre-sized LIFO stack of free ids. It never grows after
// construction, so no heap growth happens inside the scheduler's hot
// path (spec.md §4.2).
type Allocator struct {
	mu    spinlock.Locker
	free  []uint32
	total uint32
}

// New builds an allocator pre-loaded with every id in [0, maxTasks).
func New(maxTasks uint32) *Allocator {
	free := make([]uint32, maxTasks)
	for i := range free {
		// Fill so id 0 pops first (push id maxTasks-1 .. 0): the exact
		// initial order is not load-bearing, only that every id starts
		// free exactly once.
		free[i] = maxTasks - 1 - uint32(i)
	}
	return &Allocator{free: free, total: maxTasks}
}

// Allocate pops a free id, or ErrCapacityExceeded if none remain.
func (a *Allocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, ErrCapacityExceeded
	}
	n := len(a.free) - 1
	id := a.free[n]
	a.free = a.free[:n]
	return id, nil
}

// Release returns id to the free stack, to be the next one reused.
func (a *Allocator) Release(id uint32) {
	a.mu.Lock()
	a.free = append(a.free, id)
	a.mu.Unlock()
}

// Available reports the current free-slot count (used by Runtime.Stats
// and tests asserting the spawn/release boundary in spec.md §8).
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// Total returns the configured slot count.
func (a *Allocator) Total() uint32 { return a.total }
