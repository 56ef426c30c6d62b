// Package sleepq implements the generation-guarded, min-ordered sleep
// schedule from spec.md §4.6. It is touched from the timer thread and
// from tasks registering a sleep, so it is guarded by a spinlock rather
// than a scheduler-aware mutex: code running on a task stack must never
// make a system call in this region (spec.md §5 hot-path hazard), and a
// spinning primitive is the only safe choice here.
package sleepq

import (
	"container/heap"

	"github.com/GssMahadevan/gvthread/internal/spinlock"
	"github.com/GssMahadevan/gvthread/internal/task"
)

// Entry is one (wake_time, task_id, generation) tuple.
type Entry struct {
	WakeAt     int64
	ID         task.ID
	Generation uint32
}

type entryHeap []Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].WakeAt < h[j].WakeAt }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Queue is the min-ordered sleep schedule.
type Queue struct {
	mu spinlock.Locker
	h  entryHeap
}

// New builds an empty sleep queue.
func New() *Queue {
	q := &Queue{}
	heap.Init(&q.h)
	return q
}

// Schedule inserts a (wakeAt, id, generation) tuple.
func (q *Queue) Schedule(id task.ID, wakeAt int64, generation uint32) {
	q.mu.Lock()
	heap.Push(&q.h, Entry{WakeAt: wakeAt, ID: id, Generation: generation})
	q.mu.Unlock()
}

// PopExpired returns every entry whose wake time is <= now, in wake
// order, dropping (and not returning) entries whose carried generation
// no longer matches currentGeneration(id) - a stale wake from a reused
// slot produces no wake (spec.md §4.6).
func (q *Queue) PopExpired(now int64, currentGeneration func(task.ID) uint32) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Entry
	for q.h.Len() > 0 && q.h[0].WakeAt <= now {
		e := heap.Pop(&q.h).(Entry)
		if currentGeneration(e.ID) != e.Generation {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len reports the current entry count, for diagnostics/tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}
