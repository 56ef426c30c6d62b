// Package readyq implements the two-layer ready queue from spec.md
// §4.5: a bounded local ring per worker, and a single unbounded global
// FIFO, with work stealing and worker parking between them. The default
// backend here is expressed behind the Queue interface so an
// alternative implementation (lock-free deque, priority-stratified
// queues) can be swapped in without touching the scheduler (spec.md §9
// "dynamic dispatch for the ready queue").
package readyq

import (
	"sync"
	"time"

	"github.com/GssMahadevan/gvthread/internal/spinlock"
	"github.com/GssMahadevan/gvthread/internal/task"
	xrand "golang.org/x/exp/rand"
)

// Queue is the capability set every ready-queue backend exposes.
type Queue interface {
	Push(id task.ID, hintWorker int)
	Pop(worker int) (task.ID, bool)
	Park(worker int, timeout int64) // timeout in nanoseconds
	WakeOne()
	WakeAll()
	Len() int
}

// Local is one worker's bounded ring buffer: pushed to by its own
// worker, by hinted pushes from other workers, and by steals into it;
// popped by its own worker and drained by other workers stealing from
// it.
type Local struct {
	mu   spinlock.Locker
	buf  []task.ID
	head int
	tail int
	n    int
}

func newLocal(capacity int) *Local {
	return &Local{buf: make([]task.ID, capacity)}
}

func (l *Local) tryPush(id task.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n == len(l.buf) {
		return false
	}
	l.buf[l.tail] = id
	l.tail = (l.tail + 1) % len(l.buf)
	l.n++
	return true
}

func (l *Local) tryPop() (task.ID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n == 0 {
		return task.None, false
	}
	id := l.buf[l.head]
	l.head = (l.head + 1) % len(l.buf)
	l.n--
	return id, true
}

// stealHalf removes roughly half of l's entries into dst, returning the
// count moved. Used by Default.Pop's steal probe. Both rings can be
// pushed into concurrently by foreign workers (a steal and a hinted
// Push can target the same local queue at once), so both locks are
// held for the move; callers must acquire them in a consistent order
// to avoid deadlocking with a simultaneous steal in the other
// direction (see lockPairOrdered).
func (l *Local) stealHalf(dst *Local) int {
	take := (l.n + 1) / 2
	moved := 0
	for i := 0; i < take; i++ {
		if dst.n == len(dst.buf) {
			break
		}
		id := l.buf[l.head]
		l.head = (l.head + 1) % len(l.buf)
		l.n--
		dst.buf[dst.tail] = id
		dst.tail = (dst.tail + 1) % len(dst.buf)
		dst.n++
		moved++
	}
	return moved
}

func (l *Local) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// global is the overflow/cross-worker FIFO guarded by a conventional
// mutex (spec.md §4.5); the condition-variable half of "mutex +
// condvar" is Default's shared wakeCh, since parking is a property of
// the whole ready queue, not of the global FIFO alone.
type global struct {
	mu sync.Mutex
	q  []task.ID
}

func newGlobal() *global {
	return &global{}
}

func (g *global) push(id task.ID) {
	g.mu.Lock()
	g.q = append(g.q, id)
	g.mu.Unlock()
}

func (g *global) pop() (task.ID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.q) == 0 {
		return task.None, false
	}
	id := g.q[0]
	g.q = g.q[1:]
	return id, true
}

// popBatch drains up to n entries, used to amortize lock cost when a
// worker's local pop falls through to the global queue (spec.md §4.5
// pop step c).
func (g *global) popBatch(n int) []task.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.q) == 0 {
		return nil
	}
	if n > len(g.q) {
		n = len(g.q)
	}
	out := append([]task.ID(nil), g.q[:n]...)
	g.q = g.q[n:]
	return out
}

func (g *global) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.q)
}

// Default is the default Queue implementation: local spinlock rings
// plus a global mutex+condvar queue, work-stealing, and bounded-timeout
// parking.
type Default struct {
	locals []*Local
	glob   *global
	pops   []uint64 // per-worker pop counters, for the every-61st-pop starvation check
	rng    *xrand.Rand

	parkMu sync.Mutex
	wakeCh chan struct{}
	parked []bool
}

// New builds the default ready queue for numWorkers workers, each with
// a local ring of the given capacity.
func New(numWorkers, localCapacity int) *Default {
	d := &Default{
		locals: make([]*Local, numWorkers),
		glob:   newGlobal(),
		pops:   make([]uint64, numWorkers),
		rng:    xrand.New(xrand.NewSource(uint64(1 + numWorkers))),
		parked: make([]bool, numWorkers),
		wakeCh: make(chan struct{}),
	}
	for i := range d.locals {
		d.locals[i] = newLocal(localCapacity)
	}
	return d
}

// Push implements spec.md §4.5 push(id, hint_worker): push to the
// hinted worker's local ring if given and it has room, else to the
// global queue. Either way, call WakeOne (which wakes every parked
// worker, see WakeOne).
func (d *Default) Push(id task.ID, hintWorker int) {
	if hintWorker >= 0 && hintWorker < len(d.locals) && d.locals[hintWorker].tryPush(id) {
		d.WakeOne()
		return
	}
	d.glob.push(id)
	d.WakeOne()
}

// Pop implements spec.md §4.5's four ordered probes.
func (d *Default) Pop(worker int) (task.ID, bool) {
	d.pops[worker]++

	// (a) every 61st pop, check the global queue first to prevent
	// starvation of globally queued tasks by a hot local loop.
	if d.pops[worker]%61 == 0 {
		if id, ok := d.glob.pop(); ok {
			return id, true
		}
	}

	// (b) local queue.
	if id, ok := d.locals[worker].tryPop(); ok {
		return id, true
	}

	// (c) global queue, opportunistically moving a small batch into
	// the local queue to amortize lock cost.
	batchSize := len(d.locals[worker].buf) / 2
	if batchSize < 1 {
		batchSize = 1
	}
	batch := d.glob.popBatch(batchSize)
	if len(batch) > 0 {
		id := batch[0]
		for _, extra := range batch[1:] {
			if !d.locals[worker].tryPush(extra) {
				d.glob.push(extra)
			}
		}
		return id, true
	}

	// (d) steal from a randomly chosen other worker, taking roughly
	// half of its local queue.
	if len(d.locals) > 1 {
		start := int(d.rng.Uint64() % uint64(len(d.locals)))
		for i := 0; i < len(d.locals); i++ {
			victim := (start + i) % len(d.locals)
			if victim == worker {
				continue
			}
			if d.locals[victim].len() == 0 {
				continue
			}
			moved := lockPairOrderedSteal(d.locals, victim, worker)
			if moved > 0 {
				return d.locals[worker].tryPop()
			}
		}
	}

	return task.None, false
}

// lockPairOrderedSteal locks the victim and destination rings in a
// fixed (index) order regardless of which is numerically larger, so two
// workers stealing from each other at once can never deadlock, then
// moves roughly half of the victim's entries into the destination.
func lockPairOrderedSteal(locals []*Local, victim, dst int) int {
	a, b := victim, dst
	if a > b {
		a, b = b, a
	}
	locals[a].mu.Lock()
	defer locals[a].mu.Unlock()
	if a != b {
		locals[b].mu.Lock()
		defer locals[b].mu.Unlock()
	}
	return locals[victim].stealHalf(locals[dst])
}

// Park waits for up to timeoutNanos for a wake, or until someone calls
// WakeOne/WakeAll. Implemented as a generation channel rather than
// sync.Cond because Cond has no native bounded wait: the current
// channel is closed (and replaced) on every wake, so every parked
// worker observes it via select without an extra goroutine per park.
func (d *Default) Park(worker int, timeoutNanos int64) {
	d.parkMu.Lock()
	d.parked[worker] = true
	ch := d.wakeCh
	d.parkMu.Unlock()

	timer := time.NewTimer(time.Duration(timeoutNanos))
	select {
	case <-ch:
	case <-timer.C:
	}
	timer.Stop()

	d.parkMu.Lock()
	d.parked[worker] = false
	d.parkMu.Unlock()
}

// WakeOne wakes the parked workers. The wake channel is a broadcast
// close, so it does not limit the wake to a single worker: every worker
// parked at that moment wakes, re-probes the queues, and parks again if
// they are still empty.
func (d *Default) WakeOne() {
	d.wake()
}

// WakeAll wakes every parked worker.
func (d *Default) WakeAll() {
	d.wake()
}

func (d *Default) wake() {
	d.parkMu.Lock()
	close(d.wakeCh)
	d.wakeCh = make(chan struct{})
	d.parkMu.Unlock()
}

// Len reports the total number of ready entries across every queue;
// approximate, for diagnostics only.
func (d *Default) Len() int {
	total := d.glob.len()
	for _, l := range d.locals {
		total += l.len()
	}
	return total
}

var _ Queue = (*Default)(nil)
