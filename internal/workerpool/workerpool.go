// Package workerpool owns the fixed set of kernel threads that run
// tasks (spec.md §4.8): one cache-line-aligned State per worker, pinned
// to its own OS thread via runtime.LockOSThread, each running a loop
// that pops from the ready queue and hands off to whatever the
// scheduler wires in as Dispatch.
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GssMahadevan/gvthread/internal/obslog"
	"github.com/GssMahadevan/gvthread/internal/platform"
	"github.com/GssMahadevan/gvthread/internal/preempt"
	"github.com/GssMahadevan/gvthread/internal/readyq"
	"github.com/GssMahadevan/gvthread/internal/task"
)

// State is one worker's record (spec.md §3 "Worker State"). Padding
// keeps each entry on its own cache line so the timer can scan the
// array without false sharing between workers it isn't targeting.
type State struct {
	_           [0]byte
	RunningTask atomic.Uint32 // task.ID, None when idle
	Activity    atomic.Uint64 // bumped at every safepoint and yield
	KernelTID   atomic.Int32
	StartedAt   time.Time
	LowPriority bool
	Parked      atomic.Bool
	StealCount  atomic.Uint64

	_ [64]byte // pad to a cache line past the hot fields above
}

func (s *State) running() task.ID { return task.ID(s.RunningTask.Load()) }

// Dispatch is supplied by the scheduler: given a popped task id and the
// worker running it, run exactly one slice. It returns nothing; the
// worker loop polls the ready queue again once it returns.
type Dispatch func(w int, state *State, id task.ID)

// PriorityGate lets the scheduler veto a pop on advisory Low-priority
// grounds (spec.md §4.8): return false to make this worker skip id and
// push it back, trying the next probe.
type PriorityGate func(w int, state *State, id task.ID) bool

// Pool is the fixed worker-thread pool.
type Pool struct {
	cfg      Config
	rq       *readyq.Default
	states   []*State
	dispatch Dispatch
	gate     PriorityGate

	sigInstalled []bool

	stop atomic.Bool
	wg   sync.WaitGroup
}

// Config mirrors the relevant root Config fields.
type Config struct {
	NumWorkers            int
	NumLowPriorityWorkers int
	ParkTimeout           time.Duration
	ParkCooldown          time.Duration
	EnableForcedPreempt   bool
	PreemptSignal         int
}

// New builds a pool; call Start to spawn the worker threads.
func New(cfg Config, rq *readyq.Default, dispatch Dispatch, gate PriorityGate) *Pool {
	p := &Pool{
		cfg:          cfg,
		rq:           rq,
		states:       make([]*State, cfg.NumWorkers),
		dispatch:     dispatch,
		gate:         gate,
		sigInstalled: make([]bool, cfg.NumWorkers),
	}
	for i := range p.states {
		p.states[i] = &State{}
		p.states[i].RunningTask.Store(uint32(task.None))
		p.states[i].LowPriority = i < cfg.NumLowPriorityWorkers
	}
	return p
}

// NumWorkers satisfies internal/timer.WorkerView.
func (p *Pool) NumWorkers() int { return len(p.states) }

// RunningTask satisfies internal/timer.WorkerView.
func (p *Pool) RunningTask(w int) task.ID { return p.states[w].running() }

// ActivityCounter satisfies internal/timer.WorkerView.
func (p *Pool) ActivityCounter(w int) uint64 { return p.states[w].Activity.Load() }

// KernelThreadID satisfies internal/timer.WorkerView.
func (p *Pool) KernelThreadID(w int) int { return int(p.states[w].KernelTID.Load()) }

// LowPriority satisfies internal/timer.WorkerView.
func (p *Pool) LowPriority(w int) bool { return p.states[w].LowPriority }

// State returns the worker's own record, used by the scheduler's
// safepoint/dispatch bookkeeping.
func (p *Pool) State(w int) *State { return p.states[w] }

// PreemptHandler is installed per-worker once its OS thread has
// started; the scheduler supplies it since only it knows how to map a
// worker back to its currently-running task.Metadata.
type PreemptHandler func(w int) preempt.Handler

// Start spawns NumWorkers goroutines, each locked to its own OS thread,
// each installing the forced-preemption signal handler (if enabled)
// before entering its dispatch loop.
func (p *Pool) Start(mkHandler PreemptHandler) {
	p.wg.Add(len(p.states))
	for i := range p.states {
		go p.run(i, mkHandler)
	}
}

func (p *Pool) run(w int, mkHandler PreemptHandler) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	state := p.states[w]
	state.StartedAt = time.Now()
	state.KernelTID.Store(int32(platform.Gettid()))

	if p.cfg.EnableForcedPreempt {
		sig := p.cfg.PreemptSignal
		if sig == 0 {
			sig = preempt.DefaultSignal
		}
		if err := preempt.Install(sig, mkHandler(w)); err != nil {
			obslog.L().Warn().Err(err).Int("worker", w).Msg("forced preemption unavailable; degrading to cooperative-only")
		} else {
			p.sigInstalled[w] = true
		}
	}

	lastPark := time.Time{}
	for !p.stop.Load() {
		id, ok := p.rq.Pop(w)
		if !ok {
			if !lastPark.IsZero() && time.Since(lastPark) < p.cfg.ParkCooldown {
				runtime.Gosched()
				continue
			}
			p.rq.Park(w, int64(p.cfg.ParkTimeout))
			lastPark = time.Now()
			continue
		}
		if p.gate != nil && !p.gate(w, state, id) {
			p.rq.Push(id, -1) // back to global; another worker may take it
			continue
		}
		lastPark = time.Time{}
		p.dispatch(w, state, id)
	}
}

// Stop requests every worker thread exit at its next poll and wakes
// any currently parked.
func (p *Pool) Stop() {
	p.stop.Store(true)
	p.rq.WakeAll()
}

// Wait blocks until every worker goroutine has exited.
func (p *Pool) Wait() { p.wg.Wait() }
