package gvthread

import (
	"runtime"
	"time"
)

// Config mirrors spec.md §6's recognized options.
type Config struct {
	NumWorkers            int
	NumLowPriorityWorkers int
	MaxTasks              int
	SlotSize              int
	TimeSlice             time.Duration
	GracePeriod           time.Duration
	TimerInterval         time.Duration
	EnableForcedPreempt   bool
	LocalQueueCapacity    int

	// ParkTimeout bounds how long an idle worker waits before re-polling
	// the ready queue; ParkCooldown bounds how often a worker re-parks
	// immediately after waking empty-handed, damping the park/wake
	// thrash the teacher's step7 commentary flags (SPEC_FULL.md §4).
	ParkTimeout  time.Duration
	ParkCooldown time.Duration

	// PreemptSignal overrides the real-time signal used for forced
	// preemption; 0 selects preempt.DefaultSignal.
	PreemptSignal int
}

// DefaultConfig returns sensible defaults: one worker per GOMAXPROCS,
// one of them low-priority, 16 MiB slots per spec.md §6.
func DefaultConfig() Config {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return Config{
		NumWorkers:            n,
		NumLowPriorityWorkers: 1,
		MaxTasks:              1 << 16,
		SlotSize:              16 << 20,
		TimeSlice:             10 * time.Millisecond,
		GracePeriod:           2 * time.Millisecond,
		TimerInterval:         time.Millisecond,
		EnableForcedPreempt:   true,
		LocalQueueCapacity:    256,
		ParkTimeout:           5 * time.Millisecond,
		ParkCooldown:          200 * time.Microsecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NumWorkers <= 0 {
		c.NumWorkers = d.NumWorkers
	}
	if c.NumLowPriorityWorkers < 0 || c.NumLowPriorityWorkers > c.NumWorkers {
		c.NumLowPriorityWorkers = d.NumLowPriorityWorkers
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = d.MaxTasks
	}
	if c.SlotSize <= 0 {
		c.SlotSize = d.SlotSize
	}
	if c.TimeSlice <= 0 {
		c.TimeSlice = d.TimeSlice
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.TimerInterval <= 0 {
		c.TimerInterval = d.TimerInterval
	}
	if c.LocalQueueCapacity <= 0 {
		c.LocalQueueCapacity = d.LocalQueueCapacity
	}
	if c.ParkTimeout <= 0 {
		c.ParkTimeout = d.ParkTimeout
	}
	if c.ParkCooldown <= 0 {
		c.ParkCooldown = d.ParkCooldown
	}
	return c
}
