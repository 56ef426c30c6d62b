// Package gvthread is a userspace M:N task scheduler for Linux/amd64:
// a fixed pool of kernel-thread workers multiplexing many lightweight
// tasks, cooperative preemption (the forced-preemption signal is
// installed and delivered, but its handler never preempts a task), a
// sleep queue
// serviced by a dedicated timer thread, and a work-stealing ready
// queue.
//
// See SPEC_FULL.md for the full component design and DESIGN.md for how
// each package here is grounded.
package gvthread
