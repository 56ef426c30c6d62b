//go:build !(linux && amd64)

package preempt

import "golang.org/x/sys/unix"

// Unsupported reports whether this GOOS/GOARCH has a real signal-trampoline
// backend. It does not here, so Runtime.New refuses to start (spec.md §1
// scopes the core to linux/amd64).
const Unsupported = true

func setRestorerAndEntry(sa *unix.Sigaction) {
	// No real backend: Install registers the default disposition
	// (SIG_DFL, no handler) on platforms without a hand-written
	// trampoline, and forced preemption degrades to
	// cooperative-only, same as enable_forced_preempt=false.
}
