// Package gident gives the scheduler a way to map "the goroutine
// calling Safepoint/YieldNow/Sleep right now" back to a task id without
// threading an explicit handle through task.Closure. Go exposes no
// public goroutine-id API, so this uses the same fallback every
// goroutine-local-storage shim does: parse the numeric id out of the
// calling goroutine's own one-line stack header. It is only ever used
// as a lookup key, never for control-flow correctness.
package gident

import (
	"runtime"
	"strconv"
)

// Current returns the calling goroutine's runtime-assigned id.
func Current() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if len(b) <= len(prefix) {
		return 0
	}
	b = b[len(prefix):]
	end := 0
	for end < len(b) && b[end] != ' ' {
		end++
	}
	id, _ := strconv.ParseUint(string(b[:end]), 10, 64)
	return id
}
