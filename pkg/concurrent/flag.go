// Package concurrent holds small shared concurrency primitives: the
// shutdown flag used by every listen loop (PL §5, "Cancellation /
// shutdown") and the goroutine-lifecycle helper used to spawn and join
// background work.
package concurrent

import "sync/atomic"

const (
	active   = 0x0
	inactive = 0x1
)

// Flag is a restricted atomic boolean: it only ever transitions from
// active to inactive, once. It backs the process-wide "done" flag spec §5
// says is checked after every recvfrom wakeup to decide whether the
// receive loop should keep running.
type Flag struct {
	flag int32
}

// IsActive reports whether the flag is still in its initial state.
func (f *Flag) IsActive() bool {
	return atomic.LoadInt32(&f.flag) == active
}

// IsInactive reports whether Inactivate has taken effect.
func (f *Flag) IsInactive() bool {
	return atomic.LoadInt32(&f.flag) == inactive
}

// Inactivate flips the flag from active to inactive. It returns true if
// this call performed the transition, false if the flag was already
// inactive.
func (f *Flag) Inactivate() bool {
	return atomic.CompareAndSwapInt32(&f.flag, active, inactive)
}
