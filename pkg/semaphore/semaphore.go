// Package semaphore implements the counting semaphore named in spec §4.6,
// used by URB and LA as the in-flight gate bounding concurrent broadcasts
// and proposals. It is a named spec component, not a stdlib substitute —
// the spec calls it out as one of the "CORE" modules to build.
package semaphore

import "sync"

// Semaphore is a standard counting semaphore. Acquire blocks while the
// count is zero; Release increments the count and wakes one waiter.
// Fairness is not required (spec §4.6).
type Semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// New creates a semaphore with the given initial count (its capacity).
func New(count int) *Semaphore {
	s := &Semaphore{count: count}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until the count is greater than zero, then decrements it.
func (s *Semaphore) Acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
}

// Release increments the count and wakes one waiter, if any.
func (s *Semaphore) Release() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}
