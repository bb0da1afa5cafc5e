package concurrent

import "sync"

// Invoker spawns goroutines the library owns (the PL receive loop started
// by perfectlink's ListenAsync) and lets a caller wait for them to finish during shutdown,
// mirroring the teacher's singleton Invoker/Spawn pattern.
type Invoker struct {
	wg sync.WaitGroup
}

// NewInvoker creates an empty Invoker.
func NewInvoker() *Invoker {
	return &Invoker{}
}

// Spawn runs fn on a new goroutine tracked by this Invoker.
func (i *Invoker) Spawn(fn func()) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		fn()
	}()
}

// Wait blocks until every goroutine spawned by this Invoker has returned.
func (i *Invoker) Wait() {
	i.wg.Wait()
}
