package vmm

import "sync"

// Barrier is the thread rendezvous point between per-vCPU configuration
// and the start of the run loop. Every vCPU thread configures its own
// registers independently and then blocks here until every other vCPU has
// done the same, so the guest never observes some vCPUs running before
// others have finished setup.
type Barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	arrived int
	gen     int
}

// NewBarrier returns a Barrier that releases once n goroutines have called
// Wait.
func NewBarrier(n int) *Barrier {
	b := &Barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until n goroutines total have called Wait, then releases all
// of them together.
func (b *Barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.gen
	b.arrived++
	if b.arrived == b.n {
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}
