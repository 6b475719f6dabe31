// Package xsync holds the small atomics-and-synchronization primitives the
// rest of the runtime is built on: a test-and-set spinlock, a fence, and a
// reusable thread barrier.
package xsync

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Mutex is a test-and-set spinlock, mirroring the original runtime's
// fibrili_lock/fibrili_unlock pause-and-spin discipline. It is cheaper than
// sync.Mutex under the very short critical sections the joint and stack pool use,
// and it never parks a goroutine on a futex.
type Mutex struct {
	state atomic.Bool
}

// Lock spins until the lock is acquired.
func (m *Mutex) Lock() {
	for !m.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// Unlock releases the lock. Unlocking a lock that isn't held is a caller bug.
func (m *Mutex) Unlock() {
	m.state.Store(false)
}

// fenceVar is a dedicated sentinel; Fence's atomic add on it is never
// contended, so it is pure cost, not synchronization against other
// goroutines. It exists because Go gives no standalone fence instruction:
// an atomic read-modify-write is the only documented way to force a
// sequentially-consistent ordering point (sync/atomic's docs), and the
// deque's owner-side Pop needs exactly that between its speculative tail
// decrement and its head load (spec §4.1) so a concurrent steal is never
// missed.
var fenceVar atomic.Int32

// Fence issues a sequentially-consistent memory fence.
func Fence() {
	fenceVar.Add(1)
}

// Barrier is a reusable thread barrier: N callers of Wait block until all N
// have arrived, then all are released together. Used by scheduler start-up;
// shutdown is a context cancellation plus a WaitGroup, not a Barrier.
type Barrier struct {
	n       int
	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	gen     int
}

// NewBarrier creates a barrier for n participants.
func NewBarrier(n int) *Barrier {
	b := &Barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until n goroutines have called Wait on this barrier.
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

// Assert panics with a diagnostic when cond is false. It stands in for the
// original's SAFE_ASSERT: resource exhaustion and invariant violations are
// fatal (spec §7), there is no partial-failure recovery path.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("fibril: invariant violated: "+format, args...))
	}
}
