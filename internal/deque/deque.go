// Package deque implements the per-worker Chase-Lev work-stealing deque
// (spec §4.1): the owner pushes and pops at the tail without
// synchronization in the uncontended case, while thieves race each other
// with a CAS at the head.
package deque

import (
	"sync/atomic"

	"github.com/go-foundations/fibril/internal/frame"
	"github.com/go-foundations/fibril/internal/xsync"
)

// DefaultCapacity is the initial backing-array size a Deque is constructed
// with. The original runtime's DEQUE_SIZE is a true fixed bound because its
// continuation-stealing protocol only ever holds one live entry per nesting
// depth; this realization's child-stealing protocol (SPEC_FULL.md §1) pushes
// one entry per Fork/ForkVoid call, so a flat loop of many forks against one
// region (spec §8 scenario E5) can hold far more than any nesting-depth
// bound. Rather than make that pattern a fatal error, Push grows the
// backing array the way the teacher's own WorkStealingDeque.grow does,
// keeping DefaultCapacity as a starting size, not a hard ceiling.
const DefaultCapacity = 1024

// buffer is one generation of the deque's backing array. Grown buffers are
// never mutated again once replaced — only copied from — so a thief that
// loaded an older buffer pointer before a grow still finds correct values at
// any index that was live when the copy happened.
type buffer struct {
	slots []*frame.Frame
	mask  uint64
}

func newBuffer(capacity int) *buffer {
	return &buffer{slots: make([]*frame.Frame, capacity), mask: uint64(capacity - 1)}
}

// Deque is a growable circular buffer of *frame.Frame, safe for one owner
// goroutine calling Push/Pop concurrently with any number of other
// goroutines calling Steal.
type Deque struct {
	buf atomic.Pointer[buffer]

	// head is advanced only by Steal, via CAS.
	head atomic.Uint64
	// tail is advanced only by the owner; readable by thieves to bound the
	// race window.
	tail atomic.Uint64
}

// New allocates a deque with the given initial capacity, which must be a
// power of two. Push grows the backing array (doubling) rather than
// failing once this capacity is exceeded.
func New(capacity int) *Deque {
	xsync.Assert(capacity > 0 && capacity&(capacity-1) == 0, "deque capacity must be a power of two, got %d", capacity)
	d := &Deque{}
	d.buf.Store(newBuffer(capacity))
	return d
}

// Len reports the number of frames currently queued. It is advisory: a
// concurrent Steal or Push can change the answer before the caller acts on
// it.
func (d *Deque) Len() int {
	t := d.tail.Load()
	h := d.head.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}

// grow doubles the backing array, copying the still-live range [h, t) into
// it, and publishes the new buffer. Owner-only, called from Push; the old
// buffer is left untouched (and alive, for the Go garbage collector) so any
// thief still holding a pointer to it keeps reading correct values for
// whatever index it is about to act on (spec §4.1 "spurious reads of buff
// before the CAS are tolerated because the CAS is the serialization point"
// generalizes directly to spurious reads of a stale generation).
func (d *Deque) grow(old *buffer, h, t uint64) *buffer {
	nb := newBuffer(len(old.slots) * 2)
	for i := h; i < t; i++ {
		nb.slots[i&nb.mask] = old.slots[i&old.mask]
	}
	d.buf.Store(nb)
	return nb
}

// Push places fr at the tail, growing the backing array first if it is
// full. Only the owner goroutine may call Push.
func (d *Deque) Push(fr *frame.Frame) {
	t := d.tail.Load()
	h := d.head.Load()
	b := d.buf.Load()
	if t-h >= uint64(len(b.slots)) {
		b = d.grow(b, h, t)
	}
	b.slots[t&b.mask] = fr
	// Publish the slot before publishing the new tail, so a thief that
	// observes the incremented tail also observes the slot (spec §4.1
	// "push: write slot, release-store tail").
	d.tail.Store(t + 1)
}

// Pop removes and returns the frame at the tail, or nil if the deque is
// empty. Only the owner goroutine may call Pop. Pop races with Steal for
// the single remaining element and must never return the same frame a
// thief also returns (spec §4.1 "pop: at-most-one-consumer", §8.2).
func (d *Deque) Pop() *frame.Frame {
	t := d.tail.Load()
	h := d.head.Load()
	if t <= h {
		// Already empty; nothing to reconcile with Steal.
		return nil
	}
	t--
	d.tail.Store(t)
	xsync.Fence()
	h = d.head.Load()
	if t < h {
		// Overtook the head: some thief(s) emptied the deque first. Restore
		// tail to the canonical empty state and report empty.
		d.tail.Store(h)
		return nil
	}
	b := d.buf.Load()
	fr := b.slots[t&b.mask]
	if t > h {
		// More than one element remained; no race with Steal was possible.
		return fr
	}
	// Exactly one element left: race a thief for it via the same head CAS.
	if !d.head.CompareAndSwap(h, h+1) {
		fr = nil
	}
	d.tail.Store(h + 1)
	return fr
}

// Steal removes and returns the frame at the head, or nil if the deque
// appears empty or loses the race to another thief or to the owner's Pop.
// Any number of goroutines may call Steal concurrently (spec §4.1 "steal:
// CAS the head").
//
// Reads are ordered tail, then head, then buffer, matching the classic
// growable Chase-Lev steal (as in, e.g., crossbeam-deque): reading tail
// first establishes the same happens-before a fixed-capacity deque relies
// on for the slot write, and by transitivity through that same tail
// synchronization, reading the buffer pointer last guarantees this thief
// observes at least the generation current as of the tail value it saw —
// never an older generation missing an index that tail value implies exists.
func (d *Deque) Steal() *frame.Frame {
	t := d.tail.Load()
	xsync.Fence()
	h := d.head.Load()
	if int64(t-h) <= 0 {
		return nil
	}
	b := d.buf.Load()
	fr := b.slots[h&b.mask]
	if !d.head.CompareAndSwap(h, h+1) {
		// Lost the race, either to another thief or to the owner's Pop.
		return nil
	}
	return fr
}
