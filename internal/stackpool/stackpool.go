// Package stackpool recycles stack buffers across the three tiers spec §5
// describes: a private per-worker freelist, a group tier shared by a small
// cluster of workers, and a global tier of last resort. The original uses a
// tagged-pointer Treiber stack for the group tier to get lock-free push/pop
// on a 128-bit CAS; Go has no portable double-word CAS, so the group tier
// is realized with a bounded LRU cache instead (hashicorp/golang-lru/v2,
// grounded in the example pack's Tosca interpreter, which uses the same
// package to cap its compiled-code cache).
package stackpool

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/go-foundations/fibril/internal/xsync"
)

// StackSize is the fixed allocation granularity for pooled stacks (spec §5
// "stacks are pooled in fixed-size classes").
const StackSize = 64 * 1024

// buffer is a reusable stack-sized byte slice.
type buffer = []byte

// Private is a worker-local freelist. It requires no locking because only
// the owning worker ever touches it (spec §5 "private tier: lock-free,
// single accessor").
type Private struct {
	free []buffer
	max  int
}

// NewPrivate creates a private tier holding at most max buffers.
func NewPrivate(max int) *Private {
	return &Private{max: max}
}

// Get returns a buffer from the private tier, or nil if it is empty.
func (p *Private) Get() buffer {
	n := len(p.free)
	if n == 0 {
		return nil
	}
	b := p.free[n-1]
	p.free = p.free[:n-1]
	return b
}

// Put returns a buffer to the private tier, or drops it if the tier is at
// capacity (the buffer then falls through to the garbage collector rather
// than a lower tier, matching spec §5's "private tier overflow is simply
// discarded, not forwarded").
func (p *Private) Put(b buffer) {
	if len(p.free) >= p.max {
		return
	}
	p.free = append(p.free, b)
}

// groupKey identifies a cluster of workers sharing a group tier (spec §5
// "workers are partitioned into small groups, typically matching a cache
// domain").
type groupKey uint32

// Group is the shared middle tier. Unlike the original's lock-free Treiber
// stack, this is a size-bounded LRU keyed by group: eviction under pressure
// is an explicit, observable policy rather than an emergent effect of a
// fixed-depth stack, which is an acceptable relaxation here since the group
// tier is a cache, not a correctness-bearing structure (a Get miss simply
// falls through to Global).
type Group struct {
	mu    xsync.Mutex
	cache *lru.Cache[groupKey, []buffer]
}

// NewGroup creates a group tier holding up to capacity groups' worth of
// freelists.
func NewGroup(capacity int) *Group {
	c, err := lru.New[groupKey, []buffer](capacity)
	xsync.Assert(err == nil, "stackpool: failed to construct group cache: %v", err)
	return &Group{cache: c}
}

// Get returns a buffer from the given group's freelist, or nil if none is
// available.
func (g *Group) Get(key groupKey) buffer {
	g.mu.Lock()
	defer g.mu.Unlock()

	free, ok := g.cache.Get(key)
	if !ok || len(free) == 0 {
		return nil
	}
	b := free[len(free)-1]
	g.cache.Add(key, free[:len(free)-1])
	return b
}

// Put adds a buffer to the given group's freelist.
func (g *Group) Put(key groupKey, b buffer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	free, _ := g.cache.Get(key)
	g.cache.Add(key, append(free, b))
}

// Global is the pool of last resort: a single mutex-protected freelist
// (spec §5 "global tier: a simple locked fallback, contention here is
// expected to be rare").
type Global struct {
	mu   xsync.Mutex
	free []buffer
}

// NewGlobal creates an empty global tier.
func NewGlobal() *Global {
	return &Global{}
}

// Get returns a buffer from the global tier, allocating a fresh one if the
// tier is empty (spec §5 "Global.Get never fails; it allocates when dry").
func (g *Global) Get() buffer {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.free)
	if n == 0 {
		return make(buffer, StackSize)
	}
	b := g.free[n-1]
	g.free = g.free[:n-1]
	return b
}

// Put returns a buffer to the global tier.
func (g *Global) Put(b buffer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.free = append(g.free, b)
}

// Pool composes the three tiers into the single allocation path a worker
// uses (spec §5 "Acquire checks private, then group, then global; Release
// is the mirror").
type Pool struct {
	private *Private
	group   *Group
	global  *Global
	key     groupKey
}

// New builds a worker's view of the pool: its own private tier, the shared
// group tier keyed by groupID, and the process-wide global tier.
func New(private *Private, group *Group, global *Global, groupID uint32) *Pool {
	return &Pool{private: private, group: group, global: global, key: groupKey(groupID)}
}

// Acquire returns a stack buffer, trying the private tier, then the group
// tier, then finally the global tier (which never fails).
func (p *Pool) Acquire() buffer {
	if b := p.private.Get(); b != nil {
		return b
	}
	if b := p.group.Get(p.key); b != nil {
		return b
	}
	return p.global.Get()
}

// Release returns a stack buffer, preferring the private tier so a worker
// that is allocating and freeing at a steady rate never touches the shared
// tiers (spec §5 "Release prefers private; private-tier overflow spills to
// group").
func (p *Pool) Release(b buffer) {
	if len(p.private.free) < p.private.max {
		p.private.Put(b)
		return
	}
	p.group.Put(p.key, b)
}
