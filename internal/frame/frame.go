// Package frame holds the runtime's data model: the per-fork-site Frame
// (spec §3 "Frame (Fibril)"), the Joint that coordinates a join region with
// however many of its forked children were stolen (spec §3 "Joint", §4.4),
// and the data-commit descriptor mechanism that propagates a child's writes
// back into an ancestor's locals.
package frame

import (
	"sync/atomic"
	"unsafe"

	"github.com/go-foundations/fibril/internal/xsync"
)

// Frame is the per-fork activation record pushed onto a worker's deque. It
// doubles as the public package's join-region state: a region's Joint, once
// created, is shared by every Frame forked from that region so a single
// counter tracks however many of them are still outstanding (spec §3
// Invariants; the sharing is this module's resolution of generalizing the
// original's one-frame-per-fork-site protocol to cover many forks sharing
// one join point, see SPEC_FULL.md §1).
type Frame struct {
	steals   uint32
	unmapped bool

	// PC is the stolen (or inline-helped) closure. It takes the worker
	// handle executing it as an opaque value to avoid an import cycle
	// between this package and internal/scheduler; callers type-assert it
	// back to *scheduler.Worker.
	PC func(workerHandle any)

	joint  atomic.Pointer[Joint] // non-nil once this frame's region has forked at least once
	joined bool                  // idempotence guard, spec §8.7

	// parentJoint is the joint of the region that forked this frame, set
	// once at creation and never mutated. It is distinct from joint: joint
	// is this frame's *own* region's join record, created lazily the first
	// time something is forked from this frame, whereas parentJoint is the
	// link a lazily-created joint must report as its Parent so CommitAll's
	// ancestor walk (§4.4) actually chains back through enclosing regions
	// instead of terminating at nil immediately.
	parentJoint *Joint
}

// Init zeroes a frame's state so it is ready to be forked from or pushed
// (spec §4.2 "init(frame)").
func (f *Frame) Init() {
	f.steals = 0
	f.unmapped = false
	f.joint.Store(nil)
	f.joined = false
	f.PC = nil
	f.parentJoint = nil
}

// SetParentJoint records the joint of the region that forked this frame, so
// a later ensureJoint-style lazy creation of this frame's own joint can
// link it into the chain (spec §4.4 "links parent = current joint chain").
// It must be called, if at all, before this frame's own joint is created.
func (f *Frame) SetParentJoint(j *Joint) { f.parentJoint = j }

// ParentJoint returns the joint of the region that forked this frame, or
// nil for a root frame that was never itself forked.
func (f *Frame) ParentJoint() *Joint { return f.parentJoint }

// Steals returns the number of times this frame has been stolen.
func (f *Frame) Steals() uint32 { return f.steals }

// IncSteals is called by a thief immediately after a successful Steal.
func (f *Frame) IncSteals() { f.steals++ }

// Unmapped reports whether the frame's stack is currently split off into
// its own mirror mapping rather than living in its parent's (spec §6's
// StackMirror "split" state).
func (f *Frame) Unmapped() bool { return f.unmapped }

// SetUnmapped records whether StackMirror.Split installed a separate
// mapping for this frame, so the matching Publish/Reclaim calls know
// whether there is anything to tear back down.
func (f *Frame) SetUnmapped(v bool) { f.unmapped = v }

// Joint returns the frame's joint, or nil if its region has never forked.
func (f *Frame) Joint() *Joint { return f.joint.Load() }

// AttachJoint installs j as the frame's joint, or returns whichever joint
// was already installed (first writer wins; spec §4.4 "subsequent steals
// of the same parent frame observe the joint").
func (f *Frame) AttachJoint(j *Joint) *Joint {
	if f.joint.CompareAndSwap(nil, j) {
		return j
	}
	return f.joint.Load()
}

// MarkJoined sets and returns the previous idempotence state; callers use
// this to detect a second Join on the same frame (spec §8.7).
func (f *Frame) MarkJoined() (alreadyJoined bool) {
	alreadyJoined = f.joined
	f.joined = true
	return alreadyJoined
}

// Descriptor is the spec §3 "data commit descriptor": a declaration that a
// child wrote Size bytes at Addr which must be propagated to whichever
// ancestor Owner's canonical image contains it (spec §4.4's commit).
// Ownership is named explicitly rather than resolved by raw address-range
// containment, since Go gives no foreign-stack address ranges to test
// against (see SPEC_FULL.md §1).
type Descriptor struct {
	Owner *Frame
	Addr  unsafe.Pointer
	Size  uintptr
}

// Joint is the heap-allocated record shared by every Frame forked from one
// join region (spec §3 "Joint"). count tracks how many forked children are
// still outstanding, regardless of whether they end up running via the
// owner's own Pop-based help or via a thief's Steal.
type Joint struct {
	Lock   xsync.Mutex
	count  atomic.Int32
	Owner  *Frame // the region's own frame
	Parent *Joint
}

// NewJoint allocates a joint for a region's first fork, linking it into the
// chain rooted at parent (spec §4.4 "links parent = current joint chain").
func NewJoint(owner *Frame, parent *Joint) *Joint {
	return &Joint{Owner: owner, Parent: parent}
}

// Add increments the outstanding-children counter; called once per Fork.
func (j *Joint) Add(n int32) { j.count.Add(n) }

// Arrive decrements the outstanding-children counter; called once a forked
// child (inline-helped or stolen) has finished running.
func (j *Joint) Arrive(n int32) { j.count.Add(-n) }

// Remaining reports how many forked children are still outstanding.
func (j *Joint) Remaining() int32 { return j.count.Load() }

// commitOne applies d if it targets owner, establishing the ordering
// spec §4.4's commit requires. Go's unified address space means the
// address already is the final destination, so there is no byte range to
// copy between two distinct images; the joint lock CommitAll holds around
// this call is what actually does the synchronizing work (see SPEC_FULL.md §1).
func commitOne(owner *Frame, d Descriptor) bool {
	return d.Owner == owner
}

// CommitAll walks the joint chain rooted at jtptr and applies every
// descriptor under each ancestor's lock, exactly as spec §4.4 describes:
// lock an ancestor, commit, read its parent pointer before unlocking, and
// advance. Descriptors owned by jtptr's own frame are the common case
// (innermost); descriptors targeting a remoter ancestor walk further up.
func CommitAll(jtptr *Joint, data []Descriptor) {
	if len(data) == 0 {
		return
	}

	left := make([]Descriptor, 0, len(data))
	jtptr.Lock.Lock()
	for _, d := range data {
		if !commitOne(jtptr.Owner, d) {
			left = append(left, d)
		}
	}
	jt := jtptr.Parent
	jtptr.Lock.Unlock()

	for len(left) > 0 && jt != nil {
		jt.Lock.Lock()
		remaining := left[:0]
		for _, d := range left {
			if !commitOne(jt.Owner, d) {
				remaining = append(remaining, d)
			}
		}
		left = remaining
		next := jt.Parent
		jt.Lock.Unlock()
		jt = next
	}
}
