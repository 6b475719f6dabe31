// Package fibril provides a lazy fork/join parallelism runtime on top of a
// randomized work-stealing scheduler.
//
// A Frame is placed by the caller as a local variable at the start of a
// fork/join region, the way the original runtime's callers place a
// stack-local activation record:
//
//	func fib(f *fibril.Frame, n int) int {
//		if n < 2 {
//			return n
//		}
//		x := fibril.Fork(f, func(cf *fibril.Frame) int { return fib(cf, n-1) })
//		y := fib(f, n-2)
//		fibril.Join(f)
//		return x.Get() + y
//	}
//
// Join always takes the region's own Frame, never a handle to an individual
// fork: Fork may be called many times against the same f before a single
// Join drains all of them, the way a loop that forks one task per slice of
// work joins once at the end.
//
// Forking pushes the child call onto the current worker's deque rather than
// running it eagerly; any other worker that runs dry may steal it. At the
// Join, the owner first tries to reclaim its own pushed work by popping it
// back off the deque — the common, allocation-free fast path when nothing
// was stolen — and only falls back to helping with other stealable work
// while it waits if a thief got there first.
package fibril

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/go-foundations/fibril/internal/deque"
	"github.com/go-foundations/fibril/internal/frame"
	"github.com/go-foundations/fibril/internal/scheduler"
	"github.com/go-foundations/fibril/internal/stackmirror"
)

// Frame is a fork/join region: a place where Fork/ForkVoid push stealable
// child units and Join waits for the ones it pushed. It is not safe for use
// by more than one goroutine at a time, matching the original's "frame
// lives in the caller's own activation record" invariant.
type Frame struct {
	raw    frame.Frame
	worker *scheduler.Worker
}

// ErrAlreadyJoined is the value Join panics with when it is called twice
// on the same Frame; spec §8.7 requires
// this be detectable as an invariant violation, not silently tolerated.
var ErrAlreadyJoined = fmt.Errorf("fibril: frame already joined")

func (f *Frame) ensureJoint() *frame.Joint {
	if jt := f.raw.Joint(); jt != nil {
		return jt
	}
	jt := frame.NewJoint(&f.raw, f.raw.ParentJoint())
	return f.raw.AttachJoint(jt)
}

// ForkVoid pushes fn as a stealable child of the region f, to be completed
// by the time f's matching Join returns. f must belong to the worker
// currently executing the calling goroutine — in practice, f is either the
// Frame passed into Run's entry closure, or a Frame an enclosing
// ForkVoid/Fork handed to its own fn. fn receives the Frame to use for any
// further forking it does itself, since whichever worker ends up running
// fn (the owner, helping, or a thief) is only known once fn actually
// starts.
func ForkVoid(f *Frame, fn func(child *Frame)) {
	xsyncAssertCurrent(f)

	jt := f.ensureJoint()
	jt.Add(1)

	child := &Frame{}
	child.raw.Init()
	// child's own region gets no joint yet: a nested Fork/ForkVoid against
	// child lazily creates one via ensureJoint, chained to jt as its
	// parent. Attaching jt to child directly here, as an earlier version
	// did, made ensureJoint's non-nil short-circuit (above) hand any
	// nested region jt itself — so a child's own Join would wait on the
	// enclosing region's count, which only reaches zero after that child's
	// own call returns, deadlocking for any fork nested two levels deep.
	child.raw.SetParentJoint(jt)

	child.raw.PC = func(workerHandle any) {
		w := workerHandle.(*scheduler.Worker)
		child.worker = w
		child.raw.SetUnmapped(w.Mirror().Split(&child.raw))
		fn(child)
		if child.raw.Unmapped() {
			w.Mirror().Publish(&child.raw)
		}
		jt.Arrive(1)
		w.Mirror().Reclaim(&child.raw)
	}

	f.worker.Deque().Push(&child.raw)
}

// Future holds the result of a Fork'd call until Join has returned.
type Future[T any] struct {
	value T
}

// Get returns the forked call's result. It must only be called after the
// Future's Frame has been passed to Join.
func (fut *Future[T]) Get() T { return fut.value }

// Fork is ForkVoid generalized to a child that returns a value (spec §6
// "a return-value-carrying fork is the same protocol with the callee's
// return written through a pointer argument"): the value is stored into a
// heap-allocated Future the moment the child finishes and then declared to
// CommitAll through a commit Descriptor, so it passes through the same
// ancestor-locking path §4.4 describes, whether the child ran via inline
// help or via a thief's goroutine.
func Fork[T any](f *Frame, fn func(child *Frame) T) *Future[T] {
	xsyncAssertCurrent(f)

	jt := f.ensureJoint()
	jt.Add(1)

	fut := &Future[T]{}
	child := &Frame{}
	child.raw.Init()
	// See ForkVoid's comment: child's own joint stays unset here so a
	// nested fork from it creates its own, chained to jt as parent.
	child.raw.SetParentJoint(jt)

	child.raw.PC = func(workerHandle any) {
		w := workerHandle.(*scheduler.Worker)
		child.worker = w
		child.raw.SetUnmapped(w.Mirror().Split(&child.raw))

		fut.value = fn(child)
		frame.CommitAll(jt, []frame.Descriptor{{
			Owner: &f.raw,
			Addr:  unsafe.Pointer(&fut.value),
			Size:  unsafe.Sizeof(fut.value),
		}})

		if child.raw.Unmapped() {
			w.Mirror().Publish(&child.raw)
		}
		jt.Arrive(1)
		w.Mirror().Reclaim(&child.raw)
	}

	f.worker.Deque().Push(&child.raw)
	return fut
}

// Join waits for every child ForkVoid/Fork pushed from f since f was last
// used as a fork site. A second Join on the same Frame panics with
// ErrAlreadyJoined (spec §8.7's idempotence property).
func Join(f *Frame) {
	if f.raw.MarkJoined() {
		panic(ErrAlreadyJoined)
	}

	jt := f.raw.Joint()
	if jt == nil {
		return
	}

	w := f.worker
	for jt.Remaining() > 0 {
		spark := w.Deque().Pop()
		if spark == nil {
			break
		}
		w.Dispatch(spark)
	}

	if jt.Remaining() > 0 {
		w.JoinWait(jt)
	}
}

func xsyncAssertCurrent(f *Frame) {
	if f.worker == nil {
		panic("fibril: Fork called on a Frame that has not been entered by a worker (pass the Frame you were given, not a freshly zeroed one)")
	}
}

// Runtime is a started fibril scheduler: nprocs workers, one of which (the
// caller's own goroutine, via Run) acts as worker 0.
type Runtime struct {
	rt  *scheduler.Runtime
	ctx context.Context
}

var (
	globalMu sync.Mutex
	globalRT *Runtime
)

// RuntimeInit starts nprocs workers (spec §6 "runtime_init(n_workers)").
// nprocs <= 0 resolves via FIBRIL_NPROCS, falling back to runtime.NumCPU().
// It panics if a runtime is already active; only one is supported per
// process, matching the original's single global scheduler.
func RuntimeInit(nprocs int) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalRT != nil {
		panic("fibril: RuntimeInit called while a runtime is already active")
	}

	n := nprocs
	if n <= 0 {
		n = scheduler.Nprocs(0)
	}
	if n <= 0 {
		n = runtime.NumCPU()
	}

	rt := scheduler.NewRuntime(n, deque.DefaultCapacity, stackmirror.NewNative())
	ctx := rt.Start(context.Background())
	globalRT = &Runtime{rt: rt, ctx: ctx}
}

// RuntimeExit sets the termination signal, waits for every worker to
// observe it, and releases the runtime (spec §6 "runtime_exit()").
func RuntimeExit() {
	globalMu.Lock()
	rt := globalRT
	globalRT = nil
	globalMu.Unlock()

	if rt == nil {
		panic("fibril: RuntimeExit called with no active runtime")
	}
	rt.rt.Stop()
}

// RuntimeNprocs reports the active runtime's worker count (spec §6
// "runtime_nprocs()").
func RuntimeNprocs() int {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalRT == nil {
		panic("fibril: RuntimeNprocs called with no active runtime")
	}
	return len(globalRT.rt.Workers())
}

// Stats reports the ambient steal/suspension counters carried over from
// the original's stats.h instrumentation (SPEC_FULL.md §11).
type Stats struct {
	Steals      int64
	Suspensions int64
}

// RuntimeStats snapshots the active runtime's Stats.
func RuntimeStats() Stats {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalRT == nil {
		panic("fibril: RuntimeStats called with no active runtime")
	}
	s := globalRT.rt.Stats()
	return Stats{Steals: s.Steals.Load(), Suspensions: s.Suspensions.Load()}
}

// RootFrame returns a fresh Frame bound to the active runtime's worker 0.
// Run calls this for callers that don't need RuntimeInit/RuntimeExit's
// coarser control; it is exported separately for callers that do — e.g.
// to read RuntimeStats before RuntimeExit tears the runtime down.
func RootFrame() *Frame {
	globalMu.Lock()
	rt := globalRT
	globalMu.Unlock()
	if rt == nil {
		panic("fibril: RootFrame called with no active runtime")
	}

	root := &Frame{worker: rt.rt.Workers()[0]}
	root.raw.Init()
	return root
}

// Run starts a runtime, executes fn as worker 0 with a fresh root Frame,
// and tears the runtime down once fn returns. It is the common entry point
// for programs that don't need RuntimeInit/RuntimeExit's coarser control.
func Run(nprocs int, fn func(root *Frame)) {
	RuntimeInit(nprocs)
	defer RuntimeExit()
	fn(RootFrame())
}
