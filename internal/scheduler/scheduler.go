// Package scheduler runs the worker loop spec §7 describes: each worker
// drains its own deque LIFO, and when empty, picks a uniformly random
// victim and attempts a steal, backing off with a short sleep after a run
// of failed steals.
package scheduler

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"pgregory.net/rand"

	"github.com/go-foundations/fibril/internal/deque"
	"github.com/go-foundations/fibril/internal/frame"
	"github.com/go-foundations/fibril/internal/stackmirror"
	"github.com/go-foundations/fibril/internal/stackpool"
	"github.com/go-foundations/fibril/internal/xsync"
)

// groupSize is how many workers share one stackpool.Group tier, modeling
// the original's cache-domain grouping (spec §5).
const groupSize = 4

// privateStackDepth bounds each worker's own stackpool.Private tier.
const privateStackDepth = 4

// NprocsEnv names the environment variable the original runtime reads to
// size its worker pool (spec §7 "FIBRIL_NPROCS overrides the default
// worker count").
const NprocsEnv = "FIBRIL_NPROCS"

// stealAttemptsFactor bounds how many victims a worker tries before treating
// the runtime as quiescent (spec §7 "a worker that fails numWorkers*2
// consecutive steals backs off").
const stealAttemptsFactor = 2

// Nprocs resolves the worker count: FIBRIL_NPROCS if set and valid,
// otherwise runtime.NumCPU's value as reported by the caller-supplied
// default (spec §7).
func Nprocs(defaultN int) int {
	if v := os.Getenv(NprocsEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultN
}

// Stats holds the cheap, ambient counters the original runtime keeps via
// STATS_COUNT(N_STEALS,...) / STATS_COUNT(N_SUSPENSIONS,...): a successful
// Steal, and a worker backing off after exhausting its steal attempts
// against every peer. Deliberately not a metrics subsystem (spec §1 places
// "statistics" out of the hard core) — just two atomic counters a caller
// can snapshot.
type Stats struct {
	Steals      atomic.Int64
	Suspensions atomic.Int64
}

// Worker owns one deque and one PRNG stream, and runs the steal loop.
type Worker struct {
	ID      int
	deque   *deque.Deque
	rng     *rand.Rand
	mirror  stackmirror.Mirror
	stats   *Stats
	scratch *stackpool.Pool

	peers []*Worker // set once by the Runtime after all workers exist
}

// NewWorker constructs a worker with its own deque and a PRNG seeded
// distinctly per worker (spec §7 "each worker's victim selection uses an
// independent stream; a shared generator would itself become a contention
// point"). stats and scratch may be nil, in which case the worker keeps
// its own private defaults (useful for standalone tests that don't care
// about aggregate counters or cross-worker pooling).
func NewWorker(id int, capacity int, seed int64, mirror stackmirror.Mirror, stats *Stats, scratch *stackpool.Pool) *Worker {
	if stats == nil {
		stats = &Stats{}
	}
	if scratch == nil {
		scratch = stackpool.New(stackpool.NewPrivate(privateStackDepth), stackpool.NewGroup(1), stackpool.NewGlobal(), 0)
	}
	return &Worker{
		ID:      id,
		deque:   deque.New(capacity),
		rng:     rand.New(rand.NewSource(seed + int64(id)*2654435761)),
		mirror:  mirror,
		stats:   stats,
		scratch: scratch,
	}
}

// Deque exposes the worker's own deque, for Fork to push onto.
func (w *Worker) Deque() *deque.Deque { return w.deque }

// Mirror exposes the worker's StackMirror collaborator, for Fork/Join to
// call Split/Publish/Reclaim around a frame's lifecycle (spec §6).
func (w *Worker) Mirror() stackmirror.Mirror { return w.mirror }

// setPeers installs the full worker roster so Run can pick steal victims.
// Called once by Runtime before any worker starts.
func (w *Worker) setPeers(peers []*Worker) { w.peers = peers }

// pickVictim returns a uniformly random peer other than w, or nil if w has
// no peers (a single-worker runtime never steals).
func (w *Worker) pickVictim() *Worker {
	n := len(w.peers)
	if n <= 1 {
		return nil
	}
	for {
		v := w.peers[w.rng.Intn(n)]
		if v != w {
			return v
		}
	}
}

// Run drives the worker's steal loop until ctx is cancelled. run is invoked
// for every frame the worker's own Pop or a successful Steal produces.
// After stealAttemptsFactor times the peer count consecutive failed steals,
// the worker counts a suspension and sleeps for a microsecond before
// trying again.
func (w *Worker) Run(ctx context.Context, run func(fr *frame.Frame)) {
	attempts := 0
	maxAttempts := stealAttemptsFactor * max(1, len(w.peers))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if fr := w.deque.Pop(); fr != nil {
			attempts = 0
			run(fr)
			continue
		}

		victim := w.pickVictim()
		if victim == nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}

		if fr := victim.deque.Steal(); fr != nil {
			fr.IncSteals()
			w.stats.Steals.Add(1)
			attempts = 0
			run(fr)
			continue
		}

		attempts++
		if attempts >= maxAttempts {
			w.stats.Suspensions.Add(1)
			xsync.Fence()
			time.Sleep(time.Microsecond)
			attempts = 0
		}
	}
}

// Dispatch runs fr's PC with w passed as the opaque worker handle,
// matching whatever the root package's Fork closures expect to type-assert
// (see internal/frame's doc comment on Frame.PC). It brackets the call with
// an Acquire/Release pair against the worker's stackpool.Pool: a scratch
// arena a PC may use to avoid allocating when it batches commit
// descriptors (spec §5), kept for bookkeeping parity with the original's
// per-frame stack acquisition rather than being load-bearing here.
func (w *Worker) Dispatch(fr *frame.Frame) {
	scratch := w.scratch.Acquire()
	fr.PC(w)
	w.scratch.Release(scratch)
}

// JoinWait blocks the calling worker until jt's outstanding-children count
// reaches zero. Rather than idling, it keeps servicing other stealable
// work: first its own deque, then random victims, exactly as spec §4.3
// merges "resume" and "steal" into one loop. Because Go gives every
// worker a real goroutine and a real call stack, there is no analogue of
// the original's suspend/longjmp race between "parent arrives at join"
// and "last child finishes" (spec §4.4's resumable state machine): the
// owner's own goroutine is doing this waiting, so nothing else ever needs
// to reinstall its stack out from under it. Joint.count is the only state
// needed to decide when to stop.
func (w *Worker) JoinWait(jt *frame.Joint) {
	for jt.Remaining() > 0 {
		if fr := w.deque.Pop(); fr != nil {
			w.Dispatch(fr)
			continue
		}
		if victim := w.pickVictim(); victim != nil {
			if fr := victim.deque.Steal(); fr != nil {
				fr.IncSteals()
				w.stats.Steals.Add(1)
				w.Dispatch(fr)
				continue
			}
		}
		xsync.Fence()
		runtime.Gosched()
	}
}

// Runtime owns the worker roster and its lifecycle (spec §7, §8.6's
// RuntimeInit/RuntimeExit pair).
type Runtime struct {
	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mirror  stackmirror.Mirror
	stats   *Stats

	mu      sync.Mutex
	started bool
}

// NewRuntime allocates nprocs workers, each with its own deque of the
// given capacity, wires their peer roster, and returns the unstarted
// runtime.
func NewRuntime(nprocs, dequeCapacity int, mirror stackmirror.Mirror) *Runtime {
	xsync.Assert(nprocs > 0, "scheduler: nprocs must be positive, got %d", nprocs)
	if mirror == nil {
		mirror = stackmirror.NewNative()
	}

	rt := &Runtime{mirror: mirror, stats: &Stats{}}
	rt.workers = make([]*Worker, nprocs)
	seed := time.Now().UnixNano()

	numGroups := (nprocs + groupSize - 1) / groupSize
	group := stackpool.NewGroup(numGroups)
	global := stackpool.NewGlobal()

	for i := range rt.workers {
		scratch := stackpool.New(stackpool.NewPrivate(privateStackDepth), group, global, uint32(i/groupSize))
		rt.workers[i] = NewWorker(i, dequeCapacity, seed, mirror, rt.stats, scratch)
	}
	for _, w := range rt.workers {
		w.setPeers(rt.workers)
	}
	return rt
}

// Workers returns the runtime's worker roster.
func (rt *Runtime) Workers() []*Worker { return rt.workers }

// Stats returns the runtime's shared steal/suspension counters.
func (rt *Runtime) Stats() *Stats { return rt.stats }

// Start launches every worker but worker 0's steal loop in its own
// goroutine, each dispatching through its own Dispatch method (spec §8.6
// "RuntimeInit spawns nprocs-1 additional workers; the calling thread
// becomes worker 0"). It blocks until every spawned goroutine has actually
// begun its steal loop, via a startup Barrier, so a caller that forks
// immediately after Start returns knows every worker is already polling
// rather than still being scheduled for the first time.
func (rt *Runtime) Start(ctx context.Context) context.Context {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	xsync.Assert(!rt.started, "scheduler: runtime already started")
	rt.started = true

	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	spawned := rt.workers[1:]
	if len(spawned) == 0 {
		return ctx
	}

	startBarrier := xsync.NewBarrier(len(spawned) + 1)
	for _, w := range spawned {
		rt.wg.Add(1)
		go func(w *Worker) {
			defer rt.wg.Done()
			startBarrier.Wait()
			w.Run(ctx, w.Dispatch)
		}(w)
	}
	startBarrier.Wait()
	return ctx
}

// RunInline runs worker 0's steal loop on the calling goroutine, the way
// the original runtime turns its creating thread into worker 0 rather than
// spawning an extra one for it.
func (rt *Runtime) RunInline(ctx context.Context) {
	rt.workers[0].Run(ctx, rt.workers[0].Dispatch)
}

// Stop cancels every worker's steal loop and waits for the spawned
// goroutines (not including the inline worker 0) to exit (spec §8.6
// "RuntimeExit must observe every worker parked before returning").
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	cancel := rt.cancel
	rt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	rt.wg.Wait()
}
