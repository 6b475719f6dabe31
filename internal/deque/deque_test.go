package deque

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/go-foundations/fibril/internal/frame"
)

type DequeTestSuite struct {
	suite.Suite
}

func TestDequeTestSuite(t *testing.T) {
	suite.Run(t, new(DequeTestSuite))
}

func (ts *DequeTestSuite) TestPushPopOrder() {
	d := New(8)
	var frames [3]frame.Frame
	d.Push(&frames[0])
	d.Push(&frames[1])
	d.Push(&frames[2])

	ts.Equal(3, d.Len())
	ts.Same(&frames[2], d.Pop())
	ts.Same(&frames[1], d.Pop())
	ts.Same(&frames[0], d.Pop())
	ts.Nil(d.Pop())
}

func (ts *DequeTestSuite) TestStealTakesFromHead() {
	d := New(8)
	var frames [3]frame.Frame
	d.Push(&frames[0])
	d.Push(&frames[1])
	d.Push(&frames[2])

	ts.Same(&frames[0], d.Steal())
	ts.Equal(2, d.Len())
}

func (ts *DequeTestSuite) TestEmptyDequeReturnsNil() {
	d := New(8)
	ts.Nil(d.Pop())
	ts.Nil(d.Steal())
}

// TestPushGrowsPastInitialCapacity exercises spec E5 (a flat loop of many
// forks against one region): the child-stealing protocol can push far more
// entries than any nesting-depth bound, so Push must grow rather than fail.
func (ts *DequeTestSuite) TestPushGrowsPastInitialCapacity() {
	d := New(2)
	var frames [5]frame.Frame
	for i := range frames {
		ts.NotPanics(func() { d.Push(&frames[i]) })
	}
	ts.Equal(5, d.Len())
	for i := len(frames) - 1; i >= 0; i-- {
		ts.Same(&frames[i], d.Pop())
	}
	ts.Nil(d.Pop())
}

// TestStealSurvivesConcurrentGrow exercises the ordering Steal relies on
// when Push grows the backing array mid-race: a thief must never read a
// stale or missing slot regardless of whether it observes the old or the
// new generation.
func (ts *DequeTestSuite) TestStealSurvivesConcurrentGrow() {
	const n = 64
	d := New(2) // forces several grows as pushes proceed
	frames := make([]*frame.Frame, n)
	for i := range frames {
		frames[i] = &frame.Frame{}
	}

	var pushDone atomic.Bool
	results := make(chan *frame.Frame, n)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if fr := d.Steal(); fr != nil {
				results <- fr
				continue
			}
			if pushDone.Load() && d.Len() == 0 {
				return
			}
		}
	}()

	for _, fr := range frames {
		d.Push(fr)
	}
	pushDone.Store(true)
	wg.Wait()
	close(results)

	seen := make(map[*frame.Frame]bool)
	count := 0
	for fr := range results {
		ts.False(seen[fr], "frame observed more than once across a grow")
		seen[fr] = true
		count++
	}
	ts.Equal(n, count)
}

func (ts *DequeTestSuite) TestNewRequiresPowerOfTwo() {
	ts.Panics(func() { New(3) })
	ts.Panics(func() { New(0) })
	ts.NotPanics(func() { New(1) })
}

// TestAtMostOneConsumer exercises spec §8.2: a single remaining frame
// racing between the owner's Pop and many concurrent Steal callers must be
// handed to exactly one of them.
func (ts *DequeTestSuite) TestAtMostOneConsumer() {
	const trials = 2000
	const thieves = 4

	for i := 0; i < trials; i++ {
		d := New(2)
		fr := &frame.Frame{}
		d.Push(fr)

		var got atomic.Int32
		var wg sync.WaitGroup
		wg.Add(thieves)
		for t := 0; t < thieves; t++ {
			go func() {
				defer wg.Done()
				if d.Steal() != nil {
					got.Add(1)
				}
			}()
		}
		if d.Pop() != nil {
			got.Add(1)
		}
		wg.Wait()

		ts.LessOrEqual(got.Load(), int32(1), "more than one consumer observed the same frame")
	}
}

func (ts *DequeTestSuite) TestConcurrentStealsAreMonotone() {
	const n = 512
	d := New(1024)
	frames := make([]*frame.Frame, n)
	for i := range frames {
		frames[i] = &frame.Frame{}
		d.Push(frames[i])
	}

	results := make(chan *frame.Frame, n)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				fr := d.Steal()
				if fr == nil {
					if d.Len() == 0 {
						return
					}
					continue
				}
				results <- fr
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[*frame.Frame]bool)
	count := 0
	for fr := range results {
		ts.False(seen[fr], "frame stolen more than once")
		seen[fr] = true
		count++
	}
	ts.Equal(n, count)
}
