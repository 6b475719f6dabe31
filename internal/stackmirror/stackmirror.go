// Package stackmirror abstracts the collaborator spec §6 calls StackMirror:
// whatever makes a frame's stack contents visible to the worker that may
// later resume its continuation. The original needs this because each
// worker has a private OS stack and a stolen continuation must be made to
// run on a different one. Go goroutines already share a single address
// space and the runtime grows/moves their stacks for them, so the default
// implementation here does none of the byte-copying spec §6 describes. The
// interface is called from the root package's fork closures, not from the
// scheduler; a generated mock of it is exercised by this package's own tests.
package stackmirror

import "github.com/go-foundations/fibril/internal/frame"

//go:generate go run go.uber.org/mock/mockgen -source=stackmirror.go -destination=stackmirror_mock.go -package=stackmirror

// Mirror makes a frame's stack state available across workers. Split
// detaches the portion of a frame beyond a steal point so a thief can run
// its continuation; Publish marks a frame's locals as visible to whichever
// worker joins it; Reclaim returns any resources Split acquired once the
// frame has finished running.
type Mirror interface {
	// Split prepares fr to have its continuation run elsewhere. It returns
	// true if the frame's stack needed active splitting (spec §6 "only
	// frames whose stack is still owned by the forking worker require a
	// split; once published, later steals are free").
	Split(fr *frame.Frame) bool

	// Publish marks fr's current contents as the canonical image other
	// workers must observe once they read its Joint (spec §6 "publish
	// happens-before any read through the Joint's lock").
	Publish(fr *frame.Frame)

	// Reclaim releases whatever Split acquired for fr. Called once, at the
	// end of fr's run, right after fr has arrived at its region's Joint.
	Reclaim(fr *frame.Frame)
}

// Native is the default Mirror: it relies on the Go runtime's own stack
// management and the unified address space, so every operation is a no-op
// that exists purely to satisfy the interface (spec §6's explicit license
// for "a single unified address space" as a valid realization).
type Native struct{}

// NewNative returns the default, goroutine-native Mirror.
func NewNative() *Native { return &Native{} }

func (*Native) Split(fr *frame.Frame) bool {
	return false
}

func (*Native) Publish(fr *frame.Frame) {}

func (*Native) Reclaim(fr *frame.Frame) {}
