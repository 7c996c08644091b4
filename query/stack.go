// Package query implements the per-thread active-query stack and
// dependency capture described in spec.md §3 ("Active query frame") and
// §4.9 ("Dependency capture"). Every ingredient read during query
// execution funnels through Stack.ReportRead on the currently active
// frame; reads with no active frame are a no-op, matching a top-level
// call made directly against a read scope rather than from within a
// tracked function.
package query

import (
	"sync"
	"sync/atomic"

	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/revision"
)

// ThreadID identifies one call chain (one Stack; Database's Read
// creates one per scope) for the purposes of cross-thread cycle detection.
// Despite the name, it need not correspond 1:1 with an OS thread or
// goroutine — the engine only needs it to be unique per concurrently
// active call chain, the same way the teacher threads a *Cache
// explicitly through calls instead of relying on goroutine-local state
// ("Design Notes": the core logic always threads db explicitly).
type ThreadID uint64

var nextThreadID uint64

// NewThreadID allocates a fresh ThreadID.
func NewThreadID() ThreadID {
	return ThreadID(atomic.AddUint64(&nextThreadID, 1))
}

// Frame is one entry on the active-query stack: the state accumulated
// while a single tracked-function invocation executes (spec.md §3).
type Frame struct {
	Key           ident.DatabaseKey
	Reads         []ident.DatabaseKey
	NewOutputs    map[ident.DatabaseKey]struct{}
	Durability    revision.Durability
	ChangedAt     revision.R
	UntrackedRead bool
	CycleHeads    ident.CycleHeadSet
	Iteration     uint32

	// IsFixedPointHead is set by memo.Storage while this frame's
	// function is actively iterating to a fixed point (spec.md §4.10).
	// The immediate-fallback safety check (spec.md §4.10, scenario S5)
	// consults this on every ancestor frame before returning a
	// fallback value, since a fixed-point head observing a fallback
	// result would make convergence order-dependent.
	IsFixedPointHead bool

	// disambiguator disambiguates tracked-struct identities allocated
	// more than once with an equal #[id]-field hash within this one
	// frame's execution (spec.md §4.7 step 2).
	disambiguator map[uint64]uint32
}

// Pin registers release to run when the Stack's read scope ends,
// whichever frame is active at the time. Ingredient storages that hand
// out an Id backed by reclaimable state (spec.md §4.6's interned
// values) call this once per lookup so the entry cannot be reclaimed
// out from under a read scope that is still holding the Id, mirroring
// the teacher's dcache.Cache refcount-on-lock / release-on-unlock
// discipline but scoped to a whole read instead of a single segment.
func (s *Stack) Pin(release func()) {
	s.pins = append(s.pins, release)
}

// ReleasePins runs and clears every release function registered via
// Pin. Database's Read calls this once when its scope returns.
func (s *Stack) ReleasePins() {
	for _, release := range s.pins {
		release()
	}
	s.pins = s.pins[:0]
}

func (f *Frame) reset(key ident.DatabaseKey) {
	f.Key = key
	f.Reads = f.Reads[:0]
	for k := range f.NewOutputs {
		delete(f.NewOutputs, k)
	}
	f.Durability = revision.High
	f.ChangedAt = revision.R(0)
	f.UntrackedRead = false
	f.CycleHeads = f.CycleHeads[:0]
	f.Iteration = 0
	f.IsFixedPointHead = false
	for k := range f.disambiguator {
		delete(f.disambiguator, k)
	}
}

// NextDisambiguator returns the next disambiguator for hash h within
// this frame and advances it, implementing the "per-query-invocation
// counter disambiguating equal hashes" from spec.md §3.
func (f *Frame) NextDisambiguator(h uint64) uint32 {
	if f.disambiguator == nil {
		f.disambiguator = make(map[uint64]uint32)
	}
	d := f.disambiguator[h]
	f.disambiguator[h] = d + 1
	return d
}

var framePool = sync.Pool{
	New: func() any { return &Frame{} },
}

// Stack is one thread's active-query stack: a LIFO of Frames, pooled
// to avoid allocation on the fetch fast path (grounded on the
// teacher's tenant/manager.go bufPool, which pools tnproto.Buffer
// values across RPC calls the same way).
type Stack struct {
	ID     ThreadID
	frames []*Frame
	pins   []func()

	// Attached is a host-opaque handle slot for debug formatters
	// (spec.md §6.A "attach"). Database.Attach does not set it (it
	// stores the database in a context.Context instead), and no code
	// in this module sets or reads it; core logic always threads the
	// database explicitly through its own arguments.
	Attached any
}

// NewStack returns an empty Stack with a fresh ThreadID.
func NewStack() *Stack {
	return &Stack{ID: NewThreadID()}
}

// Push allocates (from the pool) and pushes a new Frame for key,
// returning it.
func (s *Stack) Push(key ident.DatabaseKey) *Frame {
	f := framePool.Get().(*Frame)
	f.reset(key)
	s.frames = append(s.frames, f)
	return f
}

// Pop removes and returns the top Frame, releasing it back to the
// pool. The caller must be done reading the Frame's contents before
// calling Pop, since the pool may hand it to an unrelated Push
// immediately afterward.
func (s *Stack) Pop() *Frame {
	n := len(s.frames)
	f := s.frames[n-1]
	s.frames = s.frames[:n-1]
	framePool.Put(f)
	return f
}

// Top returns the current active Frame, or nil if the stack is empty.
func (s *Stack) Top() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// Contains reports whether key is already on the stack, i.e. whether
// entering it again would form an intra-thread cycle (spec.md §4.10).
func (s *Stack) Contains(key ident.DatabaseKey) bool {
	return s.Find(key) != nil
}

// Find returns the Frame for key already on the stack, or nil. Used by
// fixed-point cycle recovery to mark the cycle head's own frame once a
// nested call re-enters it (spec.md §4.10).
func (s *Stack) Find(key ident.DatabaseKey) *Frame {
	for _, f := range s.frames {
		if f.Key == key {
			return f
		}
	}
	return nil
}

// AnyFixedPointHead reports whether any frame currently on the stack
// is actively iterating as a fixed-point cycle head.
func (s *Stack) AnyFixedPointHead() bool {
	for _, f := range s.frames {
		if f.IsFixedPointHead {
			return true
		}
	}
	return false
}

// Keys returns a snapshot of the DatabaseKeys on the stack, bottom to
// top. Used when publishing a thread's stack into the cross-thread
// waiter graph (spec.md §4.10) and when reporting a detected cycle's
// participants.
func (s *Stack) Keys() []ident.DatabaseKey {
	out := make([]ident.DatabaseKey, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Key
	}
	return out
}

// ReportRead records a read of key on the current top frame, if any.
// With no active frame this is a no-op: a direct top-level read is not
// attributed to any memo's dependency list (spec.md §4.9).
func (s *Stack) ReportRead(key ident.DatabaseKey, d revision.Durability, changedAt revision.R, untracked bool) {
	f := s.Top()
	if f == nil {
		return
	}
	if !untracked {
		f.Reads = append(f.Reads, key)
	}
	if d < f.Durability {
		f.Durability = d
	}
	if changedAt > f.ChangedAt {
		f.ChangedAt = changedAt
	}
	f.UntrackedRead = f.UntrackedRead || untracked
}

// ReportOutput records that the current top frame (a tracked-struct
// creating query) produced output as one of its new_outputs.
func (s *Stack) ReportOutput(output ident.DatabaseKey) {
	f := s.Top()
	if f == nil {
		return
	}
	if f.NewOutputs == nil {
		f.NewOutputs = make(map[ident.DatabaseKey]struct{})
	}
	f.NewOutputs[output] = struct{}{}
}

// PropagateCycleHeads merges heads into the current top frame's
// CycleHeads, marking it provisional on whatever the callee was also
// provisional on (spec.md §4.10 "All queries on the cycle are marked
// with the head in their cycle_heads").
func (s *Stack) PropagateCycleHeads(heads ident.CycleHeadSet) {
	f := s.Top()
	if f == nil || heads.Empty() {
		return
	}
	f.CycleHeads.Merge(heads)
}
