// Package revision implements the global logical clock and the
// per-durability "last changed" table described in the engine's data
// model: a strictly increasing revision counter, bumped once per writer
// scope that changes an input, and a small table recording the most
// recent revision at which any value of at least a given durability
// changed.
package revision

import (
	"sync/atomic"

	"github.com/loomengine/loom/internal/atomicext"
)

// R is a revision number. Zero (R0) is reserved to mean "before any
// change"; a query that has never observed any input is considered
// changed_at R0.
type R uint64

// Max is a distinguished value meaning "outside any query". No code in
// this module stamps a memo or an input with it.
const Max R = ^R(0)

// Durability is a coarse classification of how often an input changes.
// Lower durability is assumed to change more often. The zero value is
// Low, so durability-less values behave conservatively (always
// re-validated).
type Durability uint8

const (
	Low Durability = iota
	Medium
	High

	numDurabilities = int(High) + 1
)

func (d Durability) String() string {
	switch d {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "durability(?)"
	}
}

// Clock owns the current revision counter and the per-durability last-
// changed table. It is safe for concurrent reads; mutation (Bump,
// ReportChange) must only be called by a caller holding exclusive
// writer access (see WithMut in the root loom package), exactly as
// spec.md's §4.1 requires.
type Clock struct {
	current R

	// lastChanged[d] records the most recent revision in which any
	// value of durability >= d changed. Accessed atomically so that
	// readers validating a memo (memo.Storage) never need to take a
	// lock merely to read it.
	lastChanged [numDurabilities]uint64
}

// NewClock returns a Clock starting at revision 1 (R0 is reserved to
// mean "before any change", so the first real revision is R(1)).
func NewClock() *Clock {
	c := &Clock{current: 1}
	return c
}

// Current returns the current revision.
func (c *Clock) Current() R {
	return R(atomic.LoadUint64((*uint64)(&c.current)))
}

// Bump increments and returns the new revision. Callers must hold
// exclusive writer access; concurrent callers would race on "current".
func (c *Clock) Bump() R {
	return R(atomic.AddUint64((*uint64)(&c.current), 1))
}

// ReportChange records that some value of durability d changed in the
// current revision. Per spec.md §4.1, "a change at D updates only the
// entry for D" in the underlying array, but readers always combine
// against the minimum durability observed, which is why this method
// walks from d down to Low: an input change at a given durability
// also invalidates the short-circuit for every *lower* durability,
// since lower durability implies "changes more often" and a short
// circuit at a lower durability would otherwise miss this change.
func (c *Clock) ReportChange(d Durability) {
	r := uint64(c.Current())
	for i := int(d); i >= int(Low); i-- {
		atomicext.MaxUint64(&c.lastChanged[i], r)
	}
}

// LastChanged returns LC[d]: the most recent revision in which any
// value of durability >= d changed.
func (c *Clock) LastChanged(d Durability) R {
	return R(atomic.LoadUint64(&c.lastChanged[int(d)]))
}
