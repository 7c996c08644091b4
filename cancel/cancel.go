// Package cancel implements the single atomic cancellation flag
// described in spec.md §4.11: every suspension point calls Checkpoint,
// which panics with a distinguished payload if the flag is set. The
// writer sets the flag before waiting for readers to drain and clears
// it once the mutable critical section ends.
package cancel

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Cancelled is the panic payload raised by Checkpoint. Token
// disambiguates which Trigger call caused the unwind, following the
// teacher's habit of carrying an explanatory string in its internal
// panics (tenant/dcache/cache.go: "panic(\"double unlock of id \" + id)").
type Cancelled struct {
	Token string
}

func (c Cancelled) Error() string {
	return "loom: cancelled (" + c.Token + ")"
}

// Signal is one database's cancellation flag.
type Signal struct {
	flag  int32
	token atomic.Value // string
}

// NewSignal returns a cleared Signal.
func NewSignal() *Signal {
	return &Signal{}
}

// Trigger sets the cancellation flag. Idempotent: triggering an
// already-triggered signal just replaces the token. Returns
// immediately; it does not wait for readers to unwind (spec.md §4.2
// "trigger_cancellation").
func (s *Signal) Trigger() {
	s.token.Store(uuid.NewString())
	atomic.StoreInt32(&s.flag, 1)
}

// Clear resets the flag after the writer's mutable critical section
// ends. New readers entering after Clear are not affected by a
// Trigger that happened before it.
func (s *Signal) Clear() {
	atomic.StoreInt32(&s.flag, 0)
}

// IsSet reports whether the flag is currently set, without panicking.
func (s *Signal) IsSet() bool {
	return atomic.LoadInt32(&s.flag) != 0
}

// Checkpoint panics with Cancelled if the flag is set. memo.Storage
// calls it before entering fetch, before blocking on the sync table,
// and between cycle iterations.
func (s *Signal) Checkpoint() {
	if atomic.LoadInt32(&s.flag) == 0 {
		return
	}
	tok, _ := s.token.Load().(string)
	panic(Cancelled{Token: tok})
}
