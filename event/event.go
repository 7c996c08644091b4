// Package event defines the observability callback described in
// spec.md §6 "Events": a single on_event(Event) hook, invoked for
// notable occurrences, carrying only a DatabaseKey (never a payload
// body) so emitting one is always cheap enough to leave enabled.
package event

import "github.com/loomengine/loom/ident"

// Kind enumerates the notable occurrences the engine reports.
type Kind int

const (
	// DidValidateMemoizedValue fires when fetch returns a memo without
	// re-executing its function (shallow or deep verify succeeded).
	DidValidateMemoizedValue Kind = iota
	// DidExecute fires once a tracked function's body has run to
	// completion (spec.md §4.8 step 5).
	DidExecute
	// DidInternValue fires when Intern allocates a fresh entry rather
	// than reusing an existing one.
	DidInternValue
	// WillBlockOn fires immediately before a reader blocks on another
	// thread's in-progress execution of the same key.
	WillBlockOn
	// WillIterateCycle fires before each fixed-point iteration of a
	// cycle head beyond the first.
	WillIterateCycle
	// Cancelled fires when a cancellation panic raised at a suspension
	// point unwinds out of a Read scope; Read emits it at the scope
	// boundary just before re-raising the panic.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case DidValidateMemoizedValue:
		return "DidValidateMemoizedValue"
	case DidExecute:
		return "DidExecute"
	case DidInternValue:
		return "DidInternValue"
	case WillBlockOn:
		return "WillBlockOn"
	case WillIterateCycle:
		return "WillIterateCycle"
	case Cancelled:
		return "Cancelled"
	default:
		return "Kind(?)"
	}
}

// Event is one observability occurrence. Key is the zero DatabaseKey
// for kinds (Cancelled) not tied to a single ingredient entity.
type Event struct {
	Kind Kind
	Key  ident.DatabaseKey
}

// Sink receives Events. Implementations must not block or call back
// into the database that is emitting them.
type Sink interface {
	OnEvent(Event)
}

// SinkFunc adapts a plain function to Sink. A nil SinkFunc is a no-op,
// so callers may pass one through unconditionally.
type SinkFunc func(Event)

// OnEvent implements Sink.
func (f SinkFunc) OnEvent(e Event) {
	if f != nil {
		f(e)
	}
}

// Emit calls sink.OnEvent if sink is non-nil, the nil-safety check
// every emission site in this module shares.
func Emit(sink Sink, kind Kind, key ident.DatabaseKey) {
	if sink == nil {
		return
	}
	sink.OnEvent(Event{Kind: kind, Key: key})
}
