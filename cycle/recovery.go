package cycle

import (
	"fmt"

	"github.com/loomengine/loom/query"
)

// MaxIterations is the safety cap on fixed-point iteration (spec.md
// §4.10): exceeding it is a programmer error and panics.
const MaxIterations = 200

// Mode selects the recovery strategy a tracked function configures for
// cycles that involve it (spec.md §4.10).
type Mode int

const (
	// ModePanic is the default: detection unwinds every participant
	// with a distinguished panic value.
	ModePanic Mode = iota
	// ModeFixedPoint drives cycle_initial + cycle_fn to a fixed point.
	ModeFixedPoint
	// ModeFallback returns cycle_result directly on detection.
	ModeFallback
)

// Action is cycle_fn's verdict for one iteration.
type Action int

const (
	// ActionIterate means bump the iteration count, discard
	// provisional memos depending on this head, and re-execute it.
	ActionIterate Action = iota
	// ActionFallback means try Value as one more verification
	// iteration; if it converges, commit it, else panic (spec.md
	// §4.10: "fallback must be stable").
	ActionFallback
)

// Decision is the result of calling a tracked function's cycle_fn.
type Decision struct {
	Action Action
	Value  any // only meaningful when Action == ActionFallback
}

// Config is the cycle-recovery configuration for one tracked function.
type Config struct {
	Mode Mode

	// Initial returns the seed value a fixed-point cycle head uses
	// for the first iteration (cycle_initial).
	Initial func() any

	// Step is cycle_fn: given the previous and newly-computed value
	// and the 1-based iteration count, decide whether to iterate
	// again or fall back.
	Step func(last, new any, iteration uint32) Decision

	// Fallback is cycle_result for ModeFallback: the value returned
	// directly to a thread that detects a cycle on this function
	// without performing any fixed-point iteration.
	Fallback func() any
}

// NonConvergingFallbackError is raised when a ModeFixedPoint function's
// Step returns ActionFallback but the fallback value does not verify
// stable on the next iteration (spec.md §7 kind 3).
type NonConvergingFallbackError struct {
	Value any
}

func (e *NonConvergingFallbackError) Error() string {
	return fmt.Sprintf("loom: cycle fallback value %v did not converge", e.Value)
}

// IterationCapExceededError is raised when fixed-point iteration
// exceeds its safety cap without converging (MaxIterations unless
// overridden with memo.Storage.SetMaxIterations).
type IterationCapExceededError struct {
	Iterations int
}

func (e *IterationCapExceededError) Error() string {
	return fmt.Sprintf("loom: cycle iteration exceeded safety cap of %d", e.Iterations)
}

// ValidateFallbackSafety implements the immediate-fallback guard from
// spec.md §4.10 and scenario S5: before a ModeFallback function
// returns its fallback value in response to a detected cycle, the
// engine must confirm that no ancestor frame on the calling thread's
// stack is itself a fixed-point cycle head presently iterating — if
// one is, returning the fallback here would make that head's
// convergence depend on unwind order, so this is rejected instead.
func ValidateFallbackSafety(stack *query.Stack) error {
	if stack.AnyFixedPointHead() {
		return fmt.Errorf("loom: immediate-fallback cycle nested inside a fixed-point cycle head would be order-dependent")
	}
	return nil
}
