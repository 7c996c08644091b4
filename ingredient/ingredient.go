// Package ingredient defines the uniform capability interface every
// per-query-kind storage object implements (spec.md §3 "Ingredient",
// §6.B "Ingredient protocol"), plus the registry that maps stable
// integer indices to ingredients and dispatches validation by index
// (spec.md §4.3).
package ingredient

import (
	"fmt"
	"sync"

	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/revision"
)

// VerifyOutcome is the three-way result of MaybeChangedAfter (spec.md
// §4.8 "maybe_changed_after contract").
type VerifyOutcome int

const (
	// Unchanged means the entity's value could not have changed since
	// the revision in question; the caller may skip re-execution.
	Unchanged VerifyOutcome = iota
	// Changed means the entity's value is known to differ.
	Changed
	// MaybeChangedProvisional means validation could not reach a
	// definite answer because it passed through a cycle head that is
	// still iterating; the accompanying CycleHeadSet (returned
	// separately, see VerifyResult) must be propagated into the
	// caller's own dependency record.
	MaybeChangedProvisional
)

func (o VerifyOutcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case MaybeChangedProvisional:
		return "maybe-changed-provisional"
	default:
		return "verify(?)"
	}
}

// Ingredient is the uniform capability interface every per-query-kind
// storage object implements, dispatched on by DatabaseKey.Ingredient
// (spec.md §4.3, §6.B).
type Ingredient interface {
	// MaybeChangedAfter answers whether the entity named by id could
	// have changed since revision `since`. Implementations append any
	// cycle heads discovered during validation into heads.
	MaybeChangedAfter(id ident.Id, since revision.R, heads *ident.CycleHeadSet) (VerifyOutcome, error)

	// Fetch returns the current value for id. The returned value must
	// not be mutated by the caller.
	Fetch(id ident.Id) (any, error)

	// ValuesEqual controls backdating (spec.md §4.8 step 7): it must
	// be reflexive, symmetric, and transitive.
	ValuesEqual(old, new any) bool

	// MarkValidatedOutput records that `output` is a live output of
	// `key` as of the current revision.
	MarkValidatedOutput(key ident.DatabaseKey, output ident.DatabaseKey)

	// RemoveStaleOutput detaches an output that `key` produced in a
	// prior revision but did not reproduce in the current one.
	RemoveStaleOutput(key ident.DatabaseKey, output ident.DatabaseKey)

	// ResetForNewRevision is called by the writer exactly once per
	// Clock.Bump, before any reader observes the new revision.
	ResetForNewRevision()
}

// Registry holds the set of registered ingredients, indexed by their
// stable IngredientIndex. Registration happens once at startup; after
// that, the registry is read-only and safe for concurrent dispatch
// from any number of readers, mirroring spec.md §4.3's "fast per-
// thread cache" by keeping the backing slice append-only and
// snapshotting it under a RWMutex rather than copying on every read.
type Registry struct {
	mu          sync.RWMutex
	ingredients []Ingredient
	names       []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register assigns the next stable index to ing and returns it. The
// index is never reused for the life of the Registry.
func (r *Registry) Register(name string, ing Ingredient) ident.IngredientIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := ident.IngredientIndex(len(r.ingredients))
	r.ingredients = append(r.ingredients, ing)
	r.names = append(r.names, name)
	return idx
}

// Get returns the ingredient registered at idx.
func (r *Registry) Get(idx ident.IngredientIndex) Ingredient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(idx) >= len(r.ingredients) {
		panic(fmt.Sprintf("ingredient: index %d never registered", idx))
	}
	return r.ingredients[idx]
}

// Name returns the human-readable name an ingredient was registered
// with, used only for event/debug output.
func (r *Registry) Name(idx ident.IngredientIndex) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(idx) >= len(r.names) {
		return "?"
	}
	return r.names[idx]
}

// MaybeChangedAfter dispatches to the ingredient named by key.
func (r *Registry) MaybeChangedAfter(key ident.DatabaseKey, since revision.R, heads *ident.CycleHeadSet) (VerifyOutcome, error) {
	return r.Get(key.Ingredient).MaybeChangedAfter(key.Id, since, heads)
}

// ResetAll calls ResetForNewRevision on every registered ingredient.
// Called once by the writer per Clock.Bump (spec.md §4.3, §6.B).
func (r *Registry) ResetAll() {
	r.mu.RLock()
	ings := append([]Ingredient(nil), r.ingredients...)
	r.mu.RUnlock()
	for _, ing := range ings {
		ing.ResetForNewRevision()
	}
}
