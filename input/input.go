// Package input implements mutable, durability-tagged input storage
// (spec.md §4.5): the only ingredient kind whose values are set
// directly by the writer rather than computed.
//
// Each Go Storage[V] instance models one *field* of an input entity —
// the generated per-field accessors (new, get_field_i, set_field_i)
// spec.md §6.A describes for a macro-generated input struct. An entity
// with several fields is modeled as several Storage instances sharing
// the same entity Id, the same way the teacher's database macro emits
// one ingredient per field rather than one per struct.
package input

import (
	"fmt"
	"reflect"

	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/ingredient"
	"github.com/loomengine/loom/query"
	"github.com/loomengine/loom/revision"
)

type entry[V any] struct {
	value      V
	durability revision.Durability
	changedAt  revision.R
}

// Storage holds one field's worth of input values, addressed by the
// entity Id shared across all fields of the same input. It implements
// ingredient.Ingredient.
type Storage[V any] struct {
	clock *revision.Clock
	table *ident.Table[entry[V]]
	equal func(a, b V) bool
	idx   ident.IngredientIndex
}

// New constructs a field storage. equal is used to decide whether
// SetField actually changes the value (nil defaults to
// reflect.DeepEqual, mirroring the user-provided Update/equality
// contract spec.md leaves to the host in the general case).
func New[V any](clock *revision.Clock, equal func(a, b V) bool) *Storage[V] {
	if equal == nil {
		equal = func(a, b V) bool { return reflect.DeepEqual(a, b) }
	}
	return &Storage[V]{
		clock: clock,
		table: ident.NewTable[entry[V]](),
		equal: equal,
	}
}

// Bind records the IngredientIndex this storage was registered under.
// Called once by whatever sets up the ingredient.Registry.
func (s *Storage[V]) Bind(idx ident.IngredientIndex) { s.idx = idx }

// Index returns the bound IngredientIndex.
func (s *Storage[V]) Index() ident.IngredientIndex { return s.idx }

// NewInput allocates a new input entity field value. Writer-only: the
// caller must hold exclusive database access (spec.md §4.5 "new").
// reportChange is invoked at durability, the same as SetField, so the
// database's durability table (spec.md §4.1) reflects this field's
// durability from its very first revision rather than only from its
// first SetField.
func (s *Storage[V]) NewInput(reportChange func(revision.Durability), value V, durability revision.Durability) ident.Id {
	now := s.clock.Current()
	id := s.table.Alloc(entry[V]{value: value, durability: durability, changedAt: now})
	reportChange(durability)
	return id
}

// SetField overwrites the field of an existing entity. Writer-only. If
// the new value differs from the old (per the configured equal func),
// the field's changed_at is stamped to the current revision and
// reportChange(durability) is invoked so the caller can update the
// database's durability table (spec.md §4.1); an unchanged value
// leaves changed_at untouched, the entity-level analogue of memo
// backdating.
func (s *Storage[V]) SetField(reportChange func(revision.Durability), id ident.Id, value V, durability revision.Durability) {
	e := s.table.Get(id)
	if e == nil {
		panic(fmt.Sprintf("input: SetField on unknown or freed id %s", id))
	}
	if s.equal(e.value, value) && e.durability == durability {
		return
	}
	now := s.clock.Current()
	e.value = value
	e.durability = durability
	e.changedAt = now
	reportChange(durability)
}

// GetField reads the field's current value, recording a dependency
// edge on the calling thread's active frame, if any (spec.md §4.9).
func (s *Storage[V]) GetField(stack *query.Stack, id ident.Id) V {
	e := s.table.Get(id)
	if e == nil {
		panic(fmt.Sprintf("input: GetField on unknown or freed id %s", id))
	}
	stack.ReportRead(ident.DatabaseKey{Ingredient: s.idx, Id: id}, e.durability, e.changedAt, false)
	return e.value
}

// MaybeChangedAfter implements ingredient.Ingredient: true iff the
// field's changed_at is after `since` (spec.md §4.5).
func (s *Storage[V]) MaybeChangedAfter(id ident.Id, since revision.R, heads *ident.CycleHeadSet) (ingredient.VerifyOutcome, error) {
	e := s.table.Get(id)
	if e == nil || e.changedAt > since {
		return ingredient.Changed, nil
	}
	return ingredient.Unchanged, nil
}

// Fetch implements ingredient.Ingredient: returns the field's value
// without recording a dependency edge (that's GetField's job).
func (s *Storage[V]) Fetch(id ident.Id) (any, error) {
	e := s.table.Get(id)
	if e == nil {
		return nil, fmt.Errorf("input: Fetch on unknown or freed id %s", id)
	}
	return e.value, nil
}

// ValuesEqual implements ingredient.Ingredient.
func (s *Storage[V]) ValuesEqual(old, new any) bool {
	ov, ok1 := old.(V)
	nv, ok2 := new.(V)
	if !ok1 || !ok2 {
		return false
	}
	return s.equal(ov, nv)
}

// MarkValidatedOutput/RemoveStaleOutput are no-ops for input storage:
// input fields are never the tracked output of a function's execution,
// so there is nothing to mark live or detach as stale.
func (s *Storage[V]) MarkValidatedOutput(ident.DatabaseKey, ident.DatabaseKey) {}
func (s *Storage[V]) RemoveStaleOutput(ident.DatabaseKey, ident.DatabaseKey)   {}

// ResetForNewRevision is a no-op: inputs carry no per-revision
// scratch state to reset.
func (s *Storage[V]) ResetForNewRevision() {}
