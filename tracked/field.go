package tracked

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/ingredient"
	"github.com/loomengine/loom/query"
	"github.com/loomengine/loom/revision"
)

type fieldEntry[V any] struct {
	value     V
	changedAt revision.R
}

// Field stores one field's worth of values for a tracked struct type,
// addressed by the Id its Identity hands out. It implements
// ingredient.Ingredient.
type Field[V any] struct {
	mu     sync.Mutex
	clock  *revision.Clock
	values map[ident.Id]fieldEntry[V]
	equal  func(a, b V) bool
	idx    ident.IngredientIndex
}

// NewField constructs a field storage. equal defaults to
// reflect.DeepEqual, the same as input.New, standing in for the
// user-provided Update spec.md §4.7 step 3 leaves to the host.
func NewField[V any](clock *revision.Clock, equal func(a, b V) bool) *Field[V] {
	if equal == nil {
		equal = func(a, b V) bool { return reflect.DeepEqual(a, b) }
	}
	return &Field[V]{
		clock:  clock,
		values: make(map[ident.Id]fieldEntry[V]),
		equal:  equal,
	}
}

// Bind records the IngredientIndex this field was registered under.
func (f *Field[V]) Bind(idx ident.IngredientIndex) { f.idx = idx }

// Index returns the bound IngredientIndex.
func (f *Field[V]) Index() ident.IngredientIndex { return f.idx }

// Set stores value for id, following spec.md §4.7 step 3/4: on first
// creation (reused=false, as returned by Identity.New) changed_at is
// stamped to the current revision unconditionally. On reuse
// (reused=true), changed_at only advances if value differs from what
// was stored per equal; otherwise the previous changed_at is
// preserved ("backdating" of the field).
func (f *Field[V]) Set(id ident.Id, value V, reused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Current()
	if reused {
		if old, ok := f.values[id]; ok && f.equal(old.value, value) {
			f.values[id] = fieldEntry[V]{value: value, changedAt: old.changedAt}
			return
		}
	}
	f.values[id] = fieldEntry[V]{value: value, changedAt: now}
}

// Get reads the field's current value for id, recording a dependency
// edge on the calling thread's active frame. Tracked-struct fields
// carry no durability tag of their own (only inputs do, spec.md §4.1);
// reporting High keeps a read from artificially lowering the active
// frame's durability bound below what its actual input dependencies
// already impose.
func (f *Field[V]) Get(stack *query.Stack, id ident.Id) (V, bool) {
	f.mu.Lock()
	e, ok := f.values[id]
	f.mu.Unlock()
	if !ok {
		var zero V
		return zero, false
	}
	stack.ReportRead(ident.DatabaseKey{Ingredient: f.idx, Id: id}, revision.High, e.changedAt, false)
	return e.value, true
}

// purge drops storage for ids that Identity's revision-boundary sweep
// has freed. Wired to Identity.OnFreed via Struct.Register.
func (f *Field[V]) purge(ids []ident.Id) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.values, id)
	}
}

// MaybeChangedAfter implements ingredient.Ingredient: true iff this
// field's changed_at is after since (spec.md §4.7 "Field reads").
func (f *Field[V]) MaybeChangedAfter(id ident.Id, since revision.R, heads *ident.CycleHeadSet) (ingredient.VerifyOutcome, error) {
	f.mu.Lock()
	e, ok := f.values[id]
	f.mu.Unlock()
	if !ok || e.changedAt > since {
		return ingredient.Changed, nil
	}
	return ingredient.Unchanged, nil
}

// Fetch implements ingredient.Ingredient: returns the field's value
// without recording a dependency edge.
func (f *Field[V]) Fetch(id ident.Id) (any, error) {
	f.mu.Lock()
	e, ok := f.values[id]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tracked: Fetch on unknown field value for id %s", id)
	}
	return e.value, nil
}

// ValuesEqual implements ingredient.Ingredient.
func (f *Field[V]) ValuesEqual(old, new any) bool {
	ov, ok1 := old.(V)
	nv, ok2 := new.(V)
	if !ok1 || !ok2 {
		return false
	}
	return f.equal(ov, nv)
}

// MarkValidatedOutput/RemoveStaleOutput are no-ops: a tracked-struct
// field is never itself the tracked output of a memo (its owning
// struct Id is); see Identity for that bookkeeping.
func (f *Field[V]) MarkValidatedOutput(ident.DatabaseKey, ident.DatabaseKey) {}
func (f *Field[V]) RemoveStaleOutput(ident.DatabaseKey, ident.DatabaseKey)   {}

// ResetForNewRevision is a no-op: cleanup happens via purge, driven by
// Identity's sweep rather than a per-ingredient reset of its own.
func (f *Field[V]) ResetForNewRevision() {}
