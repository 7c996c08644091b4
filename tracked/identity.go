// Package tracked implements tracked-struct storage (spec.md §4.7):
// structs allocated during a tracked function's execution, identified
// by the triple (creating query, hash of #[id] fields, a per-frame
// disambiguator), with revision-boundary maintenance that stales and
// eventually frees any struct its creator stops producing.
//
// Identity owns the (creator, hash, disambiguator) → Id table and the
// touched/stale/freed lifecycle. Field[V] (field.go) stores one
// field's worth of values, addressed by the same Id Identity hands
// out, the same split input uses between entity identity and
// per-field storage. Struct (struct.go) bundles one Identity with its
// Fields the way generated glue would.
package tracked

import (
	"fmt"
	"sync"

	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/ingredient"
	"github.com/loomengine/loom/query"
	"github.com/loomengine/loom/revision"
)

// Key identifies one tracked-struct identity: the query that created
// it, the hash of its #[id] fields, and a disambiguator distinguishing
// multiple structs allocated with an equal hash within one execution
// of that query (spec.md §4.7 steps 1-2).
type Key struct {
	Creator       ident.DatabaseKey
	Hash          uint64
	Disambiguator uint32
}

type record struct {
	touched   bool
	stale     bool
	createdAt revision.R
	updatedAt revision.R
}

// Identity is the tracked-struct identity allocator: one per tracked
// struct type, shared by every Field[V] belonging to that type.
type Identity struct {
	mu      sync.Mutex
	clock   *revision.Clock
	table   *ident.Table[record]
	byKey   map[Key]ident.Id
	idx     ident.IngredientIndex
	onFreed []func([]ident.Id)
}

// NewIdentity constructs an Identity allocator.
func NewIdentity(clock *revision.Clock) *Identity {
	return &Identity{
		clock: clock,
		table: ident.NewTable[record](),
		byKey: make(map[Key]ident.Id),
	}
}

// Bind records the IngredientIndex this identity was registered under.
func (id *Identity) Bind(idx ident.IngredientIndex) { id.idx = idx }

// Index returns the bound IngredientIndex.
func (id *Identity) Index() ident.IngredientIndex { return id.idx }

// OnFreed registers cb to run, with the set of Ids freed in that
// sweep, whenever a revision-boundary sweep frees struct identities.
// Field[V] registers its purge method here (via Struct.Register) so
// its storage never outlives the struct the identity already dropped.
func (id *Identity) OnFreed(cb func([]ident.Id)) {
	id.onFreed = append(id.onFreed, cb)
}

// New implements spec.md §4.7 steps 1-5 at the identity level: field
// values are applied separately, via Field[V].Set, once the caller
// holds the returned Id. idFieldsHash is HashIDFields over the
// struct's #[id] fields; creator identifies the tracked function
// currently executing (stack.Top() must be non-nil: allocating a
// tracked struct is only valid during query execution). reused
// reports whether this exact key was already live from a prior
// revision, so the caller knows whether to backdate each field's
// changed_at via Field[V].Set.
func (id *Identity) New(stack *query.Stack, creator ident.DatabaseKey, idFieldsHash uint64) (structId ident.Id, reused bool) {
	var d uint32
	if f := stack.Top(); f != nil {
		d = f.NextDisambiguator(idFieldsHash)
	}
	key := Key{Creator: creator, Hash: idFieldsHash, Disambiguator: d}

	id.mu.Lock()
	now := id.clock.Current()
	if existing, ok := id.byKey[key]; ok {
		if r := id.table.Get(existing); r != nil {
			r.touched = true
			r.stale = false
			r.updatedAt = now
			id.mu.Unlock()
			stack.ReportOutput(ident.DatabaseKey{Ingredient: id.idx, Id: existing})
			return existing, true
		}
		delete(id.byKey, key) // mapping pointed at an already-freed slot
	}
	newId := id.table.Alloc(record{touched: true, createdAt: now, updatedAt: now})
	id.byKey[key] = newId
	id.mu.Unlock()

	stack.ReportOutput(ident.DatabaseKey{Ingredient: id.idx, Id: newId})
	return newId, false
}

// sweep advances every tracked struct's touched/stale/freed lifecycle
// by one revision boundary (spec.md §4.7 "revision-boundary
// maintenance") and returns the ids freed in this sweep.
func (id *Identity) sweep() []ident.Id {
	id.mu.Lock()
	defer id.mu.Unlock()

	var freed []ident.Id
	id.table.Range(func(tid ident.Id, r *record) bool {
		switch {
		case r.touched:
			r.touched = false
			r.stale = false
		case r.stale:
			freed = append(freed, tid)
		default:
			r.stale = true
		}
		return true
	})
	for _, tid := range freed {
		id.table.Free(tid)
	}
	if len(freed) > 0 {
		freedSet := make(map[ident.Id]struct{}, len(freed))
		for _, tid := range freed {
			freedSet[tid] = struct{}{}
		}
		for k, v := range id.byKey {
			if _, gone := freedSet[v]; gone {
				delete(id.byKey, k)
			}
		}
	}
	return freed
}

// MaybeChangedAfter implements ingredient.Ingredient. Dependents never
// read a tracked struct's identity directly, only its fields, so this
// path is not exercised by real validation; it answers Unchanged
// rather than erroring so a generic dispatch over all ingredients
// degrades safely if ever invoked.
func (id *Identity) MaybeChangedAfter(structId ident.Id, since revision.R, heads *ident.CycleHeadSet) (ingredient.VerifyOutcome, error) {
	return ingredient.Unchanged, nil
}

// Fetch implements ingredient.Ingredient. An identity has no
// independent value to fetch; fetch individual fields instead.
func (id *Identity) Fetch(structId ident.Id) (any, error) {
	return nil, fmt.Errorf("tracked: identity ingredient has no fetchable value for id %s; fetch individual fields", structId)
}

// ValuesEqual implements ingredient.Ingredient; never meaningfully
// invoked for an identity ingredient.
func (id *Identity) ValuesEqual(old, new any) bool { return false }

// MarkValidatedOutput re-marks a struct as touched when the memo that
// created it was revalidated without re-executing (spec.md §4.8 step
// 6): since New never ran this revision, nothing else keeps the
// struct alive past the next sweep unless this is called.
func (id *Identity) MarkValidatedOutput(caller, output ident.DatabaseKey) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if r := id.table.Get(output.Id); r != nil {
		r.touched = true
		r.stale = false
	}
}

// RemoveStaleOutput un-touches a struct its creator has definitively
// stopped producing this revision, letting the ordinary sweep stale
// and then free it on schedule.
func (id *Identity) RemoveStaleOutput(caller, output ident.DatabaseKey) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if r := id.table.Get(output.Id); r != nil {
		r.touched = false
	}
}

// ResetForNewRevision implements ingredient.Ingredient: the writer's
// generic per-revision maintenance pass drives the stale/free sweep
// through this hook.
func (id *Identity) ResetForNewRevision() {
	freed := id.sweep()
	if len(freed) == 0 {
		return
	}
	for _, cb := range id.onFreed {
		cb(freed)
	}
}
