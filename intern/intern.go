// Package intern implements hash-consed interned storage (spec.md
// §4.6): values are deduplicated on first sight, and every subsequent
// Intern call with an equal value returns the same stable Id. Unlike
// memoized function output, an interned value's content never changes
// once allocated — only its *liveness* does, once a soft capacity
// triggers LRU reclamation of entries nobody is currently holding.
//
// The bucket-hash plus reclaim-on-capacity design is grounded on the
// teacher's tenant/dcache.Cache: a refcounted map keyed by content
// identity (there, a Segment's ETag; here, a siphash/blake2b digest of
// the value's encoded bytes) that only reclaims entries with a zero
// refcount, and bumps a last-used marker on every hit so reclamation
// prefers the coldest entries first.
package intern

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/dchest/siphash"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/slices"

	"github.com/loomengine/loom/event"
	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/ingredient"
	"github.com/loomengine/loom/query"
	"github.com/loomengine/loom/revision"
)

// inlineThreshold is the largest encoded value siphash hashes directly.
// Bigger values are first content-digested with blake2b-256 so the
// bucket hash computation stays O(32 bytes) regardless of value size,
// the same tradeoff the teacher's splitter makes between hashing whole
// row groups versus a bounded-size rolling digest.
const inlineThreshold = 64

// k0/k1 are fixed siphash keys. Hash-consing only needs a
// well-distributed bucket hash, not a keyed MAC, so there is no reason
// to randomize them per process.
const (
	k0 = 0x6c6f6f6d5f696e74
	k1 = 0x65726e5f73746f72
)

func hashOf(b []byte) uint64 {
	if len(b) <= inlineThreshold {
		return siphash.Hash(k0, k1, b)
	}
	digest := blake2b.Sum256(b)
	return siphash.Hash(k0, k1, digest[:])
}

type entry[V any] struct {
	value         V
	hash          uint64
	firstInterned revision.R
	lastInterned  revision.R
	durability    revision.Durability
	refcount      int
}

// Storage is one interned-value ingredient: a hash-cons table mapping
// encoded byte identity to a stable ident.Id, with LRU reclamation of
// entries nobody currently holds once the table grows past capacity.
// It implements ingredient.Ingredient.
type Storage[V any] struct {
	mu       sync.Mutex
	clock    *revision.Clock
	table    *ident.Table[entry[V]]
	buckets  map[uint64][]ident.Id
	bytes    func(V) []byte
	equal    func(a, b V) bool
	idx      ident.IngredientIndex
	capacity int
	events   event.Sink

	// Mutations to an entry reached through table.Get's live pointer
	// (refcount, lastInterned) are made under mu rather than the
	// Table's own internal lock, since the pointer is handed back
	// without holding that lock across the call. mu is the single
	// lock serializing every mutation this package makes.
}

// New constructs an interned storage. bytes must deterministically
// encode a value to bytes suitable for hashing and is required (there
// is no sensible default, unlike equal). capacity <= 0 disables LRU
// reclamation entirely, appropriate for small closed universes of
// interned values (spec.md §4.6 "High-durability entries are never
// evicted").
func New[V any](clock *revision.Clock, bytes func(V) []byte, equal func(a, b V) bool, capacity int) *Storage[V] {
	if bytes == nil {
		panic("intern: New requires a non-nil bytes encoder")
	}
	if equal == nil {
		equal = func(a, b V) bool { return reflect.DeepEqual(a, b) }
	}
	return &Storage[V]{
		clock:    clock,
		table:    ident.NewTable[entry[V]](),
		buckets:  make(map[uint64][]ident.Id),
		bytes:    bytes,
		equal:    equal,
		capacity: capacity,
	}
}

// Bind records the IngredientIndex this storage was registered under.
func (s *Storage[V]) Bind(idx ident.IngredientIndex) { s.idx = idx }

// Index returns the bound IngredientIndex.
func (s *Storage[V]) Index() ident.IngredientIndex { return s.idx }

// SetEventSink installs the sink notified of DidInternValue.
func (s *Storage[V]) SetEventSink(sink event.Sink) { s.events = sink }

func (s *Storage[V]) pin(stack *query.Stack, id ident.Id) {
	stack.Pin(func() {
		s.mu.Lock()
		if e := s.table.Get(id); e != nil && e.refcount > 0 {
			e.refcount--
		}
		s.mu.Unlock()
	})
}

// Intern returns the stable Id for value, allocating a fresh entry on
// first sight and reusing the existing one on every later call with an
// equal value. The returned Id is pinned against reclamation for the
// remainder of stack's read scope (spec.md §4.6 "not currently
// participating in an active query").
func (s *Storage[V]) Intern(stack *query.Stack, value V, durability revision.Durability) ident.Id {
	b := s.bytes(value)
	h := hashOf(b)

	s.mu.Lock()
	now := s.clock.Current()
	for _, candidate := range s.buckets[h] {
		e := s.table.Get(candidate)
		if e == nil {
			continue // stale bucket entry left behind by a past reclaim
		}
		if e.hash == h && s.equal(e.value, value) {
			e.refcount++
			e.lastInterned = now
			firstInterned := e.firstInterned
			s.mu.Unlock()
			s.pin(stack, candidate)
			stack.ReportRead(ident.DatabaseKey{Ingredient: s.idx, Id: candidate}, durability, firstInterned, false)
			return candidate
		}
	}

	id := s.table.Alloc(entry[V]{
		value:         value,
		hash:          h,
		firstInterned: now,
		lastInterned:  now,
		durability:    durability,
		refcount:      1,
	})
	s.buckets[h] = append(s.buckets[h], id)
	s.reclaimLocked()
	s.mu.Unlock()

	s.pin(stack, id)
	key := ident.DatabaseKey{Ingredient: s.idx, Id: id}
	event.Emit(s.events, event.DidInternValue, key)
	stack.ReportRead(key, durability, now, false)
	return id
}

// Lookup resolves a previously interned Id back to its value, pinning
// it and recording a dependency edge the same way Intern does. Used
// when an Id obtained in one query is threaded into another rather
// than re-derived from the original value.
func (s *Storage[V]) Lookup(stack *query.Stack, id ident.Id) (V, bool) {
	s.mu.Lock()
	e := s.table.Get(id)
	if e == nil {
		s.mu.Unlock()
		var zero V
		return zero, false
	}
	e.refcount++
	now := s.clock.Current()
	e.lastInterned = now
	value, firstInterned, durability := e.value, e.firstInterned, e.durability
	s.mu.Unlock()

	s.pin(stack, id)
	stack.ReportRead(ident.DatabaseKey{Ingredient: s.idx, Id: id}, durability, firstInterned, false)
	return value, true
}

// reclaimLocked evicts cold, unreferenced, non-High-durability entries
// until the table is back at or under capacity. Called with mu held.
func (s *Storage[V]) reclaimLocked() {
	if s.capacity <= 0 || s.table.Len() <= s.capacity {
		return
	}
	current := s.clock.Current()
	type candidate struct {
		id           ident.Id
		hash         uint64
		lastInterned revision.R
	}
	var candidates []candidate
	s.table.Range(func(id ident.Id, e *entry[V]) bool {
		if e.durability == revision.High || e.refcount > 0 || e.lastInterned >= current {
			return true
		}
		candidates = append(candidates, candidate{id, e.hash, e.lastInterned})
		return true
	})
	slices.SortFunc(candidates, func(a, b candidate) bool {
		return a.lastInterned < b.lastInterned
	})

	excess := s.table.Len() - s.capacity
	for i := 0; i < excess && i < len(candidates); i++ {
		c := candidates[i]
		s.table.Free(c.id)
		s.removeFromBucket(c.hash, c.id)
	}
}

func (s *Storage[V]) removeFromBucket(h uint64, id ident.Id) {
	list := s.buckets[h]
	for i, x := range list {
		if x == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.buckets, h)
	} else {
		s.buckets[h] = list
	}
}

// MaybeChangedAfter implements ingredient.Ingredient. An interned value
// itself is immutable; it is "changed" relative to since only if it
// did not exist yet (firstInterned > since) or has since been
// reclaimed out of the table entirely, in which case the caller must
// re-derive and re-intern it.
func (s *Storage[V]) MaybeChangedAfter(id ident.Id, since revision.R, heads *ident.CycleHeadSet) (ingredient.VerifyOutcome, error) {
	e := s.table.Get(id)
	if e == nil || e.firstInterned > since {
		return ingredient.Changed, nil
	}
	return ingredient.Unchanged, nil
}

// Fetch implements ingredient.Ingredient: returns the interned value
// without recording a dependency edge or pinning it.
func (s *Storage[V]) Fetch(id ident.Id) (any, error) {
	e := s.table.Get(id)
	if e == nil {
		return nil, fmt.Errorf("intern: Fetch on unknown or reclaimed id %s", id)
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

// MarkValidatedOutput/RemoveStaleOutput are no-ops: interned values are
// never the tracked output of a function execution.
func (s *Storage[V]) MarkValidatedOutput(ident.DatabaseKey, ident.DatabaseKey) {}
func (s *Storage[V]) RemoveStaleOutput(ident.DatabaseKey, ident.DatabaseKey)   {}

// ResetForNewRevision is a no-op: interning is content-addressed and
// stable across revisions by design, so nothing here is revision
// scoped. Reclamation is capacity-triggered, not revision-triggered.
func (s *Storage[V]) ResetForNewRevision() {}

// Len reports the number of currently-live interned entries.
func (s *Storage[V]) Len() int { return s.table.Len() }
