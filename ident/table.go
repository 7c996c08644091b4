package ident

import "sync"

// PageSize is the number of slots held by a single page. Pages are
// append-only and never relocated once created, so a pointer into a
// page's backing array remains valid for the life of the Table — the
// "paged to keep pointer-stability" property spec.md §4.4 asks for.
const PageSize = 1 << 10

type slot[V any] struct {
	value      V
	generation uint8
	free       bool
}

type page[V any] struct {
	slots [PageSize]slot[V]
}

// Table is a page-based slab allocator storing values of a single
// ingredient type, addressed by generational Id (spec.md §4.4). The
// zero value is not usable; construct with NewTable.
type Table[V any] struct {
	mu        sync.Mutex
	pages     []*page[V]
	freeList  []uint32
	nextIndex uint32
}

// NewTable returns an empty Table.
func NewTable[V any]() *Table[V] {
	return &Table[V]{}
}

func (t *Table[V]) pageFor(index uint32) *page[V] {
	pageIdx := int(index / PageSize)
	for pageIdx >= len(t.pages) {
		t.pages = append(t.pages, &page[V]{})
	}
	return t.pages[pageIdx]
}

// Alloc claims the next free slot (preferring a previously-freed slot
// over growing the table), stores value in it, and returns the new Id.
// Reusing a freed slot bumps its generation so any Id still held from
// before the slot was freed no longer matches.
func (t *Table[V]) Alloc(value V) Id {
	t.mu.Lock()
	defer t.mu.Unlock()

	var index uint32
	if n := len(t.freeList); n > 0 {
		index = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
	} else {
		index = t.nextIndex
		t.nextIndex++
	}
	pg := t.pageFor(index)
	s := &pg.slots[index%PageSize]
	switch {
	case s.generation == 0:
		// never-before-used index: start the generation at 1 so the
		// zero Id (NoId) never aliases a real entry.
		s.generation = 1
	case s.free:
		// reusing a freed slot: bump so any stale Id a caller still
		// holds is distinguishable from this new occupant.
		s.generation++
	}
	s.value = value
	s.free = false
	return makeId(index, s.generation)
}

// Get returns a pointer to the value stored at id, or nil if id has
// been freed (including if its slot has since been reused and now
// holds a different generation).
func (t *Table[V]) Get(id Id) *V {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locked(id)
}

func (t *Table[V]) locked(id Id) *V {
	index := id.Index()
	pageIdx := int(index / PageSize)
	if pageIdx >= len(t.pages) {
		return nil
	}
	s := &t.pages[pageIdx].slots[index%PageSize]
	if s.free || s.generation != id.Generation() {
		return nil
	}
	return &s.value
}

// Set overwrites the value stored at id in place, returning false if
// id is stale (freed or superseded by a later generation).
func (t *Table[V]) Set(id Id, value V) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.locked(id)
	if v == nil {
		return false
	}
	*v = value
	return true
}

// Free releases the slot held by id. The slot's value is dropped and
// the index is returned to the free list, but the generation counter
// is left untouched until the slot is reused by a future Alloc — this
// is what lets a reader that grabbed id before the Free distinguish
// "still my entry" from "recycled out from under me" (spec.md §4.4).
func (t *Table[V]) Free(id Id) {
	t.mu.Lock()
	defer t.mu.Unlock()
	index := id.Index()
	pageIdx := int(index / PageSize)
	if pageIdx >= len(t.pages) {
		return
	}
	s := &t.pages[pageIdx].slots[index%PageSize]
	if s.free || s.generation != id.Generation() {
		return
	}
	var zero V
	s.value = zero
	s.free = true
	t.freeList = append(t.freeList, index)
}

// Len reports the number of currently-live (non-free) slots. Intended
// for tests and telemetry; racy under concurrent Alloc/Free like
// dcache.Cache.LiveHits is documented to be.
func (t *Table[V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.nextIndex) - len(t.freeList)
}

// Range calls visit once for every currently-live slot, in index order,
// stopping early if visit returns false. The pointer passed to visit
// aliases the slot's storage and must not be retained past the call.
// visit runs with the Table locked: it must not call back into this
// Table (Get, Set, Free, Alloc, or Range itself) or it will deadlock.
// Used for revision-boundary maintenance that has to walk an entire
// ingredient's population — interned-value LRU reclamation (spec.md
// §4.6) and tracked-struct staleness sweeps (spec.md §4.7) — rather
// than on any per-lookup path.
func (t *Table[V]) Range(visit func(id Id, value *V) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for index := uint32(0); index < t.nextIndex; index++ {
		pg := t.pages[index/PageSize]
		s := &pg.slots[index%PageSize]
		if s.free || s.generation == 0 {
			continue
		}
		if !visit(makeId(index, s.generation), &s.value) {
			return
		}
	}
}
