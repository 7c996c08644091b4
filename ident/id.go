// Package ident implements the engine's identity allocator: the
// page-based slab ("Table") that stores the values of every keyed
// entity (input, interned, tracked struct, memo) addressed by a 32-bit
// generational Id, as described in spec.md §4.4.
//
// Ids are packed the way the teacher packs small dense identifiers
// throughout its storage layer (compare the page/slot split in
// tenant/dcache's fixed-size file layout): a slot index in the low
// bits, a generation counter in the high bits. Reusing a freed slot
// bumps the generation, so a stale Id held across a reclaim is
// distinguishable from the Id currently occupying that slot.
package ident

import "fmt"

const (
	generationBits = 8
	indexBits      = 32 - generationBits
	indexMask      = 1<<indexBits - 1
)

// Id is a 32-bit generational identifier: (index, generation) packed
// into a single word so it is cheap to copy, compare, and use as a map
// key.
type Id uint32

// NoId is the zero value, never returned by Table.Alloc.
const NoId Id = 0

func makeId(index uint32, generation uint8) Id {
	return Id((uint32(generation) << indexBits) | (index & indexMask))
}

// Index returns the slot index component of the Id.
func (id Id) Index() uint32 { return uint32(id) & indexMask }

// Generation returns the generation counter component of the Id.
func (id Id) Generation() uint8 { return uint8(uint32(id) >> indexBits) }

func (id Id) String() string {
	return fmt.Sprintf("Id(%d#%d)", id.Index(), id.Generation())
}

// IngredientIndex is the stable integer index of an ingredient,
// assigned once at registration time (spec.md §4.3) and never reused.
type IngredientIndex uint32

// DatabaseKey pairs an ingredient index with an Id; it uniquely
// identifies any keyed entity in the system (spec.md §3).
type DatabaseKey struct {
	Ingredient IngredientIndex
	Id         Id
}

func (k DatabaseKey) String() string {
	return fmt.Sprintf("DatabaseKey{ingredient:%d, id:%s}", k.Ingredient, k.Id)
}
