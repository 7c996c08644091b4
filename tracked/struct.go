package tracked

import (
	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/query"
	"github.com/loomengine/loom/revision"
)

// Struct bundles one Identity with the Fields belonging to it, the way
// generated glue for a `#[salsa::tracked]` struct would: a single New
// call threading through identity allocation and backs the field
// accessors spec.md §6.A lists for tracked structs.
type Struct struct {
	Identity *Identity
}

// NewStruct constructs an identity allocator for one tracked struct
// type. Register each of its fields before the struct is used.
func NewStruct(clock *revision.Clock) *Struct {
	return &Struct{Identity: NewIdentity(clock)}
}

// Register wires field's purge method to run whenever Identity frees
// struct ids at a revision boundary, so field storage never outlives
// the identities it belongs to.
func (s *Struct) Register(field interface{ purge([]ident.Id) }) {
	s.Identity.OnFreed(field.purge)
}

// New allocates or reuses this struct's identity for the given
// creator/hash pair; see Identity.New.
func (s *Struct) New(stack *query.Stack, creator ident.DatabaseKey, idFieldsHash uint64) (structId ident.Id, reused bool) {
	return s.Identity.New(stack, creator, idFieldsHash)
}
