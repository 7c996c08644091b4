package tracked

import (
	"testing"

	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/query"
	"github.com/loomengine/loom/revision"
)

func creatorKey(n uint32) ident.DatabaseKey {
	return ident.DatabaseKey{Ingredient: 7, Id: ident.Id(n)}
}

func TestNewAllocatesFreshIdentityFirstTime(t *testing.T) {
	clock := revision.NewClock()
	s := NewStruct(clock)
	s.Identity.Bind(0)

	stk := query.NewStack()
	stk.Push(creatorKey(1))
	h := HashIDFields([]byte("alice"))
	id, reused := s.New(stk, creatorKey(1), h)
	if reused {
		t.Fatal("first allocation should not be reused")
	}
	if id == ident.NoId {
		t.Fatal("New returned NoId")
	}
}

func TestNewReusesAcrossRevisionsWithSameKey(t *testing.T) {
	clock := revision.NewClock()
	s := NewStruct(clock)
	s.Identity.Bind(0)
	h := HashIDFields([]byte("alice"))

	stk1 := query.NewStack()
	stk1.Push(creatorKey(1))
	id1, _ := s.New(stk1, creatorKey(1), h)
	s.Identity.ResetForNewRevision() // end of revision 1: id1 was touched, stays alive

	clock.Bump()
	stk2 := query.NewStack()
	stk2.Push(creatorKey(1))
	id2, reused := s.New(stk2, creatorKey(1), h)
	if !reused {
		t.Fatal("expected the same (creator, hash, disambiguator) key to reuse the identity")
	}
	if id1 != id2 {
		t.Fatalf("expected same id across revisions, got %s and %s", id1, id2)
	}
}

func TestDisambiguatesEqualHashesWithinOneFrame(t *testing.T) {
	clock := revision.NewClock()
	s := NewStruct(clock)
	s.Identity.Bind(0)
	h := HashIDFields([]byte("dup"))

	stk := query.NewStack()
	stk.Push(creatorKey(1))
	id1, _ := s.New(stk, creatorKey(1), h)
	id2, _ := s.New(stk, creatorKey(1), h)
	if id1 == id2 {
		t.Fatal("two allocations with an equal id-field hash in the same frame must disambiguate to distinct ids")
	}
}

func TestUntouchedStructIsStaledThenFreed(t *testing.T) {
	clock := revision.NewClock()
	s := NewStruct(clock)
	s.Identity.Bind(0)
	field := NewField[string](clock, nil)
	field.Bind(1)
	s.Register(field)

	h := HashIDFields([]byte("only-once"))
	stk := query.NewStack()
	stk.Push(creatorKey(1))
	id, _ := s.New(stk, creatorKey(1), h)
	field.Set(id, "hello", false)

	// Revision ends: id was touched this revision, stays alive.
	s.Identity.ResetForNewRevision()
	if _, ok := field.Get(query.NewStack(), id); !ok {
		t.Fatal("struct should still be alive immediately after being created")
	}

	// Next revision: creator doesn't call New for this key at all, so
	// id goes untouched -> stale.
	clock.Bump()
	s.Identity.ResetForNewRevision()
	if _, ok := field.Get(query.NewStack(), id); !ok {
		t.Fatal("struct should survive one untouched revision as \"stale\" before being freed")
	}

	// The revision after that: still untouched, now freed.
	clock.Bump()
	s.Identity.ResetForNewRevision()
	if _, ok := field.Get(query.NewStack(), id); ok {
		t.Fatal("struct should be freed after a second consecutive untouched revision")
	}
}

func TestFieldBackdatesChangedAtOnEqualValue(t *testing.T) {
	clock := revision.NewClock()
	field := NewField[string](clock, nil)
	field.Bind(0)

	id := ident.Id(1) // Field addresses by whatever Id Identity hands out; fabricate one directly for this unit test.
	field.Set(id, "same", false)

	clock.Bump()
	field.Set(id, "same", true) // reused=true, equal value: must backdate
	outcome, err := field.MaybeChangedAfter(id, revision.R(1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.String() != "unchanged" {
		t.Fatalf("expected Unchanged after a backdated equal field set, got %v", outcome)
	}
}

func TestFieldBumpsChangedAtOnDifferentValue(t *testing.T) {
	clock := revision.NewClock()
	field := NewField[string](clock, nil)
	field.Bind(0)

	id := ident.Id(1)
	field.Set(id, "old", false)

	clock.Bump()
	field.Set(id, "new", true)
	outcome, err := field.MaybeChangedAfter(id, revision.R(1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.String() != "changed" {
		t.Fatalf("expected Changed, got %v", outcome)
	}
}
