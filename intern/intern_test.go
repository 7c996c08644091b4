package intern

import (
	"fmt"
	"testing"

	"github.com/loomengine/loom/ingredient"
	"github.com/loomengine/loom/query"
	"github.com/loomengine/loom/revision"
)

func stringBytes(s string) []byte  { return []byte(s) }
func stringEqual(a, b string) bool { return a == b }

func TestInternDeduplicatesEqualValues(t *testing.T) {
	clock := revision.NewClock()
	s := New[string](clock, stringBytes, stringEqual, 0)
	s.Bind(0)
	stk := query.NewStack()

	id1 := s.Intern(stk, "hello", revision.High)
	id2 := s.Intern(stk, "hello", revision.High)
	if id1 != id2 {
		t.Fatalf("expected equal values to intern to the same id, got %s and %s", id1, id2)
	}
	id3 := s.Intern(stk, "world", revision.High)
	if id3 == id1 {
		t.Fatal("expected distinct values to get distinct ids")
	}
}

func TestLookupResolvesInternedId(t *testing.T) {
	clock := revision.NewClock()
	s := New[string](clock, stringBytes, stringEqual, 0)
	s.Bind(0)
	stk := query.NewStack()

	id := s.Intern(stk, "abc", revision.High)
	v, ok := s.Lookup(stk, id)
	if !ok || v != "abc" {
		t.Fatalf("Lookup = %q, %v; want \"abc\", true", v, ok)
	}
}

func TestMaybeChangedAfterUnknownIdIsChanged(t *testing.T) {
	clock := revision.NewClock()
	s := New[string](clock, stringBytes, stringEqual, 0)
	s.Bind(0)
	outcome, err := s.MaybeChangedAfter(9999, revision.R(0), nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != ingredient.Changed {
		t.Fatalf("expected Changed for unknown id, got %v", outcome)
	}
}

func TestReclaimEvictsUnpinnedColdEntriesOverCapacity(t *testing.T) {
	clock := revision.NewClock()
	s := New[string](clock, stringBytes, stringEqual, 2)
	s.Bind(0)

	// Each value is interned and immediately released (read scope
	// ends) before the clock advances, so by the time capacity is
	// exceeded these are all reclaim-eligible.
	for i := 0; i < 2; i++ {
		stk := query.NewStack()
		s.Intern(stk, fmt.Sprintf("v%d", i), revision.Low)
		stk.ReleasePins()
		clock.Bump()
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 live entries before exceeding capacity, got %d", s.Len())
	}

	stk := query.NewStack()
	s.Intern(stk, "v2", revision.Low)
	stk.ReleasePins()

	if s.Len() > 2 {
		t.Fatalf("expected reclamation to keep the table at or under capacity, got %d live entries", s.Len())
	}
}

func TestHighDurabilityEntriesAreNeverEvicted(t *testing.T) {
	clock := revision.NewClock()
	s := New[string](clock, stringBytes, stringEqual, 1)
	s.Bind(0)

	stk := query.NewStack()
	pinned := s.Intern(stk, "keep-me", revision.High)
	stk.ReleasePins()
	clock.Bump()

	for i := 0; i < 5; i++ {
		stk := query.NewStack()
		s.Intern(stk, fmt.Sprintf("churn%d", i), revision.Low)
		stk.ReleasePins()
		clock.Bump()
	}

	if _, ok := s.Lookup(query.NewStack(), pinned); !ok {
		t.Fatal("High-durability entry was evicted, but spec requires it never be")
	}
}

func TestPinPreventsReclaimWithinActiveScope(t *testing.T) {
	clock := revision.NewClock()
	s := New[string](clock, stringBytes, stringEqual, 1)
	s.Bind(0)

	stk := query.NewStack()
	held := s.Intern(stk, "held", revision.Low)
	// Do NOT release stk's pins yet: held is still "in use".

	for i := 0; i < 5; i++ {
		churnStack := query.NewStack()
		s.Intern(churnStack, fmt.Sprintf("churn%d", i), revision.Low)
		churnStack.ReleasePins()
		clock.Bump()
	}

	if _, ok := s.Lookup(query.NewStack(), held); !ok {
		t.Fatal("pinned entry was reclaimed while its read scope was still active")
	}
	stk.ReleasePins()
}
