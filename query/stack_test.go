package query

import (
	"testing"

	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/revision"
)

func key(idx uint32, id uint32) ident.DatabaseKey {
	return ident.DatabaseKey{Ingredient: ident.IngredientIndex(idx), Id: ident.Id(id)}
}

func TestReportReadNoopWithoutFrame(t *testing.T) {
	s := NewStack()
	s.ReportRead(key(0, 1), revision.Low, revision.R(5), false) // must not panic
}

func TestReportReadAccumulates(t *testing.T) {
	s := NewStack()
	f := s.Push(key(1, 1))
	s.ReportRead(key(0, 1), revision.Low, revision.R(5), false)
	s.ReportRead(key(0, 2), revision.High, revision.R(9), false)
	if len(f.Reads) != 2 {
		t.Fatalf("expected 2 reads recorded, got %d", len(f.Reads))
	}
	if f.Durability != revision.Low {
		t.Fatalf("durability should be min of observed reads: got %s", f.Durability)
	}
	if f.ChangedAt != revision.R(9) {
		t.Fatalf("changed_at should be max of observed reads: got %d", f.ChangedAt)
	}
}

func TestUntrackedReadSetsFlagNotEdge(t *testing.T) {
	s := NewStack()
	f := s.Push(key(1, 1))
	s.ReportRead(key(0, 1), revision.Low, revision.R(1), true)
	if len(f.Reads) != 0 {
		t.Fatalf("untracked read must not record a dependency edge, got %d", len(f.Reads))
	}
	if !f.UntrackedRead {
		t.Fatal("untracked read must set UntrackedRead")
	}
}

func TestStackContainsDetectsSelfCycle(t *testing.T) {
	s := NewStack()
	k := key(2, 7)
	s.Push(k)
	if !s.Contains(k) {
		t.Fatal("Contains should find the key already on the stack")
	}
	if s.Contains(key(2, 8)) {
		t.Fatal("Contains should not find an unrelated key")
	}
}

func TestDisambiguatorIncrementsPerHash(t *testing.T) {
	f := &Frame{}
	f.reset(key(0, 0))
	if d := f.NextDisambiguator(42); d != 0 {
		t.Fatalf("first disambiguator for a hash should be 0, got %d", d)
	}
	if d := f.NextDisambiguator(42); d != 1 {
		t.Fatalf("second disambiguator for same hash should be 1, got %d", d)
	}
	if d := f.NextDisambiguator(7); d != 0 {
		t.Fatalf("disambiguator for a different hash should start at 0, got %d", d)
	}
}

func TestPushPopReusesPooledFrame(t *testing.T) {
	s := NewStack()
	f1 := s.Push(key(0, 1))
	f1.Reads = append(f1.Reads, key(0, 99))
	s.Pop()
	f2 := s.Push(key(0, 2))
	if len(f2.Reads) != 0 {
		t.Fatalf("reused frame should have been reset, found %d stale reads", len(f2.Reads))
	}
}

func TestReleasePinsRunsAndClears(t *testing.T) {
	s := NewStack()
	var n int
	s.Pin(func() { n++ })
	s.Pin(func() { n++ })
	s.ReleasePins()
	if n != 2 {
		t.Fatalf("expected both pins released, got n=%d", n)
	}
	s.ReleasePins() // must be idempotent once cleared
	if n != 2 {
		t.Fatalf("ReleasePins after clear should not re-run releases, got n=%d", n)
	}
}
