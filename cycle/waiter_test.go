package cycle

import (
	"testing"

	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/query"
)

func k(i uint32) ident.DatabaseKey {
	return ident.DatabaseKey{Ingredient: 0, Id: ident.Id(i)}
}

func TestBeginWaitNoCycle(t *testing.T) {
	g := NewWaiterGraph()
	t1, t2 := query.NewThreadID(), query.NewThreadID()
	cyc, ok := g.BeginWait(t1, t2, k(1), []ident.DatabaseKey{k(1)})
	if !ok || cyc != nil {
		t.Fatalf("expected no cycle, got ok=%v cyc=%v", ok, cyc)
	}
}

func TestBeginWaitDetectsTwoThreadCycle(t *testing.T) {
	g := NewWaiterGraph()
	t1, t2 := query.NewThreadID(), query.NewThreadID()

	// t1 waits on t2 for key k(1).
	if _, ok := g.BeginWait(t1, t2, k(1), []ident.DatabaseKey{k(1)}); !ok {
		t.Fatal("first BeginWait should succeed")
	}
	// t2 now tries to wait on t1 for key k(2): this closes a cycle
	// t2 -> t1 -> t2.
	cyc, ok := g.BeginWait(t2, t1, k(2), []ident.DatabaseKey{k(2)})
	if ok || cyc == nil {
		t.Fatalf("expected cycle detection, got ok=%v cyc=%v", ok, cyc)
	}
	if len(cyc.Participants) == 0 {
		t.Fatal("expected at least one participant key")
	}
}

func TestEndWaitClearsEdge(t *testing.T) {
	g := NewWaiterGraph()
	t1, t2 := query.NewThreadID(), query.NewThreadID()
	g.BeginWait(t1, t2, k(1), []ident.DatabaseKey{k(1)})
	stack := g.EndWait(t1)
	if len(stack) != 1 || stack[0] != k(1) {
		t.Fatalf("expected published stack to come back, got %v", stack)
	}
	// after EndWait, t1 can wait on t2 again without being seen as
	// already in the graph.
	if _, ok := g.BeginWait(t1, t2, k(3), []ident.DatabaseKey{k(3)}); !ok {
		t.Fatal("expected BeginWait to succeed after EndWait cleared the prior edge")
	}
}

func TestThreeThreadCycle(t *testing.T) {
	g := NewWaiterGraph()
	t1, t2, t3 := query.NewThreadID(), query.NewThreadID(), query.NewThreadID()
	if _, ok := g.BeginWait(t1, t2, k(1), nil); !ok {
		t.Fatal("t1->t2 should succeed")
	}
	if _, ok := g.BeginWait(t2, t3, k(2), nil); !ok {
		t.Fatal("t2->t3 should succeed")
	}
	cyc, ok := g.BeginWait(t3, t1, k(3), nil)
	if ok || cyc == nil {
		t.Fatalf("expected 3-thread cycle detection, got ok=%v", ok)
	}
}
