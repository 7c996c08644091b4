package memo

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loomengine/loom/cancel"
	"github.com/loomengine/loom/cycle"
	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/ingredient"
	"github.com/loomengine/loom/input"
	"github.com/loomengine/loom/query"
	"github.com/loomengine/loom/revision"
)

func intEqual(a, b int) bool { return a == b }

func newTestEnv() (*revision.Clock, *ingredient.Registry, *cycle.WaiterGraph, *cancel.Signal) {
	return revision.NewClock(), ingredient.NewRegistry(), cycle.NewWaiterGraph(), cancel.NewSignal()
}

func TestGetMemoizesWithinSameRevision(t *testing.T) {
	clock, registry, waiters, sig := newTestEnv()
	var calls int32

	s := New[int](clock, func(stack *query.Stack, id ident.Id) int {
		atomic.AddInt32(&calls, 1)
		return 42
	}, intEqual, registry, waiters, sig)
	s.Bind(registry.Register("answer", s))

	stack := query.NewStack()
	id := ident.Id(1)

	if v := s.Get(stack, id); v != 42 {
		t.Fatalf("got %d, want 42", v)
	}
	if v := s.Get(stack, id); v != 42 {
		t.Fatalf("got %d, want 42", v)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("function executed %d times, want 1", got)
	}
}

func TestGetRecomputesWhenInputChanges(t *testing.T) {
	clock, registry, waiters, sig := newTestEnv()
	in := input.New[int](clock, intEqual)
	in.Bind(registry.Register("in", in))

	id := in.NewInput(clock.ReportChange, 10, revision.Low)

	var calls int32
	s := New[int](clock, func(stack *query.Stack, id ident.Id) int {
		atomic.AddInt32(&calls, 1)
		return in.GetField(stack, id) * 2
	}, intEqual, registry, waiters, sig)
	s.Bind(registry.Register("doubled", s))

	stack := query.NewStack()
	if v := s.Get(stack, id); v != 20 {
		t.Fatalf("got %d, want 20", v)
	}

	clock.Bump()
	in.SetField(clock.ReportChange, id, 11, revision.Low)

	if v := s.Get(stack, id); v != 22 {
		t.Fatalf("got %d, want 22", v)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("function executed %d times, want 2", got)
	}
}

func TestGetSkipsRecomputeWhenUnrelatedInputChanges(t *testing.T) {
	clock, registry, waiters, sig := newTestEnv()
	in := input.New[int](clock, intEqual)
	in.Bind(registry.Register("in", in))

	watched := in.NewInput(clock.ReportChange, 10, revision.Low)
	other := in.NewInput(clock.ReportChange, 100, revision.Low)

	var calls int32
	s := New[int](clock, func(stack *query.Stack, id ident.Id) int {
		atomic.AddInt32(&calls, 1)
		return in.GetField(stack, watched) * 2
	}, intEqual, registry, waiters, sig)
	s.Bind(registry.Register("doubled", s))

	stack := query.NewStack()
	s.Get(stack, watched)

	clock.Bump()
	in.SetField(clock.ReportChange, other, 200, revision.Low)

	if v := s.Get(stack, watched); v != 20 {
		t.Fatalf("got %d, want 20", v)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("function executed %d times after an unrelated input changed, want 1", got)
	}
}

func TestBackdatingKeepsChangedAtWhenResultUnchanged(t *testing.T) {
	clock, registry, waiters, sig := newTestEnv()
	in := input.New[int](clock, intEqual)
	in.Bind(registry.Register("in", in))
	id := in.NewInput(clock.ReportChange, 5, revision.Low)

	s := New[int](clock, func(stack *query.Stack, id ident.Id) int {
		return in.GetField(stack, id) % 2
	}, intEqual, registry, waiters, sig)
	s.Bind(registry.Register("parity", s))

	stack := query.NewStack()
	if v := s.Get(stack, id); v != 1 {
		t.Fatalf("got %d, want 1", v)
	}
	s.mu.Lock()
	firstChangedAt := s.memos[id].changedAt
	s.mu.Unlock()

	clock.Bump()
	in.SetField(clock.ReportChange, id, 7, revision.Low) // still odd: parity result is unchanged

	if v := s.Get(stack, id); v != 1 {
		t.Fatalf("got %d, want 1", v)
	}
	s.mu.Lock()
	secondChangedAt := s.memos[id].changedAt
	s.mu.Unlock()

	if secondChangedAt != firstChangedAt {
		t.Fatalf("changedAt moved from %d to %d despite an unchanged result", firstChangedAt, secondChangedAt)
	}
}

func TestAtMostOnceConcurrentExecution(t *testing.T) {
	clock, registry, waiters, sig := newTestEnv()
	var calls int32
	start := make(chan struct{})

	s := New[int](clock, func(stack *query.Stack, id ident.Id) int {
		atomic.AddInt32(&calls, 1)
		<-start
		return 7
	}, intEqual, registry, waiters, sig)
	s.Bind(registry.Register("slow", s))

	id := ident.Id(1)
	const n = 8
	var wg sync.WaitGroup
	results := make([]int, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = s.Get(query.NewStack(), id)
		}(i)
	}

	close(start)
	wg.Wait()

	for i, v := range results {
		if v != 7 {
			t.Fatalf("results[%d] = %d, want 7", i, v)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("function executed %d times concurrently, want exactly 1", got)
	}
}

func TestSelfCyclePanicsWithDefaultMode(t *testing.T) {
	clock, registry, waiters, sig := newTestEnv()
	var s *Storage[int]
	s = New[int](clock, func(stack *query.Stack, id ident.Id) int {
		return s.Get(stack, id) + 1
	}, intEqual, registry, waiters, sig)
	s.Bind(registry.Register("selfRef", s))

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected a panic from the self-cycle, got none")
		}
		if _, ok := r.(*cycle.CycleError); !ok {
			t.Fatalf("expected *cycle.CycleError, got %T: %v", r, r)
		}
	}()
	s.Get(query.NewStack(), ident.Id(1))
}

func TestFixedPointCycleConverges(t *testing.T) {
	clock, registry, waiters, sig := newTestEnv()
	var s *Storage[int]
	s = New[int](clock, func(stack *query.Stack, id ident.Id) int {
		prev := s.Get(stack, id)
		if prev < 5 {
			return prev + 1
		}
		return prev
	}, intEqual, registry, waiters, sig)
	s.Bind(registry.Register("countUp", s))
	s.SetCycleConfig(cycle.Config{
		Mode:    cycle.ModeFixedPoint,
		Initial: func() any { return 0 },
		Step: func(last, new any, iteration uint32) cycle.Decision {
			return cycle.Decision{Action: cycle.ActionIterate}
		},
	})

	if v := s.Get(query.NewStack(), ident.Id(1)); v != 5 {
		t.Fatalf("fixed-point result = %d, want 5", v)
	}
}

func TestImmediateFallbackReturnsConfiguredValue(t *testing.T) {
	clock, registry, waiters, sig := newTestEnv()
	var s *Storage[int]
	s = New[int](clock, func(stack *query.Stack, id ident.Id) int {
		return s.Get(stack, id) + 1
	}, intEqual, registry, waiters, sig)
	s.Bind(registry.Register("fallback", s))
	s.SetCycleConfig(cycle.Config{
		Mode:     cycle.ModeFallback,
		Fallback: func() any { return -1 },
	})

	if v := s.Get(query.NewStack(), ident.Id(1)); v != 0 {
		t.Fatalf("result = %d, want 0 (fallback -1 plus the outer call's +1)", v)
	}
}

func TestSpecifyAssignsValueDirectly(t *testing.T) {
	clock, registry, waiters, sig := newTestEnv()
	var calls int32
	s := New[int](clock, func(stack *query.Stack, id ident.Id) int {
		atomic.AddInt32(&calls, 1)
		return 99
	}, intEqual, registry, waiters, sig)
	s.Bind(registry.Register("specified", s))

	stack := query.NewStack()
	id := ident.Id(1)
	s.Specify(stack, id, 5)

	if v := s.Get(stack, id); v != 5 {
		t.Fatalf("got %d, want 5", v)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("function executed %d times after Specify, want 0", got)
	}
}

func TestLRUEvictsColdMemosOverCapacity(t *testing.T) {
	clock, registry, waiters, sig := newTestEnv()
	s := New[int](clock, func(stack *query.Stack, id ident.Id) int {
		return int(id) * 10
	}, intEqual, registry, waiters, sig)
	s.Bind(registry.Register("squares", s))
	s.SetLRUCapacity(2)

	stack := query.NewStack()
	for i := 1; i <= 4; i++ {
		s.Get(stack, ident.Id(i))
		clock.Bump()
	}

	s.mu.Lock()
	remaining := len(s.memos)
	s.mu.Unlock()
	if remaining > 2 {
		t.Fatalf("memo table holds %d entries, want at most 2", remaining)
	}
}
