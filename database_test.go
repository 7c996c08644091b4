package loom

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomengine/loom/cancel"
	"github.com/loomengine/loom/event"
	"github.com/loomengine/loom/input"
	"github.com/loomengine/loom/query"
	"github.com/loomengine/loom/revision"
)

func intEqual(a, b int) bool { return a == b }

func TestReadReturnsValueFromFn(t *testing.T) {
	db := New()
	got := Read(db, func(stack *query.Stack) int { return 7 })
	if got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}

func TestWithMutBumpsRevisionExactlyOnce(t *testing.T) {
	db := New()
	before := db.Clock().Current()
	WithMut(db, func(db *Database) struct{} { return struct{}{} })
	after := db.Clock().Current()
	if after != before+1 {
		t.Fatalf("revision moved from %d to %d, want exactly +1", before, after)
	}
}

func TestWithMutExcludesConcurrentReaders(t *testing.T) {
	db := New()
	in := input.New[int](db.Clock(), intEqual)
	in.Bind(db.Registry().Register("in", in))
	var id = in.NewInput(db.Clock().ReportChange, 1, revision.Low)

	readerEntered := make(chan struct{})
	releaseReader := make(chan struct{})
	var writerDone int32

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		Read(db, func(stack *query.Stack) struct{} {
			close(readerEntered)
			<-releaseReader
			return struct{}{}
		})
	}()

	<-readerEntered

	wg.Add(1)
	go func() {
		defer wg.Done()
		WithMut(db, func(db *Database) struct{} {
			atomic.AddInt32(&writerDone, 1)
			return struct{}{}
		})
	}()

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&writerDone) != 0 {
		t.Fatalf("writer ran while a reader was still active")
	}
	close(releaseReader)
	wg.Wait()
	if got := atomic.LoadInt32(&writerDone); got != 1 {
		t.Fatalf("writer did not run after the reader released, got %d", got)
	}

	stack := query.NewStack()
	if v := in.GetField(stack, id); v != 1 {
		t.Fatalf("got %d, want 1", v)
	}
}

func TestReadEmitsCancelledAndReraisesOnCancellation(t *testing.T) {
	db := New()
	db.TriggerCancellation()

	var sawCancelled bool
	db.Sink = event.SinkFunc(func(e event.Event) {
		if e.Kind == event.Cancelled {
			sawCancelled = true
		}
	})

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected the cancellation panic to propagate out of Read")
		}
		if _, ok := r.(cancel.Cancelled); !ok {
			t.Fatalf("expected cancel.Cancelled, got %T", r)
		}
		if !sawCancelled {
			t.Fatalf("expected a Cancelled event before the panic propagated")
		}
	}()

	Read(db, func(stack *query.Stack) struct{} {
		db.CancelSignal().Checkpoint()
		return struct{}{}
	})
}
