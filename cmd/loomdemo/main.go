// Command loomdemo exercises the read/write/query scenarios spec.md
// §8 walks through end to end, against a real loom.Database rather
// than a unit test's bare storages, matching the teacher's cmd/sdb
// style: a small flag-driven CLI, no Cobra/Kong.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/loomengine/loom"
	"github.com/loomengine/loom/event"
	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/input"
	"github.com/loomengine/loom/memo"
	"github.com/loomengine/loom/query"
	"github.com/loomengine/loom/revision"
)

var (
	dashv        bool
	dashScenario string
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose: print every emitted Event")
	flag.StringVar(&dashScenario, "scenario", "s1", "scenario to run: s1 (basic reuse), s2 (durability short-circuit), s3 (backdated propagation)")
}

func main() {
	flag.Parse()
	var err error
	switch dashScenario {
	case "s1":
		err = runS1()
	case "s2":
		err = runS2()
	case "s3":
		err = runS3()
	default:
		err = fmt.Errorf("unknown -scenario %q (want s1, s2, or s3)", dashScenario)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "loomdemo:", err)
		os.Exit(1)
	}
}

func verboseSink() event.Sink {
	if !dashv {
		return nil
	}
	return event.SinkFunc(func(e event.Event) {
		fmt.Printf("  event: %s %s\n", e.Kind, e.Key)
	})
}

func stringEqual(a, b string) bool { return a == b }

// runS1 walks spec.md §8 scenario S1: a string input, a length
// function, and two reuse checks — one call repeated with no change
// at all, and one where the writer bumps the revision but sets an
// equal value (backdating should still skip re-execution).
func runS1() error {
	db := loom.New()
	db.Sink = verboseSink()

	text := input.New[string](db.Clock(), stringEqual)
	text.Bind(db.Registry().Register("text", text))

	var textID ident.Id
	loom.WithMut(db, func(db *loom.Database) struct{} {
		textID = text.NewInput(db.Clock().ReportChange, "abc", revision.High)
		return struct{}{}
	})

	var calls int
	lenEqual := func(a, b int) bool { return a == b }
	length := memo.New[int](db.Clock(), func(stack *query.Stack, id ident.Id) int {
		calls++
		return len(text.GetField(stack, textID))
	}, lenEqual, db.Registry(), db.Waiters(), db.CancelSignal())
	length.Bind(db.Registry().Register("length", length))
	length.SetEventSink(db.Sink)

	lenFn := func(stack *query.Stack) int {
		return length.Get(stack, textID)
	}

	r1 := loom.Read(db, lenFn)
	fmt.Printf("s1: len(text) = %d, function calls so far = %d\n", r1, calls)

	r2 := loom.Read(db, lenFn)
	fmt.Printf("s1: len(text) = %d (unchanged revision), function calls so far = %d (want still 1)\n", r2, calls)

	loom.WithMut(db, func(db *loom.Database) struct{} {
		text.SetField(db.Clock().ReportChange, textID, "abc", revision.High)
		return struct{}{}
	})

	r3 := loom.Read(db, lenFn)
	fmt.Printf("s1: len(text) = %d (after an equal-value set across a revision bump), function calls so far = %d (want still 1)\n", r3, calls)
	return nil
}

// runS2 walks spec.md §8 scenario S2: f depends only on a High-
// durability input; an unrelated Low-durability input changing must
// not trigger f's deep-verification walk at all (P4's durability
// short-circuit), so f must not re-execute.
func runS2() error {
	db := loom.New()
	db.Sink = verboseSink()

	text := input.New[string](db.Clock(), stringEqual)
	text.Bind(db.Registry().Register("text", text))
	counter := input.New[int](db.Clock(), func(a, b int) bool { return a == b })
	counter.Bind(db.Registry().Register("counter", counter))

	var textID, counterID ident.Id
	loom.WithMut(db, func(db *loom.Database) struct{} {
		textID = text.NewInput(db.Clock().ReportChange, "hello", revision.High)
		counterID = counter.NewInput(db.Clock().ReportChange, 0, revision.Low)
		return struct{}{}
	})

	var calls int
	lenEqual := func(a, b int) bool { return a == b }
	length := memo.New[int](db.Clock(), func(stack *query.Stack, id ident.Id) int {
		calls++
		return len(text.GetField(stack, textID))
	}, lenEqual, db.Registry(), db.Waiters(), db.CancelSignal())
	length.Bind(db.Registry().Register("length", length))
	length.SetEventSink(db.Sink)

	f := func(stack *query.Stack) int {
		return length.Get(stack, textID)
	}

	loom.Read(db, f)
	fmt.Printf("s2: f(text) computed once, function calls so far = %d\n", calls)

	loom.WithMut(db, func(db *loom.Database) struct{} {
		counter.SetField(db.Clock().ReportChange, counterID, 1, revision.Low)
		return struct{}{}
	})

	loom.Read(db, f)
	fmt.Printf("s2: f(text) after an unrelated Low-durability input changed, function calls so far = %d (want still 1)\n", calls)
	return nil
}

// runS3 walks spec.md §8 scenario S3: parse(text) = ast,
// typecheck(ast) = types. Changing text by inserting whitespace makes
// parse re-execute, but its trimmed result is equal, so it backdates;
// typecheck then validates against the unchanged ast and skips
// re-execution too.
func runS3() error {
	db := loom.New()
	db.Sink = verboseSink()

	text := input.New[string](db.Clock(), stringEqual)
	text.Bind(db.Registry().Register("text", text))

	var textID ident.Id
	loom.WithMut(db, func(db *loom.Database) struct{} {
		textID = text.NewInput(db.Clock().ReportChange, "abc", revision.Low)
		return struct{}{}
	})

	var parseCalls, typecheckCalls int

	parse := memo.New[string](db.Clock(), func(stack *query.Stack, id ident.Id) string {
		parseCalls++
		return strings.TrimSpace(text.GetField(stack, textID))
	}, stringEqual, db.Registry(), db.Waiters(), db.CancelSignal())
	parse.Bind(db.Registry().Register("parse", parse))
	parse.SetEventSink(db.Sink)

	typecheck := memo.New[int](db.Clock(), func(stack *query.Stack, id ident.Id) int {
		typecheckCalls++
		return len(parse.Get(stack, textID))
	}, func(a, b int) bool { return a == b }, db.Registry(), db.Waiters(), db.CancelSignal())
	typecheck.Bind(db.Registry().Register("typecheck", typecheck))
	typecheck.SetEventSink(db.Sink)

	typecheckFn := func(stack *query.Stack) int {
		return typecheck.Get(stack, textID)
	}

	r1 := loom.Read(db, typecheckFn)
	fmt.Printf("s3: typecheck(ast) = %d, parse calls = %d, typecheck calls = %d\n", r1, parseCalls, typecheckCalls)

	loom.WithMut(db, func(db *loom.Database) struct{} {
		text.SetField(db.Clock().ReportChange, textID, "  abc  ", revision.Low)
		return struct{}{}
	})

	r2 := loom.Read(db, typecheckFn)
	fmt.Printf("s3: typecheck(ast) = %d after re-indenting text, parse calls = %d (want 2), typecheck calls = %d (want still 1, backdated)\n",
		r2, parseCalls, typecheckCalls)
	return nil
}
