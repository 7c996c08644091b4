// Package loom ties the per-kind ingredient storages together into the
// database handle spec.md §4.2 describes: shared revision/registry/
// cancellation state, plus the single-writer/many-reader scope pair
// (read, with_mut) that every ingredient's claim and validation logic
// assumes is already enforced above it.
//
// The reader/writer coordination is grounded on the teacher's
// tenant/dcache.Cache: a mutex paired with a sync.Cond, rather than a
// sync.RWMutex, because the writer additionally needs to distinguish
// "readers draining" from "no writer waiting" to avoid starving a
// waiting writer under a steady stream of new readers.
package loom

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/loomengine/loom/cancel"
	"github.com/loomengine/loom/cycle"
	"github.com/loomengine/loom/event"
	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/ingredient"
	"github.com/loomengine/loom/query"
	"github.com/loomengine/loom/revision"
)

// Logger is accepted optionally by Database, mirroring the teacher's
// tenant/dcache.Cache.Logger: the zero value (nil) means "don't log."
type Logger interface {
	Printf(format string, args ...interface{})
}

// Database is the shared handle spec.md §4.2 describes: owned storage
// (the revision clock, ingredient registry, waiter graph, cancellation
// flag) plus the writer lock that linearizes revision transitions.
type Database struct {
	// Logger, if non-nil, is used to log unexpected conditions that
	// are not themselves failures (e.g. no current use yet, kept for
	// parity with the teacher's ambient logging field).
	Logger Logger
	// Sink receives the Cancelled Event that Read emits. Nil means
	// "don't observe" (spec.md §6 "Events"). Ingredient storages emit
	// their own Events to the sink installed with their SetEventSink,
	// not to this one unless the host passes it there too.
	Sink event.Sink

	id       uuid.UUID
	clock    *revision.Clock
	registry *ingredient.Registry
	waiters  *cycle.WaiterGraph
	cancel   *cancel.Signal

	mu            sync.Mutex
	cond          *sync.Cond
	activeReaders int
	writerActive  bool
}

// New returns a fresh, empty Database at revision 1.
func New() *Database {
	db := &Database{
		id:       uuid.New(),
		clock:    revision.NewClock(),
		registry: ingredient.NewRegistry(),
		waiters:  cycle.NewWaiterGraph(),
		cancel:   cancel.NewSignal(),
	}
	db.cond = sync.NewCond(&db.mu)
	return db
}

// ID returns the database's stable identity, a random UUID assigned by
// New (spec.md §10 DOMAIN STACK, uuid). Waiter-graph entries and
// emitted Events do not carry it.
func (db *Database) ID() uuid.UUID { return db.id }

// Clock returns the shared revision clock. Ingredient storages take
// this at construction time; it is exposed here so wiring code and
// tests don't need to keep a second reference around.
func (db *Database) Clock() *revision.Clock { return db.clock }

// Registry returns the ingredient registry ingredient storages
// register themselves with.
func (db *Database) Registry() *ingredient.Registry { return db.registry }

// Waiters returns the cross-thread cycle-detection graph tracked
// function storages consult before blocking on another thread's claim.
func (db *Database) Waiters() *cycle.WaiterGraph { return db.waiters }

// CancelSignal returns the database's cancellation flag.
func (db *Database) CancelSignal() *cancel.Signal { return db.cancel }

// TriggerCancellation sets the cancellation flag (spec.md §4.2
// "trigger_cancellation"). Every active reader observes it at its next
// Checkpoint and unwinds; this call itself returns immediately without
// waiting for that to happen (P9 is the writer's with_mut waiting for
// readers to drain, not this call).
func (db *Database) TriggerCancellation() {
	db.cancel.Trigger()
}

func (db *Database) enterRead() {
	db.mu.Lock()
	for db.writerActive {
		db.cond.Wait()
	}
	db.activeReaders++
	db.mu.Unlock()
}

func (db *Database) exitRead() {
	db.mu.Lock()
	db.activeReaders--
	if db.activeReaders == 0 {
		db.cond.Broadcast()
	}
	db.mu.Unlock()
}

// Read enters a shared read scope (spec.md §4.2 "read") and runs fn
// against a fresh per-call active-query stack. Any number of Read
// scopes may run concurrently with each other, but never concurrently
// with a WithMut scope. A cancellation panic raised inside fn unwinds
// through Read: the Cancelled event fires here, at the scope boundary,
// and the panic is then re-raised so the caller decides how to handle
// it (spec.md §8 P9, §11 supplemented Cancelled event).
func Read[R any](db *Database, fn func(stack *query.Stack) R) (result R) {
	db.enterRead()
	defer db.exitRead()

	stack := query.NewStack()
	defer stack.ReleasePins()
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(cancel.Cancelled); ok {
				event.Emit(db.Sink, event.Cancelled, ident.DatabaseKey{})
			}
			panic(r)
		}
	}()

	return fn(stack)
}

func (db *Database) enterWrite() {
	db.mu.Lock()
	for db.writerActive {
		db.cond.Wait()
	}
	db.writerActive = true
	db.cancel.Trigger()
	for db.activeReaders > 0 {
		db.cond.Wait()
	}
	db.mu.Unlock()
}

func (db *Database) exitWrite() {
	db.mu.Lock()
	db.writerActive = false
	db.mu.Unlock()
	db.cond.Broadcast()
}

// WithMut enters the exclusive writer scope (spec.md §4.2 "with_mut"):
// it sets the cancellation flag so any reader still active at entry
// unwinds instead of stalling the drain (spec.md §4.11: "the writer
// sets the flag before waiting for readers to drain"), waits for
// outstanding Read scopes to drain, bumps the revision counter once for
// the whole scope (spec.md §8 S1: "the writer still bumps revision"
// even when every mutation turns out to leave its value backdated),
// runs fn with exclusive access, then performs revision-boundary
// maintenance (ResetAll) and clears the cancellation flag before
// releasing the lock.
func WithMut[R any](db *Database, fn func(db *Database) R) R {
	db.enterWrite()
	defer db.exitWrite()

	db.clock.Bump()
	defer func() {
		db.registry.ResetAll()
		db.cancel.Clear()
	}()

	return fn(db)
}

type attachedKey struct{}

// Attach associates db with ctx for the scope of fn (spec.md §4.2,
// §6.A "attach"). Consumed only by debug formatters; core logic always
// threads the Database explicitly through its own arguments rather
// than recovering it from context, matching the teacher's design note
// that its core logic always threads db explicitly.
func Attach(ctx context.Context, db *Database, fn func(ctx context.Context)) {
	fn(context.WithValue(ctx, attachedKey{}, db))
}

// FromContext returns the Database a surrounding Attach call
// associated with ctx, if any.
func FromContext(ctx context.Context) (*Database, bool) {
	db, ok := ctx.Value(attachedKey{}).(*Database)
	return db, ok
}
