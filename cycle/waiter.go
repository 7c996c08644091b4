// Package cycle implements cross-thread cycle detection and recovery
// (spec.md §4.10): a waiter graph used to detect cycles that span more
// than one goroutine before a thread blocks on another's in-progress
// computation, plus the fixed-point-iteration and immediate-fallback
// recovery strategies tracked functions may configure.
package cycle

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/query"
)

// edge records that a thread has published its stack and is waiting
// on another thread's in-progress computation of `key`.
type edge struct {
	key       ident.DatabaseKey
	waitingOn query.ThreadID
	stack     []ident.DatabaseKey
}

// WaiterGraph is the global "thread_id -> (DatabaseKey, thread waited
// on)" map from spec.md §4.10. A thread publishes into it just before
// blocking on a sync-table claim owned by another thread, and removes
// its entry on wakeup.
type WaiterGraph struct {
	mu    sync.Mutex
	edges map[query.ThreadID]*edge
}

// NewWaiterGraph returns an empty WaiterGraph.
func NewWaiterGraph() *WaiterGraph {
	return &WaiterGraph{edges: make(map[query.ThreadID]*edge)}
}

func (g *WaiterGraph) lock()   { g.mu.Lock() }
func (g *WaiterGraph) unlock() { g.mu.Unlock() }

// CycleError describes a detected cycle: the DatabaseKeys of every
// participant, in the order discovered.
type CycleError struct {
	Participants []ident.DatabaseKey
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("loom: cycle detected across %d participant(s): %v", len(e.Participants), e.Participants)
}

// BeginWait attempts to record that thread `self`, blocked on `key`
// (currently owned by `owner`), is waiting on `owner`. Before doing so
// it performs the reverse-reachability check from spec.md §4.10: if a
// path owner -> ... -> self already exists in the graph, adding
// self -> owner would close a cycle, so BeginWait instead returns the
// detected CycleError without modifying the graph.
func (g *WaiterGraph) BeginWait(self, owner query.ThreadID, key ident.DatabaseKey, stack []ident.DatabaseKey) (*CycleError, bool) {
	g.lock()
	defer g.unlock()

	if cyc := g.reachable(owner, self); cyc != nil {
		participants := append([]ident.DatabaseKey{key}, cyc...)
		return &CycleError{Participants: participants}, false
	}
	g.edges[self] = &edge{key: key, waitingOn: owner, stack: append([]ident.DatabaseKey(nil), stack...)}
	return nil, true
}

// reachable walks waitingOn edges starting at `from`, looking for
// `target`. On success it returns the DatabaseKeys collected along the
// path (from -> ... -> target), which become the cycle's participant
// list.
func (g *WaiterGraph) reachable(from, target query.ThreadID) []ident.DatabaseKey {
	visited := make(map[query.ThreadID]bool)
	cur := from
	var path []ident.DatabaseKey
	for {
		if cur == target {
			return path
		}
		if visited[cur] {
			return nil // graph cycle not involving target: shouldn't happen, but don't loop forever
		}
		visited[cur] = true
		e, ok := g.edges[cur]
		if !ok {
			return nil
		}
		path = append(path, e.key)
		cur = e.waitingOn
	}
}

// Waiting returns the thread ids currently blocked on another thread's
// claim, a snapshot taken under the graph's lock, so a caller can
// inspect it without holding the graph lock across its own work.
func (g *WaiterGraph) Waiting() []query.ThreadID {
	g.lock()
	defer g.unlock()
	return maps.Keys(g.edges)
}

// EndWait removes self's entry from the graph, called on wakeup
// (whether by normal claim release or cycle recovery), and returns the
// stack that was published so the caller can restore it.
func (g *WaiterGraph) EndWait(self query.ThreadID) []ident.DatabaseKey {
	g.lock()
	defer g.unlock()
	e, ok := g.edges[self]
	if !ok {
		return nil
	}
	delete(g.edges, self)
	return e.stack
}
