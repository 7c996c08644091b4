// Package memo implements function-ingredient storage (spec.md §4.8):
// the memoization table backing a tracked function, with at-most-once
// concurrent execution per key, shallow/deep validation, backdating,
// cycle recovery, and optional LRU eviction.
//
// The at-most-one-in-flight claim coordination is grounded on the
// teacher's tenant/dcache.Cache.lockID/unlockID: a mutex-guarded
// "inflight" set plus a sync.Cond blocking and broadcasting waiters,
// generalized here from one exclusive file fill per content id to one
// exclusive function execution per (function, key), and extended with
// the waiter-graph publication spec.md §4.10 requires before blocking
// across threads.
package memo

import (
	"fmt"

	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/revision"
)

// Memo is the cached tuple spec.md's glossary defines for one
// (function, key) pair.
type Memo[V any] struct {
	value V
	// inputs records the dependency edges observed the last time this
	// function body ran, in the order they were read (spec.md §4.8
	// step 3 walks them in this order).
	inputs []ident.DatabaseKey
	// outputs is the set of tracked-struct ids this execution produced
	// (spec.md §4.8 step 6).
	outputs map[ident.DatabaseKey]struct{}

	durability revision.Durability
	verifiedAt revision.R
	changedAt  revision.R

	cycleHeads    ident.CycleHeadSet
	verifiedFinal bool
}

func (m *Memo[V]) String() string {
	return fmt.Sprintf("memo(verifiedAt=%d changedAt=%d durability=%s final=%v)", m.verifiedAt, m.changedAt, m.durability, m.verifiedFinal)
}
