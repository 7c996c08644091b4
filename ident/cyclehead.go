package ident

// CycleHead identifies one fixed-point cycle head a provisional memo
// currently depends upon, tagged with the iteration at which that
// dependency was recorded (spec.md §3 "Cycle head set", §4.10).
type CycleHead struct {
	Key       DatabaseKey
	Iteration uint32
}

// CycleHeadSet is a small set of CycleHeads. Cycle nests are rare and
// shallow in practice, so a slice with linear lookup (mirrored on the
// teacher's preference for small slices over maps when cardinality is
// expected to stay in the single digits, e.g. tenant/dcache's
// inflight map notwithstanding) is the right data structure: no
// hashing, no allocation for the common empty case.
type CycleHeadSet []CycleHead

// Empty reports whether the set has no members.
func (s CycleHeadSet) Empty() bool { return len(s) == 0 }

// Contains reports whether head (by Key only, ignoring Iteration) is a
// member of the set.
func (s CycleHeadSet) Contains(key DatabaseKey) bool {
	for _, h := range s {
		if h.Key == key {
			return true
		}
	}
	return false
}

// Add inserts head into the set, replacing any existing entry for the
// same Key so the set always reflects the most recent iteration
// observed for that head.
func (s *CycleHeadSet) Add(head CycleHead) {
	for i := range *s {
		if (*s)[i].Key == head.Key {
			(*s)[i].Iteration = head.Iteration
			return
		}
	}
	*s = append(*s, head)
}

// Merge adds every member of other into s.
func (s *CycleHeadSet) Merge(other CycleHeadSet) {
	for _, h := range other {
		s.Add(h)
	}
}

// Remove deletes any entry for key from the set, used when a head
// converges and its dependents can drop it.
func (s *CycleHeadSet) Remove(key DatabaseKey) {
	out := (*s)[:0]
	for _, h := range *s {
		if h.Key != key {
			out = append(out, h)
		}
	}
	*s = out
}

// Clone returns an independent copy of the set.
func (s CycleHeadSet) Clone() CycleHeadSet {
	if len(s) == 0 {
		return nil
	}
	out := make(CycleHeadSet, len(s))
	copy(out, s)
	return out
}
