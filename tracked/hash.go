package tracked

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

// idHashK0/idHashK1 are fixed siphash keys, same rationale as intern's:
// hash-consing struct identity only needs good distribution, not a
// keyed MAC.
const (
	idHashK0 = 0x74726b735f6b6579
	idHashK1 = 0x5f6669656c645f30
)

// HashIDFields computes the h = hash(#[id] fields) step of spec.md
// §4.7 over the caller-encoded bytes of a tracked struct's identity
// fields, in field-declaration order. Each part is length-prefixed
// before concatenation so that, e.g., fields ("ab", "c") and ("a",
// "bc") never collide on the same hash.
func HashIDFields(parts ...[]byte) uint64 {
	var buf []byte
	var lenBuf [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, p...)
	}
	return siphash.Hash(idHashK0, idHashK1, buf)
}
