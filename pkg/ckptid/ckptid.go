// Package ckptid implements the checkpoint identifier described in spec
// §3 and §6: a 128-bit identifier that embeds its creation time in the
// high bits so lexicographic order on its canonical 26-character base-32
// text form matches wall-clock creation order.
//
// The 128 bits come from github.com/google/uuid's time-ordered NewV7,
// then are re-encoded
// with Crockford's base-32 alphabet instead of UUID's hyphenated hex, and
// a per-process monotonic counter guards against two IDs born in the same
// millisecond sorting out of order.
package ckptid

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	tlerrors "github.com/snapdaemon/tl/pkg/errors"
)

// Size is the encoded length of an ID's byte representation.
const Size = 16

// TextLen is the length of the canonical base-32 text form.
const TextLen = 26

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ID is a 128-bit time-ordered checkpoint identifier.
type ID [Size]byte

// Nil is the zero ID, used as the sentinel "no parent" value alongside an
// explicit boolean in callers that need to distinguish it from a real ID
// with every byte zero (astronomically unlikely, but we don't rely on it).
var Nil ID

var crockfordDecode = func() [256]int8 {
	var table [256]int8
	for i := range table {
		table[i] = -1
	}
	for i, c := range crockford {
		table[c] = int8(i)
	}
	// Crockford's alphabet treats these as visually-confusable aliases.
	table['O'] = table['0']
	table['I'] = table['1']
	table['L'] = table['1']
	table['o'] = table['0']
	table['i'] = table['1']
	table['l'] = table['1']
	return table
}()

var genMu sync.Mutex
var lastID ID

// New generates a fresh ID. Concurrent calls are safe and, within the
// same process, strictly increasing even when the wall clock does not
// advance between calls.
func New() ID {
	genMu.Lock()
	defer genMu.Unlock()

	u, err := uuid.NewV7()
	if err != nil {
		// crypto/rand failure: extremely unlikely and unrecoverable for
		// an identifier that must be globally unique.
		panic(err)
	}
	var id ID
	copy(id[:], u[:])

	if compare(id, lastID) <= 0 {
		id = increment(lastID)
	}
	lastID = id
	return id
}

func compare(a, b ID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// increment treats id as a big-endian 128-bit integer and adds one,
// saturating (never wrapping) at the maximum value.
func increment(id ID) ID {
	out := id
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			return out
		}
	}
	// Overflowed all 16 bytes: saturate at max rather than wrap to zero,
	// which would break monotonicity.
	for i := range out {
		out[i] = 0xff
	}
	return out
}

// Time extracts the creation timestamp embedded in the high 48 bits,
// matching UUIDv7's millisecond-resolution Unix timestamp layout.
func (id ID) Time() time.Time {
	ms := uint64(id[0])<<40 | uint64(id[1])<<32 | uint64(id[2])<<24 |
		uint64(id[3])<<16 | uint64(id[4])<<8 | uint64(id[5])
	return time.UnixMilli(int64(ms))
}

// Before reports whether id was created strictly before other.
func (id ID) Before(other ID) bool { return compare(id, other) < 0 }

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool { return id == Nil }

// String renders the canonical 26-character Crockford base-32 text form.
//
// 128 bits don't divide evenly by 5, so the last of the 26 five-bit
// groups is padded with trailing zero bits. Because every group is a
// prefix of the big-endian byte stream, two IDs compare the same way as
// bytes or as their encoded strings: this is what keeps lexicographic
// text order in step with temporal order.
func (id ID) String() string {
	var out [TextLen]byte
	var acc uint16  // bit accumulator, MSB-first
	var nbits uint8 // valid bits currently in acc
	bi := 0
	oi := 0
	for oi < TextLen {
		for nbits < 5 && bi < Size {
			acc = acc<<8 | uint16(id[bi])
			nbits += 8
			bi++
		}
		if nbits < 5 {
			acc <<= 5 - nbits
			nbits = 5
		}
		shift := nbits - 5
		out[oi] = crockford[(acc>>shift)&0x1F]
		nbits -= 5
		acc &= (1 << nbits) - 1
		oi++
	}
	return string(out[:])
}

// Parse decodes a canonical base-32 text form back into an ID, inverting
// String's bit packing.
func Parse(s string) (ID, error) {
	if len(s) != TextLen {
		return Nil, tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidHashError{
			Input: s, Cause: "checkpoint id must be 26 characters",
		})
	}
	upper := strings.ToUpper(s)

	var id ID
	var acc uint32 // bit accumulator, MSB-first
	var nbits uint8
	bi := 0
	for i := 0; i < TextLen; i++ {
		v := crockfordDecode[upper[i]]
		if v < 0 {
			return Nil, tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidHashError{
				Input: s, Cause: "invalid base32 character",
			})
		}
		acc = acc<<5 | uint32(v)
		nbits += 5
		if nbits >= 8 {
			shift := nbits - 8
			if bi < Size {
				id[bi] = byte(acc >> shift)
				bi++
			}
			nbits -= 8
			acc &= (1 << nbits) - 1
		}
	}
	return id, nil
}

// HasPrefix reports whether id's text form starts with prefix
// (case-insensitive), used by ResolveRefs (spec §4.L) for short-prefix
// resolution.
func (id ID) HasPrefix(prefix string) bool {
	return strings.HasPrefix(id.String(), strings.ToUpper(prefix))
}
