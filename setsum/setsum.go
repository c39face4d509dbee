// Package setsum implements an order-agnostic, additively composable
// 256-bit checksum over multisets of byte strings.
//
// The state is eight 32-bit columns, each held modulo a distinct prime just
// below 2^32. Inserting an item hashes it with SHA-256, slices the digest
// into eight little-endian words, reduces each modulo its column prime, and
// adds column-wise. Removal adds the modular inverse. The structure is an
// abelian group: Setsum(A ⊎ B) = Setsum(A) + Setsum(B), the identity is all
// zeros, and insertion order never matters.
package setsum

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/INLOpen/trigon/core"
)

// Bytes is the size of a serialized setsum and of the item hash.
const Bytes = 32

const (
	bytesPerColumn = 4
	columns        = Bytes / bytesPerColumn
)

// Each column is a field of a different size.
var primes = [columns]uint32{
	4294967291, 4294967279, 4294967231, 4294967197,
	4294967189, 4294967161, 4294967143, 4294967111,
}

// Setsum accumulates the checksum of a multiset. The zero value is the
// checksum of the empty set and is ready to use. Setsum is a value type;
// copies are independent.
type Setsum struct {
	state [columns]uint32
}

// New returns the checksum of the empty multiset.
func New() Setsum {
	return Setsum{}
}

// Parse reconstructs a setsum from its 32-byte digest. It fails with
// core.ErrMalformedSetsum if any column is at or above its modulus, which a
// digest produced by this package can never be.
func Parse(digest [Bytes]byte) (Setsum, error) {
	var s Setsum
	for col := 0; col < columns; col++ {
		v := binary.LittleEndian.Uint32(digest[col*bytesPerColumn:])
		if v >= primes[col] {
			return Setsum{}, fmt.Errorf("column %d value %d >= modulus %d: %w",
				col, v, primes[col], core.ErrMalformedSetsum)
		}
		s.state[col] = v
	}
	return s, nil
}

// FromDigest is Parse for digests known to be well formed, such as ones
// this process produced. Malformed input panics.
func FromDigest(digest [Bytes]byte) Setsum {
	s, err := Parse(digest)
	if err != nil {
		panic(err)
	}
	return s
}

// Insert adds one item to the multiset. Inserting the same bytes twice
// counts the item twice.
func (s *Setsum) Insert(item []byte) {
	s.state = addState(s.state, hashItem(item))
}

// Remove subtracts one item from the multiset. Removing an item that was
// never inserted leaves a placeholder that a later insert cancels.
func (s *Setsum) Remove(item []byte) {
	s.state = addState(s.state, invertState(hashItem(item)))
}

// InsertEntry adds an entry via its canonical encoding.
func (s *Setsum) InsertEntry(e *core.Entry) {
	s.Insert(core.AppendCanonical(nil, e))
}

// RemoveEntry subtracts an entry via its canonical encoding.
func (s *Setsum) RemoveEntry(e *core.Entry) {
	s.Remove(core.AppendCanonical(nil, e))
}

// Union returns the checksum of the multiset union.
func (s Setsum) Union(other Setsum) Setsum {
	return Setsum{state: addState(s.state, other.state)}
}

// Difference returns the checksum of the multiset difference s minus other.
func (s Setsum) Difference(other Setsum) Setsum {
	return Setsum{state: addState(s.state, invertState(other.state))}
}

// Digest serializes the setsum: each column as little-endian u32, column 0
// first.
func (s Setsum) Digest() [Bytes]byte {
	var out [Bytes]byte
	for col := 0; col < columns; col++ {
		binary.LittleEndian.PutUint32(out[col*bytesPerColumn:], s.state[col])
	}
	return out
}

// Hexdigest returns the 64-character hex form of Digest.
func (s Setsum) Hexdigest() string {
	d := s.Digest()
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the setsum is the identity.
func (s Setsum) IsZero() bool {
	return s.state == [columns]uint32{}
}

// Equal reports whether two setsums have identical state.
func (s Setsum) Equal(other Setsum) bool {
	return s.state == other.state
}

func (s Setsum) String() string {
	return s.Hexdigest()
}

// hashItem maps an item to column residues: SHA-256 the bytes, slice the
// digest into eight little-endian words, reduce each modulo its prime.
func hashItem(item []byte) [columns]uint32 {
	digest := sha256.Sum256(item)
	var state [columns]uint32
	for col := 0; col < columns; col++ {
		v := binary.LittleEndian.Uint32(digest[col*bytesPerColumn:])
		if v >= primes[col] {
			v -= primes[col]
		}
		state[col] = v
	}
	return state
}

func addState(lhs, rhs [columns]uint32) [columns]uint32 {
	var out [columns]uint32
	for col := 0; col < columns; col++ {
		sum := uint64(lhs[col]) + uint64(rhs[col])
		if p := uint64(primes[col]); sum >= p {
			sum -= p
		}
		out[col] = uint32(sum)
	}
	return out
}

func invertState(state [columns]uint32) [columns]uint32 {
	var out [columns]uint32
	for col := 0; col < columns; col++ {
		if state[col] == 0 {
			out[col] = 0
		} else {
			out[col] = primes[col] - state[col]
		}
	}
	return out
}
