package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/INLOpen/trigon/core"
)

// bloomBuilder accumulates key hashes while a table is written and renders
// the filter block at finish. Keys are hashed once with xxhash64; the k
// probe positions derive from the one digest by double hashing.
type bloomBuilder struct {
	bitsPerKey int
	hashes     []uint64
}

func newBloomBuilder(bitsPerKey int) *bloomBuilder {
	return &bloomBuilder{bitsPerKey: bitsPerKey}
}

func (b *bloomBuilder) Add(key []byte) {
	b.hashes = append(b.hashes, xxhash.Sum64(key))
}

// numProbes is the optimal probe count for the configured density,
// bitsPerKey * ln(2), clamped to a sane range.
func (b *bloomBuilder) numProbes() uint32 {
	k := uint32(float64(b.bitsPerKey) * 0.69)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return k
}

// Finish serializes the filter: num_probes(u32), bits_len(u32), bits,
// crc32c(u32).
func (b *bloomBuilder) Finish() []byte {
	k := b.numProbes()
	if b.bitsPerKey <= 0 {
		// Filter disabled: an empty bit array answers "maybe" for every key.
		out := make([]byte, 0, 12)
		out = binary.LittleEndian.AppendUint32(out, k)
		out = binary.LittleEndian.AppendUint32(out, 0)
		out = binary.LittleEndian.AppendUint32(out, Checksum(out))
		return out
	}
	nBits := len(b.hashes) * b.bitsPerKey
	if nBits < 64 {
		nBits = 64
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8
	bits := make([]byte, nBytes)

	for _, h := range b.hashes {
		delta := h>>33 | h<<31
		for i := uint32(0); i < k; i++ {
			pos := h % uint64(nBits)
			bits[pos/8] |= 1 << (pos % 8)
			h += delta
		}
	}

	out := make([]byte, 0, 8+nBytes+4)
	out = binary.LittleEndian.AppendUint32(out, k)
	out = binary.LittleEndian.AppendUint32(out, uint32(nBytes))
	out = append(out, bits...)
	out = binary.LittleEndian.AppendUint32(out, Checksum(out))
	return out
}

// bloomFilter is the read-side view of a filter block.
type bloomFilter struct {
	k    uint32
	bits []byte
}

func parseBloomFilter(data []byte) (*bloomFilter, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("filter block of %d bytes is too short: %w", len(data), core.ErrCorruptBlock)
	}
	stored := binary.LittleEndian.Uint32(data[len(data)-4:])
	if actual := Checksum(data[:len(data)-4]); actual != stored {
		return nil, fmt.Errorf("filter checksum %08x does not match stored %08x: %w", actual, stored, core.ErrCorruptBlock)
	}
	k := binary.LittleEndian.Uint32(data[0:4])
	bitsLen := binary.LittleEndian.Uint32(data[4:8])
	if int(bitsLen) != len(data)-12 {
		return nil, fmt.Errorf("filter bits length %d does not match block of %d bytes: %w", bitsLen, len(data), core.ErrCorruptBlock)
	}
	return &bloomFilter{k: k, bits: data[8 : 8+bitsLen]}, nil
}

// MayContain reports whether the key might be in the table. False
// negatives never occur.
func (f *bloomFilter) MayContain(key []byte) bool {
	if len(f.bits) == 0 {
		return true
	}
	nBits := uint64(len(f.bits)) * 8
	h := xxhash.Sum64(key)
	delta := h>>33 | h<<31
	for i := uint32(0); i < f.k; i++ {
		pos := h % nBits
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
