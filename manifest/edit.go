// Package manifest implements the durable description of the tree: an
// append-only log of CRC-framed edit records, the CURRENT pointer file,
// recovery from torn tails, and rollover into a compacted log.
package manifest

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/trigon/core"
	"github.com/INLOpen/trigon/setsum"
)

// Reason records why an edit was made.
type Reason uint8

const (
	ReasonIngest   Reason = 1
	ReasonCompact  Reason = 2
	ReasonRollover Reason = 3
	ReasonSplit    Reason = 4
)

func (r Reason) String() string {
	switch r {
	case ReasonIngest:
		return "ingest"
	case ReasonCompact:
		return "compact"
	case ReasonRollover:
		return "rollover"
	case ReasonSplit:
		return "split"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// FileRef names one SSTable in an edit: its stable id, its level, its key
// range, and its setsum. Removed refs omit the key range on disk.
type FileRef struct {
	ID       core.FileID
	Level    uint8
	Smallest []byte
	Largest  []byte
	Setsum   setsum.Setsum
}

// Edit is one atomic transition of the tree. Dropped carries the setsum of
// entries a compaction discarded (tombstones it proved safe to drop); it
// keeps the ledger balanced even though no output file contains them.
type Edit struct {
	Seq     uint64
	Reason  Reason
	Added   []FileRef
	Removed []FileRef
	Dropped setsum.Setsum
}

// SetsumAdded is the sum over added files plus the dropped-entry setsum:
// the full accounting of where the removed bytes went.
func (e *Edit) SetsumAdded() setsum.Setsum {
	sum := e.Dropped
	for i := range e.Added {
		sum = sum.Union(e.Added[i].Setsum)
	}
	return sum
}

// SetsumRemoved is the sum over removed files.
func (e *Edit) SetsumRemoved() setsum.Setsum {
	var sum setsum.Setsum
	for i := range e.Removed {
		sum = sum.Union(e.Removed[i].Setsum)
	}
	return sum
}

// Balanced reports whether the edit's added and removed setsums agree.
// Ingest and rollover edits introduce data and are exempt; everything else
// must balance before it may be applied.
func (e *Edit) Balanced() bool {
	if e.Reason == ReasonIngest || e.Reason == ReasonRollover {
		return len(e.Removed) == 0
	}
	return e.SetsumAdded().Equal(e.SetsumRemoved())
}

// Encode serializes the edit body:
//
//	seq:u64 reason:u8 n_added:u32 n_removed:u32
//	added:   [ file_id:16B level:u8 smallest_len:u32 smallest
//	           largest_len:u32 largest setsum:32B ] * n_added
//	removed: [ file_id:16B level:u8 setsum:32B ] * n_removed
//	dropped_setsum:32B
//
// all little-endian.
func (e *Edit) Encode() []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, e.Seq)
	buf = append(buf, byte(e.Reason))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Added)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Removed)))
	for i := range e.Added {
		f := &e.Added[i]
		buf = append(buf, f.ID[:]...)
		buf = append(buf, f.Level)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Smallest)))
		buf = append(buf, f.Smallest...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Largest)))
		buf = append(buf, f.Largest...)
		digest := f.Setsum.Digest()
		buf = append(buf, digest[:]...)
	}
	for i := range e.Removed {
		f := &e.Removed[i]
		buf = append(buf, f.ID[:]...)
		buf = append(buf, f.Level)
		digest := f.Setsum.Digest()
		buf = append(buf, digest[:]...)
	}
	digest := e.Dropped.Digest()
	buf = append(buf, digest[:]...)
	return buf
}

type editDecoder struct {
	buf []byte
	pos int
}

func (d *editDecoder) remain() int { return len(d.buf) - d.pos }

func (d *editDecoder) bytes(n int) ([]byte, error) {
	if d.remain() < n {
		return nil, fmt.Errorf("edit body truncated at offset %d", d.pos)
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *editDecoder) u32() (uint32, error) {
	b, err := d.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *editDecoder) u64() (uint64, error) {
	b, err := d.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *editDecoder) setsum() (setsum.Setsum, error) {
	b, err := d.bytes(setsum.Bytes)
	if err != nil {
		return setsum.Setsum{}, err
	}
	var digest [setsum.Bytes]byte
	copy(digest[:], b)
	return setsum.Parse(digest)
}

// DecodeEdit parses an edit body produced by Encode.
func DecodeEdit(body []byte) (*Edit, error) {
	d := &editDecoder{buf: body}
	e := &Edit{}
	var err error
	if e.Seq, err = d.u64(); err != nil {
		return nil, err
	}
	reason, err := d.bytes(1)
	if err != nil {
		return nil, err
	}
	e.Reason = Reason(reason[0])
	nAdded, err := d.u32()
	if err != nil {
		return nil, err
	}
	nRemoved, err := d.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nAdded; i++ {
		var f FileRef
		id, err := d.bytes(16)
		if err != nil {
			return nil, err
		}
		copy(f.ID[:], id)
		lvl, err := d.bytes(1)
		if err != nil {
			return nil, err
		}
		f.Level = lvl[0]
		sLen, err := d.u32()
		if err != nil {
			return nil, err
		}
		if f.Smallest, err = d.bytes(int(sLen)); err != nil {
			return nil, err
		}
		f.Smallest = append([]byte(nil), f.Smallest...)
		lLen, err := d.u32()
		if err != nil {
			return nil, err
		}
		if f.Largest, err = d.bytes(int(lLen)); err != nil {
			return nil, err
		}
		f.Largest = append([]byte(nil), f.Largest...)
		if f.Setsum, err = d.setsum(); err != nil {
			return nil, err
		}
		e.Added = append(e.Added, f)
	}
	for i := uint32(0); i < nRemoved; i++ {
		var f FileRef
		id, err := d.bytes(16)
		if err != nil {
			return nil, err
		}
		copy(f.ID[:], id)
		lvl, err := d.bytes(1)
		if err != nil {
			return nil, err
		}
		f.Level = lvl[0]
		if f.Setsum, err = d.setsum(); err != nil {
			return nil, err
		}
		e.Removed = append(e.Removed, f)
	}
	if e.Dropped, err = d.setsum(); err != nil {
		return nil, err
	}
	if d.remain() != 0 {
		return nil, fmt.Errorf("edit body has %d trailing bytes", d.remain())
	}
	return e, nil
}
