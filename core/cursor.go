package core

// Cursor is the capability set every iterator in the engine satisfies:
// block cursors, SSTable cursors, and the merging cursor all expose the
// same surface and compose.
//
// A cursor starts unpositioned. Positioning calls (SeekToFirst, SeekToLast,
// Seek) and movement calls (Next, Prev) leave the cursor either valid, with
// Key/Ts/Value/IsTombstone usable, or invalid. An invalid cursor with a nil
// Err is exhausted; a non-nil Err reports the first failure encountered.
type Cursor interface {
	// SeekToFirst positions at the first entry in the global order.
	SeekToFirst()
	// SeekToLast positions at the last entry.
	SeekToLast()
	// Seek positions at the first entry with (key, ts) at or after the
	// given pair in the global (key ASC, ts DESC) order.
	Seek(key []byte, ts uint64)
	// Next advances and reports whether the cursor remains valid.
	Next() bool
	// Prev steps backward and reports whether the cursor remains valid.
	Prev() bool
	// Valid reports whether the cursor is positioned at an entry.
	Valid() bool

	// Key returns the current entry's key. Valid only while Valid().
	Key() []byte
	// Ts returns the current entry's timestamp.
	Ts() uint64
	// Value returns the current entry's value; nil for tombstones.
	Value() []byte
	// IsTombstone reports whether the current entry is a deletion marker.
	IsTombstone() bool

	// Err returns the first error the cursor encountered, if any.
	Err() error
	// Close releases resources held by the cursor.
	Close() error
}
