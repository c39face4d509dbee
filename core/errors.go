package core

import "errors"

// Sentinel errors shared across the engine. Components wrap these with
// fmt.Errorf("...: %w", err) so callers can test with errors.Is.
var (
	// ErrNotFound is returned when a read misses. Absence is a result, not
	// a failure; only the lookup helpers return it.
	ErrNotFound = errors.New("key not found")

	// ErrInvalidEntry is returned when an entry violates the size limits or
	// the tombstone contract.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrCorruptFooter is returned when an SSTable footer fails its magic,
	// CRC, or structural checks.
	ErrCorruptFooter = errors.New("sstable footer is corrupted")

	// ErrCorruptBlock is returned when a block's checksum does not match
	// its contents.
	ErrCorruptBlock = errors.New("sstable block is corrupted")

	// ErrMalformedBlock is returned when a block decodes to a structurally
	// invalid record, such as a truncated entry or a shared-prefix length
	// that exceeds the previous key.
	ErrMalformedBlock = errors.New("sstable block is malformed")

	// ErrMalformedSetsum is returned when a serialized setsum has a column
	// at or above its modulus.
	ErrMalformedSetsum = errors.New("malformed setsum")

	// ErrSetsumMismatch is returned when a scrub recomputes a setsum that
	// disagrees with the recorded one.
	ErrSetsumMismatch = errors.New("setsum mismatch")

	// ErrVersionUnsupported is returned when a file's format version is not
	// understood by this build.
	ErrVersionUnsupported = errors.New("unsupported format version")

	// ErrUnbalancedEdit is returned when a manifest edit's added and removed
	// setsums disagree. The edit must not be applied.
	ErrUnbalancedEdit = errors.New("manifest edit does not balance")

	// ErrCompactionSetsumMismatch is returned when a compaction's outputs
	// plus dropped entries do not sum to its inputs. The compaction aborts
	// before any manifest edit is attempted.
	ErrCompactionSetsumMismatch = errors.New("compaction setsum mismatch")

	// ErrBackpressureFull is returned by ingestion when level 0 is
	// saturated. Callers may retry after compaction catches up.
	ErrBackpressureFull = errors.New("level 0 is full")

	// ErrCancelled is returned by cooperative cancellation of background
	// work.
	ErrCancelled = errors.New("operation cancelled")

	// ErrClosed is returned when an operation is attempted on a closed
	// component.
	ErrClosed = errors.New("component is closed")
)
