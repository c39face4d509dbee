package core

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// FileID is the stable 128-bit identifier of an SSTable. It never changes
// for the life of the file, across levels and across trash.
type FileID [16]byte

// NewFileID returns a fresh random identifier.
func NewFileID() FileID {
	return FileID(uuid.New())
}

// ParseFileID decodes the 32-hex-character form used in file names.
func ParseFileID(s string) (FileID, error) {
	var id FileID
	if len(s) != 32 {
		return id, fmt.Errorf("file id %q must be 32 hex characters", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("file id %q is not hex: %w", s, err)
	}
	copy(id[:], b)
	return id, nil
}

// String returns the 32-hex-character form used in file names.
func (id FileID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the id is the all-zero placeholder.
func (id FileID) IsZero() bool {
	return id == FileID{}
}
