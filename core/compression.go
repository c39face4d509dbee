package core

import "bytes"

// CompressionType identifies the codec used for an on-disk block. The value
// is stored in the one-byte envelope that precedes every block.
type CompressionType uint8

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZstd   CompressionType = 3
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Compressor is the pluggable codec applied to block payloads. The block's
// logical byte layout, including its trailing checksum, is fixed; the
// compressor only transforms the stored form.
type Compressor interface {
	// CompressTo compresses src into dst, resetting dst first.
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress returns the uncompressed form of data.
	Decompress(data []byte) ([]byte, error)
	// Type is the envelope byte written before each block.
	Type() CompressionType
}
