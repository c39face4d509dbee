// Package compressors provides the block codecs pluggable into the SSTable
// writer and reader. A block's logical layout never changes; compressors
// only transform the stored bytes, identified by the one-byte envelope
// written before each block.
package compressors

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/trigon/core"
)

// NoneCompressor stores blocks verbatim.
type NoneCompressor struct{}

var _ core.Compressor = (*NoneCompressor)(nil)

func NewNoneCompressor() *NoneCompressor {
	return &NoneCompressor{}
}

func (c *NoneCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	_, err := dst.Write(src)
	return err
}

func (c *NoneCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoneCompressor) Type() core.CompressionType {
	return core.CompressionNone
}

// ForType returns the compressor that decodes blocks written with the given
// envelope byte.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return NewNoneCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLZ4Compressor(), nil
	case core.CompressionZstd:
		return NewZstdCompressor()
	default:
		return nil, &UnknownCompressionError{Type: t}
	}
}

// UnknownCompressionError reports a block envelope byte this build does not
// understand.
type UnknownCompressionError struct {
	Type core.CompressionType
}

func (e *UnknownCompressionError) Error() string {
	return fmt.Sprintf("unknown block compression type %d", e.Type)
}
