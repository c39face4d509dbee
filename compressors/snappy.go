package compressors

import (
	"bytes"
	"fmt"

	"github.com/golang/snappy"

	"github.com/INLOpen/trigon/core"
)

// SnappyCompressor implements the Compressor interface using the snappy
// block format.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	// snappy.Encode produces the block format that snappy.Decode expects;
	// the stream format from NewBufferedWriter is not compatible.
	dst.Write(snappy.Encode(nil, src))
	return nil
}

func (c *SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	decompressed, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return decompressed, nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}
