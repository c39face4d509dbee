package compressors

import (
	"bytes"
	"encoding/binary"
	"fmt"

	lz4 "github.com/pierrec/lz4/v4"

	"github.com/INLOpen/trigon/core"
)

// LZ4Compressor implements the Compressor interface using lz4 block
// compression. The lz4 block format does not record the original length, so
// the stored form carries a 4-byte little-endian uncompressed size prefix.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLZ4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	var sizePrefix [4]byte
	binary.LittleEndian.PutUint32(sizePrefix[:], uint32(len(src)))
	dst.Write(sizePrefix[:])

	buf := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, buf, nil)
	if err != nil {
		return fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible input; CompressBlock signals this with n == 0 and
		// the raw bytes are stored instead, flagged by setting the high bit
		// of the size prefix.
		binary.LittleEndian.PutUint32(sizePrefix[:], uint32(len(src))|lz4RawFlag)
		dst.Reset()
		dst.Write(sizePrefix[:])
		dst.Write(src)
		return nil
	}
	dst.Write(buf[:n])
	return nil
}

const lz4RawFlag = 1 << 31

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("lz4 decompress: payload of %d bytes has no size prefix", len(data))
	}
	size := binary.LittleEndian.Uint32(data[:4])
	if size&lz4RawFlag != 0 {
		return data[4:], nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out[:n], nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
