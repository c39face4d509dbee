package compressors

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/INLOpen/trigon/core"
)

func allCompressors(t *testing.T) []core.Compressor {
	t.Helper()
	zstdC, err := NewZstdCompressor()
	require.NoError(t, err)
	return []core.Compressor{
		NewNoneCompressor(),
		NewSnappyCompressor(),
		NewLZ4Compressor(),
		zstdC,
	}
}

func TestRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":          {},
		"short":          []byte("hello block"),
		"repetitive":     bytes.Repeat([]byte("abcdefgh"), 512),
		"incompressible": func() []byte {
			b := make([]byte, 4096)
			x := uint32(2463534242)
			for i := range b {
				x ^= x << 13
				x ^= x >> 17
				x ^= x << 5
				b[i] = byte(x)
			}
			return b
		}(),
	}
	for _, c := range allCompressors(t) {
		for name, payload := range payloads {
			t.Run(c.Type().String()+"/"+name, func(t *testing.T) {
				var buf bytes.Buffer
				require.NoError(t, c.CompressTo(&buf, payload))
				out, err := c.Decompress(buf.Bytes())
				require.NoError(t, err)
				require.True(t, bytes.Equal(payload, out), "round trip changed the payload")
			})
		}
	}
}

func TestForType(t *testing.T) {
	for _, typ := range []core.CompressionType{
		core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZstd,
	} {
		c, err := ForType(typ)
		require.NoError(t, err)
		require.Equal(t, typ, c.Type())
	}

	_, err := ForType(core.CompressionType(0xEE))
	require.Error(t, err)
	var unknown *UnknownCompressionError
	require.ErrorAs(t, err, &unknown)
}
