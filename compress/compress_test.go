package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/shardrpc-go/wire"
)

func TestRoundTripAllCodecs(t *testing.T) {
	payload := bytes.Repeat([]byte("symbol table entry;"), 4096)

	for _, algo := range Supported() {
		t.Run(algo.String(), func(t *testing.T) {
			c, ok := Lookup(algo)
			require.True(t, ok)
			assert.Equal(t, algo, c.Algo())

			packed, err := Compress(algo, payload)
			require.NoError(t, err)
			if algo != wire.CompressionNone {
				assert.Less(t, len(packed), len(payload))
			}

			unpacked, err := Decompress(algo, packed, len(payload))
			require.NoError(t, err)
			assert.Equal(t, payload, unpacked)
		})
	}
}

func TestDecompressEnforcesLimit(t *testing.T) {
	payload := bytes.Repeat([]byte{0}, 1<<20)

	for _, algo := range Supported() {
		packed, err := Compress(algo, payload)
		require.NoError(t, err)

		_, err = Decompress(algo, packed, 1024)
		assert.ErrorIs(t, err, ErrTooLarge, algo.String())
	}
}

func TestUnknownAlgoUnsupported(t *testing.T) {
	assert.False(t, IsSupported(wire.CompressionUnknown))
	_, err := Compress(wire.CompressionUnknown, []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = Decompress(wire.CompressionUnknown, []byte("x"), 10)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSupportedIsBestFirstCopy(t *testing.T) {
	got := Supported()
	assert.Equal(t, []wire.CompressionAlgo{wire.CompressionZstd, wire.CompressionGzip, wire.CompressionNone}, got)
	got[0] = wire.CompressionNone
	assert.Equal(t, wire.CompressionZstd, Supported()[0])
}

func TestCorruptInputFails(t *testing.T) {
	_, err := Decompress(wire.CompressionZstd, []byte("definitely not zstd"), 1024)
	assert.Error(t, err)
	_, err = Decompress(wire.CompressionGzip, []byte("definitely not gzip"), 1024)
	assert.Error(t, err)
}

func TestZstdWindowBoundedByLimit(t *testing.T) {
	// A frame whose header declares a 1 MiB window but carries a single
	// raw byte.
	frame := []byte{
		0x28, 0xb5, 0x2f, 0xfd, // magic
		0x00,                   // no content size, not single segment
		10 << 3,                // window log 20
		0x09, 0x00, 0x00,       // last raw block, one byte
		'x',
	}

	_, err := Decompress(wire.CompressionZstd, frame, 64<<10)
	assert.ErrorIs(t, err, ErrTooLarge)

	out, err := Decompress(wire.CompressionZstd, frame, 4<<20)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)
}
