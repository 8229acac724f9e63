package rpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/shardrpc-go/wire"
)

func testCaps(frame, packet uint32, algo wire.CompressionAlgo, chunking bool) wire.Capabilities {
	return wire.Capabilities{
		MaxFrameLen:          frame,
		MaxPacketLen:         packet,
		SupportedCompression: []wire.CompressionAlgo{algo},
		SupportsCancel:       true,
		SupportsChunking:     chunking,
	}
}

// unframe strips the length prefix and decodes the frame.
func unframe(t *testing.T, framed []byte, maxFrameLen uint32) *wire.WireFrame {
	t.Helper()
	fr := wire.NewFrameReader(bytes.NewReader(framed), maxFrameLen)
	f, err := fr.ReadFrame()
	require.NoError(t, err)
	return f
}

// TEST480: Small payloads go out as one uncompressed packet
func Test480_encode_small_packet(t *testing.T) {
	enc := newPacketEncoder(testCaps(4096, 1<<20, wire.CompressionZstd, true), wire.DefaultCompressionThreshold)
	frames, err := enc.encode(2, wire.RequestPayload(mustRequest(t, "tiny")))
	require.NoError(t, err)
	require.Len(t, frames, 1)

	f := unframe(t, frames[0], 4096)
	require.Equal(t, wire.FrameTypePacket, f.Type)
	assert.Equal(t, uint64(2), f.Packet.ID)
	assert.Equal(t, wire.CompressionNone, f.Packet.Compression)

	p, err := wire.DecodePayload(f.Packet.Data)
	require.NoError(t, err)
	var s string
	require.NoError(t, p.Request.Decode(&s))
	assert.Equal(t, "tiny", s)
}

// TEST481: Payloads at the threshold are compressed only when it helps
func Test481_encode_compression(t *testing.T) {
	caps := testCaps(1<<20, 1<<20, wire.CompressionZstd, true)
	enc := newPacketEncoder(caps, 1024)

	compressible := mustRequest(t, bytes.Repeat([]byte("abcd"), 1024))
	frames, err := enc.encode(4, wire.RequestPayload(compressible))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	f := unframe(t, frames[0], caps.MaxFrameLen)
	assert.Equal(t, wire.CompressionZstd, f.Packet.Compression)
	assert.Less(t, len(f.Packet.Data), len(compressible))

	data, terr := decompressPacket(caps, enc.compression, f.Packet.Compression, f.Packet.Data)
	require.Nil(t, terr)
	p, err := wire.DecodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, compressible, p.Request)

	random := mustRequest(t, randomBytes(t, 4096))
	frames, err = enc.encode(6, wire.RequestPayload(random))
	require.NoError(t, err)
	f = unframe(t, frames[0], caps.MaxFrameLen)
	assert.Equal(t, wire.CompressionNone, f.Packet.Compression, "incompressible data stays raw")
}

// TEST482: Oversized packets split into ordered chunks that each fit a frame
func Test482_encode_chunks(t *testing.T) {
	caps := testCaps(512, 1<<20, wire.CompressionNone, true)
	enc := newPacketEncoder(caps, wire.DefaultCompressionThreshold)
	payload := wire.RequestPayload(mustRequest(t, randomBytes(t, 5000)))

	frames, err := enc.encode(8, payload)
	require.NoError(t, err)
	require.Greater(t, len(frames), 1)

	r := newReassembler(wire.MaxInflightChunkedPackets, int(caps.MaxPacketLen), wire.MaxReassemblyBytes)
	var (
		out  []byte
		done bool
	)
	for i, framed := range frames {
		assert.LessOrEqual(t, len(framed), int(caps.MaxFrameLen)+4)
		f := unframe(t, framed, caps.MaxFrameLen)
		require.Equal(t, wire.FrameTypePacketChunk, f.Type)
		c := f.PacketChunk
		assert.Equal(t, uint64(8), c.ID)
		assert.Equal(t, uint32(i), c.Seq)
		assert.Equal(t, i == len(frames)-1, c.Last)

		var terr *TransportError
		out, done, terr = r.push(c)
		require.Nil(t, terr)
	}
	require.True(t, done)
	assert.False(t, r.inFlight(8))

	want, err := wire.EncodePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, want, out)
}

// TEST483: Packets over the limits fail with PacketTooLarge
func Test483_encode_too_large(t *testing.T) {
	enc := newPacketEncoder(testCaps(512, 1024, wire.CompressionNone, true), wire.DefaultCompressionThreshold)
	_, err := enc.encode(2, wire.RequestPayload(mustRequest(t, make([]byte, 2048))))
	assert.ErrorIs(t, err, ErrPacketTooLarge)

	enc = newPacketEncoder(testCaps(512, 1<<20, wire.CompressionNone, false), wire.DefaultCompressionThreshold)
	_, err = enc.encode(2, wire.RequestPayload(mustRequest(t, make([]byte, 2048))))
	assert.ErrorIs(t, err, ErrPacketTooLarge)
	assert.Contains(t, err.Error(), "chunking was not negotiated")
}

// TEST484: The reassembler enforces sequence, compression and size rules
func Test484_reassembler_violations(t *testing.T) {
	chunk := func(id uint64, seq uint32, last bool, algo wire.CompressionAlgo, n int) *wire.PacketChunk {
		return &wire.PacketChunk{ID: id, Compression: algo, Seq: seq, Last: last, Data: make([]byte, n)}
	}

	t.Run("seq gap", func(t *testing.T) {
		r := newReassembler(4, 1024, 4096)
		_, _, terr := r.push(chunk(1, 0, false, wire.CompressionNone, 8))
		require.Nil(t, terr)
		_, _, terr = r.push(chunk(1, 2, false, wire.CompressionNone, 8))
		require.NotNil(t, terr)
		assert.Contains(t, terr.Message, "seq 2, expected 1")
	})
	t.Run("first seq must be zero", func(t *testing.T) {
		r := newReassembler(4, 1024, 4096)
		_, _, terr := r.push(chunk(1, 1, true, wire.CompressionNone, 8))
		require.NotNil(t, terr)
	})
	t.Run("compression switch", func(t *testing.T) {
		r := newReassembler(4, 1024, 4096)
		_, _, terr := r.push(chunk(1, 0, false, wire.CompressionNone, 8))
		require.Nil(t, terr)
		_, _, terr = r.push(chunk(1, 1, true, wire.CompressionZstd, 8))
		require.NotNil(t, terr)
		assert.Contains(t, terr.Message, "switched compression")
	})
	t.Run("packet limit", func(t *testing.T) {
		r := newReassembler(4, 100, 4096)
		_, _, terr := r.push(chunk(1, 0, false, wire.CompressionNone, 60))
		require.Nil(t, terr)
		_, _, terr = r.push(chunk(1, 1, true, wire.CompressionNone, 60))
		require.NotNil(t, terr)
		assert.Contains(t, terr.Message, "exceeds max_packet_len 100")
	})
	t.Run("total limit", func(t *testing.T) {
		r := newReassembler(4, 1024, 100)
		_, _, terr := r.push(chunk(1, 0, false, wire.CompressionNone, 60))
		require.Nil(t, terr)
		_, _, terr = r.push(chunk(3, 0, false, wire.CompressionNone, 60))
		require.NotNil(t, terr)
		assert.Contains(t, terr.Message, "reassembly buffers exceed 100 bytes")
	})
	t.Run("inflight limit", func(t *testing.T) {
		r := newReassembler(2, 1024, 4096)
		for _, id := range []uint64{1, 3} {
			_, _, terr := r.push(chunk(id, 0, false, wire.CompressionNone, 1))
			require.Nil(t, terr)
		}
		_, _, terr := r.push(chunk(5, 0, false, wire.CompressionNone, 1))
		require.NotNil(t, terr)
		assert.Equal(t, KindProtocolViolation, terr.Kind)
		assert.Contains(t, terr.Message, "too many in-flight chunked packets (limit 2)")

		r.reset()
		assert.False(t, r.inFlight(1))
		_, _, terr = r.push(chunk(5, 0, true, wire.CompressionNone, 1))
		assert.Nil(t, terr)
	})
	t.Run("completed packets free their budget", func(t *testing.T) {
		r := newReassembler(1, 1024, 100)
		for i := 0; i < 5; i++ {
			id := uint64(2*i + 1)
			_, _, terr := r.push(chunk(id, 0, false, wire.CompressionNone, 40))
			require.Nil(t, terr)
			out, done, terr := r.push(chunk(id, 1, true, wire.CompressionNone, 40))
			require.Nil(t, terr)
			require.True(t, done)
			assert.Len(t, out, 80)
		}
	})
}

// TEST485: Decompression rejects unnegotiated algorithms and oversized output
func Test485_decompress_packet(t *testing.T) {
	caps := testCaps(4096, 64, wire.CompressionZstd, true)
	_, terr := decompressPacket(caps, wire.CompressionZstd, wire.CompressionGzip, []byte{1})
	require.NotNil(t, terr)
	assert.Equal(t, KindProtocolViolation, terr.Kind)

	enc := newPacketEncoder(testCaps(4096, 1<<20, wire.CompressionZstd, true), 16)
	frames, err := enc.encode(2, wire.RequestPayload(mustRequest(t, bytes.Repeat([]byte{'z'}, 1000))))
	require.NoError(t, err)
	f := unframe(t, frames[0], 4096)
	require.Equal(t, wire.CompressionZstd, f.Packet.Compression)
	require.Less(t, len(f.Packet.Data), 64)

	_, terr = decompressPacket(caps, wire.CompressionZstd, wire.CompressionZstd, f.Packet.Data)
	require.NotNil(t, terr)
	assert.Contains(t, terr.Message, "exceeds max_packet_len 64")

	data, terr := decompressPacket(caps, wire.CompressionZstd, wire.CompressionNone, []byte("raw"))
	require.Nil(t, terr)
	assert.Equal(t, []byte("raw"), data)
}
