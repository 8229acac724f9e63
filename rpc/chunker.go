package rpc

import (
	"errors"
	"fmt"

	"github.com/machinefabric/shardrpc-go/compress"
	"github.com/machinefabric/shardrpc-go/wire"
)

const (
	// chunkOverheadGuess is the initial allowance for envelope bytes around
	// each chunk's data; chunkShrinkStep is how much to give back when an
	// encoded chunk still overflows.
	chunkOverheadGuess = 256
	chunkShrinkStep    = 128
)

// packetEncoder turns payloads into framed bytes under the chosen
// capabilities.
type packetEncoder struct {
	caps        wire.Capabilities
	compression wire.CompressionAlgo
	threshold   int
}

func newPacketEncoder(caps wire.Capabilities, threshold int) packetEncoder {
	algo := wire.CompressionNone
	if len(caps.SupportedCompression) > 0 {
		algo = caps.SupportedCompression[0]
	}
	return packetEncoder{caps: caps, compression: algo, threshold: threshold}
}

// encode returns one or more length-prefixed frames carrying payload under id.
func (e packetEncoder) encode(id uint64, payload *wire.RpcPayload) ([][]byte, error) {
	data, err := wire.EncodePayload(payload)
	if err != nil {
		return nil, encodeError(err)
	}
	if uint64(len(data)) > uint64(e.caps.MaxPacketLen) {
		return nil, tooLarge("%s payload of %d bytes exceeds max_packet_len %d", payload.Type, len(data), e.caps.MaxPacketLen)
	}

	algo := wire.CompressionNone
	if e.compression != wire.CompressionNone && len(data) >= e.threshold {
		packed, err := compress.Compress(e.compression, data)
		if err != nil {
			return nil, encodeError(err)
		}
		if len(packed) < len(data) {
			data, algo = packed, e.compression
		}
	}

	whole, err := wire.EncodeFrame(wire.NewPacketFrame(id, algo, data))
	if err != nil {
		return nil, encodeError(err)
	}
	if uint64(len(whole)) <= uint64(e.caps.MaxFrameLen) {
		framed, err := wire.Frame(whole, e.caps.MaxFrameLen)
		if err != nil {
			return nil, encodeError(err)
		}
		return [][]byte{framed}, nil
	}

	if !e.caps.SupportsChunking {
		return nil, tooLarge("packet of %d bytes exceeds max_frame_len %d and chunking was not negotiated", len(whole), e.caps.MaxFrameLen)
	}
	return e.chunk(id, algo, data)
}

func (e packetEncoder) chunk(id uint64, algo wire.CompressionAlgo, data []byte) ([][]byte, error) {
	chunkSize := int(e.caps.MaxFrameLen) - chunkOverheadGuess
	if chunkSize < chunkShrinkStep {
		chunkSize = chunkShrinkStep
	}

	var frames [][]byte
	var seq uint32
	for offset := 0; offset < len(data); {
		end := min(offset+chunkSize, len(data))
		last := end == len(data)

		encoded, err := wire.EncodeFrame(wire.NewPacketChunkFrame(id, algo, seq, last, data[offset:end]))
		if err != nil {
			return nil, encodeError(err)
		}
		if uint64(len(encoded)) > uint64(e.caps.MaxFrameLen) {
			chunkSize -= chunkShrinkStep
			if chunkSize <= 0 {
				return nil, encodeError(fmt.Errorf("max_frame_len %d too small to carry a chunk", e.caps.MaxFrameLen))
			}
			continue
		}

		framed, err := wire.Frame(encoded, e.caps.MaxFrameLen)
		if err != nil {
			return nil, encodeError(err)
		}
		frames = append(frames, framed)
		offset = end
		seq++
	}
	return frames, nil
}

// decompress undoes a packet's compression, enforcing the packet limit on
// the decoded size too.
func decompressPacket(caps wire.Capabilities, negotiated, algo wire.CompressionAlgo, data []byte) ([]byte, *TransportError) {
	if algo != wire.CompressionNone && algo != negotiated {
		return nil, violation("packet uses compression %s but %s was negotiated", algo, negotiated)
	}
	out, err := compress.Decompress(algo, data, int(caps.MaxPacketLen))
	if err != nil {
		if errors.Is(err, compress.ErrTooLarge) {
			return nil, violation("decompressed packet exceeds max_packet_len %d", caps.MaxPacketLen)
		}
		return nil, violation("failed to decompress %s packet: %v", algo, err)
	}
	return out, nil
}

// assembly is the state of one in-flight chunked packet.
type assembly struct {
	compression wire.CompressionAlgo
	nextSeq     uint32
	buf         []byte
}

// reassembler is owned by the read loop and needs no locking.
type reassembler struct {
	maxInflight  int
	maxPacketLen int
	maxTotal     int
	total        int
	states       map[uint64]*assembly
}

func newReassembler(maxInflight, maxPacketLen, maxTotal int) *reassembler {
	return &reassembler{
		maxInflight:  maxInflight,
		maxPacketLen: maxPacketLen,
		maxTotal:     maxTotal,
		states:       make(map[uint64]*assembly),
	}
}

// push appends a chunk. It returns the complete packet bytes once the last
// chunk arrives.
func (r *reassembler) push(c *wire.PacketChunk) ([]byte, bool, *TransportError) {
	st, ok := r.states[c.ID]
	if !ok {
		if len(r.states) >= r.maxInflight {
			return nil, false, violation("too many in-flight chunked packets (limit %d)", r.maxInflight)
		}
		st = &assembly{compression: c.Compression}
		r.states[c.ID] = st
	}

	if c.Compression != st.compression {
		return nil, false, violation("chunk %d of packet %d switched compression from %s to %s", c.Seq, c.ID, st.compression, c.Compression)
	}
	if c.Seq != st.nextSeq {
		return nil, false, violation("chunk for packet %d has seq %d, expected %d", c.ID, c.Seq, st.nextSeq)
	}
	if len(st.buf)+len(c.Data) > r.maxPacketLen {
		return nil, false, violation("chunked packet %d exceeds max_packet_len %d", c.ID, r.maxPacketLen)
	}
	if r.total+len(c.Data) > r.maxTotal {
		return nil, false, violation("reassembly buffers exceed %d bytes", r.maxTotal)
	}

	st.buf = append(st.buf, c.Data...)
	st.nextSeq++
	r.total += len(c.Data)

	if !c.Last {
		return nil, false, nil
	}
	delete(r.states, c.ID)
	r.total -= len(st.buf)
	return st.buf, true, nil
}

func (r *reassembler) inFlight(id uint64) bool {
	_, ok := r.states[id]
	return ok
}

func (r *reassembler) reset() {
	clear(r.states)
	r.total = 0
}
