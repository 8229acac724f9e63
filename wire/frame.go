package wire

import "fmt"

// FrameType is the discriminant of a WireFrame.
type FrameType uint8

const (
	FrameTypeUnknown FrameType = iota // unrecognized discriminant from a newer peer
	FrameTypeHello
	FrameTypeWelcome
	FrameTypeReject
	FrameTypePacket
	FrameTypePacketChunk
)

// String returns the frame type's wire name
func (ft FrameType) String() string {
	switch ft {
	case FrameTypeHello:
		return "hello"
	case FrameTypeWelcome:
		return "welcome"
	case FrameTypeReject:
		return "reject"
	case FrameTypePacket:
		return "packet"
	case FrameTypePacketChunk:
		return "packet_chunk"
	default:
		return "unknown"
	}
}

func parseFrameType(s string) FrameType {
	switch s {
	case "hello":
		return FrameTypeHello
	case "welcome":
		return FrameTypeWelcome
	case "reject":
		return FrameTypeReject
	case "packet":
		return FrameTypePacket
	case "packet_chunk":
		return FrameTypePacketChunk
	default:
		return FrameTypeUnknown
	}
}

// IsHandshake reports whether the type only belongs before the handshake
// completes.
func (ft FrameType) IsHandshake() bool {
	return ft == FrameTypeHello || ft == FrameTypeWelcome || ft == FrameTypeReject
}

// Packet carries one complete encoded RpcPayload.
type Packet struct {
	ID          uint64          `cbor:"id"`
	Compression CompressionAlgo `cbor:"compression"`
	Data        []byte          `cbor:"data"`
}

// PacketChunk carries one slice of an oversized encoded RpcPayload.
type PacketChunk struct {
	ID          uint64          `cbor:"id"`
	Compression CompressionAlgo `cbor:"compression"`
	Seq         uint32          `cbor:"seq"`
	Last        bool            `cbor:"last"`
	Data        []byte          `cbor:"data"`
}

// WireFrame is a closed tagged union. Exactly one variant pointer matching
// Type is set; FrameTypeUnknown frames keep only their wire name.
type WireFrame struct {
	Type        FrameType
	Hello       *WorkerHello
	Welcome     *RouterWelcome
	Reject      *HandshakeReject
	Packet      *Packet
	PacketChunk *PacketChunk

	// UnknownType holds the discriminant of a FrameTypeUnknown frame.
	UnknownType string
}

// NewHelloFrame wraps a worker hello
func NewHelloFrame(h *WorkerHello) *WireFrame {
	return &WireFrame{Type: FrameTypeHello, Hello: h}
}

// NewWelcomeFrame wraps a router welcome
func NewWelcomeFrame(w *RouterWelcome) *WireFrame {
	return &WireFrame{Type: FrameTypeWelcome, Welcome: w}
}

// NewRejectFrame wraps a handshake reject
func NewRejectFrame(r *HandshakeReject) *WireFrame {
	return &WireFrame{Type: FrameTypeReject, Reject: r}
}

// NewPacketFrame creates a whole-packet frame
func NewPacketFrame(id uint64, compression CompressionAlgo, data []byte) *WireFrame {
	return &WireFrame{Type: FrameTypePacket, Packet: &Packet{ID: id, Compression: compression, Data: data}}
}

// NewPacketChunkFrame creates one chunk of a chunked packet
func NewPacketChunkFrame(id uint64, compression CompressionAlgo, seq uint32, last bool, data []byte) *WireFrame {
	return &WireFrame{Type: FrameTypePacketChunk, PacketChunk: &PacketChunk{
		ID:          id,
		Compression: compression,
		Seq:         seq,
		Last:        last,
		Data:        data,
	}}
}

// PacketID returns the id of a packet or chunk frame.
func (f *WireFrame) PacketID() (uint64, bool) {
	switch f.Type {
	case FrameTypePacket:
		return f.Packet.ID, true
	case FrameTypePacketChunk:
		return f.PacketChunk.ID, true
	}
	return 0, false
}

func (f *WireFrame) String() string {
	switch f.Type {
	case FrameTypePacket:
		return fmt.Sprintf("packet{id: %d, compression: %s, len: %d}", f.Packet.ID, f.Packet.Compression, len(f.Packet.Data))
	case FrameTypePacketChunk:
		c := f.PacketChunk
		return fmt.Sprintf("packet_chunk{id: %d, compression: %s, seq: %d, last: %t, len: %d}", c.ID, c.Compression, c.Seq, c.Last, len(c.Data))
	case FrameTypeUnknown:
		return fmt.Sprintf("unknown{type: %q}", f.UnknownType)
	default:
		return f.Type.String()
	}
}
