package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrMalformedFrame = errors.New("wire: malformed frame")
	ErrEmptyFrame     = errors.New("wire: empty frame")
	ErrFrameTooLarge  = errors.New("wire: frame too large")
	ErrEncode         = errors.New("wire: encode failed")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor encode mode: %v", err))
	}
	// Bounded decoding: nested depth, container sizes and duplicate keys are
	// all rejected up front so a hostile frame cannot fan out allocations.
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxNestedLevels:  64,
		MaxArrayElements: 131072,
		MaxMapPairs:      131072,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor decode mode: %v", err))
	}
}

// envelope is the on-wire shape of every tagged union: {"type": name, "body": variant}.
type envelope struct {
	Type string          `cbor:"type"`
	Body cbor.RawMessage `cbor:"body,omitempty"`
}

func encodeName(name string) ([]byte, error) {
	return encMode.Marshal(name)
}

func decodeName(data []byte) (string, error) {
	var s string
	if err := decMode.Unmarshal(data, &s); err != nil {
		return "", err
	}
	return s, nil
}

func encodeEnvelope(typ string, body any) ([]byte, error) {
	env := envelope{Type: typ}
	if body != nil {
		raw, err := encMode.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %s body: %v", ErrEncode, typ, err)
		}
		env.Body = raw
	}
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncode, typ, err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if len(data) == 0 {
		return env, ErrEmptyFrame
	}
	if len(data) > MaxMessageBytes {
		return env, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(data), MaxMessageBytes)
	}
	if err := decMode.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env, nil
}

// EncodeFrame encodes a WireFrame to CBOR bytes
func EncodeFrame(f *WireFrame) ([]byte, error) {
	var body any
	switch f.Type {
	case FrameTypeHello:
		if f.Hello == nil {
			return nil, fmt.Errorf("%w: hello frame without body", ErrEncode)
		}
		body = f.Hello
	case FrameTypeWelcome:
		if f.Welcome == nil {
			return nil, fmt.Errorf("%w: welcome frame without body", ErrEncode)
		}
		body = f.Welcome
	case FrameTypeReject:
		if f.Reject == nil {
			return nil, fmt.Errorf("%w: reject frame without body", ErrEncode)
		}
		body = f.Reject
	case FrameTypePacket:
		if f.Packet == nil {
			return nil, fmt.Errorf("%w: packet frame without body", ErrEncode)
		}
		body = f.Packet
	case FrameTypePacketChunk:
		if f.PacketChunk == nil {
			return nil, fmt.Errorf("%w: packet_chunk frame without body", ErrEncode)
		}
		body = f.PacketChunk
	default:
		return nil, fmt.Errorf("%w: cannot encode frame type %s", ErrEncode, f.Type)
	}
	return encodeEnvelope(f.Type.String(), body)
}

// DecodeFrame decodes CBOR bytes to a WireFrame. A known discriminant with
// a body that does not match its variant is an error; an unknown
// discriminant yields a FrameTypeUnknown frame.
func DecodeFrame(data []byte) (*WireFrame, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	ft := parseFrameType(env.Type)
	if ft == FrameTypeUnknown {
		return &WireFrame{Type: FrameTypeUnknown, UnknownType: env.Type}, nil
	}
	if len(env.Body) == 0 {
		return nil, fmt.Errorf("%w: %s frame without body", ErrMalformedFrame, ft)
	}

	f := &WireFrame{Type: ft}
	var target any
	switch ft {
	case FrameTypeHello:
		f.Hello = &WorkerHello{}
		target = f.Hello
	case FrameTypeWelcome:
		f.Welcome = &RouterWelcome{}
		target = f.Welcome
	case FrameTypeReject:
		f.Reject = &HandshakeReject{}
		target = f.Reject
	case FrameTypePacket:
		f.Packet = &Packet{}
		target = f.Packet
	case FrameTypePacketChunk:
		f.PacketChunk = &PacketChunk{}
		target = f.PacketChunk
	}
	if err := decMode.Unmarshal(env.Body, target); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformedFrame, ft, err)
	}
	return f, nil
}
