package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// LegacyRejectMessage is what a v3 router tells peers that still speak v2.
const LegacyRejectMessage = "router only supports v3"

// LegacyProtocolVersion is the version number v2 peers put in their hellos.
const LegacyProtocolVersion uint32 = 2

var ErrLegacyMalformed = errors.New("wire: malformed legacy message")

// LegacyMessageType is the leading tag byte of a v2 message.
type LegacyMessageType uint8

const (
	LegacyWorkerHelloType LegacyMessageType = 1
	LegacyRouterHelloType LegacyMessageType = 2
	LegacyErrorType       LegacyMessageType = 3
)

// LegacyWorkerHello is the v2 worker hello.
type LegacyWorkerHello struct {
	ShardID        uint32
	AuthToken      *string
	HasCachedIndex bool
}

// LegacyRouterHello is the v2 router acceptance.
type LegacyRouterHello struct {
	WorkerID        uint32
	ShardID         uint32
	Revision        uint64
	ProtocolVersion uint32
}

// LegacyMessage is one v2 message. The v2 shape is a tag byte followed by
// little-endian fields; strings are u32 length + UTF-8 bytes and optionals
// are a presence byte + value.
type LegacyMessage struct {
	Type         LegacyMessageType
	WorkerHello  *LegacyWorkerHello
	RouterHello  *LegacyRouterHello
	ErrorMessage string
}

// NewLegacyError builds a v2 error message
func NewLegacyError(message string) *LegacyMessage {
	return &LegacyMessage{Type: LegacyErrorType, ErrorMessage: message}
}

// EncodeLegacy encodes a v2 message body (without length prefix)
func EncodeLegacy(m *LegacyMessage) ([]byte, error) {
	out := []byte{byte(m.Type)}
	switch m.Type {
	case LegacyWorkerHelloType:
		if m.WorkerHello == nil {
			return nil, fmt.Errorf("%w: legacy hello without body", ErrEncode)
		}
		h := m.WorkerHello
		out = binary.LittleEndian.AppendUint32(out, h.ShardID)
		if h.AuthToken != nil {
			out = append(out, 1)
			out = appendLegacyString(out, *h.AuthToken)
		} else {
			out = append(out, 0)
		}
		out = append(out, boolByte(h.HasCachedIndex))
	case LegacyRouterHelloType:
		if m.RouterHello == nil {
			return nil, fmt.Errorf("%w: legacy router hello without body", ErrEncode)
		}
		r := m.RouterHello
		out = binary.LittleEndian.AppendUint32(out, r.WorkerID)
		out = binary.LittleEndian.AppendUint32(out, r.ShardID)
		out = binary.LittleEndian.AppendUint64(out, r.Revision)
		out = binary.LittleEndian.AppendUint32(out, r.ProtocolVersion)
	case LegacyErrorType:
		out = appendLegacyString(out, m.ErrorMessage)
	default:
		return nil, fmt.Errorf("%w: unknown legacy message type %d", ErrEncode, m.Type)
	}
	return out, nil
}

// DecodeLegacy decodes a v2 message body. Trailing bytes are an error.
func DecodeLegacy(data []byte) (*LegacyMessage, error) {
	c := legacyCursor{data: data}
	tag, err := c.u8()
	if err != nil {
		return nil, err
	}

	m := &LegacyMessage{Type: LegacyMessageType(tag)}
	switch m.Type {
	case LegacyWorkerHelloType:
		h := &LegacyWorkerHello{}
		if h.ShardID, err = c.u32(); err != nil {
			return nil, err
		}
		present, err := c.flag()
		if err != nil {
			return nil, err
		}
		if present {
			tok, err := c.str()
			if err != nil {
				return nil, err
			}
			h.AuthToken = &tok
		}
		if h.HasCachedIndex, err = c.flag(); err != nil {
			return nil, err
		}
		m.WorkerHello = h
	case LegacyRouterHelloType:
		r := &LegacyRouterHello{}
		if r.WorkerID, err = c.u32(); err != nil {
			return nil, err
		}
		if r.ShardID, err = c.u32(); err != nil {
			return nil, err
		}
		if r.Revision, err = c.u64(); err != nil {
			return nil, err
		}
		if r.ProtocolVersion, err = c.u32(); err != nil {
			return nil, err
		}
		m.RouterHello = r
	case LegacyErrorType:
		if m.ErrorMessage, err = c.str(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrLegacyMalformed, tag)
	}

	if c.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrLegacyMalformed, c.remaining())
	}
	return m, nil
}

// IsLegacyWorkerHello reports whether data is a well-formed v2 worker hello.
func IsLegacyWorkerHello(data []byte) bool {
	m, err := DecodeLegacy(data)
	return err == nil && m.Type == LegacyWorkerHelloType
}

func appendLegacyString(out []byte, s string) []byte {
	out = binary.LittleEndian.AppendUint32(out, uint32(len(s)))
	return append(out, s...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

type legacyCursor struct {
	data []byte
	pos  int
}

func (c *legacyCursor) remaining() int {
	return len(c.data) - c.pos
}

func (c *legacyCursor) take(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrLegacyMalformed, c.pos)
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *legacyCursor) u8() (uint8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *legacyCursor) flag() (bool, error) {
	b, err := c.u8()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: invalid bool byte %d", ErrLegacyMalformed, b)
	}
}

func (c *legacyCursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *legacyCursor) u64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *legacyCursor) str() (string, error) {
	n, err := c.u32()
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(c.remaining()) {
		return "", fmt.Errorf("%w: string length %d exceeds remaining %d", ErrLegacyMalformed, n, c.remaining())
	}
	b, err := c.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
