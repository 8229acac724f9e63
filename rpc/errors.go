package rpc

import (
	"errors"
	"fmt"

	"github.com/machinefabric/shardrpc-go/wire"
)

// ErrorKind classifies a TransportError
type ErrorKind int

const (
	KindIo ErrorKind = iota
	KindHandshakeFailed
	KindProtocolViolation
	KindConnectionClosed
	KindPacketTooLarge
	KindEncode
)

func (k ErrorKind) String() string {
	switch k {
	case KindIo:
		return "io"
	case KindHandshakeFailed:
		return "handshake_failed"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindConnectionClosed:
		return "connection_closed"
	case KindPacketTooLarge:
		return "packet_too_large"
	case KindEncode:
		return "encode"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TransportError is a connection-level failure. Application errors travel
// as *wire.RpcError instead and never close the connection.
type TransportError struct {
	Kind    ErrorKind
	Message string
	// Reject is the frame a peer rejected us with, when there was one.
	Reject *wire.HandshakeReject
	Err    error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case KindIo:
		return fmt.Sprintf("I/O error: %s", e.Message)
	case KindHandshakeFailed:
		return fmt.Sprintf("handshake failed: %s", e.Message)
	case KindProtocolViolation:
		return fmt.Sprintf("protocol violation: %s", e.Message)
	case KindConnectionClosed:
		if e.Message == "" {
			return "connection closed"
		}
		return fmt.Sprintf("connection closed: %s", e.Message)
	case KindPacketTooLarge:
		return fmt.Sprintf("packet too large: %s", e.Message)
	case KindEncode:
		return fmt.Sprintf("encode error: %s", e.Message)
	default:
		return fmt.Sprintf("transport error: %s", e.Message)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches the kind-only sentinels below.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind-only sentinels for errors.Is.
var (
	ErrIo                = &TransportError{Kind: KindIo}
	ErrHandshakeFailed   = &TransportError{Kind: KindHandshakeFailed}
	ErrProtocolViolation = &TransportError{Kind: KindProtocolViolation}
	ErrConnectionClosed  = &TransportError{Kind: KindConnectionClosed}
	ErrPacketTooLarge    = &TransportError{Kind: KindPacketTooLarge}
)

var (
	// ErrCanceled is returned by calls that were cancelled locally, by the
	// peer, or answered with a cancelled error code.
	ErrCanceled = errors.New("rpc: call canceled")
	// ErrUnexpectedResponse means the response carried a result status this
	// side does not understand.
	ErrUnexpectedResponse = errors.New("rpc: unexpected response")
)

// KindOf returns the kind of a transport error, or false for other errors.
func KindOf(err error) (ErrorKind, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

func violation(format string, args ...any) *TransportError {
	return &TransportError{Kind: KindProtocolViolation, Message: fmt.Sprintf(format, args...)}
}

func ioError(err error) *TransportError {
	return &TransportError{Kind: KindIo, Message: err.Error(), Err: err}
}

func closedError(message string) *TransportError {
	return &TransportError{Kind: KindConnectionClosed, Message: message}
}

func handshakeFailed(message string, err error) *TransportError {
	return &TransportError{Kind: KindHandshakeFailed, Message: message, Err: err}
}

func tooLarge(format string, args ...any) *TransportError {
	return &TransportError{Kind: KindPacketTooLarge, Message: fmt.Sprintf(format, args...)}
}

func encodeError(err error) *TransportError {
	return &TransportError{Kind: KindEncode, Message: err.Error(), Err: err}
}
