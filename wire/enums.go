package wire

import "fmt"

// CompressionAlgo names a payload compression scheme. Unrecognized names
// decode to CompressionUnknown so newer peers do not break older ones.
type CompressionAlgo uint8

const (
	CompressionNone CompressionAlgo = iota
	CompressionZstd
	CompressionGzip
	CompressionUnknown
)

func (a CompressionAlgo) String() string {
	switch a {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionGzip:
		return "gzip"
	default:
		return "unknown"
	}
}

// ParseCompressionAlgo maps a wire name to an algorithm.
func ParseCompressionAlgo(s string) CompressionAlgo {
	switch s {
	case "none":
		return CompressionNone
	case "zstd":
		return CompressionZstd
	case "gzip":
		return CompressionGzip
	default:
		return CompressionUnknown
	}
}

func (a CompressionAlgo) MarshalCBOR() ([]byte, error) {
	return encodeName(a.String())
}

func (a *CompressionAlgo) UnmarshalCBOR(data []byte) error {
	s, err := decodeName(data)
	if err != nil {
		return fmt.Errorf("compression algo: %w", err)
	}
	*a = ParseCompressionAlgo(s)
	return nil
}

// RejectCode classifies a handshake rejection.
type RejectCode uint8

const (
	RejectInvalidRequest RejectCode = iota
	RejectUnauthorized
	RejectUnsupportedVersion
	RejectInternal
	RejectUnknown
)

func (c RejectCode) String() string {
	switch c {
	case RejectInvalidRequest:
		return "invalid_request"
	case RejectUnauthorized:
		return "unauthorized"
	case RejectUnsupportedVersion:
		return "unsupported_version"
	case RejectInternal:
		return "internal"
	default:
		return "unknown"
	}
}

func parseRejectCode(s string) RejectCode {
	switch s {
	case "invalid_request":
		return RejectInvalidRequest
	case "unauthorized":
		return RejectUnauthorized
	case "unsupported_version":
		return RejectUnsupportedVersion
	case "internal":
		return RejectInternal
	default:
		return RejectUnknown
	}
}

func (c RejectCode) MarshalCBOR() ([]byte, error) {
	return encodeName(c.String())
}

func (c *RejectCode) UnmarshalCBOR(data []byte) error {
	s, err := decodeName(data)
	if err != nil {
		return fmt.Errorf("reject code: %w", err)
	}
	*c = parseRejectCode(s)
	return nil
}

// RpcErrorCode classifies an application-level error carried in a response.
type RpcErrorCode uint8

const (
	RpcInvalidRequest RpcErrorCode = iota
	RpcUnauthorized
	RpcUnsupportedVersion
	RpcTooLarge
	RpcCancelled
	RpcInternal
	RpcUnknown
)

func (c RpcErrorCode) String() string {
	switch c {
	case RpcInvalidRequest:
		return "invalid_request"
	case RpcUnauthorized:
		return "unauthorized"
	case RpcUnsupportedVersion:
		return "unsupported_version"
	case RpcTooLarge:
		return "too_large"
	case RpcCancelled:
		return "cancelled"
	case RpcInternal:
		return "internal"
	default:
		return "unknown"
	}
}

func parseRpcErrorCode(s string) RpcErrorCode {
	switch s {
	case "invalid_request":
		return RpcInvalidRequest
	case "unauthorized":
		return RpcUnauthorized
	case "unsupported_version":
		return RpcUnsupportedVersion
	case "too_large":
		return RpcTooLarge
	case "cancelled":
		return RpcCancelled
	case "internal":
		return RpcInternal
	default:
		return RpcUnknown
	}
}

func (c RpcErrorCode) MarshalCBOR() ([]byte, error) {
	return encodeName(c.String())
}

func (c *RpcErrorCode) UnmarshalCBOR(data []byte) error {
	s, err := decodeName(data)
	if err != nil {
		return fmt.Errorf("rpc error code: %w", err)
	}
	*c = parseRpcErrorCode(s)
	return nil
}
