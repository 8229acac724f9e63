package wire

import (
	"fmt"
	"slices"
)

// Capabilities advertised by each peer and, after negotiation, chosen for
// the connection.
type Capabilities struct {
	MaxFrameLen          uint32            `cbor:"max_frame_len"`
	MaxPacketLen         uint32            `cbor:"max_packet_len"`
	SupportedCompression []CompressionAlgo `cbor:"supported_compression"`
	SupportsCancel       bool              `cbor:"supports_cancel"`
	SupportsChunking     bool              `cbor:"supports_chunking"`
}

// DefaultCapabilities returns 64 MiB limits, no compression, and neither
// cancellation nor chunking.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		MaxFrameLen:          DefaultMaxFrameLen,
		MaxPacketLen:         DefaultMaxPacketLen,
		SupportedCompression: []CompressionAlgo{CompressionNone},
	}
}

// Supports reports whether algo is in the advertised compression list.
func (c Capabilities) Supports(algo CompressionAlgo) bool {
	return slices.Contains(c.SupportedCompression, algo)
}

// Clone returns a deep copy.
func (c Capabilities) Clone() Capabilities {
	c.SupportedCompression = slices.Clone(c.SupportedCompression)
	return c
}

// Equal compares all fields including compression order.
func (c Capabilities) Equal(o Capabilities) bool {
	return c.MaxFrameLen == o.MaxFrameLen &&
		c.MaxPacketLen == o.MaxPacketLen &&
		c.SupportsCancel == o.SupportsCancel &&
		c.SupportsChunking == o.SupportsChunking &&
		slices.Equal(c.SupportedCompression, o.SupportedCompression)
}

// CachedIndexInfo describes an on-disk index a worker already holds.
type CachedIndexInfo struct {
	Revision        uint64 `cbor:"revision"`
	IndexGeneration uint64 `cbor:"index_generation"`
	SymbolCount     uint32 `cbor:"symbol_count"`
}

// WorkerHello is the only message a worker sends before admission.
type WorkerHello struct {
	ShardID           uint32            `cbor:"shard_id"`
	AuthToken         *string           `cbor:"auth_token,omitempty"`
	SupportedVersions SupportedVersions `cbor:"supported_versions"`
	Capabilities      Capabilities      `cbor:"capabilities"`
	CachedIndexInfo   *CachedIndexInfo  `cbor:"cached_index_info,omitempty"`
	WorkerBuild       *string           `cbor:"worker_build,omitempty"`
}

// String never prints the auth token.
func (h WorkerHello) String() string {
	build := "<none>"
	if h.WorkerBuild != nil {
		build = *h.WorkerBuild
	}
	return fmt.Sprintf("WorkerHello{shard_id: %d, auth_present: %t, supported_versions: %s, capabilities: %+v, cached_index: %t, worker_build: %s}",
		h.ShardID, h.AuthToken != nil, h.SupportedVersions, h.Capabilities, h.CachedIndexInfo != nil, build)
}

// GoString keeps %#v from dumping the token.
func (h WorkerHello) GoString() string {
	return h.String()
}

// RouterWelcome is the router's acceptance of a worker.
type RouterWelcome struct {
	WorkerID           uint32          `cbor:"worker_id"`
	ShardID            uint32          `cbor:"shard_id"`
	Revision           uint64          `cbor:"revision"`
	ChosenVersion      ProtocolVersion `cbor:"chosen_version"`
	ChosenCapabilities Capabilities    `cbor:"chosen_capabilities"`
}

// Equal compares two welcomes field by field.
func (w RouterWelcome) Equal(o RouterWelcome) bool {
	return w.WorkerID == o.WorkerID &&
		w.ShardID == o.ShardID &&
		w.Revision == o.Revision &&
		w.ChosenVersion == o.ChosenVersion &&
		w.ChosenCapabilities.Equal(o.ChosenCapabilities)
}

// HandshakeReject is sent by the router instead of a welcome.
type HandshakeReject struct {
	Code    RejectCode `cbor:"code"`
	Message string     `cbor:"message"`
}

// NewReject builds a reject with the given code and message.
func NewReject(code RejectCode, message string) *HandshakeReject {
	return &HandshakeReject{Code: code, Message: message}
}

func (r *HandshakeReject) Error() string {
	return fmt.Sprintf("handshake rejected [%s]: %s", r.Code, r.Message)
}
