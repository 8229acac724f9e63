package wire

// DefaultPreHandshakeMaxFrameLen caps every frame read before the handshake
// completes. An unauthenticated peer cannot make us allocate more than this.
const DefaultPreHandshakeMaxFrameLen uint32 = 1 << 20

// Default negotiated limits (64 MiB each)
const (
	DefaultMaxFrameLen  uint32 = 64 << 20
	DefaultMaxPacketLen uint32 = 64 << 20
)

// MaxMessageBytes is the hard ceiling for any single CBOR decode.
const MaxMessageBytes = 64 << 20

// DefaultCompressionThreshold is the smallest payload worth compressing.
const DefaultCompressionThreshold = 1024

// Reassembly bounds
const (
	MaxInflightChunkedPackets = 32
	MaxReassemblyBytes        = 256 << 20
)

// Limits is the pair of negotiated size ceilings that govern a connection
// after handshake.
type Limits struct {
	MaxFrameLen  uint32
	MaxPacketLen uint32
}

// DefaultLimits returns the default post-handshake limits
func DefaultLimits() Limits {
	return Limits{
		MaxFrameLen:  DefaultMaxFrameLen,
		MaxPacketLen: DefaultMaxPacketLen,
	}
}

// LimitsOf extracts the size ceilings from a capability set.
func LimitsOf(c Capabilities) Limits {
	return Limits{MaxFrameLen: c.MaxFrameLen, MaxPacketLen: c.MaxPacketLen}
}

// NegotiateLimits returns the minimum of two limit sets
func NegotiateLimits(a, b Limits) Limits {
	return Limits{
		MaxFrameLen:  min(a.MaxFrameLen, b.MaxFrameLen),
		MaxPacketLen: min(a.MaxPacketLen, b.MaxPacketLen),
	}
}

// Valid reports whether both limits are non-zero.
func (l Limits) Valid() bool {
	return l.MaxFrameLen != 0 && l.MaxPacketLen != 0
}
