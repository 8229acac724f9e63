package rpc

import (
	"fmt"
	"time"

	"github.com/machinefabric/shardrpc-go/compress"
	"github.com/machinefabric/shardrpc-go/logging"
	"github.com/machinefabric/shardrpc-go/wire"
)

// Role is which end of the connection this process plays.
type Role uint8

const (
	RoleRouter Role = iota
	RoleWorker
)

func (r Role) String() string {
	if r == RoleRouter {
		return "router"
	}
	return "worker"
}

// firstID is the first request id this role originates.
func (r Role) firstID() uint64 {
	if r == RoleRouter {
		return 2
	}
	return 1
}

// owns reports whether this role originates id. Routers own even ids and
// workers odd ones.
func (r Role) owns(id uint64) bool {
	if r == RoleRouter {
		return id%2 == 0
	}
	return id%2 == 1
}

// Defaults for Options
const (
	DefaultHandlerWaitTimeout   = 500 * time.Millisecond
	DefaultShutdownFlushTimeout = 2 * time.Second
	DefaultWriteQueueSize       = 256
	maxBufferedNotifications    = 16
)

// Options tune a connection after the handshake.
type Options struct {
	Logger logging.Logger
	// HandlerWaitTimeout is how long an inbound request waits for a request
	// handler to be installed before it is answered with an error.
	HandlerWaitTimeout time.Duration
	// ShutdownFlushTimeout bounds how long queued frames are flushed after
	// close before the stream is torn down.
	ShutdownFlushTimeout      time.Duration
	MaxInflightChunkedPackets int
	MaxReassemblyBytes        int
	WriteQueueSize            int
}

// DefaultOptions returns the defaults every zero field falls back to
func DefaultOptions() Options {
	return Options{
		Logger:                    logging.Nop(),
		HandlerWaitTimeout:        DefaultHandlerWaitTimeout,
		ShutdownFlushTimeout:      DefaultShutdownFlushTimeout,
		MaxInflightChunkedPackets: wire.MaxInflightChunkedPackets,
		MaxReassemblyBytes:        wire.MaxReassemblyBytes,
		WriteQueueSize:            DefaultWriteQueueSize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if o.HandlerWaitTimeout <= 0 {
		o.HandlerWaitTimeout = d.HandlerWaitTimeout
	}
	if o.ShutdownFlushTimeout <= 0 {
		o.ShutdownFlushTimeout = d.ShutdownFlushTimeout
	}
	if o.MaxInflightChunkedPackets <= 0 {
		o.MaxInflightChunkedPackets = d.MaxInflightChunkedPackets
	}
	if o.MaxReassemblyBytes <= 0 {
		o.MaxReassemblyBytes = d.MaxReassemblyBytes
	}
	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = d.WriteQueueSize
	}
	return o
}

// DefaultCapabilities advertises every local codec plus cancellation and
// chunking.
func DefaultCapabilities() wire.Capabilities {
	return wire.Capabilities{
		MaxFrameLen:          wire.DefaultMaxFrameLen,
		MaxPacketLen:         wire.DefaultMaxPacketLen,
		SupportedCompression: compress.Supported(),
		SupportsCancel:       true,
		SupportsChunking:     true,
	}
}

// RouterConfig drives the router side of the handshake.
type RouterConfig struct {
	SupportedVersions       wire.SupportedVersions
	Capabilities            wire.Capabilities
	PreHandshakeMaxFrameLen uint32
	CompressionThreshold    int
	WorkerID                uint32
	Revision                uint64
	// ExpectedAuthToken, when set, must match the worker's hello.
	ExpectedAuthToken *string
	Options           Options
}

// DefaultRouterConfig returns a router config for the current version
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		SupportedVersions:       wire.CurrentSupportedVersions(),
		Capabilities:            DefaultCapabilities(),
		PreHandshakeMaxFrameLen: wire.DefaultPreHandshakeMaxFrameLen,
		CompressionThreshold:    wire.DefaultCompressionThreshold,
		WorkerID:                1,
		Options:                 DefaultOptions(),
	}
}

func (c RouterConfig) String() string {
	return fmt.Sprintf("RouterConfig{versions: %s, capabilities: %+v, pre_handshake_max_frame_len: %d, compression_threshold: %d, worker_id: %d, revision: %d, auth_present: %t}",
		c.SupportedVersions, c.Capabilities, c.PreHandshakeMaxFrameLen, c.CompressionThreshold, c.WorkerID, c.Revision, c.ExpectedAuthToken != nil)
}

// GoString keeps %#v from dumping the token.
func (c RouterConfig) GoString() string {
	return c.String()
}

// WorkerConfig drives the worker side of the handshake.
type WorkerConfig struct {
	Hello                   wire.WorkerHello
	PreHandshakeMaxFrameLen uint32
	CompressionThreshold    int
	Options                 Options
}

// DefaultWorkerHello returns a hello for shard 0 with default capabilities
func DefaultWorkerHello() wire.WorkerHello {
	return wire.WorkerHello{
		SupportedVersions: wire.CurrentSupportedVersions(),
		Capabilities:      DefaultCapabilities(),
	}
}

// DefaultWorkerConfig returns a worker config around DefaultWorkerHello
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Hello:                   DefaultWorkerHello(),
		PreHandshakeMaxFrameLen: wire.DefaultPreHandshakeMaxFrameLen,
		CompressionThreshold:    wire.DefaultCompressionThreshold,
		Options:                 DefaultOptions(),
	}
}

func (c WorkerConfig) String() string {
	return fmt.Sprintf("WorkerConfig{hello: %s, pre_handshake_max_frame_len: %d, compression_threshold: %d}",
		c.Hello, c.PreHandshakeMaxFrameLen, c.CompressionThreshold)
}

// GoString keeps %#v from dumping the token.
func (c WorkerConfig) GoString() string {
	return c.String()
}

func preHandshakeLimit(n uint32) uint32 {
	if n == 0 {
		return wire.DefaultPreHandshakeMaxFrameLen
	}
	return n
}

func compressionThreshold(n int) int {
	if n <= 0 {
		return wire.DefaultCompressionThreshold
	}
	return n
}
