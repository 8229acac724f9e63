package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/machinefabric/shardrpc-go/logging"
	"github.com/machinefabric/shardrpc-go/metrics"
	"github.com/machinefabric/shardrpc-go/wire"
)

// RequestHandler answers one inbound request. ctx is cancelled when the
// peer cancels the request or the connection closes; RequestID(ctx)
// returns the request id. Returning a *wire.RpcError sends it verbatim;
// any other error is reported to the peer as internal.
type RequestHandler func(ctx context.Context, req wire.Request) (wire.Response, error)

// NotificationHandler receives fire-and-forget notifications.
type NotificationHandler func(note wire.Notification)

// CancelHandler observes every cancel the peer sends, keyed by request id.
type CancelHandler func(id uint64)

type requestIDKey struct{}

// RequestID returns the id of the inbound request ctx belongs to.
func RequestID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(requestIDKey{}).(uint64)
	return id, ok
}

// Conn is an established connection. It owns a read loop goroutine and a
// writer goroutine; all methods are safe for concurrent use.
type Conn struct {
	id      string
	role    Role
	welcome wire.RouterWelcome
	opts    Options
	log     logging.Logger

	stream          io.ReadWriteCloser
	reader          *wire.FrameReader
	encoder         packetEncoder
	closeStreamOnce sync.Once

	nextID atomic.Uint64

	writeCh    chan []byte
	writerDone chan struct{}
	readerDone chan struct{}

	// handlerCtx parents every inbound request context.
	handlerCtx    context.Context
	cancelHandler context.CancelFunc

	mu           sync.Mutex
	pending      map[uint64]*PendingCall
	inbound      map[uint64]context.CancelFunc
	earlyCancels map[uint64]struct{}
	onRequest    RequestHandler
	onNote       NotificationHandler
	onCancel     CancelHandler
	notes        []wire.Notification
	handlerSet   chan struct{}
	handlerReady bool
	closeErr     *TransportError

	closeOnce sync.Once
	closed    chan struct{}

	// read loop only
	reasm *reassembler
}

func newConn(role Role, stream io.ReadWriteCloser, reader *wire.FrameReader, welcome wire.RouterWelcome, threshold int, opts Options) *Conn {
	opts = opts.withDefaults()
	caps := welcome.ChosenCapabilities
	reader.SetMaxFrameLen(caps.MaxFrameLen)

	handlerCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:            uuid.NewString(),
		role:          role,
		welcome:       welcome,
		opts:          opts,
		stream:        stream,
		reader:        reader,
		encoder:       newPacketEncoder(caps, compressionThreshold(threshold)),
		writeCh:       make(chan []byte, opts.WriteQueueSize),
		writerDone:    make(chan struct{}),
		readerDone:    make(chan struct{}),
		handlerCtx:    handlerCtx,
		cancelHandler: cancel,
		pending:       make(map[uint64]*PendingCall),
		inbound:       make(map[uint64]context.CancelFunc),
		earlyCancels:  make(map[uint64]struct{}),
		handlerSet:    make(chan struct{}),
		closed:        make(chan struct{}),
		reasm:         newReassembler(opts.MaxInflightChunkedPackets, int(caps.MaxPacketLen), opts.MaxReassemblyBytes),
	}
	c.log = opts.Logger.With("conn_id", c.id, "role", role.String(), "shard_id", welcome.ShardID, "worker_id", welcome.WorkerID)
	c.nextID.Store(role.firstID())

	go c.writerLoop()
	go c.readLoop()
	return c
}

// ID is a random identifier for log correlation.
func (c *Conn) ID() string { return c.id }

// Role is the local role.
func (c *Conn) Role() Role { return c.role }

// Welcome is the welcome both sides agreed on.
func (c *Conn) Welcome() wire.RouterWelcome { return c.welcome }

// Capabilities are the chosen capabilities.
func (c *Conn) Capabilities() wire.Capabilities { return c.welcome.ChosenCapabilities }

// Version is the chosen protocol version.
func (c *Conn) Version() wire.ProtocolVersion { return c.welcome.ChosenVersion }

// Closed is closed exactly once, when the connection terminates.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// IsClosed reports whether the connection has terminated.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Err returns the terminal error, or nil while the connection is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr == nil {
		return nil
	}
	return c.closeErr
}

// WaitClosed blocks until the connection terminates and returns the
// terminal error, or returns ctx.Err() first.
func (c *Conn) WaitClosed(ctx context.Context) error {
	select {
	case <-c.closed:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the connection with ConnectionClosed, flushes queued
// frames for up to ShutdownFlushTimeout and closes the stream. Safe to
// call repeatedly.
func (c *Conn) Shutdown() {
	c.closeWith(closedError("shutdown"))
	<-c.writerDone
}

// closeWith records the terminal error and fails everything waiting on
// the connection. Only the first call has any effect.
func (c *Conn) closeWith(terr *TransportError) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = terr
		pending := c.pending
		c.pending = make(map[uint64]*PendingCall)
		clear(c.inbound)
		clear(c.earlyCancels)
		c.mu.Unlock()

		close(c.closed)
		c.cancelHandler()
		for _, pc := range pending {
			pc.resolve(callOutcome{err: terr})
		}

		switch terr.Kind {
		case KindConnectionClosed:
			c.log.Info("connection closed", "reason", terr.Message)
		case KindProtocolViolation:
			c.log.Warn("closing connection on protocol violation", "error", terr.Message)
		default:
			c.log.Error("connection failed", "error", terr.Error())
		}
		metrics.RecordClose(c.role.String(), terr.Kind.String())

		// Bound the flush: a peer that stopped reading must not keep the
		// writer blocked forever.
		time.AfterFunc(c.opts.ShutdownFlushTimeout, c.closeStream)
	})
}

func (c *Conn) closeStream() {
	c.closeStreamOnce.Do(func() {
		c.stream.Close()
	})
}

func (c *Conn) terminalErr() *TransportError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// enqueue hands framed bytes to the writer goroutine.
func (c *Conn) enqueue(ctx context.Context, frames [][]byte) error {
	for _, f := range frames {
		select {
		case <-c.closed:
			return c.terminalErr()
		default:
		}
		select {
		case c.writeCh <- f:
		case <-c.closed:
			return c.terminalErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// writerLoop serializes every physical write on the stream.
func (c *Conn) writerLoop() {
	defer close(c.writerDone)
	defer c.closeStream()

	for {
		select {
		case frame := <-c.writeCh:
			if err := c.write(frame); err != nil {
				c.closeWith(ioError(err))
				return
			}
		case <-c.closed:
			c.drain()
			return
		}
	}
}

// drain flushes whatever was queued before the connection closed.
func (c *Conn) drain() {
	for {
		select {
		case frame := <-c.writeCh:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(frame []byte) error {
	if _, err := c.stream.Write(frame); err != nil {
		return err
	}
	metrics.RecordFrame(c.role.String(), "out", "framed", len(frame))
	return nil
}

// readLoop decodes frames until the stream ends or the peer breaks the
// protocol. It owns the reassembler.
func (c *Conn) readLoop() {
	defer close(c.readerDone)
	defer c.reasm.reset()

	for {
		raw, err := c.reader.ReadRaw()
		if err != nil {
			c.closeWith(c.readError(err))
			return
		}
		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			c.closeWith(violation("malformed frame: %v", err))
			return
		}
		metrics.RecordFrame(c.role.String(), "in", frame.Type.String(), len(raw)+4)

		if terr := c.handleFrame(frame); terr != nil {
			c.closeWith(terr)
			return
		}
	}
}

func (c *Conn) readError(err error) *TransportError {
	switch {
	case errors.Is(err, wire.ErrFrameTooLarge), errors.Is(err, wire.ErrEmptyFrame):
		return violation("%v", err)
	case errors.Is(err, io.EOF):
		return closedError("peer closed the stream")
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return closedError("stream closed")
	default:
		return ioError(err)
	}
}

func (c *Conn) handleFrame(frame *wire.WireFrame) *TransportError {
	caps := c.welcome.ChosenCapabilities

	switch frame.Type {
	case wire.FrameTypePacket:
		p := frame.Packet
		if p.ID == 0 {
			return violation("packet id 0 is reserved")
		}
		if uint64(len(p.Data)) > uint64(caps.MaxPacketLen) {
			return violation("packet %d of %d bytes exceeds max_packet_len %d", p.ID, len(p.Data), caps.MaxPacketLen)
		}
		data, terr := decompressPacket(caps, c.encoder.compression, p.Compression, p.Data)
		if terr != nil {
			return terr
		}
		return c.handlePayload(p.ID, data)

	case wire.FrameTypePacketChunk:
		ch := frame.PacketChunk
		if ch.ID == 0 {
			return violation("packet_chunk id 0 is reserved")
		}
		if !caps.SupportsChunking {
			return violation("received packet_chunk but chunking was not negotiated")
		}
		data, done, terr := c.reasm.push(ch)
		if terr != nil || !done {
			return terr
		}
		data, terr = decompressPacket(caps, c.encoder.compression, ch.Compression, data)
		if terr != nil {
			return terr
		}
		return c.handlePayload(ch.ID, data)

	case wire.FrameTypeUnknown:
		c.log.Debug("ignoring unknown frame", "type", frame.UnknownType)
		return nil

	default:
		if frame.Type.IsHandshake() {
			return violation("unexpected %s frame after handshake", frame.Type)
		}
		return violation("unhandled %s frame", frame.Type)
	}
}
