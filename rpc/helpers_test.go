package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/machinefabric/shardrpc-go/logging"
	"github.com/machinefabric/shardrpc-go/wire"
)

const testTimeout = 5 * time.Second

// testOptions logs into an in-memory observer so goroutines that outlive a
// test never write to a finished *testing.T.
func testOptions() (Options, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	o := DefaultOptions()
	o.Logger = logging.Wrap(zap.New(core))
	o.HandlerWaitTimeout = 100 * time.Millisecond
	o.ShutdownFlushTimeout = 200 * time.Millisecond
	return o, logs
}

func testRouterConfig() RouterConfig {
	cfg := DefaultRouterConfig()
	cfg.Options, _ = testOptions()
	return cfg
}

func testWorkerConfig() WorkerConfig {
	cfg := DefaultWorkerConfig()
	cfg.Hello.ShardID = 7
	cfg.Options, _ = testOptions()
	return cfg
}

type handshakeResult struct {
	conn    *Conn
	welcome *wire.RouterWelcome
	err     error
}

// handshakePair runs both handshakes over an in-memory pipe.
func handshakePair(t *testing.T, rcfg RouterConfig, wcfg WorkerConfig, admit AdmitFunc) (handshakeResult, handshakeResult) {
	t.Helper()
	rs, ws := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	routerCh := make(chan handshakeResult, 1)
	go func() {
		c, w, err := HandshakeAsRouterWithConfigAndAdmit(ctx, rs, rcfg, admit)
		routerCh <- handshakeResult{conn: c, welcome: w, err: err}
	}()
	wc, ww, werr := HandshakeAsWorkerWithConfig(ctx, ws, wcfg)
	worker := handshakeResult{conn: wc, welcome: ww, err: werr}
	router := <-routerCh

	t.Cleanup(func() {
		for _, c := range []*Conn{router.conn, worker.conn} {
			if c != nil {
				c.Shutdown()
			}
		}
	})
	return router, worker
}

// connectPair is handshakePair for tests that need both sides up.
func connectPair(t *testing.T, rcfg RouterConfig, wcfg WorkerConfig) (*Conn, *Conn) {
	t.Helper()
	router, worker := handshakePair(t, rcfg, wcfg, nil)
	require.NoError(t, router.err)
	require.NoError(t, worker.err)
	return router.conn, worker.conn
}

// rawWorker speaks frames directly so tests can break the protocol.
type rawWorker struct {
	t      *testing.T
	stream net.Conn
	fr     *wire.FrameReader
	fw     *wire.FrameWriter
}

func rawWorkerHello() wire.WorkerHello {
	hello := DefaultWorkerHello()
	hello.ShardID = 3
	hello.Capabilities.SupportedCompression = []wire.CompressionAlgo{wire.CompressionNone}
	return hello
}

// dialRaw handshakes a rawWorker against a real router.
func dialRaw(t *testing.T, rcfg RouterConfig, hello wire.WorkerHello) (*Conn, *rawWorker) {
	t.Helper()
	rs, ws := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	routerCh := make(chan handshakeResult, 1)
	go func() {
		c, w, err := HandshakeAsRouterWithConfig(ctx, rs, rcfg)
		routerCh <- handshakeResult{conn: c, welcome: w, err: err}
	}()

	raw := &rawWorker{
		t:      t,
		stream: ws,
		fr:     wire.NewFrameReader(ws, wire.DefaultMaxFrameLen),
		fw:     wire.NewFrameWriter(ws, wire.DefaultMaxFrameLen),
	}
	require.NoError(t, raw.fw.WriteFrame(wire.NewHelloFrame(&hello)))
	frame, err := raw.fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.FrameTypeWelcome, frame.Type)

	router := <-routerCh
	require.NoError(t, router.err)
	t.Cleanup(func() {
		router.conn.Shutdown()
		ws.Close()
	})
	return router.conn, raw
}

func (r *rawWorker) sendFrame(f *wire.WireFrame) {
	r.t.Helper()
	require.NoError(r.t, r.fw.WriteFrame(f))
}

func (r *rawWorker) sendPayload(id uint64, p *wire.RpcPayload) {
	r.t.Helper()
	data, err := wire.EncodePayload(p)
	require.NoError(r.t, err)
	r.sendFrame(wire.NewPacketFrame(id, wire.CompressionNone, data))
}

func (r *rawWorker) sendRequest(id uint64, v any) {
	r.t.Helper()
	req, err := wire.NewRequest(v)
	require.NoError(r.t, err)
	r.sendPayload(id, wire.RequestPayload(req))
}

// readPayload reads one whole packet and decodes its payload.
func (r *rawWorker) readPayload() (uint64, *wire.RpcPayload) {
	r.t.Helper()
	r.stream.SetReadDeadline(time.Now().Add(testTimeout))
	frame, err := r.fr.ReadFrame()
	require.NoError(r.t, err)
	require.Equal(r.t, wire.FrameTypePacket, frame.Type)
	p, err := wire.DecodePayload(frame.Packet.Data)
	require.NoError(r.t, err)
	return frame.Packet.ID, p
}

// expectEOF drains the stream until it ends and requires a clean EOF.
func (r *rawWorker) expectEOF() {
	r.t.Helper()
	r.stream.SetReadDeadline(time.Now().Add(testTimeout))
	for {
		_, err := r.fr.ReadRaw()
		if err == nil {
			continue
		}
		require.True(r.t, errors.Is(err, io.EOF), "expected EOF, got %v", err)
		return
	}
}

// waitClosed waits for c to close and returns its terminal error.
func waitClosed(t *testing.T, c *Conn) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := c.WaitClosed(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "connection did not close")
	return err
}

func mustRequest(t *testing.T, v any) wire.Request {
	t.Helper()
	req, err := wire.NewRequest(v)
	require.NoError(t, err)
	return req
}

func mustResponse(t *testing.T, v any) wire.Response {
	t.Helper()
	resp, err := wire.NewResponse(v)
	require.NoError(t, err)
	return resp
}
