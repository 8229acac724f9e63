package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/shardrpc-go/wire"
)

// requireViolation waits for c to close and checks it closed on a protocol
// violation mentioning msg.
func requireViolation(t *testing.T, c *Conn, msg string) {
	t.Helper()
	err := waitClosed(t, c)
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.Contains(t, err.Error(), msg)
}

func requestChunks(t *testing.T, id uint64, v any) []*wire.WireFrame {
	t.Helper()
	data, err := wire.EncodePayload(wire.RequestPayload(mustRequest(t, v)))
	require.NoError(t, err)
	half := len(data) / 2
	return []*wire.WireFrame{
		wire.NewPacketChunkFrame(id, wire.CompressionNone, 0, false, data[:half]),
		wire.NewPacketChunkFrame(id, wire.CompressionNone, 1, true, data[half:]),
	}
}

func decodeResponse(t *testing.T, p *wire.RpcPayload, v any) {
	t.Helper()
	require.Equal(t, wire.PayloadResponse, p.Type)
	require.Equal(t, wire.ResultOk, p.Response.Status, "error: %v", p.Response.Error)
	require.NoError(t, p.Response.Value.Decode(v))
}

// TEST460: A request under a router-owned id closes the connection
func Test460_request_with_wrong_parity(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())
	router.SetRequestHandler(echoHandler)

	raw.sendRequest(2, "mine?")
	requireViolation(t, router, "request id 2")
	raw.expectEOF()
}

// TEST461: Id zero is reserved for packets and chunks
func Test461_id_zero_rejected(t *testing.T) {
	t.Run("packet", func(t *testing.T) {
		router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())
		raw.sendRequest(0, "zero")
		requireViolation(t, router, "packet id 0")
	})
	t.Run("chunk", func(t *testing.T) {
		router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())
		raw.sendFrame(wire.NewPacketChunkFrame(0, wire.CompressionNone, 0, false, []byte{0x01}))
		requireViolation(t, router, "packet_chunk id 0")
	})
}

// TEST462: Opening more chunked packets than allowed closes the connection
func Test462_too_many_inflight_chunked_packets(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())

	for i := 0; i <= wire.MaxInflightChunkedPackets; i++ {
		id := uint64(2*i + 1)
		if !sendOrClosed(raw, wire.NewPacketChunkFrame(id, wire.CompressionNone, 0, false, []byte{0x01})) {
			break
		}
	}
	requireViolation(t, router, "too many in-flight chunked packets (limit 32)")
}

// sendOrClosed writes f unless the router has already hung up.
func sendOrClosed(raw *rawWorker, f *wire.WireFrame) bool {
	return raw.fw.WriteFrame(f) == nil
}

// TEST463: A cancel that arrives while a request is still in chunks applies on dispatch
func Test463_cancel_during_chunk_assembly(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())

	sawCancelled := make(chan bool, 1)
	router.SetRequestHandler(func(ctx context.Context, _ wire.Request) (wire.Response, error) {
		sawCancelled <- ctx.Err() != nil
		return nil, ctx.Err()
	})

	chunks := requestChunks(t, 5, "cancel me early")
	raw.sendFrame(chunks[0])
	raw.sendPayload(5, wire.CancelPayload())
	raw.sendFrame(chunks[1])

	select {
	case cancelled := <-sawCancelled:
		assert.True(t, cancelled)
	case <-time.After(testTimeout):
		t.Fatal("handler never ran")
	}

	id, p := raw.readPayload()
	assert.Equal(t, uint64(5), id)
	require.Equal(t, wire.PayloadResponse, p.Type)
	require.Equal(t, wire.ResultErr, p.Response.Status)
	assert.Equal(t, wire.RpcCancelled, p.Response.Error.Code)
	assert.False(t, router.IsClosed())
}

// TEST464: Chunk streams for different ids may interleave
func Test464_interleaved_chunk_streams(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())
	router.SetRequestHandler(echoHandler)

	a := requestChunks(t, 1, "first")
	b := requestChunks(t, 3, "second")
	raw.sendFrame(a[0])
	raw.sendFrame(b[0])
	raw.sendFrame(a[1])
	raw.sendFrame(b[1])

	got := map[uint64]string{}
	for i := 0; i < 2; i++ {
		id, p := raw.readPayload()
		var s string
		decodeResponse(t, p, &s)
		got[id] = s
	}
	assert.Equal(t, map[uint64]string{1: "first", 3: "second"}, got)
}

// TEST465: A response under an id the router never originated is a violation
func Test465_response_with_wrong_parity(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())

	raw.sendPayload(3, wire.ResponsePayload(wire.OkResult(mustResponse(t, "stray"))))
	requireViolation(t, router, "response id 3")
}

// TEST466: Responses and cancels for unknown ids are ignored
func Test466_unknown_ids_ignored(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())
	router.SetRequestHandler(echoHandler)

	cancels := make(chan uint64, 1)
	router.SetCancelHandler(func(id uint64) { cancels <- id })

	raw.sendPayload(100, wire.ResponsePayload(wire.OkResult(mustResponse(t, "nobody asked"))))
	raw.sendPayload(9, wire.CancelPayload())
	raw.sendRequest(1, "ping")

	id, p := raw.readPayload()
	assert.Equal(t, uint64(1), id)
	var s string
	decodeResponse(t, p, &s)
	assert.Equal(t, "ping", s)
	assert.Equal(t, uint64(9), <-cancels)
	assert.False(t, router.IsClosed())
}

// TEST467: Reusing an in-flight request id is a violation
func Test467_duplicate_inflight_request(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())
	router.SetRequestHandler(func(ctx context.Context, _ wire.Request) (wire.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	raw.sendRequest(1, "once")
	raw.sendRequest(1, "twice")
	requireViolation(t, router, "duplicate in-flight request id 1")
}

// TEST468: Unknown frame and payload types from a newer peer are skipped
func Test468_unknown_types_ignored(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())
	router.SetRequestHandler(echoHandler)

	frame, err := cbor.Marshal(map[string]any{"type": "telemetry", "body": map[string]any{"cpu": 3}})
	require.NoError(t, err)
	require.NoError(t, raw.fw.WriteRaw(frame))

	payload, err := cbor.Marshal(map[string]any{"type": "progress", "body": 50})
	require.NoError(t, err)
	raw.sendFrame(wire.NewPacketFrame(1, wire.CompressionNone, payload))

	raw.sendRequest(3, "still here")
	id, p := raw.readPayload()
	assert.Equal(t, uint64(3), id)
	var s string
	decodeResponse(t, p, &s)
	assert.Equal(t, "still here", s)
}

// TEST469: Handshake frames after the handshake are violations
func Test469_handshake_frame_after_handshake(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())

	hello := rawWorkerHello()
	raw.sendFrame(wire.NewHelloFrame(&hello))
	requireViolation(t, router, "unexpected hello frame after handshake")
}

// TEST470: Chunks are refused when chunking was not negotiated
func Test470_chunk_without_chunking(t *testing.T) {
	hello := rawWorkerHello()
	hello.Capabilities.SupportsChunking = false
	router, raw := dialRaw(t, testRouterConfig(), hello)
	require.False(t, router.Capabilities().SupportsChunking)

	raw.sendFrame(wire.NewPacketChunkFrame(1, wire.CompressionNone, 0, false, []byte{0x01}))
	requireViolation(t, router, "chunking was not negotiated")
}

// TEST471: A received packet over max_packet_len is a violation
func Test471_oversized_packet_received(t *testing.T) {
	rcfg := testRouterConfig()
	rcfg.Capabilities.MaxPacketLen = 1024
	router, raw := dialRaw(t, rcfg, rawWorkerHello())

	raw.sendFrame(wire.NewPacketFrame(1, wire.CompressionNone, make([]byte, 2000)))
	requireViolation(t, router, "exceeds max_packet_len 1024")
}

// TEST472: A length prefix over max_frame_len is a violation
func Test472_oversized_frame_received(t *testing.T) {
	rcfg := testRouterConfig()
	rcfg.Capabilities.MaxFrameLen = 4096
	router, raw := dialRaw(t, rcfg, rawWorkerHello())

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], 5000)
	_, err := raw.stream.Write(prefix[:])
	require.NoError(t, err)
	requireViolation(t, router, "frame too large")
}

// TEST473: Empty and undecodable frames are violations
func Test473_malformed_frames(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())
		_, err := raw.stream.Write([]byte{0, 0, 0, 0})
		require.NoError(t, err)
		requireViolation(t, router, "empty frame")
	})
	t.Run("garbage", func(t *testing.T) {
		router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())
		require.NoError(t, raw.fw.WriteRaw([]byte{0xff, 0x00, 0x13}))
		requireViolation(t, router, "malformed frame")
	})
	t.Run("payload", func(t *testing.T) {
		router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())
		raw.sendFrame(wire.NewPacketFrame(1, wire.CompressionNone, []byte{0x63, 'b', 'a', 'd'}))
		requireViolation(t, router, "malformed payload for id 1")
	})
}

// TEST474: A packet compressed with an algorithm that was not chosen is a violation
func Test474_unnegotiated_compression(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())
	require.Equal(t, []wire.CompressionAlgo{wire.CompressionNone}, router.Capabilities().SupportedCompression)

	raw.sendFrame(wire.NewPacketFrame(1, wire.CompressionZstd, []byte{0x28, 0xb5, 0x2f, 0xfd}))
	requireViolation(t, router, "packet uses compression zstd but none was negotiated")
}

// TEST475: A peer hanging up fails pending calls with ConnectionClosed
func Test475_peer_drops_stream(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	pc, err := router.StartCall(ctx, mustRequest(t, "are you there"))
	require.NoError(t, err)
	id, p := raw.readPayload()
	assert.Equal(t, pc.ID(), id)
	assert.Equal(t, wire.PayloadRequest, p.Type)
	require.NoError(t, raw.stream.Close())

	_, err = pc.Wait(ctx)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, waitClosed(t, router), ErrConnectionClosed)
	assert.Contains(t, router.Err().Error(), "peer closed the stream")
	select {
	case <-router.Closed():
	default:
		t.Fatal("Closed channel not closed")
	}
}

// TEST476: A result status this side does not know fails the call, not the connection
func Test476_unknown_result_status(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	pc, err := router.StartCall(ctx, mustRequest(t, "q"))
	require.NoError(t, err)
	id, _ := raw.readPayload()

	body, err := cbor.Marshal(map[string]any{"type": "response", "body": map[string]any{"status": "maybe"}})
	require.NoError(t, err)
	raw.sendFrame(wire.NewPacketFrame(id, wire.CompressionNone, body))

	_, err = pc.Wait(ctx)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
	assert.False(t, router.IsClosed())
}

// TEST477: Notifications use the sender's own id space
func Test477_notification_ids(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	note, err := wire.NewNotification("hi")
	require.NoError(t, err)
	require.NoError(t, router.Notify(ctx, note))
	require.NoError(t, router.Notify(ctx, note))

	id1, p := raw.readPayload()
	assert.Equal(t, wire.PayloadNotification, p.Type)
	id2, _ := raw.readPayload()
	assert.Equal(t, uint64(2), id1)
	assert.Equal(t, uint64(4), id2)
}

// TEST478: Transport errors expose their kind to errors.Is and KindOf
func Test478_error_kinds(t *testing.T) {
	err := error(violation("bad %s", "thing"))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.NotErrorIs(t, err, ErrConnectionClosed)
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindProtocolViolation, kind)
	assert.Equal(t, "protocol violation: bad thing", err.Error())

	wrapped := ioError(errors.New("broken pipe"))
	assert.ErrorIs(t, wrapped, ErrIo)
	assert.Equal(t, "I/O error: broken pipe", wrapped.Error())

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
	assert.Equal(t, "connection closed", (&TransportError{Kind: KindConnectionClosed}).Error())
}

// TEST479: A cancel sent right behind a whole request is seen by its handler
func Test479_cancel_right_after_request(t *testing.T) {
	router, raw := dialRaw(t, testRouterConfig(), rawWorkerHello())

	sawCancel := make(chan bool, 1)
	router.SetRequestHandler(func(ctx context.Context, _ wire.Request) (wire.Response, error) {
		time.Sleep(5 * time.Millisecond)
		select {
		case <-ctx.Done():
			sawCancel <- true
			return nil, ctx.Err()
		case <-time.After(testTimeout):
			sawCancel <- false
			return mustResponse(t, "finished"), nil
		}
	})

	for i := 0; i < 20; i++ {
		id := uint64(2*i + 1)
		raw.sendRequest(id, "stop me")
		raw.sendPayload(id, wire.CancelPayload())

		require.True(t, <-sawCancel, "iteration %d: handler missed the cancel", i)
		gotID, p := raw.readPayload()
		assert.Equal(t, id, gotID)
		require.Equal(t, wire.PayloadResponse, p.Type)
		require.Equal(t, wire.ResultErr, p.Response.Status)
		assert.Equal(t, wire.RpcCancelled, p.Response.Error.Code)
	}
	assert.False(t, router.IsClosed())
}
