package rpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/machinefabric/shardrpc-go/compress"
	"github.com/machinefabric/shardrpc-go/metrics"
	"github.com/machinefabric/shardrpc-go/wire"
)

// AdmitFunc is consulted after every structural check passes. Returning a
// reject refuses the worker with that code; the message is sanitized
// before it is sent.
type AdmitFunc func(hello *wire.WorkerHello) *wire.HandshakeReject

// HandshakeAsWorker sends hello and waits for the router's verdict.
func HandshakeAsWorker(ctx context.Context, stream io.ReadWriteCloser, hello wire.WorkerHello) (*Conn, *wire.RouterWelcome, error) {
	cfg := DefaultWorkerConfig()
	cfg.Hello = hello
	return HandshakeAsWorkerWithConfig(ctx, stream, cfg)
}

// HandshakeAsWorkerWithConfig is HandshakeAsWorker with explicit limits and
// options. The stream is closed on failure.
func HandshakeAsWorkerWithConfig(ctx context.Context, stream io.ReadWriteCloser, cfg WorkerConfig) (*Conn, *wire.RouterWelcome, error) {
	opts := cfg.Options.withDefaults()
	limit := preHandshakeLimit(cfg.PreHandshakeMaxFrameLen)
	fr := wire.NewFrameReader(stream, limit)
	fw := wire.NewFrameWriter(stream, limit)

	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	fail := func(terr *TransportError) (*Conn, *wire.RouterWelcome, error) {
		stream.Close()
		if ctx.Err() != nil && terr.Reject == nil {
			terr = handshakeFailed("handshake aborted", ctx.Err())
		}
		metrics.RecordHandshake(RoleWorker.String(), "failed")
		opts.Logger.Warn("worker handshake failed", "shard_id", cfg.Hello.ShardID, "error", terr.Error())
		return nil, nil, terr
	}

	hello := cfg.Hello
	if err := fw.WriteFrame(wire.NewHelloFrame(&hello)); err != nil {
		return fail(handshakeFailed(fmt.Sprintf("failed to send hello: %v", err), err))
	}

	frame, err := fr.ReadFrame()
	if err != nil {
		return fail(handshakeFailed(fmt.Sprintf("failed to read welcome: %v", err), err))
	}

	switch frame.Type {
	case wire.FrameTypeWelcome:
	case wire.FrameTypeReject:
		rej := *frame.Reject
		rej.Message = SanitizeMessage(rej.Message)
		return fail(&TransportError{Kind: KindHandshakeFailed, Message: rej.Message, Reject: &rej})
	default:
		return fail(handshakeFailed(fmt.Sprintf("expected welcome or reject frame, got %s", frame.Type), nil))
	}

	welcome := frame.Welcome
	if msg := checkWelcome(&hello, welcome); msg != "" {
		return fail(handshakeFailed(msg, nil))
	}
	if !stop() {
		return fail(handshakeFailed("handshake aborted", ctx.Err()))
	}

	conn := newConn(RoleWorker, stream, fr, *welcome, cfg.CompressionThreshold, opts)
	metrics.RecordHandshake(RoleWorker.String(), "accepted")
	conn.log.Info("worker handshake complete", "version", welcome.ChosenVersion.String(), "compression", conn.encoder.compression.String())
	return conn, welcome, nil
}

// checkWelcome makes sure the router chose something this worker offered.
func checkWelcome(hello *wire.WorkerHello, w *wire.RouterWelcome) string {
	caps := w.ChosenCapabilities
	if !hello.SupportedVersions.Supports(w.ChosenVersion) {
		return fmt.Sprintf("router chose unsupported version %s", w.ChosenVersion)
	}
	if !wire.LimitsOf(caps).Valid() {
		return "router chose zero max_frame_len or max_packet_len"
	}
	if len(caps.SupportedCompression) != 1 {
		return fmt.Sprintf("router chose %d compression algorithms, expected 1", len(caps.SupportedCompression))
	}
	algo := caps.SupportedCompression[0]
	if algo != wire.CompressionNone && (!hello.Capabilities.Supports(algo) || !compress.IsSupported(algo)) {
		return fmt.Sprintf("router chose unsupported compression %s", algo)
	}
	if caps.SupportsCancel && !hello.Capabilities.SupportsCancel {
		return "router enabled cancellation the worker did not offer"
	}
	if caps.SupportsChunking && !hello.Capabilities.SupportsChunking {
		return "router enabled chunking the worker did not offer"
	}
	return ""
}

// HandshakeAsRouter accepts one worker with default configuration. An
// empty expectedAuthToken disables the token check.
func HandshakeAsRouter(ctx context.Context, stream io.ReadWriteCloser, expectedAuthToken string) (*Conn, *wire.RouterWelcome, error) {
	cfg := DefaultRouterConfig()
	if expectedAuthToken != "" {
		cfg.ExpectedAuthToken = &expectedAuthToken
	}
	return HandshakeAsRouterWithConfigAndAdmit(ctx, stream, cfg, nil)
}

// HandshakeAsRouterWithConfig accepts one worker under cfg.
func HandshakeAsRouterWithConfig(ctx context.Context, stream io.ReadWriteCloser, cfg RouterConfig) (*Conn, *wire.RouterWelcome, error) {
	return HandshakeAsRouterWithConfigAndAdmit(ctx, stream, cfg, nil)
}

// HandshakeAsRouterWithConfigAndAdmit accepts one worker under cfg, then
// lets admit veto it. The stream is closed on failure.
func HandshakeAsRouterWithConfigAndAdmit(ctx context.Context, stream io.ReadWriteCloser, cfg RouterConfig, admit AdmitFunc) (*Conn, *wire.RouterWelcome, error) {
	opts := cfg.Options.withDefaults()
	log := opts.Logger

	fail := func(result string, terr *TransportError) (*Conn, *wire.RouterWelcome, error) {
		stream.Close()
		metrics.RecordHandshake(RoleRouter.String(), result)
		log.Warn("router handshake failed", "result", result, "error", terr.Error())
		return nil, nil, terr
	}

	if !wire.LimitsOf(cfg.Capabilities).Valid() {
		return fail("failed", handshakeFailed("router capabilities must have non-zero max_frame_len and max_packet_len", nil))
	}

	limit := preHandshakeLimit(cfg.PreHandshakeMaxFrameLen)
	fr := wire.NewFrameReader(stream, limit)
	fw := wire.NewFrameWriter(stream, limit)

	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	reject := func(rej *wire.HandshakeReject) (*Conn, *wire.RouterWelcome, error) {
		sanitized := wire.NewReject(rej.Code, SanitizeMessage(rej.Message))
		if err := fw.WriteFrame(wire.NewRejectFrame(sanitized)); err != nil {
			log.Debug("failed to send reject", "error", err)
		}
		return fail("rejected", &TransportError{Kind: KindHandshakeFailed, Message: sanitized.Message, Reject: sanitized})
	}

	raw, err := fr.ReadRaw()
	if err != nil {
		if ctx.Err() != nil {
			return fail("failed", handshakeFailed("handshake aborted", ctx.Err()))
		}
		if errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrEmptyFrame) {
			return reject(wire.NewReject(wire.RejectInvalidRequest, err.Error()))
		}
		return fail("failed", handshakeFailed(fmt.Sprintf("failed to read hello: %v", err), err))
	}

	frame, err := wire.DecodeFrame(raw)
	if err != nil {
		if wire.IsLegacyWorkerHello(raw) {
			if legacy, lerr := wire.EncodeLegacy(wire.NewLegacyError(wire.LegacyRejectMessage)); lerr == nil {
				if werr := fw.WriteRaw(legacy); werr != nil {
					log.Debug("failed to send legacy error", "error", werr)
				}
			}
			return fail("legacy", handshakeFailed(wire.LegacyRejectMessage, nil))
		}
		return reject(wire.NewReject(wire.RejectInvalidRequest, fmt.Sprintf("invalid hello: %v", err)))
	}
	if frame.Type != wire.FrameTypeHello {
		return reject(wire.NewReject(wire.RejectInvalidRequest, fmt.Sprintf("expected hello frame, got %s", frame.Type)))
	}

	hello := frame.Hello
	welcome, rej := negotiate(&cfg, hello)
	if rej == nil && admit != nil {
		rej = admit(hello)
	}
	if rej != nil {
		return reject(rej)
	}

	if err := fw.WriteFrame(wire.NewWelcomeFrame(welcome)); err != nil {
		return fail("failed", handshakeFailed(fmt.Sprintf("failed to send welcome: %v", err), err))
	}
	if !stop() {
		return fail("failed", handshakeFailed("handshake aborted", ctx.Err()))
	}

	conn := newConn(RoleRouter, stream, fr, *welcome, cfg.CompressionThreshold, opts)
	metrics.RecordHandshake(RoleRouter.String(), "accepted")
	conn.log.Info("router handshake complete", "hello", hello.String(), "version", welcome.ChosenVersion.String(), "compression", conn.encoder.compression.String())
	return conn, welcome, nil
}

// negotiate runs the structural checks in order and computes the welcome.
func negotiate(cfg *RouterConfig, hello *wire.WorkerHello) (*wire.RouterWelcome, *wire.HandshakeReject) {
	version, ok := cfg.SupportedVersions.ChooseCommon(hello.SupportedVersions)
	if !ok {
		return nil, wire.NewReject(wire.RejectInvalidRequest, fmt.Sprintf(
			"no common protocol version: router supports %s, worker supports %s", cfg.SupportedVersions, hello.SupportedVersions))
	}

	if cfg.ExpectedAuthToken != nil {
		if hello.AuthToken == nil || subtle.ConstantTimeCompare([]byte(*hello.AuthToken), []byte(*cfg.ExpectedAuthToken)) != 1 {
			return nil, wire.NewReject(wire.RejectInvalidRequest, "invalid auth token")
		}
	}

	wc := hello.Capabilities
	if wc.MaxFrameLen == 0 {
		return nil, wire.NewReject(wire.RejectInvalidRequest, "max_frame_len must be non-zero")
	}
	if wc.MaxPacketLen == 0 {
		return nil, wire.NewReject(wire.RejectInvalidRequest, "max_packet_len must be non-zero")
	}

	algo, ok := chooseCompression(cfg.Capabilities.SupportedCompression, wc.SupportedCompression)
	if !ok {
		return nil, wire.NewReject(wire.RejectInvalidRequest, "no common compression algorithm")
	}

	rc := cfg.Capabilities
	return &wire.RouterWelcome{
		WorkerID:      cfg.WorkerID,
		ShardID:       hello.ShardID,
		Revision:      cfg.Revision,
		ChosenVersion: version,
		ChosenCapabilities: wire.Capabilities{
			MaxFrameLen:          min(rc.MaxFrameLen, wc.MaxFrameLen),
			MaxPacketLen:         min(rc.MaxPacketLen, wc.MaxPacketLen),
			SupportedCompression: []wire.CompressionAlgo{algo},
			SupportsCancel:       rc.SupportsCancel && wc.SupportsCancel,
			SupportsChunking:     rc.SupportsChunking && wc.SupportsChunking,
		},
	}, nil
}

// usableCompression filters a list down to known, locally available
// algorithms, preserving order and dropping duplicates.
func usableCompression(algos []wire.CompressionAlgo) []wire.CompressionAlgo {
	out := make([]wire.CompressionAlgo, 0, len(algos)+1)
	for _, a := range algos {
		if a == wire.CompressionUnknown || !compress.IsSupported(a) || slices.Contains(out, a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// chooseCompression picks the first real algorithm in the router's
// preference order that the worker also offers, falling back to None. None
// is an implicit candidate on both sides, except that a worker whose list
// names only algorithms nobody knows has nothing in common with anyone.
func chooseCompression(router, worker []wire.CompressionAlgo) (wire.CompressionAlgo, bool) {
	theirs := usableCompression(worker)
	if len(theirs) == 0 && len(worker) > 0 {
		return wire.CompressionUnknown, false
	}

	for _, a := range usableCompression(router) {
		if a != wire.CompressionNone && slices.Contains(theirs, a) {
			return a, true
		}
	}
	return wire.CompressionNone, true
}
