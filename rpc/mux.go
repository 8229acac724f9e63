package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/machinefabric/shardrpc-go/metrics"
	"github.com/machinefabric/shardrpc-go/wire"
)

type callOutcome struct {
	result *wire.RpcResult
	err    error
}

// PendingCall is an outbound request awaiting its response.
type PendingCall struct {
	conn    *Conn
	id      uint64
	started time.Time
	done    chan callOutcome
}

// ID is the request id on the wire.
func (pc *PendingCall) ID() uint64 { return pc.id }

func (pc *PendingCall) resolve(out callOutcome) {
	select {
	case pc.done <- out:
	default:
	}
}

// Wait blocks for the response. If ctx ends first the call is withdrawn,
// a cancel is sent to the peer when cancellation was negotiated, and the
// returned error wraps both ErrCanceled and ctx.Err().
func (pc *PendingCall) Wait(ctx context.Context) (wire.Response, error) {
	select {
	case out := <-pc.done:
		return pc.finish(out)
	case <-ctx.Done():
	}

	if !pc.conn.takePending(pc.id) {
		// A response, cancel or close got there first.
		return pc.finish(<-pc.done)
	}
	pc.conn.sendCancel(pc.id)
	pc.record("canceled")
	return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
}

// Cancel withdraws the call and tells the peer. Wait then returns
// ErrCanceled.
func (pc *PendingCall) Cancel() {
	if !pc.conn.takePending(pc.id) {
		return
	}
	pc.conn.sendCancel(pc.id)
	pc.resolve(callOutcome{err: ErrCanceled})
}

func (pc *PendingCall) finish(out callOutcome) (wire.Response, error) {
	if out.err != nil {
		if errors.Is(out.err, ErrCanceled) {
			pc.record("canceled")
		} else {
			pc.record("transport_error")
		}
		return nil, out.err
	}

	r := out.result
	switch r.Status {
	case wire.ResultOk:
		pc.record("ok")
		return r.Value, nil
	case wire.ResultErr:
		if r.Error.Code == wire.RpcCancelled {
			pc.record("canceled")
			return nil, fmt.Errorf("%w: %w", ErrCanceled, r.Error)
		}
		pc.record("rpc_error")
		return nil, r.Error
	default:
		pc.record("unexpected")
		return nil, ErrUnexpectedResponse
	}
}

func (pc *PendingCall) record(outcome string) {
	metrics.RecordCall(pc.conn.role.String(), outcome, time.Since(pc.started))
}

// Call sends req and waits for its response.
func (c *Conn) Call(ctx context.Context, req wire.Request) (wire.Response, error) {
	pc, err := c.StartCall(ctx, req)
	if err != nil {
		return nil, err
	}
	return pc.Wait(ctx)
}

// StartCall sends req and returns a handle to wait on.
func (c *Conn) StartCall(ctx context.Context, req wire.Request) (*PendingCall, error) {
	id := c.allocID()
	pc := &PendingCall{conn: c, id: id, started: time.Now(), done: make(chan callOutcome, 1)}

	c.mu.Lock()
	if c.closeErr != nil {
		terr := c.closeErr
		c.mu.Unlock()
		return nil, terr
	}
	c.pending[id] = pc
	c.mu.Unlock()

	frames, err := c.encoder.encode(id, wire.RequestPayload(req))
	if err == nil {
		err = c.enqueue(ctx, frames)
	}
	if err != nil {
		c.takePending(id)
		return nil, err
	}
	return pc, nil
}

// Cancel sends a cancel for id. If id is one of this side's pending calls
// it is withdrawn and its waiter gets ErrCanceled. Without negotiated
// cancellation nothing is sent.
func (c *Conn) Cancel(ctx context.Context, id uint64) error {
	if terr := c.terminalErr(); terr != nil {
		return terr
	}
	c.mu.Lock()
	pc, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		pc.resolve(callOutcome{err: ErrCanceled})
	}

	if !c.welcome.ChosenCapabilities.SupportsCancel {
		return nil
	}
	frames, err := c.encoder.encode(id, wire.CancelPayload())
	if err != nil {
		return err
	}
	return c.enqueue(ctx, frames)
}

// Notify sends a notification under a fresh id.
func (c *Conn) Notify(ctx context.Context, note wire.Notification) error {
	if terr := c.terminalErr(); terr != nil {
		return terr
	}
	frames, err := c.encoder.encode(c.allocID(), wire.NotificationPayload(note))
	if err != nil {
		return err
	}
	return c.enqueue(ctx, frames)
}

// SetRequestHandler installs the inbound request handler. Requests that
// arrived before it was installed are held for up to HandlerWaitTimeout.
// Passing nil removes the handler; later requests wait again.
func (c *Conn) SetRequestHandler(h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRequest = h
	switch {
	case h != nil && !c.handlerReady:
		close(c.handlerSet)
		c.handlerReady = true
	case h == nil && c.handlerReady:
		c.handlerSet = make(chan struct{})
		c.handlerReady = false
	}
}

// SetNotificationHandler installs the notification sink and replays any
// notifications buffered before it existed.
func (c *Conn) SetNotificationHandler(h NotificationHandler) {
	c.mu.Lock()
	c.onNote = h
	buffered := c.notes
	c.notes = nil
	c.mu.Unlock()

	if h != nil && len(buffered) > 0 {
		go func() {
			for _, n := range buffered {
				h(n)
			}
		}()
	}
}

// SetCancelHandler installs a hook that sees every cancel from the peer.
func (c *Conn) SetCancelHandler(h CancelHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCancel = h
}

func (c *Conn) allocID() uint64 {
	for {
		id := c.nextID.Add(2) - 2
		if id != 0 {
			return id
		}
	}
}

// takePending removes id from the pending table; the caller that gets true
// is the one that must resolve it.
func (c *Conn) takePending(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	return ok
}

func (c *Conn) sendCancel(id uint64) {
	if !c.welcome.ChosenCapabilities.SupportsCancel {
		return
	}
	frames, err := c.encoder.encode(id, wire.CancelPayload())
	if err != nil {
		c.log.Warn("failed to encode cancel", "request_id", id, "error", err)
		return
	}
	if err := c.enqueue(context.Background(), frames); err != nil {
		c.log.Debug("cancel not sent", "request_id", id, "error", err)
	}
}

// handlePayload runs on the read loop.
func (c *Conn) handlePayload(id uint64, data []byte) *TransportError {
	payload, err := wire.DecodePayload(data)
	if err != nil {
		return violation("malformed payload for id %d: %v", id, err)
	}
	early := c.takeEarlyCancel(id)

	switch payload.Type {
	case wire.PayloadRequest:
		return c.dispatchRequest(id, payload.Request, early)
	case wire.PayloadResponse:
		return c.resolveResponse(id, payload.Response)
	case wire.PayloadCancel:
		c.handleCancel(id)
	case wire.PayloadNotification:
		c.deliverNotification(payload.Notification)
	default:
		c.log.Debug("ignoring unknown payload", "request_id", id, "type", payload.UnknownType)
	}
	return nil
}

func (c *Conn) takeEarlyCancel(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.earlyCancels[id]
	delete(c.earlyCancels, id)
	return ok
}

func (c *Conn) dispatchRequest(id uint64, req wire.Request, cancelled bool) *TransportError {
	if c.role.owns(id) {
		return violation("request id %d has %s parity; the peer must not originate it", id, c.role)
	}

	ctx, cancel := context.WithCancel(context.WithValue(c.handlerCtx, requestIDKey{}, id))

	// Registered here on the read loop, before the next frame is read, so a
	// cancel that follows on the wire always finds it.
	c.mu.Lock()
	if _, dup := c.inbound[id]; dup {
		c.mu.Unlock()
		cancel()
		return violation("duplicate in-flight request id %d", id)
	}
	c.inbound[id] = cancel
	c.mu.Unlock()

	if cancelled {
		cancel()
	}
	go c.runHandler(ctx, cancel, id, req)
	return nil
}

func (c *Conn) runHandler(ctx context.Context, cancel context.CancelFunc, id uint64, req wire.Request) {
	defer func() {
		c.mu.Lock()
		delete(c.inbound, id)
		c.mu.Unlock()
		cancel()
	}()

	var result *wire.RpcResult
	if h := c.waitRequestHandler(ctx); h == nil {
		if ctx.Err() != nil {
			result = wire.ErrResult(wire.NewRpcError(wire.RpcCancelled, "request cancelled"))
		} else {
			result = wire.ErrResult(wire.NewRpcError(wire.RpcInvalidRequest, "no request handler installed"))
		}
	} else {
		resp, err := c.invoke(ctx, h, id, req)
		result = toResult(ctx, resp, err)
	}

	frames, err := c.encoder.encode(id, wire.ResponsePayload(result))
	if errors.Is(err, ErrPacketTooLarge) {
		c.log.Warn("response too large", "request_id", id, "error", err)
		frames, err = c.encoder.encode(id, wire.ResponsePayload(wire.ErrResult(
			wire.NewRpcError(wire.RpcTooLarge, "response exceeds max_packet_len"))))
	}
	if err != nil {
		c.log.Error("failed to encode response", "request_id", id, "error", err)
		return
	}
	if err := c.enqueue(context.Background(), frames); err != nil {
		c.log.Debug("response not sent", "request_id", id, "error", err)
	}
}

func (c *Conn) waitRequestHandler(ctx context.Context) RequestHandler {
	c.mu.Lock()
	h, ready := c.onRequest, c.handlerSet
	c.mu.Unlock()
	if h != nil {
		return h
	}

	timer := time.NewTimer(c.opts.HandlerWaitTimeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-timer.C:
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onRequest
}

func (c *Conn) invoke(ctx context.Context, h RequestHandler, id uint64, req wire.Request) (resp wire.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("request handler panicked", "request_id", id, "panic", fmt.Sprint(r))
			resp, err = nil, wire.NewRpcError(wire.RpcInternal, "request handler panicked")
		}
	}()
	return h(ctx, req)
}

func toResult(ctx context.Context, resp wire.Response, err error) *wire.RpcResult {
	if err == nil {
		return wire.OkResult(resp)
	}
	var rpcErr *wire.RpcError
	if errors.As(err, &rpcErr) {
		return wire.ErrResult(rpcErr)
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return wire.ErrResult(wire.NewRpcError(wire.RpcCancelled, "request cancelled"))
	}
	return wire.ErrResult(wire.NewRpcError(wire.RpcInternal, err.Error()))
}

func (c *Conn) resolveResponse(id uint64, result *wire.RpcResult) *TransportError {
	if !c.role.owns(id) {
		return violation("response id %d was not originated by this %s", id, c.role)
	}

	c.mu.Lock()
	pc, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.log.Debug("dropping response for unknown request", "request_id", id)
		return nil
	}
	pc.resolve(callOutcome{result: result})
	return nil
}

func (c *Conn) handleCancel(id uint64) {
	if !c.welcome.ChosenCapabilities.SupportsCancel {
		c.log.Debug("ignoring cancel; cancellation was not negotiated", "request_id", id)
		return
	}

	c.mu.Lock()
	var (
		pc       *PendingCall
		cancel   context.CancelFunc
		onCancel = c.onCancel
	)
	if c.role.owns(id) {
		pc = c.pending[id]
		delete(c.pending, id)
	} else if cancel = c.inbound[id]; cancel == nil && c.reasm.inFlight(id) {
		// The request is still being reassembled; apply on dispatch.
		c.earlyCancels[id] = struct{}{}
	}
	c.mu.Unlock()

	switch {
	case pc != nil:
		pc.resolve(callOutcome{err: ErrCanceled})
	case cancel != nil:
		cancel()
	}
	if onCancel != nil {
		onCancel(id)
	}
}

func (c *Conn) deliverNotification(n wire.Notification) {
	c.mu.Lock()
	h := c.onNote
	if h == nil {
		if len(c.notes) >= maxBufferedNotifications {
			c.notes = c.notes[1:]
			c.log.Warn("notification buffer full; dropping oldest")
		}
		c.notes = append(c.notes, n)
	}
	c.mu.Unlock()

	if h != nil {
		go h(n)
	}
}
