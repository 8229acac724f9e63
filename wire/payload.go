package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Request is an opaque CBOR-encoded request value.
type Request []byte

// NewRequest encodes v as a request value.
func NewRequest(v any) (Request, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: request: %v", ErrEncode, err)
	}
	return Request(b), nil
}

// Decode unmarshals the request into v.
func (r Request) Decode(v any) error {
	return decMode.Unmarshal(r, v)
}

// Response is an opaque CBOR-encoded response value.
type Response []byte

// NewResponse encodes v as a response value.
func NewResponse(v any) (Response, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: response: %v", ErrEncode, err)
	}
	return Response(b), nil
}

// Decode unmarshals the response into v.
func (r Response) Decode(v any) error {
	return decMode.Unmarshal(r, v)
}

// Notification is an opaque CBOR-encoded fire-and-forget value.
type Notification []byte

// NewNotification encodes v as a notification value.
func NewNotification(v any) (Notification, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: notification: %v", ErrEncode, err)
	}
	return Notification(b), nil
}

// Decode unmarshals the notification into v.
func (n Notification) Decode(v any) error {
	return decMode.Unmarshal(n, v)
}

// RpcError is an application-level error carried inside a response. It
// never closes the connection.
type RpcError struct {
	Code      RpcErrorCode `cbor:"code"`
	Message   string       `cbor:"message"`
	Retryable bool         `cbor:"retryable"`
	Details   *string      `cbor:"details,omitempty"`
}

// NewRpcError builds a non-retryable error.
func NewRpcError(code RpcErrorCode, message string) *RpcError {
	return &RpcError{Code: code, Message: message}
}

func (e *RpcError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("rpc error [%s]: %s (%s)", e.Code, e.Message, *e.Details)
	}
	return fmt.Sprintf("rpc error [%s]: %s", e.Code, e.Message)
}

// ResultStatus discriminates RpcResult.
type ResultStatus uint8

const (
	ResultOk ResultStatus = iota
	ResultErr
	ResultUnknown
)

func (s ResultStatus) String() string {
	switch s {
	case ResultOk:
		return "ok"
	case ResultErr:
		return "err"
	default:
		return "unknown"
	}
}

// RpcResult is the body of a Response payload.
type RpcResult struct {
	Status ResultStatus
	Value  Response
	Error  *RpcError
}

// OkResult wraps a successful value
func OkResult(v Response) *RpcResult {
	return &RpcResult{Status: ResultOk, Value: v}
}

// ErrResult wraps an application error
func ErrResult(e *RpcError) *RpcResult {
	return &RpcResult{Status: ResultErr, Error: e}
}

type resultWire struct {
	Status string          `cbor:"status"`
	Value  cbor.RawMessage `cbor:"value,omitempty"`
	Error  *RpcError       `cbor:"error,omitempty"`
}

func (r *RpcResult) MarshalCBOR() ([]byte, error) {
	w := resultWire{Status: r.Status.String()}
	switch r.Status {
	case ResultOk:
		w.Value = cbor.RawMessage(r.Value)
		if len(w.Value) == 0 {
			w.Value = cbor.RawMessage{0xf6}
		}
	case ResultErr:
		if r.Error == nil {
			return nil, fmt.Errorf("%w: err result without error", ErrEncode)
		}
		w.Error = r.Error
	default:
		return nil, fmt.Errorf("%w: cannot encode result status %s", ErrEncode, r.Status)
	}
	return encMode.Marshal(w)
}

func (r *RpcResult) UnmarshalCBOR(data []byte) error {
	var w resultWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = RpcResult{}
	switch w.Status {
	case "ok":
		if len(w.Value) == 0 {
			return fmt.Errorf("ok result without value")
		}
		r.Status = ResultOk
		r.Value = Response(w.Value)
	case "err":
		if w.Error == nil {
			return fmt.Errorf("err result without error")
		}
		r.Status = ResultErr
		r.Error = w.Error
	default:
		r.Status = ResultUnknown
	}
	return nil
}

// PayloadType discriminates RpcPayload.
type PayloadType uint8

const (
	PayloadUnknown PayloadType = iota
	PayloadRequest
	PayloadResponse
	PayloadNotification
	PayloadCancel
)

func (t PayloadType) String() string {
	switch t {
	case PayloadRequest:
		return "request"
	case PayloadResponse:
		return "response"
	case PayloadNotification:
		return "notification"
	case PayloadCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

func parsePayloadType(s string) PayloadType {
	switch s {
	case "request":
		return PayloadRequest
	case "response":
		return PayloadResponse
	case "notification":
		return PayloadNotification
	case "cancel":
		return PayloadCancel
	default:
		return PayloadUnknown
	}
}

// RpcPayload is the logical content of a packet once reassembled.
type RpcPayload struct {
	Type         PayloadType
	Request      Request
	Response     *RpcResult
	Notification Notification

	// UnknownType holds the discriminant of a PayloadUnknown payload.
	UnknownType string
}

// RequestPayload wraps a request
func RequestPayload(r Request) *RpcPayload {
	return &RpcPayload{Type: PayloadRequest, Request: r}
}

// ResponsePayload wraps a result
func ResponsePayload(r *RpcResult) *RpcPayload {
	return &RpcPayload{Type: PayloadResponse, Response: r}
}

// NotificationPayload wraps a notification
func NotificationPayload(n Notification) *RpcPayload {
	return &RpcPayload{Type: PayloadNotification, Notification: n}
}

// CancelPayload is the bodiless cancel marker
func CancelPayload() *RpcPayload {
	return &RpcPayload{Type: PayloadCancel}
}

// EncodePayload encodes an RpcPayload to CBOR bytes
func EncodePayload(p *RpcPayload) ([]byte, error) {
	switch p.Type {
	case PayloadRequest:
		if len(p.Request) == 0 {
			return nil, fmt.Errorf("%w: empty request", ErrEncode)
		}
		return encodeEnvelope(p.Type.String(), cbor.RawMessage(p.Request))
	case PayloadResponse:
		if p.Response == nil {
			return nil, fmt.Errorf("%w: response without result", ErrEncode)
		}
		return encodeEnvelope(p.Type.String(), p.Response)
	case PayloadNotification:
		if len(p.Notification) == 0 {
			return nil, fmt.Errorf("%w: empty notification", ErrEncode)
		}
		return encodeEnvelope(p.Type.String(), cbor.RawMessage(p.Notification))
	case PayloadCancel:
		return encodeEnvelope(p.Type.String(), nil)
	default:
		return nil, fmt.Errorf("%w: cannot encode payload type %s", ErrEncode, p.Type)
	}
}

// DecodePayload decodes CBOR bytes to an RpcPayload
func DecodePayload(data []byte) (*RpcPayload, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	pt := parsePayloadType(env.Type)
	p := &RpcPayload{Type: pt}
	switch pt {
	case PayloadUnknown:
		p.UnknownType = env.Type
		return p, nil
	case PayloadCancel:
		return p, nil
	}

	if len(env.Body) == 0 {
		return nil, fmt.Errorf("%w: %s payload without body", ErrMalformedFrame, pt)
	}
	switch pt {
	case PayloadRequest:
		p.Request = Request(env.Body)
	case PayloadNotification:
		p.Notification = Notification(env.Body)
	case PayloadResponse:
		p.Response = &RpcResult{}
		if err := p.Response.UnmarshalCBOR(env.Body); err != nil {
			return nil, fmt.Errorf("%w: response body: %v", ErrMalformedFrame, err)
		}
	}
	return p, nil
}
