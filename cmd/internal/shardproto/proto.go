// Package shardproto is the request vocabulary spoken by shardrouter and
// shardworker on top of an rpc.Conn.
package shardproto

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/machinefabric/shardrpc-go/wire"
)

// MaxFilesPerRequest bounds load_files and index_shard.
const MaxFilesPerRequest = 100_000

var ErrUnknownMessage = errors.New("shardproto: unknown message type")

// Request kinds
const (
	KindLoadFiles      = "load_files"
	KindIndexShard     = "index_shard"
	KindUpdateFile     = "update_file"
	KindGetWorkerStats = "get_worker_stats"
	KindShutdown       = "shutdown"
)

// Response kinds
const (
	KindAck            = "ack"
	KindShardIndexInfo = "shard_index_info"
	KindWorkerStats    = "worker_stats"
)

// KindCachedIndex is the only notification kind.
const KindCachedIndex = "cached_index"

type FileText struct {
	Path string `cbor:"path"`
	Text string `cbor:"text"`
}

type LoadFiles struct {
	Revision uint64     `cbor:"revision"`
	Files    []FileText `cbor:"files"`
}

type UpdateFile struct {
	Revision uint64   `cbor:"revision"`
	File     FileText `cbor:"file"`
}

type WorkerStats struct {
	ShardID         uint32 `cbor:"shard_id"`
	Revision        uint64 `cbor:"revision"`
	IndexGeneration uint64 `cbor:"index_generation"`
	FileCount       uint32 `cbor:"file_count"`
}

type ShardIndexInfo struct {
	ShardID         uint32 `cbor:"shard_id"`
	Revision        uint64 `cbor:"revision"`
	IndexGeneration uint64 `cbor:"index_generation"`
	SymbolCount     uint32 `cbor:"symbol_count"`
}

// Message is a decoded request, response or notification. Body is left
// raw until the caller knows which struct it wants.
type Message struct {
	Type string          `cbor:"type"`
	Body cbor.RawMessage `cbor:"body,omitempty"`
}

// Decode unmarshals the body into v.
func (m *Message) Decode(v any) error {
	if len(m.Body) == 0 {
		return fmt.Errorf("shardproto: %s message has no body", m.Type)
	}
	return cbor.Unmarshal(m.Body, v)
}

func encode(kind string, body any) ([]byte, error) {
	m := Message{Type: kind}
	if body != nil {
		raw, err := cbor.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("shardproto: encode %s: %w", kind, err)
		}
		m.Body = raw
	}
	return cbor.Marshal(m)
}

func decode(data []byte) (*Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("shardproto: decode: %w", err)
	}
	if m.Type == "" {
		return nil, errors.New("shardproto: message without type")
	}
	return &m, nil
}

// NewRequest builds a request of the given kind. body may be nil for
// bodiless kinds.
func NewRequest(kind string, body any) (wire.Request, error) {
	b, err := encode(kind, body)
	return wire.Request(b), err
}

func DecodeRequest(req wire.Request) (*Message, error) { return decode(req) }

// NewResponse builds a response of the given kind.
func NewResponse(kind string, body any) (wire.Response, error) {
	b, err := encode(kind, body)
	return wire.Response(b), err
}

func DecodeResponse(resp wire.Response) (*Message, error) { return decode(resp) }

// NewNotification builds a notification of the given kind.
func NewNotification(kind string, body any) (wire.Notification, error) {
	b, err := encode(kind, body)
	return wire.Notification(b), err
}

func DecodeNotification(n wire.Notification) (*Message, error) { return decode(n) }

// DecodeWorkerStats expects a worker_stats response.
func DecodeWorkerStats(resp wire.Response) (*WorkerStats, error) {
	m, err := DecodeResponse(resp)
	if err != nil {
		return nil, err
	}
	if m.Type != KindWorkerStats {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrUnknownMessage, KindWorkerStats, m.Type)
	}
	var s WorkerStats
	if err := m.Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}
