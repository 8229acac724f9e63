package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/machinefabric/shardrpc-go/cmd/internal/shardproto"
	"github.com/machinefabric/shardrpc-go/logging"
	"github.com/machinefabric/shardrpc-go/wire"
)

// shardWorker holds one shard's files in memory and answers the router.
type shardWorker struct {
	shardID uint32
	log     logging.Logger

	mu          sync.Mutex
	revision    uint64
	generation  uint64
	files       map[string]string
	symbolCount uint32

	stopOnce sync.Once
	stop     chan struct{}
}

func newShardWorker(shardID uint32, log logging.Logger) *shardWorker {
	return &shardWorker{
		shardID: shardID,
		log:     log,
		files:   make(map[string]string),
		stop:    make(chan struct{}),
	}
}

// stopped is closed once the router asked this worker to shut down.
func (w *shardWorker) stopped() <-chan struct{} { return w.stop }

// handle is the rpc.RequestHandler for the router's requests.
func (w *shardWorker) handle(ctx context.Context, req wire.Request) (wire.Response, error) {
	msg, err := shardproto.DecodeRequest(req)
	if err != nil {
		return nil, wire.NewRpcError(wire.RpcInvalidRequest, err.Error())
	}

	switch msg.Type {
	case shardproto.KindLoadFiles:
		var body shardproto.LoadFiles
		if err := decodeFiles(msg, &body); err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.revision = body.Revision
		w.files = filesByPath(body.Files)
		w.mu.Unlock()
		return shardproto.NewResponse(shardproto.KindAck, nil)

	case shardproto.KindIndexShard:
		var body shardproto.LoadFiles
		if err := decodeFiles(msg, &body); err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.revision = body.Revision
		w.files = filesByPath(body.Files)
		info, err := w.buildIndexLocked(ctx)
		w.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return shardproto.NewResponse(shardproto.KindShardIndexInfo, info)

	case shardproto.KindUpdateFile:
		var body shardproto.UpdateFile
		if err := msg.Decode(&body); err != nil {
			return nil, wire.NewRpcError(wire.RpcInvalidRequest, err.Error())
		}
		w.mu.Lock()
		w.revision = body.Revision
		w.files[body.File.Path] = body.File.Text
		info, err := w.buildIndexLocked(ctx)
		w.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return shardproto.NewResponse(shardproto.KindShardIndexInfo, info)

	case shardproto.KindGetWorkerStats:
		return shardproto.NewResponse(shardproto.KindWorkerStats, w.stats())

	case shardproto.KindShutdown:
		w.log.Info("router requested shutdown")
		w.stopOnce.Do(func() { close(w.stop) })
		return shardproto.NewResponse(shardproto.KindAck, nil)

	default:
		return nil, wire.NewRpcError(wire.RpcInvalidRequest, fmt.Sprintf("unsupported request %s", msg.Type))
	}
}

func (w *shardWorker) stats() shardproto.WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return shardproto.WorkerStats{
		ShardID:         w.shardID,
		Revision:        w.revision,
		IndexGeneration: w.generation,
		FileCount:       uint32(len(w.files)),
	}
}

// info describes the current index; ok is false before the first build.
func (w *shardWorker) info() (shardproto.ShardIndexInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return shardproto.ShardIndexInfo{
		ShardID:         w.shardID,
		Revision:        w.revision,
		IndexGeneration: w.generation,
		SymbolCount:     w.symbolCount,
	}, w.generation > 0
}

// buildIndexLocked counts distinct identifiers across all files. Callers
// hold w.mu.
func (w *shardWorker) buildIndexLocked(ctx context.Context) (shardproto.ShardIndexInfo, error) {
	symbols := make(map[string]struct{})
	for _, text := range w.files {
		if err := ctx.Err(); err != nil {
			return shardproto.ShardIndexInfo{}, err
		}
		for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
		}) {
			if r := []rune(tok)[0]; unicode.IsLetter(r) || r == '_' {
				symbols[tok] = struct{}{}
			}
		}
	}
	w.generation++
	w.symbolCount = uint32(len(symbols))
	w.log.Info("shard indexed", "revision", w.revision, "generation", w.generation, "files", len(w.files), "symbols", w.symbolCount)

	return shardproto.ShardIndexInfo{
		ShardID:         w.shardID,
		Revision:        w.revision,
		IndexGeneration: w.generation,
		SymbolCount:     w.symbolCount,
	}, nil
}

func decodeFiles(msg *shardproto.Message, body *shardproto.LoadFiles) error {
	if err := msg.Decode(body); err != nil {
		return wire.NewRpcError(wire.RpcInvalidRequest, err.Error())
	}
	if len(body.Files) > shardproto.MaxFilesPerRequest {
		return wire.NewRpcError(wire.RpcTooLarge, fmt.Sprintf("%d files exceeds the limit of %d", len(body.Files), shardproto.MaxFilesPerRequest))
	}
	return nil
}

func filesByPath(files []shardproto.FileText) map[string]string {
	out := make(map[string]string, len(files))
	for _, f := range files {
		out[f.Path] = f.Text
	}
	return out
}
