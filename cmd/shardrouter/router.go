package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/machinefabric/shardrpc-go/admission"
	"github.com/machinefabric/shardrpc-go/cmd/internal/shardproto"
	"github.com/machinefabric/shardrpc-go/logging"
	"github.com/machinefabric/shardrpc-go/rpc"
	"github.com/machinefabric/shardrpc-go/transport"
	"github.com/machinefabric/shardrpc-go/wire"
)

const (
	handshakeTimeout   = 10 * time.Second
	workerCallTimeout  = 5 * time.Second
	acceptRetryDelay   = 100 * time.Millisecond
	shutdownAckTimeout = 2 * time.Second
)

var errNoWorker = errors.New("no such worker")

// router accepts workers, keeps them in a registry and polls their stats.
type router struct {
	log       logging.Logger
	handshake rpc.RouterConfig
	admission *admission.Controller
	workers   *registry
	interval  time.Duration
	sourceDir string
	revision  uint64

	nextWorkerID atomic.Uint32
	wg           sync.WaitGroup
}

func newRouter(cfg routerConfig, policy *admission.Policy, log logging.Logger) *router {
	return &router{
		log:       log,
		handshake: cfg.handshakeConfig(log),
		admission: admission.NewController(policy, log),
		workers:   newRegistry(),
		interval:  cfg.StatsInterval,
		sourceDir: cfg.SourceDir,
		revision:  cfg.Revision,
	}
}

// serve accepts workers from ln until ctx ends, then asks every attached
// worker to stop and waits for their sessions to finish.
func (r *router) serve(ctx context.Context, ln transport.Listener) error {
	if r.interval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.pollStats(ctx)
		}()
	}

	var err error
	for {
		var stream net.Conn
		stream, err = ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				err = nil
				break
			}
			r.log.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.attach(ctx, stream)
		}()
	}

	r.stopWorkers()
	r.wg.Wait()
	return err
}

// attach runs the handshake on stream and holds the session until the
// worker goes away or ctx ends.
func (r *router) attach(ctx context.Context, stream io.ReadWriteCloser) {
	cfg := r.handshake
	cfg.WorkerID = r.nextWorkerID.Add(1)
	log := r.log.With("worker_id", cfg.WorkerID)

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, welcome, err := r.admission.Accept(hctx, stream, cfg)
	cancel()
	if err != nil {
		log.Info("worker handshake failed", "error", err)
		return
	}
	log = log.With("shard_id", welcome.ShardID, "conn_id", conn.ID())

	entry := &workerEntry{
		WorkerID:   welcome.WorkerID,
		ShardID:    welcome.ShardID,
		Conn:       conn,
		AttachedAt: time.Now(),
	}
	unregister := r.workers.register(entry)
	defer unregister()

	conn.SetNotificationHandler(func(n wire.Notification) { r.onNotification(entry.WorkerID, n, log) })
	conn.SetRequestHandler(func(context.Context, wire.Request) (wire.Response, error) {
		return nil, wire.NewRpcError(wire.RpcInvalidRequest, "router does not serve requests")
	})
	log.Info("worker attached", "version", welcome.ChosenVersion.String(), "compression", welcome.ChosenCapabilities.SupportedCompression)

	if r.sourceDir != "" {
		r.seedWorker(ctx, entry, log)
	}

	select {
	case <-conn.Closed():
		log.Info("worker detached", "error", conn.Err())
	case <-ctx.Done():
		select {
		case <-conn.Closed():
		case <-time.After(2 * shutdownAckTimeout):
			conn.Shutdown()
		}
	}
}

func (r *router) onNotification(workerID uint32, n wire.Notification, log logging.Logger) {
	msg, err := shardproto.DecodeNotification(n)
	if err != nil {
		log.Warn("undecodable notification", "error", err)
		return
	}
	if msg.Type != shardproto.KindCachedIndex {
		log.Debug("ignoring notification", "type", msg.Type)
		return
	}
	var info shardproto.ShardIndexInfo
	if err := msg.Decode(&info); err != nil {
		log.Warn("bad cached_index notification", "error", err)
		return
	}
	r.workers.setIndex(workerID, info)
	log.Info("worker index updated", "revision", info.Revision, "generation", info.IndexGeneration, "symbols", info.SymbolCount)
}

// call sends one shardproto request to a worker and returns the decoded
// response.
func (r *router) call(ctx context.Context, workerID uint32, kind string, body any) (*shardproto.Message, error) {
	e, ok := r.workers.get(workerID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", errNoWorker, workerID)
	}
	req, err := shardproto.NewRequest(kind, body)
	if err != nil {
		return nil, err
	}
	resp, err := e.Conn.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	return shardproto.DecodeResponse(resp)
}

// seedWorker sends a freshly attached worker its shard's files from the
// source directory.
func (r *router) seedWorker(ctx context.Context, e *workerEntry, log logging.Logger) {
	files, err := loadShardFiles(shardDir(r.sourceDir, e.ShardID))
	if err != nil {
		log.Warn("cannot read shard sources", "dir", r.sourceDir, "error", err)
		return
	}
	if len(files) == 0 {
		log.Debug("no sources for shard", "dir", r.sourceDir)
		return
	}
	info, err := r.indexWorker(ctx, e, r.revision, files)
	if err != nil {
		log.Warn("seeding worker failed", "error", err)
		return
	}
	log.Info("worker seeded", "files", len(files), "revision", info.Revision, "symbols", info.SymbolCount)
}

// indexWorker sends files to one worker as an index_shard request.
func (r *router) indexWorker(ctx context.Context, e *workerEntry, revision uint64, files []shardproto.FileText) (shardproto.ShardIndexInfo, error) {
	var info shardproto.ShardIndexInfo
	msg, err := r.call(ctx, e.WorkerID, shardproto.KindIndexShard, shardproto.LoadFiles{Revision: revision, Files: files})
	if err != nil {
		return info, fmt.Errorf("index shard %d on worker %d: %w", e.ShardID, e.WorkerID, err)
	}
	if err := msg.Decode(&info); err != nil {
		return info, fmt.Errorf("index shard %d on worker %d: %w", e.ShardID, e.WorkerID, err)
	}
	r.workers.setIndex(e.WorkerID, info)
	return info, nil
}

// indexShard sends files to every worker on shardID and returns each
// worker's resulting index keyed by worker id.
func (r *router) indexShard(ctx context.Context, shardID uint32, revision uint64, files []shardproto.FileText) (map[uint32]shardproto.ShardIndexInfo, error) {
	out := make(map[uint32]shardproto.ShardIndexInfo)
	for _, e := range r.workers.forShard(shardID) {
		info, err := r.indexWorker(ctx, e, revision, files)
		if err != nil {
			return out, err
		}
		out[e.WorkerID] = info
	}
	return out, nil
}

func (r *router) pollStats(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.collectStats(ctx)
		}
	}
}

// collectStats asks every attached worker for its stats once.
func (r *router) collectStats(ctx context.Context) {
	for _, e := range r.workers.snapshot() {
		cctx, cancel := context.WithTimeout(ctx, workerCallTimeout)
		req, err := shardproto.NewRequest(shardproto.KindGetWorkerStats, nil)
		if err == nil {
			var resp wire.Response
			resp, err = e.Conn.Call(cctx, req)
			if err == nil {
				var stats *shardproto.WorkerStats
				if stats, err = shardproto.DecodeWorkerStats(resp); err == nil {
					r.workers.setStats(e.WorkerID, *stats)
					r.log.Debug("worker stats", "worker_id", e.WorkerID, "shard_id", stats.ShardID,
						"revision", stats.Revision, "generation", stats.IndexGeneration, "files", stats.FileCount)
				}
			}
		}
		cancel()
		if err != nil && !errors.Is(err, rpc.ErrConnectionClosed) {
			r.log.Warn("stats poll failed", "worker_id", e.WorkerID, "error", err)
		}
	}
}

// stopWorkers asks each worker to shut down, then closes its connection.
func (r *router) stopWorkers() {
	var wg sync.WaitGroup
	for _, e := range r.workers.snapshot() {
		wg.Add(1)
		go func(e *workerEntry) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), shutdownAckTimeout)
			defer cancel()
			if _, err := r.call(ctx, e.WorkerID, shardproto.KindShutdown, nil); err != nil {
				r.log.Debug("worker did not acknowledge shutdown", "worker_id", e.WorkerID, "error", err)
			}
			e.Conn.Shutdown()
		}(e)
	}
	wg.Wait()
}
