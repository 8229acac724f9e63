package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/shardrpc-go/admission"
	"github.com/machinefabric/shardrpc-go/cmd/internal/shardproto"
	"github.com/machinefabric/shardrpc-go/logging"
	"github.com/machinefabric/shardrpc-go/rpc"
	"github.com/machinefabric/shardrpc-go/transport"
	"github.com/machinefabric/shardrpc-go/wire"
)

const testTimeout = 10 * time.Second

// fakeWorker answers shardproto requests with fixed values and records
// whether it was told to shut down.
type fakeWorker struct {
	conn     *rpc.Conn
	shutdown chan struct{}
}

func dialWorker(t *testing.T, ctx context.Context, addr string, shardID uint32, token string) (*fakeWorker, error) {
	t.Helper()
	stream, err := transport.Dial(ctx, transport.NetworkTCP, addr, nil)
	require.NoError(t, err)

	hello := rpc.DefaultWorkerHello()
	hello.ShardID = shardID
	if token != "" {
		hello.AuthToken = &token
	}
	conn, _, err := rpc.HandshakeAsWorker(ctx, stream, hello)
	if err != nil {
		return nil, err
	}
	fw := &fakeWorker{conn: conn, shutdown: make(chan struct{}, 1)}
	conn.SetRequestHandler(func(rctx context.Context, req wire.Request) (wire.Response, error) {
		msg, err := shardproto.DecodeRequest(req)
		if err != nil {
			return nil, err
		}
		switch msg.Type {
		case shardproto.KindGetWorkerStats:
			return shardproto.NewResponse(shardproto.KindWorkerStats, shardproto.WorkerStats{ShardID: shardID, Revision: 5, FileCount: 2})
		case shardproto.KindIndexShard:
			var body shardproto.LoadFiles
			if err := msg.Decode(&body); err != nil {
				return nil, err
			}
			info := shardproto.ShardIndexInfo{ShardID: shardID, Revision: body.Revision, IndexGeneration: 1, SymbolCount: uint32(len(body.Files))}
			note, err := shardproto.NewNotification(shardproto.KindCachedIndex, info)
			if err != nil {
				return nil, err
			}
			if err := conn.Notify(rctx, note); err != nil {
				return nil, err
			}
			return shardproto.NewResponse(shardproto.KindShardIndexInfo, info)
		case shardproto.KindShutdown:
			fw.shutdown <- struct{}{}
			return shardproto.NewResponse(shardproto.KindAck, nil)
		}
		return nil, wire.NewRpcError(wire.RpcInvalidRequest, msg.Type)
	})
	return fw, nil
}

func startRouter(t *testing.T, cfg routerConfig, policy *admission.Policy) (*router, string, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := transport.Listen(transport.NetworkTCP, "127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	r := newRouter(cfg, policy, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.serve(ctx, ln) }()
	return r, ln.Addr().String(), cancel, done
}

func TestRouterAttachesAndStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	cfg := defaultRouterConfig()
	cfg.StatsInterval = 0
	cfg.Revision = 7
	r, addr, stop, done := startRouter(t, cfg, nil)

	w, err := dialWorker(t, ctx, addr, 3, "")
	require.NoError(t, err)
	defer w.conn.Shutdown()
	assert.Equal(t, uint64(7), w.conn.Welcome().Revision)

	require.Eventually(t, func() bool { return r.workers.count() == 1 }, testTimeout, 10*time.Millisecond)
	entry := r.workers.forShard(3)[0]
	assert.Equal(t, w.conn.Welcome().WorkerID, entry.WorkerID)
	assert.Equal(t, 1, r.admission.Live(3))

	r.collectStats(ctx)
	got, ok := r.workers.get(entry.WorkerID)
	require.True(t, ok)
	r.workers.mu.RLock()
	stats := got.Stats
	r.workers.mu.RUnlock()
	require.NotNil(t, stats)
	assert.Equal(t, uint32(2), stats.FileCount)

	infos, err := r.indexShard(ctx, 3, 8, []shardproto.FileText{{Path: "a", Text: "x"}, {Path: "b", Text: "y"}})
	require.NoError(t, err)
	require.Contains(t, infos, entry.WorkerID)
	assert.Equal(t, uint32(2), infos[entry.WorkerID].SymbolCount)

	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("router did not stop")
	}
	select {
	case <-w.shutdown:
	default:
		t.Fatal("worker was not asked to shut down")
	}
	assert.Zero(t, r.workers.count())
	assert.Eventually(t, func() bool { return r.admission.Live(3) == 0 }, testTimeout, 10*time.Millisecond)
}

func TestRouterRecordsCachedIndexNotifications(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	cfg := defaultRouterConfig()
	cfg.StatsInterval = 0
	r, addr, stop, done := startRouter(t, cfg, nil)
	defer func() { stop(); <-done }()

	w, err := dialWorker(t, ctx, addr, 1, "")
	require.NoError(t, err)
	defer w.conn.Shutdown()
	require.Eventually(t, func() bool { return r.workers.count() == 1 }, testTimeout, 10*time.Millisecond)

	note, err := shardproto.NewNotification(shardproto.KindCachedIndex, shardproto.ShardIndexInfo{ShardID: 1, Revision: 3, IndexGeneration: 2, SymbolCount: 40})
	require.NoError(t, err)
	require.NoError(t, w.conn.Notify(ctx, note))

	id := w.conn.Welcome().WorkerID
	assert.Eventually(t, func() bool {
		r.workers.mu.RLock()
		defer r.workers.mu.RUnlock()
		e, ok := r.workers.workers[id]
		return ok && e.Index != nil && e.Index.SymbolCount == 40
	}, testTimeout, 10*time.Millisecond)

	// Workers cannot call the router.
	req, err := shardproto.NewRequest(shardproto.KindGetWorkerStats, nil)
	require.NoError(t, err)
	_, err = w.conn.Call(ctx, req)
	var rerr *wire.RpcError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, wire.RpcInvalidRequest, rerr.Code)
}

func TestRouterAppliesAdmissionPolicy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	policy, err := admission.ParsePolicy([]byte(`{"shards": [{"shard_id": 2, "auth_token": "s2", "max_workers": 1}]}`))
	require.NoError(t, err)
	cfg := defaultRouterConfig()
	cfg.StatsInterval = 0
	r, addr, stop, done := startRouter(t, cfg, policy)
	defer func() { stop(); <-done }()

	_, err = dialWorker(t, ctx, addr, 2, "wrong")
	assert.ErrorIs(t, err, rpc.ErrHandshakeFailed)
	_, err = dialWorker(t, ctx, addr, 5, "s2")
	assert.ErrorIs(t, err, rpc.ErrHandshakeFailed)

	w, err := dialWorker(t, ctx, addr, 2, "s2")
	require.NoError(t, err)
	defer w.conn.Shutdown()

	_, err = dialWorker(t, ctx, addr, 2, "s2")
	assert.ErrorIs(t, err, rpc.ErrHandshakeFailed)

	require.Eventually(t, func() bool { return r.workers.count() == 1 }, testTimeout, 10*time.Millisecond)
	_, err = r.call(ctx, 999, shardproto.KindGetWorkerStats, nil)
	assert.ErrorIs(t, err, errNoWorker)
}

func TestRouterSeedsWorkerFromSourceDir(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "3", "a.go"), "package a")
	writeFile(t, filepath.Join(root, "3", "sub", "b.go"), "package b")

	cfg := defaultRouterConfig()
	cfg.StatsInterval = 0
	cfg.Revision = 11
	cfg.SourceDir = root
	r, addr, stop, done := startRouter(t, cfg, nil)
	defer func() { stop(); <-done }()

	w, err := dialWorker(t, ctx, addr, 3, "")
	require.NoError(t, err)
	defer w.conn.Shutdown()

	id := w.conn.Welcome().WorkerID
	require.Eventually(t, func() bool {
		r.workers.mu.RLock()
		defer r.workers.mu.RUnlock()
		e, ok := r.workers.workers[id]
		return ok && e.Index != nil
	}, testTimeout, 10*time.Millisecond)

	r.workers.mu.RLock()
	info := *r.workers.workers[id].Index
	r.workers.mu.RUnlock()
	assert.Equal(t, uint32(2), info.SymbolCount)
	assert.Equal(t, uint64(11), info.Revision)
}
