// Command shardworker serves one shard to a shardrouter.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/machinefabric/shardrpc-go/cmd/internal/shardproto"
	"github.com/machinefabric/shardrpc-go/logging"
	"github.com/machinefabric/shardrpc-go/rpc"
	"github.com/machinefabric/shardrpc-go/transport"
	"github.com/machinefabric/shardrpc-go/wire"
)

// stopGrace is how long the worker waits for the router to hang up after
// acknowledging a shutdown request.
const stopGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a shardworker TOML config")
	envName := flag.String("env", "", "load <env>.env before reading the environment")
	flag.Parse()

	if *envName != "" {
		if err := godotenv.Load(*envName + ".env"); err != nil {
			fmt.Fprintf(os.Stderr, "shardworker: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := loadWorkerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shardworker: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shardworker: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker exited", "error", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}

// run keeps one router session alive, redialing after transport failures,
// until ctx ends or the router asks the worker to stop.
func run(ctx context.Context, cfg workerConfig, log logging.Logger) error {
	build := "shardworker/" + uuid.NewString()
	log = log.With("shard_id", cfg.ShardID, "build", build)
	w := newShardWorker(cfg.ShardID, log)

	for {
		err := session(ctx, cfg, build, w, log)
		select {
		case <-w.stopped():
			return nil
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, rpc.ErrHandshakeFailed) {
			return err
		}
		log.Warn("router session ended, redialing", "error", err, "retry_in", cfg.DialRetry)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.DialRetry):
		}
	}
}

func session(ctx context.Context, cfg workerConfig, build string, w *shardWorker, log logging.Logger) error {
	stream, err := transport.Dial(ctx, cfg.Network, cfg.RouterAddr, nil)
	if err != nil {
		return err
	}

	hs := cfg.handshakeConfig(build, log)
	if info, ok := w.info(); ok {
		hs.Hello.CachedIndexInfo = &wire.CachedIndexInfo{
			Revision:        info.Revision,
			IndexGeneration: info.IndexGeneration,
			SymbolCount:     info.SymbolCount,
		}
	}

	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, welcome, err := rpc.HandshakeAsWorkerWithConfig(hctx, stream, hs)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Shutdown()
	log.Info("attached to router", "worker_id", welcome.WorkerID, "revision", welcome.Revision, "version", welcome.ChosenVersion.String())

	conn.SetRequestHandler(func(rctx context.Context, req wire.Request) (wire.Response, error) {
		resp, err := w.handle(rctx, req)
		if err == nil {
			announceIndex(rctx, conn, w, req, log)
		}
		return resp, err
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-conn.Closed():
		return conn.Err()
	case <-w.stopped():
		wctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		if err := conn.WaitClosed(wctx); err != nil {
			log.Info("router did not hang up, closing", "error", err)
		}
		return nil
	}
}

// announceIndex tells the router about a freshly built index.
func announceIndex(ctx context.Context, conn *rpc.Conn, w *shardWorker, req wire.Request, log logging.Logger) {
	msg, err := shardproto.DecodeRequest(req)
	if err != nil || (msg.Type != shardproto.KindIndexShard && msg.Type != shardproto.KindUpdateFile) {
		return
	}
	info, ok := w.info()
	if !ok {
		return
	}
	note, err := shardproto.NewNotification(shardproto.KindCachedIndex, info)
	if err != nil {
		log.Warn("encode cached_index", "error", err)
		return
	}
	if err := conn.Notify(ctx, note); err != nil {
		log.Debug("cached_index not sent", "error", err)
	}
}
