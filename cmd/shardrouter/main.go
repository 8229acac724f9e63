// Command shardrouter accepts shard workers, admits them against a policy
// and keeps them attached.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/machinefabric/shardrpc-go/admission"
	"github.com/machinefabric/shardrpc-go/logging"
	"github.com/machinefabric/shardrpc-go/metrics"
	"github.com/machinefabric/shardrpc-go/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a shardrouter TOML config")
	envName := flag.String("env", "", "load <env>.env before reading the environment")
	flag.Parse()

	if err := run(*configPath, *envName); err != nil {
		fmt.Fprintf(os.Stderr, "shardrouter: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envName string) error {
	if envName != "" {
		if err := godotenv.Load(envName + ".env"); err != nil {
			return err
		}
	}
	cfg, err := loadRouterConfig(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	var policy *admission.Policy
	if cfg.PolicyPath != "" {
		if policy, err = admission.LoadPolicy(cfg.PolicyPath); err != nil {
			return err
		}
		log.Info("admission policy loaded", "path", cfg.PolicyPath, "shards", len(policy.Shards))
	} else if cfg.AuthToken == nil {
		log.Warn("no auth token and no admission policy, every worker will be admitted")
	}

	ln, err := transport.Listen(cfg.Network, cfg.ListenAddr, nil)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info("router listening", "network", cfg.Network, "addr", ln.Addr().String(), "revision", cfg.Revision)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		metrics.RegisterMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	err = newRouter(cfg, policy, log).serve(ctx, ln)
	log.Info("shutting down router")

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(sctx); serr != nil {
			log.Error("metrics server forced to shutdown", "error", serr)
		}
	}
	return err
}
