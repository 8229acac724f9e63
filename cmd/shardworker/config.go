package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/machinefabric/shardrpc-go/compress"
	"github.com/machinefabric/shardrpc-go/logging"
	"github.com/machinefabric/shardrpc-go/rpc"
	"github.com/machinefabric/shardrpc-go/transport"
	"github.com/machinefabric/shardrpc-go/wire"
)

// Environment overrides, applied after the config file.
const (
	envRouterAddr = "SHARDRPC_ROUTER_ADDR"
	envNetwork    = "SHARDRPC_NETWORK"
	envShardID    = "SHARDRPC_SHARD_ID"
	envAuthToken  = "SHARDRPC_AUTH_TOKEN"
)

// shardworker config.toml keys.
type fileConfig struct {
	RouterAddr   string         `toml:"router_addr"`
	Network      string         `toml:"network"`
	ShardID      int64          `toml:"shard_id"`
	AuthToken    string         `toml:"auth_token"`
	MaxFrameLen  uint32         `toml:"max_frame_len"`
	MaxPacketLen uint32         `toml:"max_packet_len"`
	Compression  []string       `toml:"compression"`
	DialRetry    string         `toml:"dial_retry"`
	Log          logging.Config `toml:"log"`
}

type workerConfig struct {
	RouterAddr   string
	Network      string
	ShardID      uint32
	AuthToken    *string
	MaxFrameLen  uint32
	MaxPacketLen uint32
	Compression  []wire.CompressionAlgo
	DialRetry    time.Duration
	Log          logging.Config
}

func defaultWorkerConfig() workerConfig {
	return workerConfig{
		RouterAddr:   "127.0.0.1:7400",
		Network:      transport.NetworkTCP,
		MaxFrameLen:  wire.DefaultMaxFrameLen,
		MaxPacketLen: wire.DefaultMaxPacketLen,
		Compression:  compress.Supported(),
		DialRetry:    2 * time.Second,
		Log:          logging.DefaultConfig(),
	}
}

// loadWorkerConfig overlays the file at path (if any) and the environment
// on the defaults.
func loadWorkerConfig(path string) (workerConfig, error) {
	cfg := defaultWorkerConfig()

	if path != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return workerConfig{}, fmt.Errorf("load worker config: %w", err)
		}
		if meta.IsDefined("router_addr") {
			cfg.RouterAddr = strings.TrimSpace(raw.RouterAddr)
		}
		if meta.IsDefined("network") {
			cfg.Network = strings.TrimSpace(raw.Network)
		}
		if meta.IsDefined("shard_id") {
			id, err := shardID(strconv.FormatInt(raw.ShardID, 10))
			if err != nil {
				return workerConfig{}, err
			}
			cfg.ShardID = id
		}
		if meta.IsDefined("auth_token") {
			token := raw.AuthToken
			cfg.AuthToken = &token
		}
		if meta.IsDefined("max_frame_len") {
			cfg.MaxFrameLen = raw.MaxFrameLen
		}
		if meta.IsDefined("max_packet_len") {
			cfg.MaxPacketLen = raw.MaxPacketLen
		}
		if meta.IsDefined("compression") {
			algos, err := parseCompression(raw.Compression)
			if err != nil {
				return workerConfig{}, err
			}
			cfg.Compression = algos
		}
		if meta.IsDefined("dial_retry") {
			d, err := time.ParseDuration(raw.DialRetry)
			if err != nil {
				return workerConfig{}, fmt.Errorf("load worker config: dial_retry: %w", err)
			}
			cfg.DialRetry = d
		}
		if meta.IsDefined("log", "level") {
			cfg.Log.Level = raw.Log.Level
		}
		if meta.IsDefined("log", "json") {
			cfg.Log.JSON = raw.Log.JSON
		}
	}

	if v := strings.TrimSpace(os.Getenv(envRouterAddr)); v != "" {
		cfg.RouterAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(envNetwork)); v != "" {
		cfg.Network = v
	}
	if v := strings.TrimSpace(os.Getenv(envShardID)); v != "" {
		id, err := shardID(v)
		if err != nil {
			return workerConfig{}, err
		}
		cfg.ShardID = id
	}
	if v, ok := os.LookupEnv(envAuthToken); ok {
		cfg.AuthToken = &v
	}
	cfg.Log.ApplyEnv()

	if cfg.Network != transport.NetworkTCP && cfg.Network != transport.NetworkQUIC {
		return workerConfig{}, fmt.Errorf("load worker config: unsupported network %q (expected tcp or quic)", cfg.Network)
	}
	if cfg.MaxFrameLen == 0 || cfg.MaxPacketLen == 0 {
		return workerConfig{}, fmt.Errorf("load worker config: max_frame_len and max_packet_len must be non-zero")
	}
	return cfg, nil
}

func shardID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("load worker config: shard id %q: %w", s, err)
	}
	return uint32(id), nil
}

func parseCompression(names []string) ([]wire.CompressionAlgo, error) {
	algos := make([]wire.CompressionAlgo, 0, len(names))
	for _, n := range names {
		a := wire.ParseCompressionAlgo(strings.ToLower(strings.TrimSpace(n)))
		if a == wire.CompressionUnknown {
			return nil, fmt.Errorf("load worker config: unknown compression %q", n)
		}
		algos = append(algos, a)
	}
	return algos, nil
}

// handshakeConfig turns the loaded settings into an rpc.WorkerConfig.
func (c workerConfig) handshakeConfig(build string, log logging.Logger) rpc.WorkerConfig {
	wc := rpc.DefaultWorkerConfig()
	wc.Hello.ShardID = c.ShardID
	wc.Hello.AuthToken = c.AuthToken
	wc.Hello.WorkerBuild = &build
	wc.Hello.Capabilities.MaxFrameLen = c.MaxFrameLen
	wc.Hello.Capabilities.MaxPacketLen = c.MaxPacketLen
	wc.Hello.Capabilities.SupportedCompression = c.Compression
	wc.Options.Logger = log
	return wc
}
