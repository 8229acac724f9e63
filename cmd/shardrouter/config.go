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
	envListenAddr  = "SHARDRPC_LISTEN_ADDR"
	envNetwork     = "SHARDRPC_NETWORK"
	envAuthToken   = "SHARDRPC_AUTH_TOKEN"
	envMetricsAddr = "SHARDRPC_METRICS_ADDR"
	envPolicy      = "SHARDRPC_POLICY"
	envRevision    = "SHARDRPC_REVISION"
	envSourceDir   = "SHARDRPC_SOURCE_DIR"
)

// shardrouter config.toml keys.
type fileConfig struct {
	ListenAddr    string         `toml:"listen_addr"`
	Network       string         `toml:"network"`
	MetricsAddr   string         `toml:"metrics_addr"`
	PolicyPath    string         `toml:"policy_path"`
	SourceDir     string         `toml:"source_dir"`
	AuthToken     string         `toml:"auth_token"`
	Revision      int64          `toml:"revision"`
	StatsInterval string         `toml:"stats_interval"`
	MaxFrameLen   uint32         `toml:"max_frame_len"`
	MaxPacketLen  uint32         `toml:"max_packet_len"`
	Compression   []string       `toml:"compression"`
	Log           logging.Config `toml:"log"`
}

type routerConfig struct {
	ListenAddr    string
	Network       string
	MetricsAddr   string
	PolicyPath    string
	SourceDir     string
	AuthToken     *string
	Revision      uint64
	StatsInterval time.Duration
	MaxFrameLen   uint32
	MaxPacketLen  uint32
	Compression   []wire.CompressionAlgo
	Log           logging.Config
}

func defaultRouterConfig() routerConfig {
	return routerConfig{
		ListenAddr:    "127.0.0.1:7400",
		Network:       transport.NetworkTCP,
		StatsInterval: 30 * time.Second,
		MaxFrameLen:   wire.DefaultMaxFrameLen,
		MaxPacketLen:  wire.DefaultMaxPacketLen,
		Compression:   compress.Supported(),
		Log:           logging.DefaultConfig(),
	}
}

// loadRouterConfig overlays the file at path (if any) and the environment
// on the defaults. An empty metrics_addr disables the metrics endpoint; an
// empty source_dir means workers are never sent files.
func loadRouterConfig(path string) (routerConfig, error) {
	cfg := defaultRouterConfig()

	if path != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return routerConfig{}, fmt.Errorf("load router config: %w", err)
		}
		if meta.IsDefined("listen_addr") {
			cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
		}
		if meta.IsDefined("network") {
			cfg.Network = strings.TrimSpace(raw.Network)
		}
		if meta.IsDefined("metrics_addr") {
			cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
		}
		if meta.IsDefined("policy_path") {
			cfg.PolicyPath = strings.TrimSpace(raw.PolicyPath)
		}
		if meta.IsDefined("source_dir") {
			cfg.SourceDir = strings.TrimSpace(raw.SourceDir)
		}
		if meta.IsDefined("auth_token") {
			token := raw.AuthToken
			cfg.AuthToken = &token
		}
		if meta.IsDefined("revision") {
			if raw.Revision < 0 {
				return routerConfig{}, fmt.Errorf("load router config: revision must not be negative")
			}
			cfg.Revision = uint64(raw.Revision)
		}
		if meta.IsDefined("stats_interval") {
			d, err := time.ParseDuration(raw.StatsInterval)
			if err != nil {
				return routerConfig{}, fmt.Errorf("load router config: stats_interval: %w", err)
			}
			cfg.StatsInterval = d
		}
		if meta.IsDefined("max_frame_len") {
			cfg.MaxFrameLen = raw.MaxFrameLen
		}
		if meta.IsDefined("max_packet_len") {
			cfg.MaxPacketLen = raw.MaxPacketLen
		}
		if meta.IsDefined("compression") {
			algos := make([]wire.CompressionAlgo, 0, len(raw.Compression))
			for _, n := range raw.Compression {
				a := wire.ParseCompressionAlgo(strings.ToLower(strings.TrimSpace(n)))
				if a == wire.CompressionUnknown {
					return routerConfig{}, fmt.Errorf("load router config: unknown compression %q", n)
				}
				algos = append(algos, a)
			}
			cfg.Compression = algos
		}
		if meta.IsDefined("log", "level") {
			cfg.Log.Level = raw.Log.Level
		}
		if meta.IsDefined("log", "json") {
			cfg.Log.JSON = raw.Log.JSON
		}
	}

	if v := strings.TrimSpace(os.Getenv(envListenAddr)); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(envNetwork)); v != "" {
		cfg.Network = v
	}
	if v := strings.TrimSpace(os.Getenv(envMetricsAddr)); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(envPolicy)); v != "" {
		cfg.PolicyPath = v
	}
	if v := strings.TrimSpace(os.Getenv(envSourceDir)); v != "" {
		cfg.SourceDir = v
	}
	if v, ok := os.LookupEnv(envAuthToken); ok {
		cfg.AuthToken = &v
	}
	if v := strings.TrimSpace(os.Getenv(envRevision)); v != "" {
		rev, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return routerConfig{}, fmt.Errorf("load router config: %s: %w", envRevision, err)
		}
		cfg.Revision = rev
	}
	cfg.Log.ApplyEnv()

	if cfg.Network != transport.NetworkTCP && cfg.Network != transport.NetworkQUIC {
		return routerConfig{}, fmt.Errorf("load router config: unsupported network %q (expected tcp or quic)", cfg.Network)
	}
	if cfg.MaxFrameLen == 0 || cfg.MaxPacketLen == 0 {
		return routerConfig{}, fmt.Errorf("load router config: max_frame_len and max_packet_len must be non-zero")
	}
	if cfg.StatsInterval < 0 {
		return routerConfig{}, fmt.Errorf("load router config: stats_interval must not be negative")
	}
	return cfg, nil
}

// handshakeConfig builds the rpc.RouterConfig shared by every accepted
// worker; the router fills in WorkerID per connection.
func (c routerConfig) handshakeConfig(log logging.Logger) rpc.RouterConfig {
	rc := rpc.DefaultRouterConfig()
	rc.Revision = c.Revision
	rc.ExpectedAuthToken = c.AuthToken
	rc.Capabilities.MaxFrameLen = c.MaxFrameLen
	rc.Capabilities.MaxPacketLen = c.MaxPacketLen
	rc.Capabilities.SupportedCompression = c.Compression
	rc.Options.Logger = log
	return rc
}
