// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: ChainParams per network, compiled in, never changed at runtime
//   - Node settings: Runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies the network the client follows.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// P2P networking
	P2P P2PConfig

	// RPC server
	RPC RPCConfig

	// Header sync tuning
	Sync SyncConfig

	// Chain policy overrides applied on top of the network's ChainParams
	Policy PolicyConfig

	// Prometheus endpoint
	Metrics MetricsConfig

	// Logging
	Log LogConfig
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled      bool     `conf:"p2p.enabled"`
	ListenAddr   string   `conf:"p2p.listen"`
	Port         int      `conf:"p2p.port"`
	Seeds        []string `conf:"p2p.seeds"`
	MaxPeers     int      `conf:"p2p.maxpeers"`
	ServeHeaders bool     `conf:"p2p.serve"` // Answer header requests from other peers.
	ClearBans    bool     // Clear all peer bans on startup (not persisted in config file).
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// SyncConfig holds header download settings.
type SyncConfig struct {
	MaxHeadersPerRequest int           `conf:"sync.batch"`
	RequestTimeout       time.Duration `conf:"sync.timeout"`
	MaxOrphansPerPeer    int           `conf:"sync.maxorphans"`
	RejectCacheSize      int           `conf:"sync.rejectcache"`
}

// PolicyConfig overrides chain-selection policy constants. Zero values keep
// the network defaults from ChainParams.
type PolicyConfig struct {
	MaxReorgDepth  int32         `conf:"policy.maxreorgdepth"`
	MaxFutureDrift time.Duration `conf:"policy.futuredrift"`
	MaxPastDrift   time.Duration `conf:"policy.pastdrift"`
}

// MetricsConfig holds the Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool   `conf:"metrics.enabled"`
	Addr    string `conf:"metrics.addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// Params returns the network's chain parameters with the node's policy
// overrides applied.
func (c *Config) Params() *ChainParams {
	p := ParamsFor(c.Network)
	if c.Policy.MaxReorgDepth > 0 {
		p.MaxReorgDepth = c.Policy.MaxReorgDepth
	}
	if c.Policy.MaxFutureDrift > 0 {
		p.MaxFutureDrift = c.Policy.MaxFutureDrift
	}
	if c.Policy.MaxPastDrift > 0 {
		p.MaxPastDrift = c.Policy.MaxPastDrift
	}
	return p
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingspv
//	macOS:   ~/Library/Application Support/Klingspv
//	Windows: %APPDATA%\Klingspv
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingspv"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingspv")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingspv")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingspv")
	default:
		return filepath.Join(home, ".klingspv")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// HeadersDir returns the directory holding the header log.
func (c *Config) HeadersDir() string {
	return filepath.Join(c.ChainDataDir(), "headers")
}

// HeaderLogFile returns the path of the append-only header log.
func (c *Config) HeaderLogFile() string {
	return filepath.Join(c.HeadersDir(), "headers.log")
}

// IndexDir returns the key/value database directory (header index, bans).
func (c *Config) IndexDir() string {
	return filepath.Join(c.ChainDataDir(), "index")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingspv.conf")
}
