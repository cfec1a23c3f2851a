package config

import "time"

// Sync defaults. Header requests are capped at one retarget interval, the
// largest chunk peers are expected to serve in one response.
const (
	DefaultMaxHeadersPerRequest = 2016
	DefaultRequestTimeout       = 20 * time.Second
	DefaultMaxOrphansPerPeer    = 2016
	DefaultRejectCacheSize      = 4096
)

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30333,
			MaxPeers:   8,
			// Header servers to connect to, as libp2p multiaddrs:
			//   "/ip4/203.0.113.1/tcp/30333/p2p/12D3KooW..."
			Seeds: []string{},
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8555,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Sync: SyncConfig{
			MaxHeadersPerRequest: DefaultMaxHeadersPerRequest,
			RequestTimeout:       DefaultRequestTimeout,
			MaxOrphansPerPeer:    DefaultMaxOrphansPerPeer,
			RejectCacheSize:      DefaultRejectCacheSize,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30334
	cfg.RPC.Port = 8655
	cfg.Metrics.Addr = "127.0.0.1:9465"
	return cfg
}

// DefaultRegtest returns the default node configuration for a local
// regression-test network.
func DefaultRegtest() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Regtest
	cfg.P2P.Port = 30335
	cfg.P2P.ServeHeaders = true
	cfg.RPC.Port = 8755
	cfg.Metrics.Addr = "127.0.0.1:9466"
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	case Regtest:
		return DefaultRegtest()
	default:
		return DefaultMainnet()
	}
}
