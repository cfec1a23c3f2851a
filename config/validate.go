package config

import (
	"fmt"
	"net"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.Network {
	case Mainnet, Testnet, Regtest:
	default:
		return fmt.Errorf("network must be %q, %q or %q", Mainnet, Testnet, Regtest)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	for i, s := range cfg.P2P.Seeds {
		if _, err := multiaddr.NewMultiaddr(s); err != nil {
			return fmt.Errorf("p2p.seeds[%d] is not a multiaddr: %w", i, err)
		}
	}
	for i, s := range cfg.RPC.AllowedIPs {
		if net.ParseIP(s) == nil {
			if _, _, err := net.ParseCIDR(s); err != nil {
				return fmt.Errorf("rpc.allowed[%d] %q is neither an IP nor a CIDR", i, s)
			}
		}
	}

	if cfg.Sync.MaxHeadersPerRequest <= 0 || cfg.Sync.MaxHeadersPerRequest > DefaultMaxHeadersPerRequest {
		return fmt.Errorf("sync.batch must be in range [1, %d]", DefaultMaxHeadersPerRequest)
	}
	if cfg.Sync.RequestTimeout < time.Second {
		return fmt.Errorf("sync.timeout must be at least 1s")
	}
	if cfg.Sync.MaxOrphansPerPeer <= 0 {
		return fmt.Errorf("sync.maxorphans must be positive")
	}
	if cfg.Sync.RejectCacheSize <= 0 {
		return fmt.Errorf("sync.rejectcache must be positive")
	}

	if cfg.Policy.MaxReorgDepth < 0 {
		return fmt.Errorf("policy.maxreorgdepth must not be negative")
	}
	if cfg.Policy.MaxFutureDrift < 0 || cfg.Policy.MaxPastDrift < 0 {
		return fmt.Errorf("policy drift allowances must not be negative")
	}

	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}

	return nil
}
