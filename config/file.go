package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only node-operational settings, NOT protocol rules.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// P2P
	case "p2p.enabled", "p2p":
		cfg.P2P.Enabled = parseBool(value)
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.Port = port
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.maxpeers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.MaxPeers = n
	case "p2p.serve":
		cfg.P2P.ServeHeaders = parseBool(value)

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RPC.Port = port
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	// Sync
	case "sync.batch":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Sync.MaxHeadersPerRequest = n
	case "sync.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Sync.RequestTimeout = d
	case "sync.maxorphans":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Sync.MaxOrphansPerPeer = n
	case "sync.rejectcache":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Sync.RejectCacheSize = n

	// Policy
	case "policy.maxreorgdepth":
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return err
		}
		cfg.Policy.MaxReorgDepth = int32(n)
	case "policy.futuredrift":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Policy.MaxFutureDrift = d
	case "policy.pastdrift":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Policy.MaxPastDrift = d

	// Metrics
	case "metrics.enabled", "metrics":
		cfg.Metrics.Enabled = parseBool(value)
	case "metrics.addr":
		cfg.Metrics.Addr = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	defaults := Default(network)
	content := `# klingspv header client configuration
#
# This file contains NODE settings only.
# Checkpoints and difficulty rules are compiled in per network.

# Network: mainnet, testnet or regtest
network = ` + string(network) + `

# Data directory (default: ~/.klingspv)
# datadir = ~/.klingspv

# ============================================================================
# P2P Network
# ============================================================================

p2p.enabled = true
p2p.listen = 0.0.0.0
p2p.port = ` + strconv.Itoa(defaults.P2P.Port) + `
p2p.maxpeers = ` + strconv.Itoa(defaults.P2P.MaxPeers) + `

# Header servers (comma-separated libp2p multiaddrs)
# p2p.seeds = /ip4/203.0.113.1/tcp/30333/p2p/12D3KooW...

# Answer header requests from other clients
# p2p.serve = false

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + strconv.Itoa(defaults.RPC.Port) + `
rpc.allowed = 127.0.0.1
# CORS allowed origins ("*" for all)
# rpc.cors = http://localhost:3000

# ============================================================================
# Header Sync
# ============================================================================

# Headers requested per round trip (max 2016)
# sync.batch = 2016

# Time to wait for a response before asking another peer
# sync.timeout = 20s

# Headers with unknown parents kept per peer before it is rejected
# sync.maxorphans = 2016

# ============================================================================
# Chain Policy
# ============================================================================

# Deepest reorganisation applied automatically
# policy.maxreorgdepth = 100

# Allowed timestamp drift
# policy.futuredrift = 2h
# policy.pastdrift = 2h

# ============================================================================
# Metrics
# ============================================================================

metrics.enabled = false
# metrics.addr = ` + defaults.Metrics.Addr + `

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
