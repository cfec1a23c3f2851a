package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.conf")
	content := `# comment
network = regtest
p2p.seeds = /ip4/127.0.0.1/tcp/30335/p2p/12D3KooWLv, /ip4/127.0.0.2/tcp/30335/p2p/12D3KooWx
sync.timeout = "5s"
policy.maxreorgdepth = 12

metrics.enabled = yes
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := DefaultMainnet()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}

	if cfg.Network != Regtest {
		t.Errorf("Network = %q, want regtest", cfg.Network)
	}
	if len(cfg.P2P.Seeds) != 2 {
		t.Errorf("Seeds = %v, want 2 entries", cfg.P2P.Seeds)
	}
	if cfg.Sync.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.Sync.RequestTimeout)
	}
	if cfg.Policy.MaxReorgDepth != 12 {
		t.Errorf("MaxReorgDepth = %d, want 12", cfg.Policy.MaxReorgDepth)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	values, err := LoadFile(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("LoadFile(missing) error: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("LoadFile(missing) = %v, want empty", values)
	}
}

func TestLoadFile_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.conf")
	os.WriteFile(path, []byte("network regtest\n"), 0644)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for line without '='")
	}
}

func TestApplyFileConfig_BadValue(t *testing.T) {
	cfg := DefaultMainnet()
	err := ApplyFileConfig(cfg, map[string]string{"sync.timeout": "soon"})
	if err == nil || !strings.Contains(err.Error(), "sync.timeout") {
		t.Fatalf("ApplyFileConfig error = %v, want sync.timeout failure", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad network", func(c *Config) { c.Network = "signet" }, true},
		{"bad port", func(c *Config) { c.P2P.Port = 70000 }, true},
		{"bad seed", func(c *Config) { c.P2P.Seeds = []string{"seed.example.com:30333"} }, true},
		{"cidr allowed", func(c *Config) { c.RPC.AllowedIPs = []string{"10.0.0.0/8"} }, false},
		{"bad allowed", func(c *Config) { c.RPC.AllowedIPs = []string{"localhost"} }, true},
		{"batch too large", func(c *Config) { c.Sync.MaxHeadersPerRequest = 5000 }, true},
		{"timeout too small", func(c *Config) { c.Sync.RequestTimeout = time.Millisecond }, true},
		{"no orphans", func(c *Config) { c.Sync.MaxOrphansPerPeer = 0 }, true},
		{"negative reorg depth", func(c *Config) { c.Policy.MaxReorgDepth = -1 }, true},
		{"bad metrics addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "9464" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMainnet()
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseFlagArgs(t *testing.T) {
	f, err := parseFlagArgs([]string{"--regtest", "--rpc=false", "--sync-timeout=3s", "--max-reorg-depth=7", "--serve"})
	if err != nil {
		t.Fatalf("parseFlagArgs: %v", err)
	}
	cfg := DefaultMainnet()
	ApplyFlags(cfg, f)

	if cfg.Network != Regtest {
		t.Errorf("Network = %q, want regtest", cfg.Network)
	}
	if cfg.RPC.Enabled {
		t.Error("RPC.Enabled = true after --rpc=false")
	}
	if !cfg.P2P.Enabled {
		t.Error("P2P.Enabled changed although --p2p was not given")
	}
	if cfg.Sync.RequestTimeout != 3*time.Second {
		t.Errorf("RequestTimeout = %v, want 3s", cfg.Sync.RequestTimeout)
	}
	if cfg.Policy.MaxReorgDepth != 7 {
		t.Errorf("MaxReorgDepth = %d, want 7", cfg.Policy.MaxReorgDepth)
	}
	if !cfg.P2P.ServeHeaders {
		t.Error("ServeHeaders = false after --serve")
	}
}

func TestParseFlagArgs_StrayPositional(t *testing.T) {
	if _, err := parseFlagArgs([]string{"--serve", "extra", "--metrics"}); err == nil {
		t.Fatal("expected error when a positional argument stops flag parsing")
	}
}

func TestLoadWithFlags_CreatesLayout(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadWithFlags(&Flags{Network: "regtest", DataDir: dir})
	if err != nil {
		t.Fatalf("LoadWithFlags: %v", err)
	}
	for _, p := range []string{cfg.HeadersDir(), cfg.IndexDir(), cfg.LogsDir(), cfg.ConfigFile()} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s not created: %v", p, err)
		}
	}

	// The written default config must load back cleanly.
	values, err := LoadFile(cfg.ConfigFile())
	if err != nil {
		t.Fatalf("LoadFile(default): %v", err)
	}
	if values["network"] != "regtest" {
		t.Errorf("default config network = %q", values["network"])
	}
	if values["rpc.port"] != "8755" {
		t.Errorf("default config rpc.port = %q, want 8755", values["rpc.port"])
	}
}
