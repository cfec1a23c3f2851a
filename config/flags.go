package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Version is the client version reported by --version.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// P2P
	P2P       bool
	P2PPort   int
	Seeds     string
	MaxPeers  int
	Serve     bool
	ClearBans bool

	// RPC
	RPC        bool
	RPCAddr    string
	RPCPort    int
	RPCAllowed string
	RPCCORS    string

	// Sync
	SyncBatch   int
	SyncTimeout time.Duration

	// Policy
	MaxReorgDepth int

	// Metrics
	Metrics     bool
	MetricsAddr string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetP2P     bool
	SetRPC     bool
	SetServe   bool
	SetMetrics bool
	SetLogJSON bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f, err := parseFlagArgs(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return f
}

func parseFlagArgs(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("klingspvd", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet, testnet or regtest)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	regtest := fs.Bool("regtest", false, "Use regtest (shorthand for --network=regtest)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// P2P
	fs.BoolVar(&f.P2P, "p2p", true, "Enable P2P networking")
	fs.IntVar(&f.P2PPort, "p2p-port", 0, "P2P listen port")
	fs.StringVar(&f.Seeds, "seeds", "", "Header servers as comma-separated libp2p multiaddrs")
	fs.IntVar(&f.MaxPeers, "maxpeers", 0, "Maximum number of peers")
	fs.BoolVar(&f.Serve, "serve", false, "Answer header requests from other clients")
	fs.BoolVar(&f.ClearBans, "clear-bans", false, "Clear all peer bans on startup")

	// RPC
	fs.BoolVar(&f.RPC, "rpc", true, "Enable RPC server")
	fs.StringVar(&f.RPCAddr, "rpc-addr", "", "RPC listen address")
	fs.IntVar(&f.RPCPort, "rpc-port", 0, "RPC listen port")
	fs.StringVar(&f.RPCAllowed, "rpc-allowed", "", "Allowed IPs for RPC")
	fs.StringVar(&f.RPCCORS, "rpc-cors", "", "Allowed CORS origins for RPC (comma-separated)")

	// Sync
	fs.IntVar(&f.SyncBatch, "sync-batch", 0, "Headers requested per round trip")
	fs.DurationVar(&f.SyncTimeout, "sync-timeout", 0, "Header request timeout")

	// Policy
	fs.IntVar(&f.MaxReorgDepth, "max-reorg-depth", 0, "Deepest reorganisation applied automatically")

	// Metrics
	fs.BoolVar(&f.Metrics, "metrics", false, "Enable the Prometheus endpoint")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Prometheus listen address")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *testnet {
		f.Network = string(Testnet)
	}
	if *regtest {
		f.Network = string(Regtest)
	}
	f.SetP2P = isFlagSet(fs, "p2p")
	f.SetRPC = isFlagSet(fs, "rpc")
	f.SetServe = isFlagSet(fs, "serve")
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}

	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// P2P
	if f.SetP2P {
		cfg.P2P.Enabled = f.P2P
	}
	if f.P2PPort != 0 {
		cfg.P2P.Port = f.P2PPort
	}
	if f.Seeds != "" {
		cfg.P2P.Seeds = parseStringList(f.Seeds)
	}
	if f.MaxPeers != 0 {
		cfg.P2P.MaxPeers = f.MaxPeers
	}
	if f.SetServe {
		cfg.P2P.ServeHeaders = f.Serve
	}
	if f.ClearBans {
		cfg.P2P.ClearBans = true
	}

	// RPC
	if f.SetRPC {
		cfg.RPC.Enabled = f.RPC
	}
	if f.RPCAddr != "" {
		cfg.RPC.Addr = f.RPCAddr
	}
	if f.RPCPort != 0 {
		cfg.RPC.Port = f.RPCPort
	}
	if f.RPCAllowed != "" {
		cfg.RPC.AllowedIPs = parseStringList(f.RPCAllowed)
	}
	if f.RPCCORS != "" {
		cfg.RPC.CORSOrigins = parseStringList(f.RPCCORS)
	}

	// Sync
	if f.SyncBatch != 0 {
		cfg.Sync.MaxHeadersPerRequest = f.SyncBatch
	}
	if f.SyncTimeout != 0 {
		cfg.Sync.RequestTimeout = f.SyncTimeout
	}

	// Policy
	if f.MaxReorgDepth != 0 {
		cfg.Policy.MaxReorgDepth = int32(f.MaxReorgDepth)
	}

	// Metrics
	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `klingspvd - SPV header client for Bitcoin SV

Usage:
  klingspvd [options]
  klingspvd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default), testnet or regtest
  --testnet       Shorthand for --network=testnet
  --regtest       Shorthand for --network=regtest
  --datadir       Data directory (default: ~/.klingspv)
  --config, -c    Config file path (default: <datadir>/klingspv.conf)

P2P Options:
  --p2p           Enable P2P networking (default: true)
  --p2p-port      P2P listen port (mainnet: 30333, testnet: 30334, regtest: 30335)
  --seeds         Header servers as comma-separated libp2p multiaddrs
  --maxpeers      Maximum number of peers (default: 8)
  --serve         Answer header requests from other clients
  --clear-bans    Clear all peer bans on startup

RPC Options:
  --rpc           Enable RPC server (default: true)
  --rpc-addr      RPC listen address (default: 127.0.0.1)
  --rpc-port      RPC port (mainnet: 8555, testnet: 8655, regtest: 8755)
  --rpc-allowed   Allowed IPs for RPC (comma-separated)
  --rpc-cors      Allowed CORS origins for RPC (comma-separated)

Sync Options:
  --sync-batch       Headers requested per round trip (default: 2016)
  --sync-timeout     Request timeout before asking another peer (default: 20s)
  --max-reorg-depth  Deepest reorganisation applied automatically (default: 100)

Metrics Options:
  --metrics         Enable the Prometheus endpoint
  --metrics-addr    Listen address (default: 127.0.0.1:9464)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: <datadir>/logs/klingspv.log)
  --log-json      Output logs as JSON

Examples:
  # Follow mainnet through a known header server
  klingspvd --seeds=/ip4/203.0.113.1/tcp/30333/p2p/12D3KooW...

  # Local regtest client that also serves headers
  klingspvd --regtest --serve

Note:
  Checkpoints and difficulty rules are compiled in per network and cannot be
  changed at runtime. Data directories are created automatically on first
  start.
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	// Handle help/version
	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("klingspvd version " + Version)
		os.Exit(0)
	}

	cfg, err := LoadWithFlags(flags)
	if err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

// LoadWithFlags builds a Config from defaults, the config file and the
// given flags.
func LoadWithFlags(flags *Flags) (*Config, error) {
	// Determine network first (needed for defaults)
	network := Mainnet
	switch NetworkType(strings.ToLower(flags.Network)) {
	case Testnet:
		network = Testnet
	case Regtest:
		network = Regtest
	}

	cfg := Default(network)

	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	// Flags have the highest precedence.
	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.HeadersDir(),
		cfg.IndexDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
