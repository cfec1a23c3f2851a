// klingspv-cli is a command-line client for interacting with a klingspvd
// header client.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/klingspv/config"
	"github.com/Klingon-tech/klingspv/internal/rpc"
	"github.com/Klingon-tech/klingspv/internal/rpcclient"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	rpcURL := ""
	network := "mainnet"
	asJSON := false

	// Scan for --rpc, --network and --json before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		case args[0] == "--testnet":
			network = "testnet"
			args = args[1:]
		case args[0] == "--regtest":
			network = "regtest"
			args = args[1:]
		case args[0] == "--json":
			asJSON = true
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	if rpcURL == "" {
		rpcURL = defaultRPCURL(network)
	}

	c := &cli{client: rpcclient.New(rpcURL), json: asJSON}
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		c.status()
	case "header":
		c.header(cmdArgs)
	case "tips":
		c.tips()
	case "checkpoints":
		c.checkpoints()
	case "descendant":
		c.descendant(cmdArgs)
	case "verify":
		c.verify(cmdArgs)
	case "peers":
		c.peers()
	case "bans":
		c.bans()
	case "sync":
		c.sync()
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: klingspv-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default depends on network)
  --network <net>     mainnet (default), testnet or regtest
  --testnet           Shorthand for --network testnet
  --regtest           Shorthand for --network regtest
  --json              Print raw JSON results

Commands:
  status                          Show active tip and peer count
  header <hash|height>            Show header details
  tips                            List branch tips, best first
  checkpoints                     List compiled-in checkpoints
  descendant <hash>               Check a header descends from the checkpoints
  verify --txid <h> --height <n> --index <i> [--branch h1,h2,...]
                                  Verify a merkle inclusion proof
  peers                           Show this node and its peers
  bans                            Show banned peers
  sync                            Show header sync progress
`)
}

// defaultRPCURL matches the RPC port klingspvd uses for each network.
func defaultRPCURL(network string) string {
	cfg := config.Default(config.NetworkType(strings.ToLower(network)))
	return fmt.Sprintf("http://%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
}

type cli struct {
	client *rpcclient.Client
	json   bool
}

func (c *cli) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// printJSON dumps v when --json was given and reports whether it did.
func (c *cli) printJSON(v interface{}) bool {
	if !c.json {
		return false
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("encode: %v", err)
	}
	fmt.Println(string(out))
	return true
}

// ── status ──────────────────────────────────────────────────────────────

func (c *cli) status() {
	ctx, cancel := c.ctx()
	defer cancel()

	info, err := c.client.ChainInfo(ctx)
	if err != nil {
		fatal("chain_getInfo: %v", err)
	}
	if c.printJSON(info) {
		return
	}

	fmt.Printf("Network:  %s\n", info.Network)
	fmt.Printf("Height:   %d\n", info.Height)
	fmt.Printf("Tip:      %s\n", info.TipHash)
	fmt.Printf("Work:     0x%s\n", info.ChainWork)
	fmt.Printf("Headers:  %d\n", info.Headers)

	var peers rpc.PeerInfoResult
	if err := c.client.CallContext(ctx, "net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	fmt.Printf("Peers:    %d\n", peers.Count)
}

// ── header ──────────────────────────────────────────────────────────────

func (c *cli) header(args []string) {
	if len(args) < 1 {
		fatal("Usage: klingspv-cli header <hash|height>")
	}
	ctx, cancel := c.ctx()
	defer cancel()

	var (
		h   *rpc.HeaderResult
		err error
	)
	// Try as height first (pure number).
	if height, perr := strconv.ParseInt(args[0], 10, 32); perr == nil {
		h, err = c.client.HeaderByHeight(ctx, int32(height))
	} else {
		hash, herr := chainhash.NewHashFromStr(args[0])
		if herr != nil {
			fatal("invalid hash %q: %v", args[0], herr)
		}
		h, err = c.client.HeaderByHash(ctx, *hash)
	}
	if err != nil {
		fatal("%v", err)
	}
	if c.printJSON(h) {
		return
	}

	fmt.Printf("Hash:         %s\n", h.Hash)
	fmt.Printf("Height:       %d\n", h.Height)
	fmt.Printf("Active:       %t\n", h.Active)
	fmt.Printf("Version:      %d\n", h.Version)
	fmt.Printf("Prev:         %s\n", h.PrevHash)
	fmt.Printf("Merkle Root:  %s\n", h.MerkleRoot)
	ts := time.Unix(h.Timestamp, 0).UTC()
	fmt.Printf("Timestamp:    %s\n", ts.Format("2006-01-02 15:04:05 UTC"))
	fmt.Printf("Bits:         %s\n", h.Bits)
	fmt.Printf("Nonce:        %d\n", h.Nonce)
	fmt.Printf("Chain Work:   0x%s\n", h.ChainWork)
}

// ── tips ────────────────────────────────────────────────────────────────

func (c *cli) tips() {
	ctx, cancel := c.ctx()
	defer cancel()

	tips, err := c.client.Tips(ctx)
	if err != nil {
		fatal("chain_getTips: %v", err)
	}
	if c.printJSON(tips) {
		return
	}

	fmt.Printf("Tips: %d\n", len(tips))
	for _, t := range tips {
		fmt.Printf("  %8d  %-18s  branch=%-5d %s\n", t.Height, t.State, t.BranchLength, t.Hash)
	}
}

// ── checkpoints ─────────────────────────────────────────────────────────

func (c *cli) checkpoints() {
	ctx, cancel := c.ctx()
	defer cancel()

	var cps []rpc.CheckpointResult
	if err := c.client.CallContext(ctx, "chain_getCheckpoints", nil, &cps); err != nil {
		fatal("chain_getCheckpoints: %v", err)
	}
	if c.printJSON(cps) {
		return
	}

	if len(cps) == 0 {
		fmt.Println("No checkpoints.")
		return
	}
	for _, cp := range cps {
		fmt.Printf("  %8d  %s\n", cp.Height, cp.Hash)
	}
}

// ── descendant ──────────────────────────────────────────────────────────

func (c *cli) descendant(args []string) {
	if len(args) < 1 {
		fatal("Usage: klingspv-cli descendant <hash>")
	}
	hash, err := chainhash.NewHashFromStr(args[0])
	if err != nil {
		fatal("invalid hash %q: %v", args[0], err)
	}

	ctx, cancel := c.ctx()
	defer cancel()

	ok, err := c.client.IsDescendantOfCheckpoint(ctx, *hash)
	if err != nil {
		fatal("chain_isDescendantOfCheckpoint: %v", err)
	}
	if c.printJSON(rpc.DescendantResult{Hash: hash.String(), Descendant: ok}) {
		return
	}
	fmt.Printf("%s descends from checkpoints: %t\n", hash, ok)
}

// ── verify ──────────────────────────────────────────────────────────────

func (c *cli) verify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	txidStr := fs.String("txid", "", "Transaction ID")
	height := fs.Int("height", -1, "Height of the block holding the transaction")
	index := fs.Uint("index", 0, "Position of the transaction in the block")
	branchStr := fs.String("branch", "", "Comma-separated merkle branch, leaf level first")
	fs.Parse(args)

	if *txidStr == "" || *height < 0 {
		fatal("Usage: klingspv-cli verify --txid <h> --height <n> --index <i> [--branch h1,h2,...]")
	}
	txid, err := chainhash.NewHashFromStr(*txidStr)
	if err != nil {
		fatal("invalid txid: %v", err)
	}
	var branch []chainhash.Hash
	if *branchStr != "" {
		for i, s := range strings.Split(*branchStr, ",") {
			h, err := chainhash.NewHashFromStr(strings.TrimSpace(s))
			if err != nil {
				fatal("invalid branch[%d]: %v", i, err)
			}
			branch = append(branch, *h)
		}
	}

	ctx, cancel := c.ctx()
	defer cancel()

	valid, err := c.client.VerifyInclusion(ctx, *txid, branch, uint32(*index), int32(*height))
	if err != nil {
		fatal("chain_verifyInclusion: %v", err)
	}
	if c.printJSON(rpc.InclusionResult{Valid: valid}) {
		return
	}
	if valid {
		fmt.Printf("Transaction %s is included at height %d.\n", txid, *height)
		return
	}
	fmt.Printf("Proof does not match the header at height %d.\n", *height)
	os.Exit(2)
}

// ── peers ───────────────────────────────────────────────────────────────

func (c *cli) peers() {
	ctx, cancel := c.ctx()
	defer cancel()

	var node rpc.NodeInfoResult
	if err := c.client.CallContext(ctx, "net_getNodeInfo", nil, &node); err != nil {
		fatal("net_getNodeInfo: %v", err)
	}
	var peers rpc.PeerInfoResult
	if err := c.client.CallContext(ctx, "net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	if c.printJSON(struct {
		Node  rpc.NodeInfoResult `json:"node"`
		Peers rpc.PeerInfoResult `json:"peers"`
	}{node, peers}) {
		return
	}

	fmt.Printf("Node ID: %s\n", node.ID)
	for _, a := range node.Addrs {
		fmt.Printf("  Listen: %s\n", a)
	}
	fmt.Printf("Peers:   %d\n", peers.Count)
	for _, p := range peers.Peers {
		fmt.Printf("  %s (%s, height %d, ready %t, connected: %s)\n",
			p.ID, p.Source, p.BestHeight, p.Ready, p.ConnectedAt)
	}
}

// ── bans ────────────────────────────────────────────────────────────────

func (c *cli) bans() {
	ctx, cancel := c.ctx()
	defer cancel()

	var result rpc.BanListResult
	if err := c.client.CallContext(ctx, "net_getBanList", nil, &result); err != nil {
		fatal("net_getBanList: %v", err)
	}
	if c.printJSON(result) {
		return
	}

	fmt.Printf("Banned: %d\n", result.Count)
	for _, b := range result.Bans {
		expires := time.Unix(b.ExpiresAt, 0).UTC().Format("2006-01-02 15:04:05 UTC")
		fmt.Printf("  %s  score=%d  until %s  (%s)\n", b.ID, b.Score, expires, b.Reason)
	}
}

// ── sync ────────────────────────────────────────────────────────────────

func (c *cli) sync() {
	ctx, cancel := c.ctx()
	defer cancel()

	st, err := c.client.SyncStatus(ctx)
	if err != nil {
		fatal("sync_getStatus: %v", err)
	}
	if c.printJSON(st) {
		return
	}

	fmt.Printf("Syncing:        %t\n", st.Syncing())
	fmt.Printf("Active height:  %d\n", st.ActiveHeight)
	fmt.Printf("Best peer:      %d\n", st.BestPeerHeight)
	fmt.Printf("Peers:          %d\n", st.Peers)
	fmt.Printf("In flight:      %d\n", st.InFlight)
	fmt.Printf("Parked:         %d\n", st.Parked)
	fmt.Printf("Orphans:        %d\n", st.Orphans)
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
