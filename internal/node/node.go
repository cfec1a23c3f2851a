// Package node provides a reusable header client that can be embedded
// in any binary (daemon, wallet backend, tests).
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/Klingon-tech/klingspv/config"
	"github.com/Klingon-tech/klingspv/internal/chain"
	"github.com/Klingon-tech/klingspv/internal/headersync"
	klog "github.com/Klingon-tech/klingspv/internal/log"
	"github.com/Klingon-tech/klingspv/internal/p2p"
	"github.com/Klingon-tech/klingspv/internal/rpc"
	"github.com/Klingon-tech/klingspv/internal/storage"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// reorgBuffer is the reorg subscription depth used for logging and tip
// announcements.
const reorgBuffer = 16

// Node is a fully-initialized header client.
type Node struct {
	cfg    *config.Config
	params *config.ChainParams
	logger zerolog.Logger

	// Core
	db storage.DB
	ch *chain.Chain

	// Networking
	p2pNode   *p2p.Node
	transport *p2p.SyncTransport
	sched     *headersync.Scheduler

	// RPC
	rpcServer *rpc.Server

	// Metrics
	registry    *prometheus.Registry
	syncMetrics *headersync.Metrics
	metricsSrv  *http.Server
	metricsLn   net.Listener

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, storage, chain, P2P, sync, RPC, metrics) but does NOT start
// background goroutines or listeners. Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	cfg.DataDir = expandHome(cfg.DataDir)

	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := expandHome(cfg.Log.File)
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/klingspv.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 2. Chain parameters ─────────────────────────────────────────
	params := cfg.Params()

	logger.Info().
		Str("network", params.Name).
		Str("genesis", params.GenesisHash().String()).
		Int("checkpoints", len(params.Checkpoints)).
		Int32("max_reorg_depth", params.MaxReorgDepth).
		Msg("Starting Klingspv header client")

	// ── 3. Open storage ─────────────────────────────────────────────
	for _, dir := range []string{cfg.HeadersDir(), cfg.IndexDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	db, err := storage.NewBadger(cfg.IndexDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.IndexDir(), err)
	}
	logger.Info().Str("path", cfg.IndexDir()).Msg("Database opened")

	// ── 4. Header chain ─────────────────────────────────────────────
	ch, err := chain.New(chain.Options{
		Params:          params,
		LogPath:         cfg.HeaderLogFile(),
		DB:              db,
		RejectCacheSize: cfg.Sync.RejectCacheSize,
	})
	if err != nil {
		db.Close()
		if errors.Is(err, chain.ErrStoreCorrupt) {
			return nil, fmt.Errorf("header store at %s cannot be trusted, remove it to resync: %w",
				cfg.HeadersDir(), err)
		}
		return nil, fmt.Errorf("create chain: %w", err)
	}
	tip := ch.View().Tip()
	logger.Info().
		Int32("height", tip.Height).
		Str("tip", tip.Hash.String()).
		Int("headers", ch.Len()).
		Msg("Header chain loaded")

	n := &Node{
		cfg:         cfg,
		params:      params,
		logger:      logger,
		db:          db,
		ch:          ch,
		registry:    prometheus.NewRegistry(),
		syncMetrics: headersync.NewMetrics("klingspv"),
	}

	// ── 5. P2P and header sync ──────────────────────────────────────
	if cfg.P2P.Enabled {
		if err := n.setupSync(); err != nil {
			ch.Close()
			db.Close()
			return nil, err
		}
	}

	// ── 6. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(addr, ch, cfg.RPC)
		if n.p2pNode != nil {
			n.rpcServer.SetP2PNode(n.p2pNode)
		}
		if n.sched != nil {
			n.rpcServer.SetSyncer(n.sched)
		}
	}

	// ── 7. Metrics ──────────────────────────────────────────────────
	if err := n.registerMetrics(); err != nil {
		ch.Close()
		db.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return n, nil
}

// setupSync creates the libp2p node and the scheduler it feeds. Peer
// callbacks are wired before the host starts so no ready peer is missed.
func (n *Node) setupSync() error {
	cfg := n.cfg
	n.p2pNode = p2p.New(p2p.Config{
		ListenAddr:   cfg.P2P.ListenAddr,
		Port:         cfg.P2P.Port,
		Seeds:        cfg.P2P.Seeds,
		MaxPeers:     cfg.P2P.MaxPeers,
		DB:           n.db,
		NetworkID:    networkID(n.params),
		DataDir:      cfg.ChainDataDir(),
		ServeHeaders: cfg.P2P.ServeHeaders,
		ClearBans:    cfg.P2P.ClearBans,
	})
	n.p2pNode.SetGenesisHash(n.params.GenesisHash())
	n.p2pNode.SetHeightFn(n.ch.ActiveChainHeight)
	n.p2pNode.SetHeaderProvider(n.ch.HeadersAfter)

	n.transport = p2p.NewSyncTransport(n.p2pNode, cfg.Sync.RequestTimeout)
	sched, err := headersync.New(headersync.Config{
		Chain:                n.ch,
		Transport:            n.transport,
		Metrics:              n.syncMetrics,
		PowLimit:             n.params.PowLimit,
		MaxHeadersPerRequest: cfg.Sync.MaxHeadersPerRequest,
		RequestTimeout:       cfg.Sync.RequestTimeout,
		MaxOrphansPerPeer:    cfg.Sync.MaxOrphansPerPeer,
	})
	if err != nil {
		return fmt.Errorf("create header scheduler: %w", err)
	}
	n.sched = sched
	n.transport.Bind(sched)

	n.p2pNode.SetPeerHandlers(sched.PeerConnected, sched.PeerDisconnected)
	n.p2pNode.SetTipHandler(n.handleTip)
	return nil
}

// handleTip feeds a peer's tip announcement to the scheduler as an
// unsolicited single-header batch.
func (n *Node) handleTip(from peer.ID, raw []byte, height int32) {
	n.sched.PeerTip(from, height)
	n.sched.Deliver(from, 0, raw)
}

// Start launches the scheduler, P2P host, reorg watcher, RPC and metrics.
func (n *Node) Start() error {
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if n.sched != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.sched.Run(n.ctx); err != nil {
				n.logger.Error().Err(err).Msg("Header scheduler stopped")
			}
		}()
	}

	if n.p2pNode != nil {
		if err := n.p2pNode.Start(); err != nil {
			n.cancel()
			n.wg.Wait()
			return fmt.Errorf("start p2p: %w", err)
		}
		if n.rpcServer != nil {
			n.rpcServer.SetBanManager(n.p2pNode.BanManager)
		}
		n.logger.Info().
			Str("id", n.p2pNode.ID().String()).
			Strs("addrs", n.p2pNode.Addrs()).
			Bool("serve", n.cfg.P2P.ServeHeaders).
			Msg("P2P started")
	}

	events, cancelSub := n.ch.SubscribeReorgs(reorgBuffer)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancelSub()
		n.watchReorgs(events)
	}()

	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			n.Stop()
			return fmt.Errorf("start rpc: %w", err)
		}
		n.logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server started")
	}

	if n.cfg.Metrics.Enabled {
		if err := n.startMetrics(); err != nil {
			n.Stop()
			return fmt.Errorf("start metrics: %w", err)
		}
	}

	return nil
}

// Stop shuts everything down in reverse dependency order.
func (n *Node) Stop() {
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	n.stopMetrics()
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if err := n.ch.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Header log close failed")
	}
	if err := n.db.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Database close failed")
	}
	n.logger.Info().Msg("Node stopped")
}

// watchReorgs logs tip changes and, for serving nodes, gossips the new tip.
func (n *Node) watchReorgs(events <-chan chain.ReorgEvent) {
	var lastVersion uint64
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if lastVersion != 0 && ev.Version > lastVersion+1 {
				n.logger.Debug().
					Uint64("from", lastVersion).
					Uint64("to", ev.Version).
					Msg("Missed tip change events")
			}
			lastVersion = ev.Version

			if ev.IsReorg() {
				n.logger.Warn().
					Int32("ancestor", ev.CommonAncestorHeight).
					Int32("disconnected", ev.Disconnected()).
					Str("old_tip", ev.OldTipHash.String()).
					Str("new_tip", ev.NewTipHash.String()).
					Int32("height", ev.NewTipHeight).
					Msg("Chain reorganized")
			} else {
				n.logger.Debug().
					Int32("height", ev.NewTipHeight).
					Str("tip", ev.NewTipHash.String()).
					Msg("Active tip advanced")
			}

			n.announce(ev)
		}
	}
}

func (n *Node) announce(ev chain.ReorgEvent) {
	if n.p2pNode == nil || !n.cfg.P2P.ServeHeaders {
		return
	}
	rec := n.ch.Get(ev.NewTipHash)
	if rec == nil {
		return
	}
	if err := n.p2pNode.AnnounceTip(&rec.Header, rec.Height); err != nil {
		n.logger.Debug().Err(err).Msg("Tip announcement failed")
	}
}

// ── Accessors ───────────────────────────────────────────────────────

// Chain returns the header chain.
func (n *Node) Chain() *chain.Chain {
	return n.ch
}

// Height returns the active chain height.
func (n *Node) Height() int32 {
	return n.ch.ActiveChainHeight()
}

// Tip returns the active tip hash and header.
func (n *Node) Tip() (chainhash.Hash, wire.BlockHeader) {
	tip := n.ch.View().Tip()
	return tip.Hash, tip.Header
}

// P2P returns the libp2p node, or nil when P2P is disabled.
func (n *Node) P2P() *p2p.Node {
	return n.p2pNode
}

// SyncStatus returns the scheduler snapshot.
func (n *Node) SyncStatus(ctx context.Context) (headersync.Status, error) {
	if n.sched == nil {
		return headersync.Status{}, fmt.Errorf("header sync disabled")
	}
	return n.sched.Status(ctx)
}

// RPCAddr returns the bound RPC address, or "" when RPC is disabled.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (n *Node) MetricsAddr() string {
	if n.metricsLn == nil {
		return ""
	}
	return n.metricsLn.Addr().String()
}
