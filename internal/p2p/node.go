// Package p2p connects the client to header servers over libp2p: a
// handshake stream, a header range stream and a gossip topic for tip
// announcements. Misbehaving peers are scored and banned.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingspv/internal/log"
	"github.com/Klingon-tech/klingspv/internal/storage"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
)

const (
	// peerConnectTimeout is the timeout for connecting to a stored or seed peer.
	peerConnectTimeout = 10 * time.Second

	// seedRetryInterval is how often seeds are redialled while we have no peers.
	seedRetryInterval = 10 * time.Second

	// maxGossipMessage bounds tip announcements.
	maxGossipMessage = 4 * 1024
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr   string
	Port         int
	Seeds        []string
	MaxPeers     int
	DB           storage.DB // Ban and peer persistence (nil = disabled, for tests)
	NetworkID    string     // e.g. "klingspv-mainnet"
	DataDir      string     // Data directory for persisting node identity
	ServeHeaders bool       // Answer header requests from other peers
	ClearBans    bool
}

// Node is a libp2p host speaking the header protocols.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	topicTip   *pubsub.Topic
	subTip     *pubsub.Subscription
	tipHandler func(from peer.ID, raw []byte, height int32)

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	BanManager *BanManager // set by Start
	peerStore  *PeerStore  // nil if Config.DB is nil
	connNotify *connNotifier

	onPeerReady func(id peer.ID, bestHeight int32)
	onPeerGone  func(id peer.ID)

	genesisHash      chainhash.Hash
	handshakeEnabled bool
	heightFn         func() int32
	headerProvider   func(locator []chainhash.Hash, max int) []*wire.BlockHeader
}

// New creates a new P2P node with the given config.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    klog.WithComponent("p2p"),
		peers:  make(map[peer.ID]*Peer),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
	}
	return n
}

// Start initializes the libp2p host, pubsub, and begins listening.
func (n *Node) Start() error {
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)

	// The ban manager exists before the host so the gater can use it.
	var banStore *BanStore
	if n.config.DB != nil {
		banStore = NewBanStore(n.config.DB)
	}
	n.BanManager = NewBanManager(banStore, n, clock.NewDefaultClock())
	if n.config.ClearBans {
		if err := n.BanManager.Clear(); err != nil {
			return fmt.Errorf("clear bans: %w", err)
		}
	}
	n.BanManager.LoadBans()

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
		libp2p.ConnectionGater(&banGater{banMgr: n.BanManager, full: n.full}),
	}
	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	ps, err := pubsub.NewGossipSub(n.ctx, h, pubsub.WithMaxMessageSize(maxGossipMessage))
	if err != nil {
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinTopics(); err != nil {
		h.Close()
		return err
	}

	if n.handshakeEnabled {
		n.registerHandshakeHandler()
	}
	if n.config.ServeHeaders && n.headerProvider != nil {
		n.registerHeadersHandler()
	}

	go n.readLoop(n.subTip, n.handleTipMessage)
	go n.loadPersistedPeers()

	if len(n.config.Seeds) > 0 {
		n.log.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
	}
	n.connectSeedsOnce()
	go n.connectSeedsLoop()

	if n.peerStore != nil {
		go n.runPersistLoop()
	}
	go n.BanManager.RunPruneLoop(n.ctx.Done())

	return nil
}

// Stop shuts down the P2P node.
func (n *Node) Stop() error {
	n.persistPeers()

	n.cancel()
	if n.subTip != nil {
		n.subTip.Cancel()
	}
	if n.topicTip != nil {
		n.topicTip.Close()
	}
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// SetPeerHandlers registers callbacks for a peer becoming usable (handshake
// done) and for a usable peer going away. Must be called before Start.
func (n *Node) SetPeerHandlers(ready func(id peer.ID, bestHeight int32), gone func(id peer.ID)) {
	n.onPeerReady = ready
	n.onPeerGone = gone
}

// SetGenesisHash sets the genesis hash for handshake validation.
// A non-zero hash enables the handshake protocol.
func (n *Node) SetGenesisHash(h chainhash.Hash) {
	n.genesisHash = h
	n.handshakeEnabled = h != (chainhash.Hash{})
}

// SetHeightFn sets the function used to report best height during handshake.
func (n *Node) SetHeightFn(fn func() int32) {
	n.heightFn = fn
}

// SetHeaderProvider sets the source of headers served to other peers.
func (n *Node) SetHeaderProvider(fn func(locator []chainhash.Hash, max int) []*wire.BlockHeader) {
	n.headerProvider = fn
}

// DisconnectPeer closes all connections to a peer and removes it from the peer list.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return fmt.Errorf("node not started")
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

// full reports whether the node reached MaxPeers.
func (n *Node) full() bool {
	return n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers
}

func (n *Node) addPeer(id peer.ID, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.peers[id]; !exists {
		n.peers[id] = &Peer{
			ID:          id,
			ConnectedAt: time.Now(),
			Source:      source,
		}
	}
}

// markReady records a completed handshake and reports the peer once.
func (n *Node) markReady(id peer.ID, bestHeight int32) {
	n.mu.Lock()
	p, ok := n.peers[id]
	if !ok {
		p = &Peer{ID: id, ConnectedAt: time.Now(), Source: "inbound"}
		n.peers[id] = p
	}
	first := !p.Ready
	p.Ready = true
	if bestHeight > p.BestHeight {
		p.BestHeight = bestHeight
	}
	n.mu.Unlock()

	if first && n.onPeerReady != nil {
		n.onPeerReady(id, bestHeight)
	}
}

// noteHeight raises a peer's best height. It reports whether the peer is
// ready and the height grew.
func (n *Node) noteHeight(id peer.ID, height int32) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[id]
	if !ok || height <= p.BestHeight {
		return false
	}
	p.BestHeight = height
	return p.Ready
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	p, ok := n.peers[id]
	delete(n.peers, id)
	n.mu.Unlock()

	if ok && p.Ready && n.onPeerGone != nil {
		n.onPeerGone(id)
	}
}

func (n *Node) joinTopics() error {
	var err error
	n.topicTip, err = n.pubsub.Join(TopicTip)
	if err != nil {
		return fmt.Errorf("join tip topic: %w", err)
	}
	n.subTip, err = n.topicTip.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe tip: %w", err)
	}
	return nil
}

func (n *Node) readLoop(sub *pubsub.Subscription, handler func(*pubsub.Message)) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return // Context cancelled.
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		handler(msg)
	}
}

// connectSeedsOnce tries to connect to each seed peer once (blocking).
// Returns true if at least one seed connected.
func (n *Node) connectSeedsOnce() bool {
	connected := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			n.log.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			n.log.Warn().Stringer("peer", info.ID).Err(err).Msg("Seed connect failed")
			continue
		}
		n.addPeer(info.ID, "seed")
		n.log.Info().Stringer("peer", info.ID).Msg("Seed connected")
		connected = true
	}
	return connected
}

// connectSeedsLoop redials seeds while the node has no peers.
func (n *Node) connectSeedsLoop() {
	if len(n.config.Seeds) == 0 {
		return
	}
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(seedRetryInterval):
			if n.PeerCount() == 0 {
				n.log.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds...")
				n.connectSeedsOnce()
			}
		}
	}
}

// --- Peer Persistence ---

func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}

	now := time.Now().Unix()
	for _, p := range n.PeerList() {
		if !p.Ready {
			continue
		}
		addrs := n.host.Peerstore().Addrs(p.ID)
		addrStrs := make([]string, len(addrs))
		for i, a := range addrs {
			addrStrs[i] = a.String()
		}
		rec := PeerRecord{
			ID:         p.ID.String(),
			Addrs:      addrStrs,
			LastSeen:   now,
			BestHeight: p.BestHeight,
		}
		if err := n.peerStore.Save(rec); err != nil {
			n.log.Debug().Err(err).Stringer("peer", p.ID).Msg("Persist peer failed")
		}
	}
}

func (n *Node) loadPersistedPeers() {
	if n.peerStore == nil {
		return
	}
	if _, err := n.peerStore.PruneStale(time.Now().Add(-staleThreshold)); err != nil {
		n.log.Debug().Err(err).Msg("Prune stored peers failed")
	}

	records, err := n.peerStore.LoadAll()
	if err != nil {
		return
	}
	for _, rec := range records {
		if n.full() {
			return
		}
		info, ok := rec.addrInfo()
		if !ok || info.ID == n.host.ID() || n.BanManager.IsBanned(info.ID) {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(ctx, info); err == nil {
			n.addPeer(info.ID, "stored")
		}
		cancel()
	}
}

func (n *Node) runPersistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			n.peerStore.PruneStale(time.Now().Add(-staleThreshold))
		}
	}
}

// loadOrCreateIdentity loads a persisted libp2p identity key from dataDir,
// or generates a new one and saves it. This ensures the peer ID is stable.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}
