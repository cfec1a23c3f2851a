// Package headersync decides which peer to ask for headers next, tracks the
// requests in flight and feeds every response into the chain.
//
// All scheduler state is owned by a single coordinator goroutine. Peer
// tasks parse bytes on their own goroutines and post the result to the
// coordinator's inbox, so the chain sees one writer.
package headersync

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/klingspv/config"
	"github.com/Klingon-tech/klingspv/internal/chain"
	"github.com/Klingon-tech/klingspv/internal/consensus"
	klog "github.com/Klingon-tech/klingspv/internal/log"
	"github.com/Klingon-tech/klingspv/pkg/header"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnsolicitedBatch is returned for a batch larger than any request
	// we could have made.
	ErrUnsolicitedBatch = errors.New("unsolicited header batch")

	// ErrStopped is returned by queries made after Run has returned.
	ErrStopped = errors.New("header scheduler stopped")
)

const (
	inboxSize       = 256
	maxTickInterval = time.Second
)

// HeaderChain is the part of chain.Chain the scheduler drives.
type HeaderChain interface {
	ProcessHeaders(headers []*wire.BlockHeader) (*chain.BatchResult, error)
	Locator() []chainhash.Hash
	ActiveChainHeight() int32
}

// Config configures a Scheduler. Zero tuning values take the node defaults.
type Config struct {
	Chain     HeaderChain
	Transport Transport
	Clock     clock.Clock
	Metrics   *Metrics

	// PowLimit enables the proof-of-work pre-check in Deliver. Nil leaves
	// every check to the chain.
	PowLimit *big.Int

	MaxHeadersPerRequest int
	RequestTimeout       time.Duration
	MaxOrphansPerPeer    int
}

// Status is a snapshot of the scheduler.
type Status struct {
	ActiveHeight   int32 `json:"active_height"`
	BestPeerHeight int32 `json:"best_peer_height"`
	Peers          int   `json:"peers"`
	InFlight       int   `json:"in_flight"`
	Parked         int   `json:"parked"`
	Orphans        int   `json:"orphans"`
}

// Syncing reports whether some peer claims a longer chain than ours.
func (s Status) Syncing() bool {
	return s.BestPeerHeight > s.ActiveHeight
}

type peerState struct {
	id     peer.ID
	gen    uint64
	height int32
	// inflight is the ID of the peer's outstanding request, 0 when idle.
	inflight uint64
	// stalled is set when the peer served nothing new despite claiming a
	// longer chain. It is not asked again until it announces more.
	stalled bool
}

type pending struct {
	req      Request
	deadline time.Time
	tried    map[peer.ID]struct{}
}

// Inbox messages.
type (
	peerConnectedMsg struct {
		peer   peer.ID
		gen    uint64
		height int32
	}
	peerTipMsg struct {
		peer   peer.ID
		height int32
	}
	peerDisconnectedMsg struct {
		peer peer.ID
	}
	headersMsg struct {
		peer      peer.ID
		gen       uint64
		requestID uint64
		headers   []*wire.BlockHeader
		total     int // batch size as received; headers is a prefix when invalid is set
		err       error
		invalid   error
	}
	timeoutMsg struct {
		requestID uint64
	}
	tickMsg        struct{}
	requestNextMsg struct {
		peer  peer.ID
		reply chan *Request
	}
	statusMsg struct {
		reply chan Status
	}
)

// Scheduler coordinates header download across peers.
type Scheduler struct {
	cfg     Config
	clock   clock.Clock
	metrics *Metrics
	log     zerolog.Logger

	inbox chan any
	done  chan struct{}

	genMu   sync.Mutex
	gens    map[peer.ID]uint64
	nextGen uint64

	// Owned by the coordinator goroutine.
	peers    map[peer.ID]*peerState
	inflight map[uint64]*pending
	parked   []*pending
	orphans  *orphanPool
	nextID   uint64
}

// New creates a scheduler. It does nothing until Run is called.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("header scheduler needs a chain")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("header scheduler needs a transport")
	}
	if cfg.MaxHeadersPerRequest <= 0 {
		cfg.MaxHeadersPerRequest = config.DefaultMaxHeadersPerRequest
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = config.DefaultRequestTimeout
	}
	if cfg.MaxOrphansPerPeer <= 0 {
		cfg.MaxOrphansPerPeer = config.DefaultMaxOrphansPerPeer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics("klingspv")
	}

	return &Scheduler{
		cfg:      cfg,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		log:      klog.WithComponent("sync"),
		inbox:    make(chan any, inboxSize),
		done:     make(chan struct{}),
		gens:     make(map[peer.ID]uint64),
		peers:    make(map[peer.ID]*peerState),
		inflight: make(map[uint64]*pending),
		orphans:  newOrphanPool(cfg.MaxOrphansPerPeer),
	}, nil
}

// Run drives the coordinator and the request deadline ticker until ctx is
// cancelled. It must be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.coordinate(ctx) })
	g.Go(func() error { return s.tickLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// PeerConnected registers a peer and the chain height it advertised.
func (s *Scheduler) PeerConnected(p peer.ID, bestHeight int32) {
	s.genMu.Lock()
	s.nextGen++
	gen := s.nextGen
	s.gens[p] = gen
	s.genMu.Unlock()

	s.post(peerConnectedMsg{peer: p, gen: gen, height: bestHeight})
}

// PeerTip records a newer height advertised by a peer.
func (s *Scheduler) PeerTip(p peer.ID, height int32) {
	s.post(peerTipMsg{peer: p, height: height})
}

// PeerDisconnected forgets a peer. Batches it sent that are still queued
// are discarded; headers already linked stay.
func (s *Scheduler) PeerDisconnected(p peer.ID) {
	s.genMu.Lock()
	delete(s.gens, p)
	s.genMu.Unlock()

	s.post(peerDisconnectedMsg{peer: p})
}

// OnHeadersReceived queues parsed headers from a peer. requestID is the
// request being answered, or 0 for an announcement.
func (s *Scheduler) OnHeadersReceived(p peer.ID, requestID uint64, headers []*wire.BlockHeader) {
	s.post(headersMsg{peer: p, gen: s.generation(p), requestID: requestID, headers: headers, total: len(headers)})
}

// Deliver parses raw concatenated headers on the caller's goroutine and
// queues them. With a PowLimit configured each header's hash is checked
// against its own target here as well, and the batch is cut at the first
// failure.
func (s *Scheduler) Deliver(p peer.ID, requestID uint64, raw []byte) {
	m := headersMsg{peer: p, gen: s.generation(p), requestID: requestID}
	m.headers, m.err = header.ParseBatch(raw)
	m.total = len(m.headers)
	if m.err == nil && s.cfg.PowLimit != nil {
		for i, h := range m.headers {
			if err := consensus.CheckProofOfWork(h, s.cfg.PowLimit); err != nil {
				m.headers, m.invalid = m.headers[:i], err
				break
			}
		}
	}
	s.post(m)
}

// OnTimeout gives up on a request and hands it to another peer.
func (s *Scheduler) OnTimeout(requestID uint64) {
	s.post(timeoutMsg{requestID: requestID})
}

// RequestNext asks p for the headers after our best known tip. It returns
// nil when p already has a request outstanding or another peer is already
// fetching from the same start.
func (s *Scheduler) RequestNext(ctx context.Context, p peer.ID) (*Request, error) {
	reply := make(chan *Request, 1)
	if err := s.query(ctx, requestNextMsg{peer: p, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case req := <-reply:
		return req, nil
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns a snapshot taken after every previously queued message
// was handled.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := s.query(ctx, statusMsg{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-s.done:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (s *Scheduler) post(m any) {
	select {
	case s.inbox <- m:
	case <-s.done:
	}
}

func (s *Scheduler) query(ctx context.Context, m any) error {
	select {
	case s.inbox <- m:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) generation(p peer.ID) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.gens[p]
}

// forget drops p's generation if it is still gen, so batches queued before
// the peer was rejected are discarded.
func (s *Scheduler) forget(p peer.ID, gen uint64) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.gens[p] == gen {
		delete(s.gens, p)
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) error {
	interval := s.cfg.RequestTimeout / 4
	if interval > maxTickInterval {
		interval = maxTickInterval
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.TickAfter(interval):
		}
		select {
		case s.inbox <- tickMsg{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) coordinate(ctx context.Context) error {
	s.metrics.ActiveHeight.Set(float64(s.cfg.Chain.ActiveChainHeight()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-s.inbox:
			s.handle(ctx, m)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, m any) {
	switch m := m.(type) {
	case peerConnectedMsg:
		s.peers[m.peer] = &peerState{id: m.peer, gen: m.gen, height: m.height}
		s.log.Debug().Stringer("peer", m.peer).Int32("height", m.height).Msg("Peer joined header sync")
		s.dispatchIdle(ctx)

	case peerTipMsg:
		if ps := s.peers[m.peer]; ps != nil && m.height > ps.height {
			ps.height = m.height
			ps.stalled = false
			s.dispatchIdle(ctx)
		}

	case peerDisconnectedMsg:
		if s.removePeer(m.peer) {
			s.log.Debug().Stringer("peer", m.peer).Msg("Peer left header sync")
		}
		s.dispatchIdle(ctx)

	case headersMsg:
		s.handleHeaders(ctx, m)

	case timeoutMsg:
		s.expire(ctx, m.requestID)
		s.dispatchIdle(ctx)

	case tickMsg:
		now := s.clock.Now()
		var expired []uint64
		for id, pd := range s.inflight {
			if !now.Before(pd.deadline) {
				expired = append(expired, id)
			}
		}
		sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
		for _, id := range expired {
			s.expire(ctx, id)
		}
		if len(expired) > 0 {
			s.dispatchIdle(ctx)
		}

	case requestNextMsg:
		var req *Request
		if ps := s.peers[m.peer]; ps != nil {
			req = s.issue(ctx, ps)
		}
		m.reply <- req

	case statusMsg:
		m.reply <- s.status()
	}
}

func (s *Scheduler) handleHeaders(ctx context.Context, m headersMsg) {
	ps := s.peers[m.peer]
	if ps == nil || m.gen == 0 || m.gen != ps.gen || m.gen != s.generation(m.peer) {
		s.log.Debug().Stringer("peer", m.peer).Int("headers", len(m.headers)).
			Msg("Discarding headers from departed peer")
		return
	}
	if m.err != nil {
		s.reject(m.peer, ReasonMalformed, m.err)
		return
	}

	var solicited *pending
	if pd := s.inflight[m.requestID]; pd != nil && pd.req.Peer == m.peer {
		solicited = pd
		s.finish(pd)
	}
	limit := s.cfg.MaxHeadersPerRequest
	if solicited != nil {
		limit = solicited.req.MaxCount
	}
	if m.total > limit {
		s.reject(m.peer, ReasonUnsolicited,
			fmt.Errorf("%w: %d headers, limit %d", ErrUnsolicitedBatch, m.total, limit))
		return
	}

	accepted := 0
	if len(m.headers) > 0 {
		accepted = s.apply(m.peer, m.headers)
	}
	if m.invalid != nil && s.peers[m.peer] != nil {
		reason, _ := reasonFor(m.invalid)
		s.reject(m.peer, reason, m.invalid)
	}
	if s.peers[m.peer] == nil {
		// Rejected while applying.
		s.dispatchIdle(ctx)
		return
	}

	ours := s.cfg.Chain.ActiveChainHeight()
	switch {
	case solicited != nil && accepted > 0 && len(m.headers) == solicited.req.MaxCount:
		s.issue(ctx, ps)
	case solicited == nil && s.orphans.count(m.peer) > 0:
		// An announcement we cannot connect yet; fetch the gap.
		s.issue(ctx, ps)
	case accepted > 0 && ps.height > ours:
		s.issue(ctx, ps)
	case solicited != nil && accepted == 0 && ps.height > ours:
		ps.stalled = true
		s.log.Debug().Stringer("peer", m.peer).Int32("claimed", ps.height).Int32("ours", ours).
			Msg("Peer served no new headers")
	}
	s.dispatchIdle(ctx)
}

type batch struct {
	from    peer.ID
	headers []*wire.BlockHeader
}

// apply feeds headers from one peer into the chain and then connects any
// buffered orphans the new headers are parents of. It returns how many of
// from's headers were linked.
func (s *Scheduler) apply(from peer.ID, headers []*wire.BlockHeader) int {
	accepted := 0
	work := []batch{{from: from, headers: headers}}
	for len(work) > 0 {
		b := work[0]
		work = work[1:]
		if s.peers[b.from] == nil {
			continue
		}

		res, err := s.cfg.Chain.ProcessHeaders(b.headers)
		if res == nil {
			s.log.Error().Err(err).Stringer("peer", b.from).Msg("Processing headers failed")
			continue
		}
		s.record(res)
		if b.from == from {
			accepted += len(res.Accepted)
		}

		if err != nil {
			if reason, blame := reasonFor(err); blame {
				s.reject(b.from, reason, err)
			} else {
				s.log.Error().Err(err).Stringer("peer", b.from).Msg("Processing headers failed")
			}
		}

		if s.peers[b.from] != nil {
			for _, h := range res.Orphans {
				if err := s.orphans.add(b.from, h); err != nil {
					s.reject(b.from, ReasonOrphanFlood,
						fmt.Errorf("%w: %d buffered", err, s.cfg.MaxOrphansPerPeer))
					break
				}
				s.metrics.HeadersOrphaned.Inc()
			}
		}

		for _, rec := range res.Accepted {
			work = append(work, groupByPeer(s.orphans.takeChildren(rec.Hash))...)
		}
	}
	return accepted
}

// groupByPeer splits orphans into per-peer batches, keeping their order.
func groupByPeer(orphans []orphan) []batch {
	var out []batch
	index := make(map[peer.ID]int)
	for _, o := range orphans {
		i, ok := index[o.from]
		if !ok {
			i = len(out)
			index[o.from] = i
			out = append(out, batch{from: o.from})
		}
		out[i].headers = append(out[i].headers, o.header)
	}
	return out
}

func (s *Scheduler) record(res *chain.BatchResult) {
	s.metrics.HeadersAccepted.Add(float64(len(res.Accepted)))
	s.metrics.HeadersDuplicate.Add(float64(res.Duplicates))
	if res.ReorgErr != nil {
		s.metrics.ReorgsRefused.Inc()
		s.log.Warn().Err(res.ReorgErr).Msg("Heavier branch refused")
	}
	if ev := res.Event; ev != nil {
		s.metrics.Reorgs.Inc()
		s.metrics.ActiveHeight.Set(float64(ev.NewTipHeight))
		if ev.IsReorg() {
			s.log.Info().Int32("ancestor", ev.CommonAncestorHeight).
				Int32("disconnected", ev.Disconnected()).
				Int32("height", ev.NewTipHeight).
				Str("tip", ev.NewTipHash.String()).
				Msg("Switched to heavier branch")
		}
	}
}

// issue sends p a request if it is idle. A parked request it has not
// already failed takes priority over a fresh one.
func (s *Scheduler) issue(ctx context.Context, ps *peerState) *Request {
	if ps.inflight != 0 {
		return nil
	}
	if pd := s.unpark(ps.id); pd != nil {
		return s.send(ctx, ps, pd.req.Locator, pd.req.MaxCount, pd.tried)
	}

	locator := s.cfg.Chain.Locator()
	if len(locator) == 0 {
		return nil
	}
	now := s.clock.Now()
	for _, pd := range s.inflight {
		if pd.req.Start() == locator[0] && pd.req.Peer != ps.id && now.Before(pd.deadline) {
			return nil
		}
	}
	return s.send(ctx, ps, locator, s.cfg.MaxHeadersPerRequest, nil)
}

func (s *Scheduler) send(ctx context.Context, ps *peerState, locator []chainhash.Hash, maxCount int, tried map[peer.ID]struct{}) *Request {
	s.nextID++
	req := Request{ID: s.nextID, Peer: ps.id, Locator: locator, MaxCount: maxCount}
	if tried == nil {
		tried = make(map[peer.ID]struct{})
	}
	tried[ps.id] = struct{}{}

	pd := &pending{req: req, deadline: s.clock.Now().Add(s.cfg.RequestTimeout), tried: tried}
	s.inflight[req.ID] = pd
	ps.inflight = req.ID
	s.metrics.InFlight.Set(float64(len(s.inflight)))

	if err := s.cfg.Transport.RequestHeaders(ctx, ps.id, req); err != nil {
		s.log.Debug().Err(err).Stringer("peer", ps.id).Msg("Header request not sent")
		s.finish(pd)
		return nil
	}
	s.log.Trace().Stringer("peer", ps.id).Uint64("id", req.ID).
		Str("start", req.Start().String()).Msg("Requested headers")
	return &req
}

func (s *Scheduler) finish(pd *pending) {
	delete(s.inflight, pd.req.ID)
	if ps := s.peers[pd.req.Peer]; ps != nil && ps.inflight == pd.req.ID {
		ps.inflight = 0
	}
	s.metrics.InFlight.Set(float64(len(s.inflight)))
}

// expire abandons a request and re-issues it to another idle peer, or
// parks it until one becomes idle.
func (s *Scheduler) expire(ctx context.Context, id uint64) {
	pd := s.inflight[id]
	if pd == nil {
		return
	}
	s.finish(pd)
	s.metrics.RequestTimeouts.Inc()
	s.log.Debug().Stringer("peer", pd.req.Peer).Uint64("id", id).Msg("Header request timed out")

	if ps := s.idlePeer(pd.tried); ps != nil {
		s.send(ctx, ps, pd.req.Locator, pd.req.MaxCount, pd.tried)
		return
	}
	s.parked = append(s.parked, pd)
}

func (s *Scheduler) unpark(p peer.ID) *pending {
	for i, pd := range s.parked {
		if _, ok := pd.tried[p]; ok {
			continue
		}
		s.parked = append(s.parked[:i], s.parked[i+1:]...)
		return pd
	}
	return nil
}

func (s *Scheduler) hasParkedFor(p peer.ID) bool {
	for _, pd := range s.parked {
		if _, ok := pd.tried[p]; !ok {
			return true
		}
	}
	return false
}

// idlePeers returns peers without a request outstanding, tallest first.
func (s *Scheduler) idlePeers() []*peerState {
	var out []*peerState
	for _, ps := range s.peers {
		if ps.inflight == 0 {
			out = append(out, ps)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].height != out[j].height {
			return out[i].height > out[j].height
		}
		return out[i].id < out[j].id
	})
	return out
}

func (s *Scheduler) idlePeer(exclude map[peer.ID]struct{}) *peerState {
	for _, ps := range s.idlePeers() {
		if _, ok := exclude[ps.id]; !ok {
			return ps
		}
	}
	return nil
}

// dispatchIdle hands parked requests to idle peers and asks idle peers
// that claim a longer chain for more.
func (s *Scheduler) dispatchIdle(ctx context.Context) {
	ours := s.cfg.Chain.ActiveChainHeight()
	for _, ps := range s.idlePeers() {
		if s.hasParkedFor(ps.id) || (!ps.stalled && ps.height > ours) {
			s.issue(ctx, ps)
		}
	}
}

// removePeer drops every trace of p. It reports whether p was known.
func (s *Scheduler) removePeer(p peer.ID) bool {
	ps := s.peers[p]
	if ps == nil {
		return false
	}
	delete(s.peers, p)
	s.forget(p, ps.gen)
	for _, pd := range s.inflight {
		if pd.req.Peer == p {
			s.finish(pd)
		}
	}
	if n := s.orphans.dropPeer(p); n > 0 {
		s.log.Debug().Stringer("peer", p).Int("orphans", n).Msg("Dropped buffered headers")
	}
	return true
}

func (s *Scheduler) reject(p peer.ID, reason RejectReason, err error) {
	s.log.Warn().Stringer("peer", p).Str("reason", reason.String()).Err(err).Msg("Rejecting peer")
	s.metrics.PeerRejects.WithLabelValues(reason.String()).Inc()
	s.removePeer(p)
	s.cfg.Transport.RejectPeer(p, reason)
}

func (s *Scheduler) status() Status {
	st := Status{
		ActiveHeight: s.cfg.Chain.ActiveChainHeight(),
		Peers:        len(s.peers),
		InFlight:     len(s.inflight),
		Parked:       len(s.parked),
		Orphans:      s.orphans.total(),
	}
	for _, ps := range s.peers {
		if ps.height > st.BestPeerHeight {
			st.BestPeerHeight = ps.height
		}
	}
	return st
}
