package p2p

import (
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingspv/internal/log"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100 // Score at which a peer gets banned.
	BanDuration  = 24 * time.Hour

	banPruneInterval = 10 * time.Minute
)

// Penalty values for different offenses.
const (
	PenaltyInvalidHeaders = 100 // Bad proof of work, bits, timestamp or checkpoint.
	PenaltyMalformed      = 50  // Undecodable header bytes.
	PenaltyNuisance       = 25  // Orphan floods and unsolicited batches.
	PenaltyHandshakeFail  = 100 // Instant ban (genesis mismatch).
)

// Disconnecter closes connections to a peer.
type Disconnecter interface {
	DisconnectPeer(id peer.ID) error
}

// BanManager tracks peer offense scores and manages bans.
type BanManager struct {
	mu     sync.RWMutex
	scores map[peer.ID]int
	bans   map[peer.ID]*BanRecord
	store  *BanStore    // nil for tests
	conns  Disconnecter // nil if disconnect-on-ban is not needed
	clock  clock.Clock
	log    zerolog.Logger
}

// NewBanManager creates a new BanManager. store and conns may be nil.
func NewBanManager(store *BanStore, conns Disconnecter, clk clock.Clock) *BanManager {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &BanManager{
		scores: make(map[peer.ID]int),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		conns:  conns,
		clock:  clk,
		log:    klog.WithComponent("banmgr"),
	}
}

// LoadBans restores persisted bans from the store into the in-memory cache.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	now := bm.clock.Now()
	if _, err := bm.store.PruneExpired(now); err != nil {
		bm.log.Warn().Err(err).Msg("Prune persisted bans failed")
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.store.ForEach(func(rec *BanRecord) error {
		if rec.ExpiredAt(now) {
			return nil
		}
		if id, err := peer.Decode(rec.ID); err == nil {
			bm.bans[id] = rec
		}
		return nil
	})
}

// RecordOffense adds a penalty score to a peer. If the cumulative score
// reaches BanThreshold, the peer is banned and disconnected. It reports
// whether this offense caused a ban.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) bool {
	now := bm.clock.Now()

	bm.mu.Lock()
	if rec, ok := bm.bans[id]; ok && !rec.ExpiredAt(now) {
		bm.mu.Unlock()
		return false
	}

	bm.scores[id] += penalty
	score := bm.scores[id]
	if score < BanThreshold {
		bm.mu.Unlock()
		bm.log.Debug().Stringer("peer", id).Str("reason", reason).Int("score", score).Msg("Peer penalized")
		return false
	}

	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     score,
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			bm.log.Warn().Err(err).Stringer("peer", id).Msg("Persist ban failed")
		}
	}

	bm.log.Warn().
		Stringer("peer", id).
		Str("reason", reason).
		Int("score", score).
		Msg("Peer banned")

	if bm.conns != nil {
		go bm.conns.DisconnectPeer(id)
	}
	return true
}

// Score returns the peer's accumulated offense score below the ban threshold.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[id]
}

// IsBanned returns true if the peer is currently banned.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()

	if !ok {
		return false
	}
	if !rec.ExpiredAt(bm.clock.Now()) {
		return true
	}

	bm.mu.Lock()
	delete(bm.bans, id)
	bm.mu.Unlock()
	if bm.store != nil {
		bm.store.Delete(id)
	}
	return false
}

// Unban manually removes a ban.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(id)
	}
}

// Clear drops every ban and score, persisted or not.
func (bm *BanManager) Clear() error {
	bm.mu.Lock()
	bm.bans = make(map[peer.ID]*BanRecord)
	bm.scores = make(map[peer.ID]int)
	bm.mu.Unlock()

	if bm.store != nil {
		return bm.store.Clear()
	}
	return nil
}

// BanList returns a snapshot of all active bans.
func (bm *BanManager) BanList() []BanRecord {
	now := bm.clock.Now()

	bm.mu.RLock()
	defer bm.mu.RUnlock()

	list := make([]BanRecord, 0, len(bm.bans))
	for _, rec := range bm.bans {
		if !rec.ExpiredAt(now) {
			list = append(list, *rec)
		}
	}
	return list
}

// RunPruneLoop periodically prunes expired bans until done is closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-bm.clock.TickAfter(banPruneInterval):
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	now := bm.clock.Now()

	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.ExpiredAt(now) {
			delete(bm.bans, id)
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.PruneExpired(now)
	}
}
