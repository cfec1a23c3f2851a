package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingspv/internal/headersync"
	klog "github.com/Klingon-tech/klingspv/internal/log"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

// HeaderSink receives header responses. headersync.Scheduler satisfies it.
type HeaderSink interface {
	Deliver(p peer.ID, requestID uint64, raw []byte)
}

// headerRequester is the part of Node the transport drives.
type headerRequester interface {
	RequestHeaders(ctx context.Context, id peer.ID, locator []chainhash.Hash, max int) ([]byte, error)
}

// SyncTransport carries scheduler requests over the headers protocol and
// turns scheduler rejections into ban scores.
type SyncTransport struct {
	node    headerRequester
	bans    func() *BanManager
	timeout time.Duration
	log     zerolog.Logger

	mu   sync.RWMutex
	sink HeaderSink
}

// NewSyncTransport creates a transport over node. It may be built before the
// node starts; the node's ban manager is looked up per call. Responses are
// dropped until Bind is called.
func NewSyncTransport(node *Node, timeout time.Duration) *SyncTransport {
	t := newSyncTransport(node, nil, timeout)
	t.bans = func() *BanManager { return node.BanManager }
	return t
}

func newSyncTransport(node headerRequester, bans *BanManager, timeout time.Duration) *SyncTransport {
	return &SyncTransport{
		node:    node,
		bans:    func() *BanManager { return bans },
		timeout: timeout,
		log:     klog.WithComponent("p2p"),
	}
}

// Bind sets the receiver of header responses.
func (t *SyncTransport) Bind(sink HeaderSink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// RequestHeaders starts the request in the background and returns. A failed
// or silent peer is left to the scheduler's timeout.
func (t *SyncTransport) RequestHeaders(ctx context.Context, p peer.ID, req headersync.Request) error {
	if bm := t.bans(); bm != nil && bm.IsBanned(p) {
		return fmt.Errorf("peer %s is banned", p)
	}
	go func() {
		rctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		raw, err := t.node.RequestHeaders(rctx, p, req.Locator, req.MaxCount)
		if err != nil {
			t.log.Debug().Err(err).Stringer("peer", p).Uint64("request", req.ID).Msg("Headers request failed")
			return
		}

		t.mu.RLock()
		sink := t.sink
		t.mu.RUnlock()
		if sink != nil {
			sink.Deliver(p, req.ID, raw)
		}
	}()
	return nil
}

// RejectPeer scores the offense. Invalid chains ban at once.
func (t *SyncTransport) RejectPeer(p peer.ID, reason headersync.RejectReason) {
	if bm := t.bans(); bm != nil {
		bm.RecordOffense(p, Penalty(reason), reason.String())
	}
}

// Penalty returns the ban score for a scheduler rejection.
func Penalty(reason headersync.RejectReason) int {
	switch {
	case reason.Severe():
		return PenaltyInvalidHeaders
	case reason == headersync.ReasonMalformed:
		return PenaltyMalformed
	default:
		return PenaltyNuisance
	}
}
