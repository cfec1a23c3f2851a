package headersync

import (
	"context"
	"errors"

	"github.com/Klingon-tech/klingspv/internal/chain"
	"github.com/Klingon-tech/klingspv/internal/consensus"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Request asks a peer for the headers following the first locator hash it
// recognises.
type Request struct {
	ID       uint64
	Peer     peer.ID
	Locator  []chainhash.Hash
	MaxCount int
}

// Start is the hash the peer is expected to serve from when it shares our
// best candidate.
func (r *Request) Start() chainhash.Hash {
	if len(r.Locator) == 0 {
		return chainhash.Hash{}
	}
	return r.Locator[0]
}

// Transport sends requests to peers and punishes misbehaving ones.
// RequestHeaders must not block on the response; replies come back through
// Scheduler.Deliver or Scheduler.OnHeadersReceived.
type Transport interface {
	RequestHeaders(ctx context.Context, p peer.ID, req Request) error
	RejectPeer(p peer.ID, reason RejectReason)
}

// RejectReason says why a peer was rejected.
type RejectReason int

const (
	ReasonMalformed RejectReason = iota
	ReasonBadProofOfWork
	ReasonBadDifficulty
	ReasonBadTimestamp
	ReasonCheckpoint
	ReasonOrphanFlood
	ReasonUnsolicited
)

func (r RejectReason) String() string {
	switch r {
	case ReasonMalformed:
		return "malformed"
	case ReasonBadProofOfWork:
		return "bad-pow"
	case ReasonBadDifficulty:
		return "bad-bits"
	case ReasonBadTimestamp:
		return "bad-timestamp"
	case ReasonCheckpoint:
		return "checkpoint"
	case ReasonOrphanFlood:
		return "orphan-flood"
	case ReasonUnsolicited:
		return "unsolicited"
	default:
		return "unknown"
	}
}

// Severe reports whether the reason proves the peer serves invalid headers,
// as opposed to merely wasting resources.
func (r RejectReason) Severe() bool {
	switch r {
	case ReasonOrphanFlood, ReasonUnsolicited, ReasonMalformed:
		return false
	default:
		return true
	}
}

// reasonFor maps a chain error to a reject reason. ok is false for errors
// that are not the peer's fault.
func reasonFor(err error) (reason RejectReason, ok bool) {
	switch {
	case errors.Is(err, consensus.ErrInsufficientWork):
		return ReasonBadProofOfWork, true
	case errors.Is(err, consensus.ErrBadDifficulty):
		return ReasonBadDifficulty, true
	case errors.Is(err, consensus.ErrBadTimestamp):
		return ReasonBadTimestamp, true
	case errors.Is(err, chain.ErrCheckpointFailed):
		return ReasonCheckpoint, true
	}
	return 0, false
}
