// Package chain maintains the tree of known block headers and selects the
// active chain among its branches.
package chain

import (
	"math/big"
	"time"

	"github.com/Klingon-tech/klingspv/internal/consensus"
	"github.com/Klingon-tech/klingspv/pkg/header"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderRecord is a linked header. Records are immutable once stored.
type HeaderRecord struct {
	consensus.HeaderNode

	Header     wire.BlockHeader
	Work       *big.Int
	Seq        uint64    // first-seen order within the store
	AcceptedAt time.Time // wall clock when linked
}

// PrevHash returns the hash of the parent header.
func (r *HeaderRecord) PrevHash() chainhash.Hash {
	return r.Header.PrevBlock
}

// Raw returns the 80-byte serialisation of the header.
func (r *HeaderRecord) Raw() []byte {
	return header.Serialize(&r.Header)
}

// TipState is the chain-selection status of a branch tip.
type TipState int

// Tip states.
const (
	TipCandidate TipState = iota
	TipActive
	TipSuperseded
	TipCheckpointFailed
)

func (s TipState) String() string {
	switch s {
	case TipCandidate:
		return "candidate"
	case TipActive:
		return "active"
	case TipSuperseded:
		return "superseded"
	case TipCheckpointFailed:
		return "checkpoint-failed"
	default:
		return "unknown"
	}
}

// TipInfo describes one branch tip.
type TipInfo struct {
	Record *HeaderRecord
	State  TipState
	// BranchLength is the number of headers between the tip and the
	// active chain; zero for the active tip.
	BranchLength int32
}
