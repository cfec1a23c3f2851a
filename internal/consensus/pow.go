package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Klingon-tech/klingspv/config"
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

// PoW errors.
var (
	ErrBadDifficulty    = errors.New("header bits do not match expected difficulty")
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrBadTimestamp     = errors.New("header timestamp outside allowed drift")
)

// HeaderNode is the view of a linked header the difficulty rules need.
type HeaderNode struct {
	Hash           chainhash.Hash
	Height         int32
	Timestamp      time.Time
	Bits           uint32
	CumulativeWork *big.Int
}

// AncestorFunc returns the ancestor at height on the branch being extended,
// or nil if no such header is known.
type AncestorFunc func(height int32) *HeaderNode

// Verifier checks headers against their parent and the difficulty rules of
// one network. It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	params *config.ChainParams
	clock  clock.Clock
}

// NewVerifier creates a verifier. A nil clock uses the system clock.
func NewVerifier(params *config.ChainParams, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Verifier{params: params, clock: clk}
}

// Params returns the chain parameters the verifier enforces.
func (v *Verifier) Params() *config.ChainParams {
	return v.params
}

// Verify checks that h may extend parent. Checks run in a fixed order:
// difficulty bits, then proof of work, then timestamp drift.
func (v *Verifier) Verify(h *wire.BlockHeader, parent *HeaderNode, ancestors AncestorFunc) error {
	if parent == nil {
		return fmt.Errorf("verify header %s: nil parent", h.BlockHash())
	}

	want, err := ExpectedBits(v.params, parent, h.Timestamp, ancestors)
	if err != nil {
		return err
	}
	if h.Bits != want {
		return fmt.Errorf("%w: height %d has bits %08x, want %08x",
			ErrBadDifficulty, parent.Height+1, h.Bits, want)
	}

	if err := CheckProofOfWork(h, v.params.PowLimit); err != nil {
		return err
	}

	if earliest := parent.Timestamp.Add(-v.params.MaxPastDrift); h.Timestamp.Before(earliest) {
		return fmt.Errorf("%w: %s is before %s", ErrBadTimestamp,
			h.Timestamp.UTC().Format(time.RFC3339), earliest.UTC().Format(time.RFC3339))
	}
	if latest := v.clock.Now().Add(v.params.MaxFutureDrift); h.Timestamp.After(latest) {
		return fmt.Errorf("%w: %s is after %s", ErrBadTimestamp,
			h.Timestamp.UTC().Format(time.RFC3339), latest.UTC().Format(time.RFC3339))
	}
	return nil
}

// CheckProofOfWork checks the parts of proof of work that need no chain
// context: the target decoded from the bits is in range and the header
// hash does not exceed it.
func CheckProofOfWork(h *wire.BlockHeader, powLimit *big.Int) error {
	target := blockchain.CompactToBig(h.Bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("%w: bits %08x decode to non-positive target", ErrInsufficientWork, h.Bits)
	}
	if target.Cmp(powLimit) > 0 {
		return fmt.Errorf("%w: bits %08x above proof-of-work limit", ErrInsufficientWork, h.Bits)
	}
	hash := h.BlockHash()
	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientWork, hash)
	}
	return nil
}

// Solve iterates the nonce until h satisfies its own bits. It is meant for
// regtest-difficulty headers in tests and tooling.
func Solve(ctx context.Context, h *wire.BlockHeader) error {
	target := blockchain.CompactToBig(h.Bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("%w: bits %08x", ErrInsufficientWork, h.Bits)
	}

	for nonce := uint32(0); ; nonce++ {
		// Check cancellation every 65536 iterations.
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		h.Nonce = nonce
		hash := h.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return nil
		}
		if nonce == ^uint32(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}
