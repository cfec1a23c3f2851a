package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingspv/config"
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

func regtestGenesisNode(p *config.ChainParams) *HeaderNode {
	g := p.GenesisHeader
	return &HeaderNode{
		Hash:           g.BlockHash(),
		Height:         0,
		Timestamp:      g.Timestamp,
		Bits:           g.Bits,
		CumulativeWork: blockchain.CalcWork(g.Bits),
	}
}

func childOf(t *testing.T, parent *HeaderNode, ts time.Time, bits uint32) *wire.BlockHeader {
	t.Helper()
	h := &wire.BlockHeader{
		Version:    1,
		PrevBlock:  parent.Hash,
		MerkleRoot: chainhash.DoubleHashH([]byte(ts.String())),
		Timestamp:  ts,
		Bits:       bits,
	}
	if err := Solve(context.Background(), h); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	return h
}

func TestVerifier_Accepts(t *testing.T) {
	p := config.RegtestParams()
	parent := regtestGenesisNode(p)
	v := NewVerifier(p, clock.NewTestClock(parent.Timestamp.Add(time.Hour)))

	h := childOf(t, parent, parent.Timestamp.Add(10*time.Minute), p.PowLimitBits)
	if err := v.Verify(h, parent, nil); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifier_BadDifficulty(t *testing.T) {
	p := config.RegtestParams()
	parent := regtestGenesisNode(p)
	v := NewVerifier(p, clock.NewTestClock(parent.Timestamp.Add(time.Hour)))

	h := childOf(t, parent, parent.Timestamp.Add(10*time.Minute), 0x1f7fffff)
	if err := v.Verify(h, parent, nil); !errors.Is(err, ErrBadDifficulty) {
		t.Fatalf("Verify = %v, want ErrBadDifficulty", err)
	}
}

func TestVerifier_InsufficientWork(t *testing.T) {
	p := config.RegtestParams()
	parent := regtestGenesisNode(p)
	v := NewVerifier(p, clock.NewTestClock(parent.Timestamp.Add(time.Hour)))

	h := childOf(t, parent, parent.Timestamp.Add(10*time.Minute), p.PowLimitBits)
	// Walk the nonce to the first value that misses the target.
	for {
		h.Nonce++
		if CheckProofOfWork(h, p.PowLimit) != nil {
			break
		}
	}
	if err := v.Verify(h, parent, nil); !errors.Is(err, ErrInsufficientWork) {
		t.Fatalf("Verify = %v, want ErrInsufficientWork", err)
	}
}

func TestVerifier_Timestamps(t *testing.T) {
	p := config.RegtestParams()
	parent := regtestGenesisNode(p)
	now := parent.Timestamp.Add(time.Hour)
	v := NewVerifier(p, clock.NewTestClock(now))

	tests := []struct {
		name string
		ts   time.Time
		ok   bool
	}{
		{"slightly before parent", parent.Timestamp.Add(-time.Hour), true},
		{"too far before parent", parent.Timestamp.Add(-p.MaxPastDrift - time.Second), false},
		{"at future bound", now.Add(p.MaxFutureDrift), true},
		{"beyond future bound", now.Add(p.MaxFutureDrift + time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := childOf(t, parent, tt.ts, p.PowLimitBits)
			err := v.Verify(h, parent, nil)
			if tt.ok && err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrBadTimestamp) {
				t.Fatalf("Verify = %v, want ErrBadTimestamp", err)
			}
		})
	}
}

func TestVerifier_CheckOrder(t *testing.T) {
	p := config.RegtestParams()
	parent := regtestGenesisNode(p)
	v := NewVerifier(p, clock.NewTestClock(parent.Timestamp))

	// Wrong bits and an impossible timestamp: difficulty is reported first.
	h := childOf(t, parent, parent.Timestamp.Add(48*time.Hour), 0x1f7fffff)
	if err := v.Verify(h, parent, nil); !errors.Is(err, ErrBadDifficulty) {
		t.Fatalf("Verify = %v, want ErrBadDifficulty", err)
	}
}

func TestCheckProofOfWork(t *testing.T) {
	main := config.MainnetParams()
	genesis := main.GenesisHeader
	if err := CheckProofOfWork(&genesis, main.PowLimit); err != nil {
		t.Fatalf("mainnet genesis: %v", err)
	}

	tampered := genesis
	tampered.Nonce++
	if err := CheckProofOfWork(&tampered, main.PowLimit); !errors.Is(err, ErrInsufficientWork) {
		t.Errorf("tampered nonce = %v, want ErrInsufficientWork", err)
	}

	easy := genesis
	easy.Bits = 0x1d01ffff
	if err := CheckProofOfWork(&easy, main.PowLimit); !errors.Is(err, ErrInsufficientWork) {
		t.Errorf("bits above limit = %v, want ErrInsufficientWork", err)
	}

	zero := genesis
	zero.Bits = 0
	if err := CheckProofOfWork(&zero, main.PowLimit); !errors.Is(err, ErrInsufficientWork) {
		t.Errorf("zero target = %v, want ErrInsufficientWork", err)
	}
}

func TestSolve_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &wire.BlockHeader{Bits: 0x1d00ffff}
	if err := Solve(ctx, h); !errors.Is(err, context.Canceled) {
		t.Fatalf("Solve = %v, want context.Canceled", err)
	}
}
