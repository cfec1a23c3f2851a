// Package chaintest mines regtest header chains for tests.
package chaintest

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/Klingon-tech/klingspv/config"
	"github.com/Klingon-tech/klingspv/internal/consensus"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Spacing is the timestamp gap between mined headers.
const Spacing = 10 * time.Minute

// TB is the part of testing.TB the miners use. It is also satisfied by
// *rapid.T.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// Params returns a fresh copy of the regtest parameters.
func Params() *config.ChainParams {
	return config.RegtestParams()
}

// Genesis returns the regtest genesis header.
func Genesis() *wire.BlockHeader {
	g := config.RegtestParams().GenesisHeader
	return &g
}

// Mine returns count headers extending parent, Spacing apart. Branches mined
// from the same parent with different salts never share a hash.
func Mine(tb TB, parent *wire.BlockHeader, count int, salt uint32) []*wire.BlockHeader {
	tb.Helper()
	out := make([]*wire.BlockHeader, 0, count)
	prev := parent
	for i := 0; i < count; i++ {
		h := Next(tb, prev, salt)
		out = append(out, h)
		prev = h
	}
	return out
}

// Next mines one header on top of parent.
func Next(tb TB, parent *wire.BlockHeader, salt uint32) *wire.BlockHeader {
	tb.Helper()
	var seed [36]byte
	prevHash := parent.BlockHash()
	copy(seed[:32], prevHash[:])
	binary.LittleEndian.PutUint32(seed[32:], salt)

	h := &wire.BlockHeader{
		Version:    1,
		PrevBlock:  prevHash,
		MerkleRoot: chainhash.DoubleHashH(seed[:]),
		Timestamp:  parent.Timestamp.Add(Spacing),
		Bits:       parent.Bits,
	}
	if err := consensus.Solve(context.Background(), h); err != nil {
		tb.Fatalf("mine header: %v", err)
	}
	return h
}

// Hashes returns the block hashes of hs.
func Hashes(hs []*wire.BlockHeader) []chainhash.Hash {
	out := make([]chainhash.Hash, len(hs))
	for i, h := range hs {
		out[i] = h.BlockHash()
	}
	return out
}
