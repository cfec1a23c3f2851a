package chain

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingspv/config"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrCheckpointFailed is returned for headers that conflict with, or can no
// longer reach, the checkpointed lineage.
var ErrCheckpointFailed = errors.New("header conflicts with checkpoint")

// CheckpointPolicy answers questions about the compiled-in checkpoints.
type CheckpointPolicy struct {
	sorted   []config.Checkpoint
	byHeight map[int32]chainhash.Hash
}

// NewCheckpointPolicy indexes cps. The input need not be sorted.
func NewCheckpointPolicy(cps []config.Checkpoint) *CheckpointPolicy {
	sorted := make([]config.Checkpoint, len(cps))
	copy(sorted, cps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Height < sorted[j].Height })

	byHeight := make(map[int32]chainhash.Hash, len(sorted))
	for _, cp := range sorted {
		byHeight[cp.Height] = cp.Hash
	}
	return &CheckpointPolicy{sorted: sorted, byHeight: byHeight}
}

// Check returns ErrCheckpointFailed if height is checkpointed with a
// different hash.
func (p *CheckpointPolicy) Check(height int32, hash chainhash.Hash) error {
	want, ok := p.byHeight[height]
	if !ok || want == hash {
		return nil
	}
	return fmt.Errorf("%w: height %d has %s, want %s", ErrCheckpointFailed, height, hash, want)
}

// Expected returns the checkpointed hash at height, if any.
func (p *CheckpointPolicy) Expected(height int32) (chainhash.Hash, bool) {
	h, ok := p.byHeight[height]
	return h, ok
}

// IsCheckpoint reports whether height carries a checkpoint.
func (p *CheckpointPolicy) IsCheckpoint(height int32) bool {
	_, ok := p.byHeight[height]
	return ok
}

// HighestAtOrBelow returns the highest checkpoint not above height.
func (p *CheckpointPolicy) HighestAtOrBelow(height int32) (config.Checkpoint, bool) {
	i := sort.Search(len(p.sorted), func(i int) bool { return p.sorted[i].Height > height })
	if i == 0 {
		return config.Checkpoint{}, false
	}
	return p.sorted[i-1], true
}

// All returns the checkpoints in height order.
func (p *CheckpointPolicy) All() []config.Checkpoint {
	out := make([]config.Checkpoint, len(p.sorted))
	copy(out, p.sorted)
	return out
}
