package consensus

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/Klingon-tech/klingspv/config"
	"github.com/btcsuite/btcd/blockchain"
)

// ErrMissingAncestor is returned when the difficulty window reaches a
// header the caller cannot supply.
var ErrMissingAncestor = errors.New("difficulty window ancestor not found")

const (
	// daaWindow is the number of headers the cw-144 rule averages over.
	daaWindow = 144

	// edaWindow and edaThreshold: the emergency rule looks at the
	// median-time-past span across the last six headers.
	edaWindow    = 6
	edaThreshold = 12 * time.Hour

	medianTimeSpan = 11
)

// oneLsh256 is 2^256.
var oneLsh256 = new(big.Int).Lsh(big.NewInt(1), 256)

// ExpectedBits returns the compact target a header at parent.Height+1 with
// timestamp ts must declare.
func ExpectedBits(p *config.ChainParams, parent *HeaderNode, ts time.Time, ancestors AncestorFunc) (uint32, error) {
	if p.NoRetargeting {
		return parent.Bits, nil
	}
	w := window{parent: parent, lookup: ancestors}

	if parent.Height >= p.DAAHeight {
		return daaBits(p, &w, ts)
	}

	next := parent.Height + 1
	if p.RetargetInterval > 0 && next%p.RetargetInterval == 0 {
		first, err := w.at(parent.Height - (p.RetargetInterval - 1))
		if err != nil {
			return 0, err
		}
		actual := parent.Timestamp.Unix() - first.Timestamp.Unix()
		return legacyRetarget(p, parent.Bits, actual), nil
	}

	if p.ReduceMinDifficulty {
		return minDifficultyBits(p, &w, ts)
	}
	if parent.Height >= p.UAHFHeight {
		return edaBits(p, &w)
	}
	return parent.Bits, nil
}

// legacyRetarget scales the target by actual/expected timespan, clamped to
// a factor of RetargetClamp either way.
func legacyRetarget(p *config.ChainParams, bits uint32, actual int64) uint32 {
	timespan := int64(p.TargetTimespan / time.Second)
	clamp := p.RetargetClamp
	if clamp <= 0 {
		clamp = 4
	}
	if minSpan := timespan / clamp; actual < minSpan {
		actual = minSpan
	}
	if maxSpan := timespan * clamp; actual > maxSpan {
		actual = maxSpan
	}

	target := blockchain.CompactToBig(bits)
	target.Mul(target, big.NewInt(actual))
	target.Div(target, big.NewInt(timespan))
	return capToLimit(p, target)
}

// minDifficultyBits applies the testnet rule: a header more than twice the
// target spacing after its parent may use the minimum difficulty, otherwise
// it inherits the last bits in the interval that were not the minimum.
func minDifficultyBits(p *config.ChainParams, w *window, ts time.Time) (uint32, error) {
	if ts.After(w.parent.Timestamp.Add(2 * p.TargetSpacing)) {
		return p.PowLimitBits, nil
	}
	node := w.parent
	for node.Height > 0 && node.Height%p.RetargetInterval != 0 && node.Bits == p.PowLimitBits {
		prev, err := w.at(node.Height - 1)
		if err != nil {
			return 0, err
		}
		node = prev
	}
	return node.Bits, nil
}

// edaBits lowers difficulty by 20% when the last six headers took at least
// twelve hours by median time past.
func edaBits(p *config.ChainParams, w *window) (uint32, error) {
	bits := w.parent.Bits
	if bits == p.PowLimitBits || w.parent.Height < edaWindow {
		return bits, nil
	}
	sixBack, err := w.at(w.parent.Height - edaWindow)
	if err != nil {
		return 0, err
	}
	now, err := w.medianTimePast(w.parent)
	if err != nil {
		return 0, err
	}
	then, err := w.medianTimePast(sixBack)
	if err != nil {
		return 0, err
	}
	if now.Sub(then) < edaThreshold {
		return bits, nil
	}

	target := blockchain.CompactToBig(bits)
	target.Add(target, new(big.Int).Rsh(target, 2))
	return capToLimit(p, target), nil
}

// daaBits implements the cw-144 rule: the target follows the work done over
// the last 144 headers, bounded by suitable-block medians at both ends.
func daaBits(p *config.ChainParams, w *window, ts time.Time) (uint32, error) {
	if p.ReduceMinDifficulty && ts.After(w.parent.Timestamp.Add(2*p.TargetSpacing)) {
		return p.PowLimitBits, nil
	}
	if w.parent.Height < daaWindow+2 {
		return 0, fmt.Errorf("%w: height %d too low for cw-144", ErrMissingAncestor, w.parent.Height)
	}

	last, err := w.suitable(w.parent)
	if err != nil {
		return 0, err
	}
	start, err := w.at(w.parent.Height - daaWindow)
	if err != nil {
		return 0, err
	}
	first, err := w.suitable(start)
	if err != nil {
		return 0, err
	}

	spacing := int64(p.TargetSpacing / time.Second)
	timespan := last.Timestamp.Unix() - first.Timestamp.Unix()
	if timespan > 288*spacing {
		timespan = 288 * spacing
	} else if timespan < 72*spacing {
		timespan = 72 * spacing
	}

	work := new(big.Int).Sub(last.CumulativeWork, first.CumulativeWork)
	work.Mul(work, big.NewInt(spacing))
	work.Div(work, big.NewInt(timespan))
	if work.Sign() <= 0 {
		return p.PowLimitBits, nil
	}

	target := new(big.Int).Sub(oneLsh256, work)
	target.Div(target, work)
	return capToLimit(p, target), nil
}

func capToLimit(p *config.ChainParams, target *big.Int) uint32 {
	if target.Cmp(p.PowLimit) > 0 {
		target = p.PowLimit
	}
	return blockchain.BigToCompact(target)
}

// window resolves ancestors of the header being extended.
type window struct {
	parent *HeaderNode
	lookup AncestorFunc
}

func (w *window) at(height int32) (*HeaderNode, error) {
	if height == w.parent.Height {
		return w.parent, nil
	}
	if height < 0 || height > w.parent.Height || w.lookup == nil {
		return nil, fmt.Errorf("%w: height %d", ErrMissingAncestor, height)
	}
	n := w.lookup(height)
	if n == nil {
		return nil, fmt.Errorf("%w: height %d", ErrMissingAncestor, height)
	}
	return n, nil
}

// suitable returns the median by timestamp of node and its two parents.
func (w *window) suitable(node *HeaderNode) (*HeaderNode, error) {
	b1, err := w.at(node.Height - 1)
	if err != nil {
		return nil, err
	}
	b0, err := w.at(node.Height - 2)
	if err != nil {
		return nil, err
	}
	blocks := [3]*HeaderNode{b0, b1, node}
	if blocks[0].Timestamp.After(blocks[2].Timestamp) {
		blocks[0], blocks[2] = blocks[2], blocks[0]
	}
	if blocks[0].Timestamp.After(blocks[1].Timestamp) {
		blocks[0], blocks[1] = blocks[1], blocks[0]
	}
	if blocks[1].Timestamp.After(blocks[2].Timestamp) {
		blocks[1], blocks[2] = blocks[2], blocks[1]
	}
	return blocks[1], nil
}

// medianTimePast returns the median timestamp of node and up to ten of its
// ancestors.
func (w *window) medianTimePast(node *HeaderNode) (time.Time, error) {
	stamps := make([]int64, 0, medianTimeSpan)
	for i := int32(0); i < medianTimeSpan && node.Height-i >= 0; i++ {
		n, err := w.at(node.Height - i)
		if err != nil {
			return time.Time{}, err
		}
		stamps = append(stamps, n.Timestamp.Unix())
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	return time.Unix(stamps[len(stamps)/2], 0), nil
}
