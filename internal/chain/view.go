package chain

import "github.com/btcsuite/btcd/blockchain"

// ActiveChainView is an immutable snapshot of the active chain from genesis
// to the selected tip. Version increases with every change of tip.
type ActiveChainView struct {
	version uint64
	records []*HeaderRecord
}

func newView(version uint64, records []*HeaderRecord) *ActiveChainView {
	return &ActiveChainView{version: version, records: records}
}

// Version returns the chain-state version this snapshot was published at.
func (v *ActiveChainView) Version() uint64 {
	return v.version
}

// Height returns the height of the tip.
func (v *ActiveChainView) Height() int32 {
	return int32(len(v.records) - 1)
}

// Tip returns the active tip.
func (v *ActiveChainView) Tip() *HeaderRecord {
	return v.records[len(v.records)-1]
}

// At returns the record at height, or nil when outside the chain.
func (v *ActiveChainView) At(height int32) *HeaderRecord {
	if height < 0 || int(height) >= len(v.records) {
		return nil
	}
	return v.records[height]
}

// Contains reports whether r lies on this chain.
func (v *ActiveChainView) Contains(r *HeaderRecord) bool {
	if r == nil {
		return false
	}
	at := v.At(r.Height)
	return at != nil && at.Hash == r.Hash
}

// Locator returns hashes from the tip back to genesis: the ten most recent
// one by one, then doubling the step.
func (v *ActiveChainView) Locator() blockchain.BlockLocator {
	tip := v.Height()
	locator := make(blockchain.BlockLocator, 0, 32)
	step := int32(1)
	for h := tip; h > 0; h -= step {
		hash := v.records[h].Hash
		locator = append(locator, &hash)
		if len(locator) >= 10 {
			step *= 2
		}
	}
	genesis := v.records[0].Hash
	return append(locator, &genesis)
}

// extend returns a view with path appended. path must start at Height()+1.
// The backing array is shared: readers of v never look past their own
// length.
func (v *ActiveChainView) extend(version uint64, path []*HeaderRecord) *ActiveChainView {
	return newView(version, append(v.records, path...))
}

// rebase returns a view keeping records up to ancestor and then path.
func (v *ActiveChainView) rebase(version uint64, ancestor int32, path []*HeaderRecord) *ActiveChainView {
	records := make([]*HeaderRecord, ancestor+1, int(ancestor)+1+len(path)+64)
	copy(records, v.records[:ancestor+1])
	return newView(version, append(records, path...))
}
