package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rs/zerolog"
)

// ErrReorgTooDeep is returned when switching to a heavier branch would
// disconnect more headers than the configured maximum.
var ErrReorgTooDeep = errors.New("reorg too deep")

// ForkTracker classifies branches against the checkpoints and selects the
// active tip. It is driven by the chain coordinator; the state it exposes
// to readers is guarded separately so queries never wait on a batch.
type ForkTracker struct {
	store    *HeaderStore
	policy   *CheckpointPolicy
	maxDepth int32
	log      zerolog.Logger

	mu         sync.RWMutex
	failed     map[chainhash.Hash]struct{}
	superseded map[chainhash.Hash]struct{}
	refused    map[chainhash.Hash]struct{}
	cleared    int32 // highest checkpoint height on the active chain, -1 if none

	// newlyFailed collects hashes marked failed since the last takeFailed.
	newlyFailed []chainhash.Hash
}

// NewForkTracker creates a tracker over store.
func NewForkTracker(store *HeaderStore, policy *CheckpointPolicy, maxDepth int32, log zerolog.Logger) *ForkTracker {
	return &ForkTracker{
		store:      store,
		policy:     policy,
		maxDepth:   maxDepth,
		log:        log,
		failed:     make(map[chainhash.Hash]struct{}),
		superseded: make(map[chainhash.Hash]struct{}),
		refused:    make(map[chainhash.Hash]struct{}),
		cleared:    -1,
	}
}

// IsFailed reports whether hash is excluded from candidacy.
func (t *ForkTracker) IsFailed(hash chainhash.Hash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.failed[hash]
	return ok
}

// Cleared returns the height of the highest checkpoint the active chain has
// passed, or -1.
func (t *ForkTracker) Cleared() int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cleared
}

// Admit decides whether a header with the given hash may be linked under
// parent. Headers extending an excluded branch, or forking at or below a
// checkpoint the active chain has already passed, can never join the
// checkpointed lineage and are refused without being linked.
func (t *ForkTracker) Admit(parent *HeaderRecord, hash chainhash.Hash) error {
	height := parent.Height + 1
	if t.IsFailed(parent.Hash) {
		return fmt.Errorf("%w: %s extends excluded branch at height %d", ErrCheckpointFailed, hash, height)
	}
	if cleared := t.Cleared(); height <= cleared {
		return fmt.Errorf("%w: %s forks at height %d below checkpoint %d", ErrCheckpointFailed, hash, height, cleared)
	}
	return nil
}

// Linked classifies a freshly linked record. A record at a checkpoint height
// with the wrong hash becomes a failed tip. Its ancestors stay in candidacy
// unless the checkpointed header is already linked and they are not on its
// path.
func (t *ForkTracker) Linked(r *HeaderRecord) error {
	err := t.policy.Check(r.Height, r.Hash)
	if err == nil {
		return nil
	}

	t.mu.Lock()
	t.markFailed(r.Hash)
	n := 0
	if want, ok := t.policy.Expected(r.Height); ok {
		if anchor := t.store.Get(want); anchor != nil {
			floor := int32(-1)
			if cp, ok := t.policy.HighestAtOrBelow(r.Height - 1); ok {
				floor = cp.Height
			}
			n = t.pruneLocked(t.store.Parent(r), floor, anchor)
		}
	}
	t.mu.Unlock()

	t.log.Warn().Int32("height", r.Height).Str("hash", r.Hash.String()).
		Int("pruned", n).Msg("Branch failed checkpoint")
	return err
}

// Replayed classifies a record read back from the header log. It inherits
// its parent's exclusion and is checked against the checkpoints, but never
// prunes ancestors: the view is not restored yet while replaying.
func (t *ForkTracker) Replayed(r *HeaderRecord) {
	parent := t.store.Parent(r)

	t.mu.Lock()
	defer t.mu.Unlock()
	if parent != nil && t.isFailedLocked(parent.Hash) {
		t.markFailed(r.Hash)
		return
	}
	if t.policy.Check(r.Height, r.Hash) != nil {
		t.markFailed(r.Hash)
	}
}

func (t *ForkTracker) markFailed(hash chainhash.Hash) {
	if _, ok := t.failed[hash]; ok {
		return
	}
	t.failed[hash] = struct{}{}
	t.newlyFailed = append(t.newlyFailed, hash)
}

// pruneLocked walks up from r marking records failed while they are off
// the active chain, above floor, not an ancestor of anchor, and have no
// child still in candidacy. A nil anchor keeps nothing.
func (t *ForkTracker) pruneLocked(r *HeaderRecord, floor int32, anchor *HeaderRecord) int {
	if r == nil {
		return 0
	}
	view := t.store.View()
	var keep *HeaderRecord // anchor's ancestor at cur's height
	if anchor != nil {
		keep = t.store.Ancestor(anchor, r.Height)
	}
	n := 0
	for cur := r; cur != nil && cur.Height > floor; cur = t.store.Parent(cur) {
		if view.Contains(cur) || cur == keep {
			break
		}
		if keep != nil {
			keep = t.store.Parent(keep)
		}
		alive := false
		for _, c := range t.store.Children(cur.Hash) {
			if _, ok := t.failed[c]; !ok {
				alive = true
				break
			}
		}
		if alive {
			break
		}
		if _, ok := t.failed[cur.Hash]; !ok {
			t.markFailed(cur.Hash)
			n++
		}
	}
	return n
}

// restoreFailed marks previously excluded hashes after a reload.
func (t *ForkTracker) restoreFailed(hashes []chainhash.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range hashes {
		t.failed[h] = struct{}{}
	}
}

// takeFailed returns and clears the hashes excluded since the last call.
func (t *ForkTracker) takeFailed() []chainhash.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.newlyFailed
	t.newlyFailed = nil
	return out
}

// better reports whether a should be preferred over b: more cumulative
// work, then earlier first-seen order.
func better(a, b *HeaderRecord) bool {
	if c := a.CumulativeWork.Cmp(b.CumulativeWork); c != 0 {
		return c > 0
	}
	return a.Seq < b.Seq
}

// Evaluate re-selects the active tip and publishes a new view if it changed.
// It returns the resulting event, or nil when the tip is unchanged. A switch
// refused by the depth guard is reported as ErrReorgTooDeep alongside any
// event for a shallower switch that was made instead.
func (t *ForkTracker) Evaluate() (*ReorgEvent, error) {
	view := t.store.View()
	active := view.Tip()

	var refusedErr error
	for {
		best := t.selectBest(active)
		if best.Hash == active.Hash {
			return nil, refusedErr
		}

		fork := t.forkPoint(view, best)
		depth := active.Height - fork.Height
		if depth > t.maxDepth {
			t.mu.Lock()
			t.refused[best.Hash] = struct{}{}
			t.mu.Unlock()
			t.log.Warn().Int32("depth", depth).Int32("max", t.maxDepth).
				Int32("height", best.Height).Str("hash", best.Hash.String()).
				Msg("Refusing reorg")
			refusedErr = fmt.Errorf("%w: %d headers to switch to %s at height %d (max %d)",
				ErrReorgTooDeep, depth, best.Hash, best.Height, t.maxDepth)
			continue
		}

		ev := t.activate(view, active, best, fork)
		return ev, refusedErr
	}
}

func (t *ForkTracker) selectBest(active *HeaderRecord) *HeaderRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	best := active
	tips := t.store.Tips()
	live := make(map[chainhash.Hash]struct{}, len(tips))
	for _, h := range tips {
		live[h] = struct{}{}
		if _, ok := t.failed[h]; ok {
			continue
		}
		if _, ok := t.refused[h]; ok {
			continue
		}
		if r := t.store.Get(h); r != nil && better(r, best) {
			best = r
		}
	}
	// A refused tip that gained a child is judged afresh through its
	// descendants.
	for h := range t.refused {
		if _, ok := live[h]; !ok {
			delete(t.refused, h)
		}
	}
	for h := range t.superseded {
		if _, ok := live[h]; !ok {
			delete(t.superseded, h)
		}
	}
	return best
}

// forkPoint returns the last record r shares with the chain in view.
func (t *ForkTracker) forkPoint(view *ActiveChainView, r *HeaderRecord) *HeaderRecord {
	cur := r
	for !view.Contains(cur) {
		cur = t.store.Parent(cur)
	}
	return cur
}

func (t *ForkTracker) activate(view *ActiveChainView, oldTip, newTip, fork *HeaderRecord) *ReorgEvent {
	path := make([]*HeaderRecord, newTip.Height-fork.Height)
	for cur := newTip; cur.Height > fork.Height; cur = t.store.Parent(cur) {
		path[cur.Height-fork.Height-1] = cur
	}

	version := view.Version() + 1
	var next *ActiveChainView
	if fork.Height == oldTip.Height {
		next = view.extend(version, path)
	} else {
		next = view.rebase(version, fork.Height, path)
	}
	t.store.publish(next)

	t.mu.Lock()
	delete(t.superseded, newTip.Hash)
	if fork.Height < oldTip.Height {
		t.superseded[oldTip.Hash] = struct{}{}
	}
	t.mu.Unlock()

	ev := &ReorgEvent{
		Version:              version,
		CommonAncestorHeight: fork.Height,
		NewTipHash:           newTip.Hash,
		NewTipHeight:         newTip.Height,
		OldTipHash:           oldTip.Hash,
		OldTipHeight:         oldTip.Height,
	}
	if ev.IsReorg() {
		t.log.Info().Int32("ancestor", fork.Height).Int32("disconnected", ev.Disconnected()).
			Int32("height", newTip.Height).Str("hash", newTip.Hash.String()).Msg("Chain reorganized")
	}

	t.advanceCleared(newTip.Height)
	return ev
}

// advanceCleared records the highest checkpoint now on the active chain
// and excludes every branch that forked below it.
func (t *ForkTracker) advanceCleared(tipHeight int32) {
	cp, ok := t.policy.HighestAtOrBelow(tipHeight)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cp.Height <= t.cleared {
		return
	}
	t.cleared = cp.Height

	view := t.store.View()
	swept := 0
	for _, h := range t.store.Tips() {
		if _, ok := t.failed[h]; ok {
			continue
		}
		tip := t.store.Get(h)
		if tip == nil || view.Contains(tip) {
			continue
		}
		if fork := t.forkPoint(view, tip); fork.Height < cp.Height {
			swept += t.pruneLocked(tip, -1, nil)
		}
	}
	if swept > 0 {
		t.log.Info().Int32("checkpoint", cp.Height).Int("excluded", swept).
			Msg("Excluded branches below checkpoint")
	}
}

// setActive publishes the chain ending at tip without emitting an event.
// Used when restoring persisted state.
func (t *ForkTracker) setActive(tip *HeaderRecord, version uint64) {
	records := make([]*HeaderRecord, tip.Height+1)
	for cur := tip; cur != nil; cur = t.store.Parent(cur) {
		records[cur.Height] = cur
	}
	t.store.publish(newView(version, records))
	t.advanceCleared(tip.Height)
}

// Tips describes every branch tip.
func (t *ForkTracker) Tips() []TipInfo {
	view := t.store.View()
	active := view.Tip()

	t.mu.RLock()
	defer t.mu.RUnlock()

	hashes := t.store.Tips()
	out := make([]TipInfo, 0, len(hashes))
	for _, h := range hashes {
		r := t.store.Get(h)
		if r == nil {
			continue
		}
		info := TipInfo{Record: r, State: TipCandidate}
		switch {
		case r.Hash == active.Hash:
			info.State = TipActive
		case t.isFailedLocked(h):
			info.State = TipCheckpointFailed
		case t.isSupersededLocked(h):
			info.State = TipSuperseded
		}
		info.BranchLength = r.Height - t.forkPoint(view, r).Height
		out = append(out, info)
	}
	return out
}

func (t *ForkTracker) isFailedLocked(h chainhash.Hash) bool {
	_, ok := t.failed[h]
	return ok
}

func (t *ForkTracker) isSupersededLocked(h chainhash.Hash) bool {
	_, ok := t.superseded[h]
	return ok
}
