package chain

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingspv/config"
	"github.com/Klingon-tech/klingspv/internal/consensus"
	klog "github.com/Klingon-tech/klingspv/internal/log"
	"github.com/Klingon-tech/klingspv/internal/storage"
	"github.com/Klingon-tech/klingspv/pkg/header"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
)

// DefaultRejectCacheSize bounds the number of remembered invalid headers.
const DefaultRejectCacheSize = 4096

// maxLocatorForks is how many competing tips lead a locator.
const maxLocatorForks = 3

// Options configures a Chain.
type Options struct {
	Params *config.ChainParams

	// LogPath is the header append log. Empty keeps headers in memory only.
	LogPath string
	// DB holds the header index. Required when LogPath is set.
	DB storage.DB

	Clock           clock.Clock
	RejectCacheSize int
}

// BatchResult summarises one ProcessHeaders call.
type BatchResult struct {
	Accepted   []*HeaderRecord
	Duplicates int
	// Orphans are headers whose parent is unknown, in delivery order.
	Orphans []*wire.BlockHeader
	// Event is set when the active tip changed.
	Event *ReorgEvent
	// ReorgErr is set when a heavier branch was refused by the depth guard.
	ReorgErr error
}

// Chain owns the header store and fork tracker and is the single writer
// of both. Reads of the active chain go through immutable views and never
// wait on ProcessHeaders.
type Chain struct {
	mu       sync.Mutex
	params   *config.ChainParams
	verifier *consensus.Verifier
	store    *HeaderStore
	policy   *CheckpointPolicy
	tracker  *ForkTracker
	journal  *journal
	rejected *lru.Cache[chainhash.Hash, error]
	notifier *notifier
	log      zerolog.Logger
}

// New opens a chain. With a LogPath, previously persisted headers are
// reloaded and verified; ErrStoreCorrupt means they cannot be trusted.
func New(opts Options) (*Chain, error) {
	if opts.Params == nil {
		return nil, fmt.Errorf("chain params are nil")
	}
	if opts.LogPath != "" && opts.DB == nil {
		return nil, fmt.Errorf("header log %s needs an index database", opts.LogPath)
	}
	size := opts.RejectCacheSize
	if size <= 0 {
		size = DefaultRejectCacheSize
	}
	rejected, err := lru.New[chainhash.Hash, error](size)
	if err != nil {
		return nil, fmt.Errorf("reject cache: %w", err)
	}

	logger := klog.WithComponent("chain").With().Str("network", opts.Params.Name).Logger()
	store := NewHeaderStore(opts.Params.GenesisHeader, opts.Clock)
	policy := NewCheckpointPolicy(opts.Params.Checkpoints)

	c := &Chain{
		params:   opts.Params,
		verifier: consensus.NewVerifier(opts.Params, opts.Clock),
		store:    store,
		policy:   policy,
		tracker:  NewForkTracker(store, policy, opts.Params.MaxReorgDepth, logger),
		rejected: rejected,
		notifier: newNotifier(logger),
		log:      logger,
	}

	if opts.LogPath != "" {
		j, err := openJournal(opts.LogPath, opts.DB)
		if err != nil {
			return nil, err
		}
		c.journal = j
		if err := c.load(); err != nil {
			j.close()
			return nil, err
		}
	}
	return c, nil
}

// load rebuilds the store from the journal and checks it against the index.
func (c *Chain) load() error {
	j := c.journal
	genesis := c.store.Genesis()

	if j.log.Count() == 0 {
		if err := j.append([]*HeaderRecord{genesis}); err != nil {
			return err
		}
		return j.commit(genesis, 0, nil)
	}
	if torn := j.log.Torn(); torn > 0 {
		c.log.Warn().Int64("bytes", torn).Str("path", j.log.Path()).
			Msg("Dropped partial header record at end of log")
	}

	idx, err := j.readIndex()
	if err != nil {
		return err
	}
	failed, err := j.failedHashes()
	if err != nil {
		return err
	}
	c.tracker.restoreFailed(failed)

	// Records appended after the last index commit were never classified
	// on disk, so every record is checked against the checkpoints again.
	err = j.replay(func(i int64, h *wire.BlockHeader) error {
		if i == 0 {
			if hash := h.BlockHash(); hash != genesis.Hash {
				return fmt.Errorf("%w: first record %s is not genesis %s", ErrStoreCorrupt, hash, genesis.Hash)
			}
			return nil
		}
		rec, err := c.store.Put(h)
		if err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrStoreCorrupt, i, err)
		}
		c.tracker.Replayed(rec)
		return nil
	})
	if err != nil {
		return err
	}

	if !idx.found {
		if j.log.Count() > 1 {
			return fmt.Errorf("%w: header index missing", ErrStoreCorrupt)
		}
		return j.commit(genesis, 0, nil)
	}
	if j.log.Count() < idx.count {
		return fmt.Errorf("%w: index covers %d records, log has %d", ErrStoreCorrupt, idx.count, j.log.Count())
	}

	tip := c.store.Get(idx.tip)
	if tip == nil {
		return fmt.Errorf("%w: indexed tip %s not in log", ErrStoreCorrupt, idx.tip)
	}
	if c.tracker.IsFailed(tip.Hash) {
		return fmt.Errorf("%w: indexed tip %s conflicts with a checkpoint", ErrStoreCorrupt, tip.Hash)
	}
	sum := new(big.Int)
	for cur := tip; cur != nil; cur = c.store.Parent(cur) {
		sum.Add(sum, cur.Work)
	}
	if sum.Cmp(tip.CumulativeWork) != 0 || sum.Cmp(idx.work) != 0 {
		return fmt.Errorf("%w: tip %s work %s, recomputed %s, indexed %s",
			ErrStoreCorrupt, tip.Hash, tip.CumulativeWork, sum, idx.work)
	}

	c.tracker.setActive(tip, idx.version)

	// Records written after the last index update may form a better tip.
	if _, err := c.tracker.Evaluate(); err != nil {
		c.log.Warn().Err(err).Msg("Reorg refused while reloading headers")
	}
	view := c.store.View()
	if err := j.commit(view.Tip(), view.Version(), c.tracker.takeFailed()); err != nil {
		return err
	}

	c.log.Info().Int("headers", c.store.Len()).Int32("height", view.Height()).
		Str("tip", view.Tip().Hash.String()).Msg("Header store loaded")
	return nil
}

// ProcessHeaders links headers in order and then re-selects the active tip
// once. Duplicates are skipped and orphans returned for the caller to
// buffer. The first header that fails verification or the checkpoints
// stops the batch; headers linked before it are kept and the error is
// returned with the result.
func (c *Chain) ProcessHeaders(headers []*wire.BlockHeader) (*BatchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := &BatchResult{}
	var linked []*HeaderRecord
	var batchErr error

	for _, h := range headers {
		rec, err := c.processOne(h)
		if rec != nil {
			linked = append(linked, rec)
		}
		switch {
		case err == nil:
			res.Accepted = append(res.Accepted, rec)
		case errors.Is(err, ErrDuplicateHeader):
			res.Duplicates++
		case errors.Is(err, ErrOrphanHeader):
			res.Orphans = append(res.Orphans, h)
		default:
			batchErr = err
		}
		if batchErr != nil {
			break
		}
	}

	if len(linked) == 0 {
		return res, batchErr
	}
	if c.journal != nil {
		if err := c.journal.append(linked); err != nil {
			return res, err
		}
	}

	res.Event, res.ReorgErr = c.tracker.Evaluate()

	if c.journal != nil {
		view := c.store.View()
		if err := c.journal.commit(view.Tip(), view.Version(), c.tracker.takeFailed()); err != nil {
			return res, err
		}
	}
	if res.Event != nil {
		c.notifier.publish(*res.Event)
	}
	return res, batchErr
}

// processOne verifies and links a single header. A non-nil record is
// returned whenever the header was linked, even if it then failed a
// checkpoint.
func (c *Chain) processOne(h *wire.BlockHeader) (*HeaderRecord, error) {
	hash := h.BlockHash()
	if c.store.Has(hash) {
		return nil, ErrDuplicateHeader
	}
	if cached, ok := c.rejected.Get(hash); ok {
		return nil, fmt.Errorf("known invalid header %s: %w", hash, cached)
	}

	parent := c.store.Get(h.PrevBlock)
	if parent == nil {
		if cached, ok := c.rejected.Get(h.PrevBlock); ok {
			c.rejected.Add(hash, cached)
			return nil, fmt.Errorf("header %s extends invalid %s: %w", hash, h.PrevBlock, cached)
		}
		return nil, fmt.Errorf("%w: %s for %s", ErrOrphanHeader, h.PrevBlock, hash)
	}

	if err := c.tracker.Admit(parent, hash); err != nil {
		c.rejected.Add(hash, err)
		return nil, err
	}

	cursor := c.store.ancestorsOf(parent)
	ancestors := func(height int32) *consensus.HeaderNode {
		if r := cursor.lookup(height); r != nil {
			return &r.HeaderNode
		}
		return nil
	}
	if err := c.verifier.Verify(h, &parent.HeaderNode, ancestors); err != nil {
		// A header from the future may become acceptable later.
		if !errors.Is(err, consensus.ErrBadTimestamp) {
			c.rejected.Add(hash, err)
		}
		return nil, err
	}

	rec, err := c.store.Put(h)
	if err != nil {
		return nil, err
	}
	if err := c.tracker.Linked(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Params returns the chain parameters.
func (c *Chain) Params() *config.ChainParams {
	return c.params
}

// View returns the current active chain snapshot.
func (c *Chain) View() *ActiveChainView {
	return c.store.View()
}

// ActiveChainHeight returns the height of the active tip.
func (c *Chain) ActiveChainHeight() int32 {
	return c.store.View().Height()
}

// HeaderAt returns the active-chain header at height, or nil.
func (c *Chain) HeaderAt(height int32) *HeaderRecord {
	return c.store.GetByHeight(height)
}

// Get returns any linked header by hash, or nil.
func (c *Chain) Get(hash chainhash.Hash) *HeaderRecord {
	return c.store.Get(hash)
}

// Len returns the number of linked headers.
func (c *Chain) Len() int {
	return c.store.Len()
}

// IsDescendantOfCheckpoint reports whether hash is a linked header that
// descends from the checkpointed lineage.
func (c *Chain) IsDescendantOfCheckpoint(hash chainhash.Hash) bool {
	rec := c.store.Get(hash)
	if rec == nil || c.tracker.IsFailed(hash) {
		return false
	}
	// Below the highest cleared checkpoint only the active chain qualifies.
	if rec.Height <= c.tracker.Cleared() && !c.store.View().Contains(rec) {
		return false
	}
	cp, ok := c.policy.HighestAtOrBelow(rec.Height)
	if !ok {
		return true
	}
	anc := c.store.Ancestor(rec, cp.Height)
	return anc != nil && anc.Hash == cp.Hash
}

// Checkpoints returns the compiled-in checkpoints in height order.
func (c *Chain) Checkpoints() []config.Checkpoint {
	return c.policy.All()
}

// SubscribeReorgs returns a channel receiving every change of active tip
// and a function that ends the subscription.
func (c *Chain) SubscribeReorgs(buffer int) (<-chan ReorgEvent, func()) {
	return c.notifier.subscribe(buffer)
}

// Tips describes every known branch tip, best first.
func (c *Chain) Tips() []TipInfo {
	tips := c.tracker.Tips()
	sort.Slice(tips, func(i, j int) bool { return better(tips[i].Record, tips[j].Record) })
	return tips
}

// Locator returns the hashes a peer should search to find where to resume
// serving headers: the strongest competing tips, then the active chain
// thinning out towards genesis.
func (c *Chain) Locator() []chainhash.Hash {
	var out []chainhash.Hash
	for _, tip := range c.Tips() {
		if len(out) == maxLocatorForks {
			break
		}
		if tip.State == TipCandidate {
			out = append(out, tip.Record.Hash)
		}
	}
	for _, h := range c.store.View().Locator() {
		out = append(out, *h)
	}
	return out
}

// HeadersAfter returns up to max active-chain headers following the first
// locator hash found on the active chain, or following genesis when none is.
func (c *Chain) HeadersAfter(locator []chainhash.Hash, max int) []*wire.BlockHeader {
	view := c.store.View()
	start := int32(1)
	for _, hash := range locator {
		if rec := c.store.Get(hash); rec != nil && view.Contains(rec) {
			start = rec.Height + 1
			break
		}
	}
	var out []*wire.BlockHeader
	for h := start; h <= view.Height() && len(out) < max; h++ {
		hdr := view.At(h).Header
		out = append(out, &hdr)
	}
	return out
}

// VerifyInclusion checks a merkle branch for txid against the active-chain
// header at height.
func (c *Chain) VerifyInclusion(txid chainhash.Hash, branch []chainhash.Hash, index uint32, height int32) (bool, error) {
	rec := c.HeaderAt(height)
	if rec == nil {
		return false, fmt.Errorf("no active header at height %d", height)
	}
	root, err := header.BranchRoot(txid, branch, index)
	if err != nil {
		return false, err
	}
	return root == rec.Header.MerkleRoot, nil
}

// Close ends all reorg subscriptions and closes the header log.
func (c *Chain) Close() error {
	c.notifier.close()
	if c.journal != nil {
		return c.journal.close()
	}
	return nil
}
