package chain

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

// Store errors.
var (
	ErrOrphanHeader    = errors.New("parent header not known")
	ErrDuplicateHeader = errors.New("header already known")
)

// HeaderStore is the in-memory tree of linked headers, keyed by hash.
// Parents are resolved through their hash; records hold no pointers to
// each other. Only the chain coordinator mutates the store.
type HeaderStore struct {
	mu       sync.RWMutex
	records  map[chainhash.Hash]*HeaderRecord
	children map[chainhash.Hash][]chainhash.Hash
	tips     map[chainhash.Hash]struct{}
	genesis  *HeaderRecord
	nextSeq  uint64
	clock    clock.Clock

	view atomic.Pointer[ActiveChainView]
}

// NewHeaderStore creates a store rooted at the given genesis header.
func NewHeaderStore(genesis wire.BlockHeader, clk clock.Clock) *HeaderStore {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	work := blockchain.CalcWork(genesis.Bits)
	rec := &HeaderRecord{
		Header:     genesis,
		Work:       work,
		AcceptedAt: clk.Now(),
	}
	rec.Hash = genesis.BlockHash()
	rec.Timestamp = genesis.Timestamp
	rec.Bits = genesis.Bits
	rec.CumulativeWork = new(big.Int).Set(work)

	s := &HeaderStore{
		records:  map[chainhash.Hash]*HeaderRecord{rec.Hash: rec},
		children: make(map[chainhash.Hash][]chainhash.Hash),
		tips:     map[chainhash.Hash]struct{}{rec.Hash: {}},
		genesis:  rec,
		nextSeq:  1,
		clock:    clk,
	}
	s.view.Store(newView(0, []*HeaderRecord{rec}))
	return s
}

// Put links h under its parent and returns the new record.
func (s *HeaderStore) Put(h *wire.BlockHeader) (*HeaderRecord, error) {
	hash := h.BlockHash()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[hash]; ok {
		return existing, ErrDuplicateHeader
	}
	parent, ok := s.records[h.PrevBlock]
	if !ok {
		return nil, fmt.Errorf("%w: %s (child %s)", ErrOrphanHeader, h.PrevBlock, hash)
	}

	work := blockchain.CalcWork(h.Bits)
	rec := &HeaderRecord{
		Header:     *h,
		Work:       work,
		Seq:        s.nextSeq,
		AcceptedAt: s.clock.Now(),
	}
	rec.Hash = hash
	rec.Height = parent.Height + 1
	rec.Timestamp = h.Timestamp
	rec.Bits = h.Bits
	rec.CumulativeWork = new(big.Int).Add(parent.CumulativeWork, work)
	s.nextSeq++

	s.records[hash] = rec
	s.children[parent.Hash] = append(s.children[parent.Hash], hash)
	delete(s.tips, parent.Hash)
	s.tips[hash] = struct{}{}
	return rec, nil
}

// Get returns the record for hash, or nil.
func (s *HeaderStore) Get(hash chainhash.Hash) *HeaderRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[hash]
}

// Has reports whether hash is linked.
func (s *HeaderStore) Has(hash chainhash.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[hash]
	return ok
}

// Parent returns the parent record of r, or nil for genesis.
func (s *HeaderStore) Parent(r *HeaderRecord) *HeaderRecord {
	if r.Height == 0 {
		return nil
	}
	return s.Get(r.PrevHash())
}

// Children returns the hashes of the records linked directly under hash.
func (s *HeaderStore) Children(hash chainhash.Hash) []chainhash.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chainhash.Hash, len(s.children[hash]))
	copy(out, s.children[hash])
	return out
}

// GetByHeight resolves height within the currently active chain.
func (s *HeaderStore) GetByHeight(height int32) *HeaderRecord {
	return s.View().At(height)
}

// Tips returns the hashes of every record without children.
func (s *HeaderStore) Tips() []chainhash.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chainhash.Hash, 0, len(s.tips))
	for h := range s.tips {
		out = append(out, h)
	}
	return out
}

// Genesis returns the root record.
func (s *HeaderStore) Genesis() *HeaderRecord {
	return s.genesis
}

// Len returns the number of linked records.
func (s *HeaderStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// View returns the most recently published active chain.
func (s *HeaderStore) View() *ActiveChainView {
	return s.view.Load()
}

func (s *HeaderStore) publish(v *ActiveChainView) {
	s.view.Store(v)
}

// Ancestor returns the ancestor of r at height, using the active view once
// the walk reaches it.
func (s *HeaderStore) Ancestor(r *HeaderRecord, height int32) *HeaderRecord {
	if height < 0 || height > r.Height {
		return nil
	}
	view := s.View()
	cur := r
	for cur != nil && cur.Height > height {
		if view.Contains(cur) {
			return view.At(height)
		}
		cur = s.Parent(cur)
	}
	return cur
}

// ancestorCursor serves descending ancestor lookups for one header's
// difficulty window without restarting the walk each time.
type ancestorCursor struct {
	store  *HeaderStore
	view   *ActiveChainView
	parent *HeaderRecord
	cur    *HeaderRecord
}

func (s *HeaderStore) ancestorsOf(parent *HeaderRecord) *ancestorCursor {
	return &ancestorCursor{store: s, view: s.View(), parent: parent, cur: parent}
}

func (c *ancestorCursor) lookup(height int32) *HeaderRecord {
	if height < 0 || height > c.parent.Height {
		return nil
	}
	if height > c.cur.Height {
		c.cur = c.parent
	}
	for c.cur != nil && c.cur.Height > height {
		if c.view.Contains(c.cur) {
			return c.view.At(height)
		}
		c.cur = c.store.Parent(c.cur)
	}
	return c.cur
}
