package headersync

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrOrphanFlood is returned when a peer sends more unconnectable headers
// than it may have buffered.
var ErrOrphanFlood = errors.New("orphan buffer full")

// orphan is a buffered header together with the peer that sent it.
type orphan struct {
	from   peer.ID
	header *wire.BlockHeader
}

type peerOrphans struct {
	byParent map[chainhash.Hash][]*wire.BlockHeader
	seen     map[chainhash.Hash]struct{}
}

// orphanPool holds headers whose parent is not linked yet, bounded per peer.
type orphanPool struct {
	limit  int
	byPeer map[peer.ID]*peerOrphans
}

func newOrphanPool(limit int) *orphanPool {
	return &orphanPool{limit: limit, byPeer: make(map[peer.ID]*peerOrphans)}
}

// add buffers h for p. Re-adding a buffered header is a no-op.
func (o *orphanPool) add(p peer.ID, h *wire.BlockHeader) error {
	po := o.byPeer[p]
	if po == nil {
		po = &peerOrphans{
			byParent: make(map[chainhash.Hash][]*wire.BlockHeader),
			seen:     make(map[chainhash.Hash]struct{}),
		}
		o.byPeer[p] = po
	}
	hash := h.BlockHash()
	if _, ok := po.seen[hash]; ok {
		return nil
	}
	if len(po.seen) >= o.limit {
		return ErrOrphanFlood
	}
	po.seen[hash] = struct{}{}
	po.byParent[h.PrevBlock] = append(po.byParent[h.PrevBlock], h)
	return nil
}

// takeChildren removes and returns every buffered header whose parent is
// the given hash.
func (o *orphanPool) takeChildren(parent chainhash.Hash) []orphan {
	var out []orphan
	for p, po := range o.byPeer {
		hs, ok := po.byParent[parent]
		if !ok {
			continue
		}
		delete(po.byParent, parent)
		for _, h := range hs {
			delete(po.seen, h.BlockHash())
			out = append(out, orphan{from: p, header: h})
		}
		if len(po.seen) == 0 {
			delete(o.byPeer, p)
		}
	}
	return out
}

func (o *orphanPool) dropPeer(p peer.ID) int {
	po := o.byPeer[p]
	if po == nil {
		return 0
	}
	delete(o.byPeer, p)
	return len(po.seen)
}

func (o *orphanPool) count(p peer.ID) int {
	if po := o.byPeer[p]; po != nil {
		return len(po.seen)
	}
	return 0
}

func (o *orphanPool) total() int {
	n := 0
	for _, po := range o.byPeer {
		n += len(po.seen)
	}
	return n
}
