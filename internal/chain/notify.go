package chain

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rs/zerolog"
)

// ReorgEvent reports a change of active tip. A plain extension is reported
// with the old tip as common ancestor.
type ReorgEvent struct {
	Version              uint64
	CommonAncestorHeight int32
	NewTipHash           chainhash.Hash
	NewTipHeight         int32
	OldTipHash           chainhash.Hash
	OldTipHeight         int32
}

// IsReorg reports whether headers were disconnected from the old chain.
func (e ReorgEvent) IsReorg() bool {
	return e.CommonAncestorHeight < e.OldTipHeight
}

// Disconnected returns how many headers of the old chain were dropped.
func (e ReorgEvent) Disconnected() int32 {
	return e.OldTipHeight - e.CommonAncestorHeight
}

// notifier fans reorg events out to subscribers. Sends never block: a
// subscriber whose buffer is full misses the event and can notice the gap
// in Version.
type notifier struct {
	mu     sync.Mutex
	subs   map[uint64]chan ReorgEvent
	nextID uint64
	closed bool
	log    zerolog.Logger
}

func newNotifier(log zerolog.Logger) *notifier {
	return &notifier{subs: make(map[uint64]chan ReorgEvent), log: log}
}

func (n *notifier) subscribe(buffer int) (<-chan ReorgEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan ReorgEvent, buffer)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if c, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (n *notifier) publish(ev ReorgEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			n.log.Warn().Uint64("subscriber", id).Uint64("version", ev.Version).
				Msg("Reorg subscriber lagging, event dropped")
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
