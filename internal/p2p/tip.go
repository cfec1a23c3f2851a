package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingspv/pkg/header"
	"github.com/btcsuite/btcd/wire"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// SetTipHandler sets the callback for tip announcements from peers. raw is
// the undecoded header; the handler validates it.
func (n *Node) SetTipHandler(fn func(from peer.ID, raw []byte, height int32)) {
	n.tipHandler = fn
}

// AnnounceTip publishes our new active tip to the gossip network.
func (n *Node) AnnounceTip(h *wire.BlockHeader, height int32) error {
	if n.topicTip == nil {
		return fmt.Errorf("p2p node not started")
	}
	data, err := json.Marshal(TipAnnouncement{Header: header.Serialize(h), Height: height})
	if err != nil {
		return fmt.Errorf("marshal tip: %w", err)
	}
	return n.topicTip.Publish(n.ctx, data)
}

func (n *Node) handleTipMessage(msg *pubsub.Message) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error().Interface("panic", r).Msg("Recovered panic in tip handler")
		}
	}()

	from := msg.ReceivedFrom
	var ann TipAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil || len(ann.Header) != header.Size || ann.Height < 0 {
		if n.BanManager != nil {
			n.BanManager.RecordOffense(from, PenaltyMalformed, "malformed tip announcement")
		}
		return
	}

	n.noteHeight(from, ann.Height)
	if n.tipHandler != nil {
		n.tipHandler(from, ann.Header, ann.Height)
	}
}
