package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// handshakeTimeout is the max time for a complete handshake exchange.
	handshakeTimeout = 10 * time.Second

	// maxHandshakeBytes limits handshake message size.
	maxHandshakeBytes = 4096
)

// HandshakeMessage is exchanged between peers to verify they follow the
// same chain.
type HandshakeMessage struct {
	ProtocolVersion uint32 `json:"protocol_version"`
	GenesisHash     string `json:"genesis_hash"`
	NetworkID       string `json:"network_id"`
	BestHeight      int32  `json:"best_height"`
}

// registerHandshakeHandler answers handshakes opened by dialers.
func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()

		remote := stream.Conn().RemotePeer()
		_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

		var theirs HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&theirs); err != nil {
			n.log.Debug().Err(err).Stringer("peer", remote).Msg("Handshake read failed")
			return
		}

		ours := n.buildHandshakeMessage()
		if err := json.NewEncoder(stream).Encode(&ours); err != nil {
			n.log.Debug().Err(err).Stringer("peer", remote).Msg("Handshake write failed")
			return
		}

		n.finishHandshake(remote, theirs)
	})
}

// doHandshake runs the dialer side of the handshake.
func (n *Node) doHandshake(id peer.ID) {
	ctx, cancel := context.WithTimeout(n.ctx, handshakeTimeout)
	defer cancel()

	stream, err := n.host.NewStream(ctx, id, HandshakeProtocol)
	if err != nil {
		// Nodes that do not serve headers may skip the handshake protocol.
		n.log.Debug().Stringer("peer", id).Msg("Peer does not support handshake protocol, tolerating")
		n.markReady(id, 0)
		return
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

	ours := n.buildHandshakeMessage()
	if err := json.NewEncoder(stream).Encode(&ours); err != nil {
		n.log.Debug().Err(err).Stringer("peer", id).Msg("Handshake send failed")
		return
	}
	stream.CloseWrite()

	var theirs HandshakeMessage
	if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&theirs); err != nil {
		n.log.Debug().Err(err).Stringer("peer", id).Msg("Handshake response read failed")
		return
	}

	n.finishHandshake(id, theirs)
}

// finishHandshake bans an incompatible peer or hands a compatible one to
// the sync layer.
func (n *Node) finishHandshake(id peer.ID, msg HandshakeMessage) {
	if reason := n.validateHandshake(msg); reason != "" {
		n.log.Warn().
			Stringer("peer", id).
			Str("reason", reason).
			Msg("Handshake rejected, banning peer")
		if n.BanManager != nil {
			n.BanManager.RecordOffense(id, PenaltyHandshakeFail, reason)
		}
		n.DisconnectPeer(id)
		return
	}
	n.markReady(id, msg.BestHeight)
}

// validateHandshake returns an empty string on success, or the reason the
// peer is incompatible.
func (n *Node) validateHandshake(msg HandshakeMessage) string {
	genesis, err := chainhash.NewHashFromStr(msg.GenesisHash)
	if err != nil {
		return fmt.Sprintf("bad genesis hash %q", msg.GenesisHash)
	}
	if *genesis != n.genesisHash {
		return fmt.Sprintf("genesis mismatch: peer=%s local=%s", genesis, n.genesisHash)
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d",
			msg.ProtocolVersion, MinProtocolVersion)
	}
	if msg.NetworkID != "" && n.config.NetworkID != "" && msg.NetworkID != n.config.NetworkID {
		return fmt.Sprintf("network mismatch: peer=%s local=%s", msg.NetworkID, n.config.NetworkID)
	}
	if msg.BestHeight < 0 {
		return fmt.Sprintf("negative best height %d", msg.BestHeight)
	}
	return ""
}

func (n *Node) buildHandshakeMessage() HandshakeMessage {
	msg := HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		GenesisHash:     n.genesisHash.String(),
		NetworkID:       n.config.NetworkID,
	}
	if n.heightFn != nil {
		msg.BestHeight = n.heightFn()
	}
	return msg
}
