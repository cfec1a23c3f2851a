package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer represents a connected header server or client.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string // "seed", "stored", "dialed", "inbound"
	BestHeight  int32  // from the handshake, then tip announcements
	Ready       bool   // handshake completed
}
