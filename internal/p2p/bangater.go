package p2p

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// banGater rejects banned peers at the transport level and turns away
// inbound peers once the node is full.
type banGater struct {
	banMgr *BanManager
	full   func() bool // nil = no limit
}

// InterceptPeerDial rejects outbound dials to banned peers.
func (g *banGater) InterceptPeerDial(p peer.ID) bool {
	return !g.banMgr.IsBanned(p)
}

func (g *banGater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool {
	return true
}

// InterceptAccept allows all inbound connections; the peer's identity is
// not known yet.
func (g *banGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured runs once the remote identity is authenticated.
func (g *banGater) InterceptSecured(dir network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if g.banMgr.IsBanned(p) {
		return false
	}
	if dir == network.DirInbound && g.full != nil && g.full() {
		return false
	}
	return true
}

func (g *banGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
