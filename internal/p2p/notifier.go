package p2p

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"
)

// connNotifier tracks connection lifecycle events via the network.Notifiee
// interface.
type connNotifier struct {
	node *Node
}

// Connected registers the peer and starts the handshake on outbound
// connections; inbound peers handshake with us.
func (cn *connNotifier) Connected(_ network.Network, conn network.Conn) {
	remotePeer := conn.RemotePeer()
	if remotePeer == cn.node.host.ID() {
		return
	}
	outbound := conn.Stat().Direction == network.DirOutbound
	source := "inbound"
	if outbound {
		source = "dialed"
	}
	cn.node.addPeer(remotePeer, source)

	switch {
	case !cn.node.handshakeEnabled:
		cn.node.markReady(remotePeer, 0)
	case outbound:
		go cn.node.doHandshake(remotePeer)
	}
}

// Disconnected is called when a connection is closed. Only removes the peer
// if there are no remaining connections to it.
func (cn *connNotifier) Disconnected(net network.Network, conn network.Conn) {
	remotePeer := conn.RemotePeer()
	if len(net.ConnsToPeer(remotePeer)) == 0 {
		cn.node.removePeer(remotePeer)
	}
}

// Listen is called when the node starts listening on a new address.
func (cn *connNotifier) Listen(network.Network, multiaddr.Multiaddr) {}

// ListenClose is called when the node stops listening on an address.
func (cn *connNotifier) ListenClose(network.Network, multiaddr.Multiaddr) {}
