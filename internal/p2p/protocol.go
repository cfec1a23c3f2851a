package p2p

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names.
const (
	TopicTip = "/klingspv/tip/1.0.0"
)

// Stream protocol IDs.
const (
	// HandshakeProtocol checks that both sides follow the same chain.
	HandshakeProtocol = protocol.ID("/klingspv/handshake/1.0.0")

	// HeadersProtocol serves header ranges located by a block locator.
	HeadersProtocol = protocol.ID("/klingspv/headers/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// HeadersRequest asks for the headers after the first locator hash the
// server has on its active chain.
type HeadersRequest struct {
	Locator  []string `json:"locator"` // hex block hashes, best first
	MaxCount int      `json:"max_count"`
}

// HeadersResponse carries concatenated 80-byte serialized headers.
type HeadersResponse struct {
	Headers []byte `json:"headers"`
}

// TipAnnouncement is gossiped when a node's active tip changes.
type TipAnnouncement struct {
	Header []byte `json:"header"` // 80-byte serialized header
	Height int32  `json:"height"`
}

func encodeLocator(hashes []chainhash.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.String()
	}
	return out
}

func decodeLocator(strs []string) ([]chainhash.Hash, error) {
	out := make([]chainhash.Hash, 0, len(strs))
	for _, s := range strs {
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, fmt.Errorf("locator hash %q: %w", s, err)
		}
		out = append(out, *h)
	}
	return out, nil
}
