package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Klingon-tech/klingspv/pkg/header"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// MaxHeadersPerResponse caps how many headers one response carries.
	MaxHeadersPerResponse = 2016

	// headersReadTimeout is the max time to read a header response.
	headersReadTimeout = 30 * time.Second

	// maxHeadersRequestBytes limits the encoded locator.
	maxHeadersRequestBytes = 64 * 1024

	// maxHeadersResponseBytes fits MaxHeadersPerResponse headers after
	// base64 encoding, with room for the JSON envelope.
	maxHeadersResponseBytes = MaxHeadersPerResponse*header.Size*4/3 + 1024
)

// registerHeadersHandler serves header ranges from the provider.
func (n *Node) registerHeadersHandler() {
	n.host.SetStreamHandler(HeadersProtocol, func(stream network.Stream) {
		defer stream.Close()

		remote := stream.Conn().RemotePeer()
		_ = stream.SetDeadline(time.Now().Add(headersReadTimeout))

		var req HeadersRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxHeadersRequestBytes)).Decode(&req); err != nil {
			n.log.Debug().Err(err).Stringer("peer", remote).Msg("Headers request read failed")
			return
		}
		locator, err := decodeLocator(req.Locator)
		if err != nil {
			n.log.Debug().Err(err).Stringer("peer", remote).Msg("Bad headers request")
			return
		}
		if req.MaxCount <= 0 || req.MaxCount > MaxHeadersPerResponse {
			req.MaxCount = MaxHeadersPerResponse
		}

		resp := HeadersResponse{Headers: header.SerializeBatch(n.headerProvider(locator, req.MaxCount))}
		if err := json.NewEncoder(stream).Encode(&resp); err != nil {
			n.log.Debug().Err(err).Stringer("peer", remote).Msg("Headers response write failed")
		}
	})
}

// RequestHeaders asks a peer for the headers after the best locator match.
// The raw response is returned undecoded; validation belongs to the caller.
func (n *Node) RequestHeaders(ctx context.Context, id peer.ID, locator []chainhash.Hash, max int) ([]byte, error) {
	if n.host == nil {
		return nil, fmt.Errorf("node not started")
	}
	stream, err := n.host.NewStream(ctx, id, HeadersProtocol)
	if err != nil {
		return nil, fmt.Errorf("open headers stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	} else {
		_ = stream.SetDeadline(time.Now().Add(headersReadTimeout))
	}

	req := HeadersRequest{Locator: encodeLocator(locator), MaxCount: max}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return nil, fmt.Errorf("send headers request: %w", err)
	}
	stream.CloseWrite()

	var resp HeadersResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxHeadersResponseBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read headers response: %w", err)
	}
	return resp.Headers, nil
}
