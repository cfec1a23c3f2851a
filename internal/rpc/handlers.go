package rpc

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingspv/internal/chain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ── Chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainGetInfo(_ *Request) (interface{}, *Error) {
	view := s.chain.View()
	tip := view.Tip()
	return &ChainInfoResult{
		Network:     s.chain.Params().Name,
		Height:      tip.Height,
		TipHash:     tip.Hash.String(),
		ChainWork:   tip.CumulativeWork.Text(16),
		Headers:     s.chain.Len(),
		ViewVersion: view.Version(),
	}, nil
}

func (s *Server) handleChainGetHeaderByHash(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	hash, rpcErr := parseHash("hash", params.Hash)
	if rpcErr != nil {
		return nil, rpcErr
	}

	rec := s.chain.Get(hash)
	if rec == nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("header %s not found", hash)}
	}
	return newHeaderResult(rec, s.chain.View().Contains(rec)), nil
}

func (s *Server) handleChainGetHeaderByHeight(req *Request) (interface{}, *Error) {
	var params HeightParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	rec := s.chain.HeaderAt(params.Height)
	if rec == nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("no active header at height %d", params.Height)}
	}
	return newHeaderResult(rec, true), nil
}

func (s *Server) handleChainGetTips(_ *Request) (interface{}, *Error) {
	tips := s.chain.Tips()
	out := make([]TipResult, len(tips))
	for i, t := range tips {
		out[i] = TipResult{
			Hash:         t.Record.Hash.String(),
			Height:       t.Record.Height,
			State:        t.State.String(),
			BranchLength: t.BranchLength,
		}
	}
	return &TipsResult{Count: len(out), Tips: out}, nil
}

func (s *Server) handleChainIsDescendantOfCheckpoint(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	hash, rpcErr := parseHash("hash", params.Hash)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return &DescendantResult{
		Hash:       hash.String(),
		Descendant: s.chain.IsDescendantOfCheckpoint(hash),
	}, nil
}

func (s *Server) handleChainGetCheckpoints(_ *Request) (interface{}, *Error) {
	cps := s.chain.Checkpoints()
	out := make([]CheckpointResult, len(cps))
	for i, cp := range cps {
		out[i] = CheckpointResult{Height: cp.Height, Hash: cp.Hash.String()}
	}
	return out, nil
}

func (s *Server) handleChainVerifyInclusion(req *Request) (interface{}, *Error) {
	var params InclusionParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	txid, rpcErr := parseHash("txid", params.TxID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	branch := make([]chainhash.Hash, len(params.Branch))
	for i, b := range params.Branch {
		h, rpcErr := parseHash(fmt.Sprintf("branch[%d]", i), b)
		if rpcErr != nil {
			return nil, rpcErr
		}
		branch[i] = h
	}

	rec := s.chain.HeaderAt(params.Height)
	if rec == nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("no active header at height %d", params.Height)}
	}
	ok, err := s.chain.VerifyInclusion(txid, branch, params.Index, params.Height)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	return &InclusionResult{Valid: ok, BlockHash: rec.Hash.String()}, nil
}

// ── Network endpoints ───────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}

	peers := s.p2pNode.PeerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Source:      p.Source,
			BestHeight:  p.BestHeight,
			Ready:       p.Ready,
		}
	}
	return &PeerInfoResult{Count: len(infos), Peers: infos}, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &NodeInfoResult{ID: "", Addrs: []string{}}, nil
	}
	return &NodeInfoResult{
		ID:    s.p2pNode.ID().String(),
		Addrs: s.p2pNode.Addrs(),
	}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (interface{}, *Error) {
	if s.banManager == nil {
		return &BanListResult{Count: 0, Bans: []BanEntry{}}, nil
	}

	records := s.banManager.BanList()
	entries := make([]BanEntry, len(records))
	for i, r := range records {
		entries[i] = BanEntry{
			ID:        r.ID,
			Reason:    r.Reason,
			Score:     r.Score,
			BannedAt:  r.BannedAt,
			ExpiresAt: r.ExpiresAt,
		}
	}
	return &BanListResult{Count: len(entries), Bans: entries}, nil
}

// ── Sync endpoints ──────────────────────────────────────────────────────

func (s *Server) handleSyncGetStatus(ctx context.Context, _ *Request) (interface{}, *Error) {
	if s.syncer == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "header sync not running"}
	}
	st, err := s.syncer.Status(ctx)
	if err != nil {
		return nil, &Error{Code: CodeUnavailable, Message: fmt.Sprintf("sync status: %v", err)}
	}
	return &st, nil
}

// ── Helpers ─────────────────────────────────────────────────────────────

func parseHash(field, s string) (chainhash.Hash, *Error) {
	if s == "" {
		return chainhash.Hash{}, &Error{Code: CodeInvalidParams, Message: field + " is required"}
	}
	if len(s) != chainhash.MaxHashStringSize {
		return chainhash.Hash{}, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid %s: must be 32-byte hex", field)}
	}
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid %s: %v", field, err)}
	}
	return *h, nil
}

func newHeaderResult(rec *chain.HeaderRecord, active bool) *HeaderResult {
	h := rec.Header
	return &HeaderResult{
		Hash:       rec.Hash.String(),
		Height:     rec.Height,
		Version:    h.Version,
		PrevHash:   h.PrevBlock.String(),
		MerkleRoot: h.MerkleRoot.String(),
		Timestamp:  h.Timestamp.Unix(),
		Bits:       fmt.Sprintf("%08x", h.Bits),
		Nonce:      h.Nonce,
		ChainWork:  rec.CumulativeWork.Text(16),
		Active:     active,
		Raw:        fmt.Sprintf("%x", rec.Raw()),
	}
}
