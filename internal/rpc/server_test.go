package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingspv/config"
	"github.com/Klingon-tech/klingspv/internal/chain"
	"github.com/Klingon-tech/klingspv/internal/chain/chaintest"
	"github.com/Klingon-tech/klingspv/internal/consensus"
	"github.com/Klingon-tech/klingspv/internal/headersync"
	klog "github.com/Klingon-tech/klingspv/internal/log"
	"github.com/Klingon-tech/klingspv/internal/p2p"
	"github.com/Klingon-tech/klingspv/pkg/header"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/libp2p/go-libp2p/core/peer"
)

// testEnv holds all components for an RPC test.
type testEnv struct {
	server  *Server
	chain   *chain.Chain
	headers []*wire.BlockHeader // active chain after genesis
	url     string
}

// newTestChain builds a regtest chain of length 10 with a checkpoint at 5
// and a two-header side branch forking at 7.
func newTestChain(t *testing.T) (*chain.Chain, []*wire.BlockHeader) {
	t.Helper()
	hs := chaintest.Mine(t, chaintest.Genesis(), 10, 1)

	params := chaintest.Params()
	params.Checkpoints = []config.Checkpoint{{Height: 5, Hash: hs[4].BlockHash()}}

	ch, err := chain.New(chain.Options{Params: params})
	if err != nil {
		t.Fatalf("create chain: %v", err)
	}
	t.Cleanup(func() { ch.Close() })

	if _, err := ch.ProcessHeaders(hs); err != nil {
		t.Fatalf("process headers: %v", err)
	}
	if _, err := ch.ProcessHeaders(chaintest.Mine(t, hs[6], 2, 2)); err != nil {
		t.Fatalf("process side branch: %v", err)
	}
	return ch, hs
}

func setupTestEnv(t *testing.T, rpcCfg ...config.RPCConfig) *testEnv {
	t.Helper()
	klog.Init("error", false, "")

	ch, hs := newTestChain(t)

	srv := New("127.0.0.1:0", ch, rpcCfg...)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testEnv{
		server:  srv,
		chain:   ch,
		headers: hs,
		url:     fmt.Sprintf("http://%s/", srv.Addr()),
	}
}

func rpcCall(t *testing.T, url, method string, params interface{}) Response {
	t.Helper()
	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", method, err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rpcResp
}

// decodeResult re-decodes a generic result into target.
func decodeResult(t *testing.T, resp Response, target interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	data, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

// ── Chain ───────────────────────────────────────────────────────────────

func TestRPC_ChainGetInfo(t *testing.T) {
	env := setupTestEnv(t)

	var result ChainInfoResult
	decodeResult(t, rpcCall(t, env.url, "chain_getInfo", nil), &result)

	if result.Network != "regtest" {
		t.Errorf("network = %q, want regtest", result.Network)
	}
	if result.Height != 10 {
		t.Errorf("height = %d, want 10", result.Height)
	}
	if result.TipHash != env.headers[9].BlockHash().String() {
		t.Errorf("tip_hash = %s", result.TipHash)
	}
	if result.Headers != 13 {
		t.Errorf("headers = %d, want 13", result.Headers)
	}
	if result.ChainWork == "" || result.ChainWork == "0" {
		t.Error("chain_work is empty")
	}
}

func TestRPC_ChainGetHeaderByHeight(t *testing.T) {
	env := setupTestEnv(t)

	var result HeaderResult
	decodeResult(t, rpcCall(t, env.url, "chain_getHeaderByHeight", HeightParam{Height: 3}), &result)

	want := env.headers[2]
	if result.Hash != want.BlockHash().String() || result.Height != 3 || !result.Active {
		t.Errorf("result = %+v", result)
	}
	if result.PrevHash != want.PrevBlock.String() {
		t.Errorf("prev_hash = %s", result.PrevHash)
	}
	if result.Bits != "207fffff" {
		t.Errorf("bits = %s, want 207fffff", result.Bits)
	}
	if result.Raw != fmt.Sprintf("%x", header.Serialize(want)) {
		t.Error("raw does not match the serialized header")
	}
}

func TestRPC_ChainGetHeaderByHeight_NotFound(t *testing.T) {
	env := setupTestEnv(t)

	for _, h := range []int32{11, -1} {
		resp := rpcCall(t, env.url, "chain_getHeaderByHeight", HeightParam{Height: h})
		if resp.Error == nil || resp.Error.Code != CodeNotFound {
			t.Errorf("height %d: expected not found, got %+v", h, resp.Error)
		}
	}
}

func TestRPC_ChainGetHeaderByHash(t *testing.T) {
	env := setupTestEnv(t)

	var active HeaderResult
	decodeResult(t, rpcCall(t, env.url, "chain_getHeaderByHash", HashParam{Hash: env.headers[0].BlockHash().String()}), &active)
	if active.Height != 1 || !active.Active {
		t.Errorf("active header = %+v", active)
	}

	// Side-branch headers are known but not active.
	var tips TipsResult
	decodeResult(t, rpcCall(t, env.url, "chain_getTips", nil), &tips)
	for _, tip := range tips.Tips {
		if tip.State == "active" {
			continue
		}
		var side HeaderResult
		decodeResult(t, rpcCall(t, env.url, "chain_getHeaderByHash", HashParam{Hash: tip.Hash}), &side)
		if side.Active {
			t.Errorf("side tip %s reported active", tip.Hash)
		}
	}
}

func TestRPC_ChainGetHeaderByHash_Errors(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name string
		hash string
		code int
	}{
		{"missing", "", CodeInvalidParams},
		{"short", "abcd", CodeInvalidParams},
		{"not hex", strings.Repeat("zz", 32), CodeInvalidParams},
		{"unknown", chainhash.Hash{0x42}.String(), CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rpcCall(t, env.url, "chain_getHeaderByHash", HashParam{Hash: tt.hash})
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("error = %+v, want code %d", resp.Error, tt.code)
			}
		})
	}
}

func TestRPC_ChainGetTips(t *testing.T) {
	env := setupTestEnv(t)

	var result TipsResult
	decodeResult(t, rpcCall(t, env.url, "chain_getTips", nil), &result)

	if result.Count != 2 {
		t.Fatalf("count = %d, want 2", result.Count)
	}
	states := map[string]TipResult{}
	for _, tip := range result.Tips {
		states[tip.State] = tip
	}
	if a, ok := states["active"]; !ok || a.Height != 10 || a.BranchLength != 0 {
		t.Errorf("active tip = %+v", a)
	}
	if c, ok := states["candidate"]; !ok || c.Height != 9 || c.BranchLength != 2 {
		t.Errorf("side tip = %+v", c)
	}
}

func TestRPC_ChainCheckpoints(t *testing.T) {
	env := setupTestEnv(t)

	var cps []CheckpointResult
	decodeResult(t, rpcCall(t, env.url, "chain_getCheckpoints", nil), &cps)
	if len(cps) != 1 || cps[0].Height != 5 || cps[0].Hash != env.headers[4].BlockHash().String() {
		t.Fatalf("checkpoints = %+v", cps)
	}

	var above DescendantResult
	decodeResult(t, rpcCall(t, env.url, "chain_isDescendantOfCheckpoint", HashParam{Hash: env.headers[8].BlockHash().String()}), &above)
	if !above.Descendant {
		t.Error("header above the checkpoint should descend from it")
	}

	var unknown DescendantResult
	decodeResult(t, rpcCall(t, env.url, "chain_isDescendantOfCheckpoint", HashParam{Hash: chainhash.Hash{0x42}.String()}), &unknown)
	if unknown.Descendant {
		t.Error("unknown header cannot descend from a checkpoint")
	}
}

func TestRPC_ChainVerifyInclusion(t *testing.T) {
	klog.Init("error", false, "")
	txids := []chainhash.Hash{{0x01}, {0x02}, {0x03}}

	// Mine a header committing to txids on top of a short chain.
	base := chaintest.Mine(t, chaintest.Genesis(), 2, 1)
	h := chaintest.Next(t, base[1], 1)
	h.MerkleRoot = header.MerkleRoot(txids)
	if err := consensus.Solve(context.Background(), h); err != nil {
		t.Fatalf("solve: %v", err)
	}

	ch, err := chain.New(chain.Options{Params: chaintest.Params()})
	if err != nil {
		t.Fatalf("create chain: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	if _, err := ch.ProcessHeaders(append(base, h)); err != nil {
		t.Fatalf("process: %v", err)
	}

	srv := New("127.0.0.1:0", ch)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	branch, err := header.MerkleBranch(txids, 2)
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	strs := make([]string, len(branch))
	for i, b := range branch {
		strs[i] = b.String()
	}

	var ok InclusionResult
	decodeResult(t, rpcCall(t, ts.URL, "chain_verifyInclusion", InclusionParam{
		TxID: txids[2].String(), Branch: strs, Index: 2, Height: 3,
	}), &ok)
	if !ok.Valid || ok.BlockHash != h.BlockHash().String() {
		t.Errorf("result = %+v", ok)
	}

	var wrong InclusionResult
	decodeResult(t, rpcCall(t, ts.URL, "chain_verifyInclusion", InclusionParam{
		TxID: txids[0].String(), Branch: strs, Index: 2, Height: 3,
	}), &wrong)
	if wrong.Valid {
		t.Error("wrong txid should not verify")
	}

	resp := rpcCall(t, ts.URL, "chain_verifyInclusion", InclusionParam{TxID: txids[2].String(), Branch: strs, Index: 2, Height: 9})
	if resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Errorf("unknown height: %+v", resp.Error)
	}
}

// ── Network ─────────────────────────────────────────────────────────────

func TestRPC_NetWithoutNode(t *testing.T) {
	env := setupTestEnv(t)

	var peers PeerInfoResult
	decodeResult(t, rpcCall(t, env.url, "net_getPeerInfo", nil), &peers)
	if peers.Count != 0 || peers.Peers == nil {
		t.Errorf("peers = %+v", peers)
	}

	var info NodeInfoResult
	decodeResult(t, rpcCall(t, env.url, "net_getNodeInfo", nil), &info)
	if info.ID != "" {
		t.Errorf("id = %q, want empty", info.ID)
	}

	var bans BanListResult
	decodeResult(t, rpcCall(t, env.url, "net_getBanList", nil), &bans)
	if bans.Count != 0 {
		t.Errorf("bans = %+v", bans)
	}
}

func TestRPC_NetGetBanList(t *testing.T) {
	env := setupTestEnv(t)

	bm := p2p.NewBanManager(nil, nil, nil)
	bm.RecordOffense(peer.ID("liar"), p2p.PenaltyInvalidHeaders, "bad-pow")
	bm.RecordOffense(peer.ID("noisy"), p2p.PenaltyNuisance, "orphan-flood")
	env.server.SetBanManager(bm)

	var bans BanListResult
	decodeResult(t, rpcCall(t, env.url, "net_getBanList", nil), &bans)
	if bans.Count != 1 || bans.Bans[0].Reason != "bad-pow" || bans.Bans[0].Score != p2p.PenaltyInvalidHeaders {
		t.Errorf("bans = %+v", bans)
	}
}

// ── Sync ────────────────────────────────────────────────────────────────

type stubStatus struct {
	st  headersync.Status
	err error
}

func (s stubStatus) Status(context.Context) (headersync.Status, error) {
	return s.st, s.err
}

func TestRPC_SyncGetStatus(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "sync_getStatus", nil)
	if resp.Error == nil || resp.Error.Code != CodeUnavailable {
		t.Fatalf("without syncer: %+v", resp.Error)
	}

	env.server.SetSyncer(stubStatus{st: headersync.Status{ActiveHeight: 10, BestPeerHeight: 20, Peers: 2, InFlight: 1}})
	var st headersync.Status
	decodeResult(t, rpcCall(t, env.url, "sync_getStatus", nil), &st)
	if st.ActiveHeight != 10 || st.BestPeerHeight != 20 || st.Peers != 2 || st.InFlight != 1 {
		t.Errorf("status = %+v", st)
	}

	env.server.SetSyncer(stubStatus{err: headersync.ErrStopped})
	resp = rpcCall(t, env.url, "sync_getStatus", nil)
	if resp.Error == nil || resp.Error.Code != CodeUnavailable {
		t.Errorf("stopped syncer: %+v", resp.Error)
	}
}

// ── Protocol ────────────────────────────────────────────────────────────

func TestRPC_MethodNotFound(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "chain_getBlockByHash", nil)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error = %+v, want method not found", resp.Error)
	}
}

func TestRPC_InvalidParams(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "chain_getHeaderByHeight", nil)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Errorf("nil params: %+v", resp.Error)
	}
	resp = rpcCall(t, env.url, "chain_getHeaderByHeight", map[string]string{"height": "ten"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Errorf("wrong type: %+v", resp.Error)
	}
}

func postRaw(t *testing.T, url string, body []byte) Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	return rpcResp
}

func TestRPC_InvalidJSON(t *testing.T) {
	env := setupTestEnv(t)

	rpcResp := postRaw(t, env.url, []byte("not json"))
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeParseError {
		t.Errorf("error = %+v, want parse error", rpcResp.Error)
	}
}

func TestRPC_WrongVersion(t *testing.T) {
	env := setupTestEnv(t)

	rpcResp := postRaw(t, env.url, []byte(`{"jsonrpc":"1.0","method":"chain_getInfo","id":7}`))
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("error = %+v, want invalid request", rpcResp.Error)
	}
}

func TestRPC_GetMethodNotAllowed(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(env.url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("error = %+v, want invalid request", rpcResp.Error)
	}
}

func TestRPC_BodySizeLimit(t *testing.T) {
	env := setupTestEnv(t)

	rpcResp := postRaw(t, env.url, bytes.Repeat([]byte{'A'}, maxBodySize+1024))
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("error = %+v, want invalid request", rpcResp.Error)
	}
}

func TestError_Implements(t *testing.T) {
	var err error = &Error{Code: CodeNotFound, Message: "header not found"}
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeNotFound || err.Error() != "header not found" {
		t.Errorf("unexpected error value %v", err)
	}
}

// ── IP Filtering ────────────────────────────────────────────────────────

func TestRPC_IPFilter(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		status  int
	}{
		{"single ip", []string{"127.0.0.1"}, http.StatusOK},
		{"cidr", []string{"127.0.0.0/8"}, http.StatusOK},
		{"empty allows all", nil, http.StatusOK},
		{"blocked", []string{"10.0.0.0/8"}, http.StatusForbidden},
		{"garbage ignored", []string{"nonsense", "10.0.0.1"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t, config.RPCConfig{AllowedIPs: tt.allowed})

			body, _ := json.Marshal(Request{JSONRPC: "2.0", Method: "chain_getInfo", ID: 1})
			resp, err := http.Post(env.url, "application/json", bytes.NewReader(body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

// ── CORS ────────────────────────────────────────────────────────────────

func corsRequest(t *testing.T, url, method, origin string) *http.Response {
	t.Helper()
	var body []byte
	if method == http.MethodPost {
		body, _ = json.Marshal(Request{JSONRPC: "2.0", Method: "chain_getInfo", ID: 1})
	}
	httpReq, _ := http.NewRequest(method, url, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Origin", origin)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRPC_CORS(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"wildcard", []string{"*"}, "http://example.com", "*"},
		{"specific match", []string{"http://wallet.local"}, "http://wallet.local", "http://wallet.local"},
		{"specific mismatch", []string{"http://wallet.local"}, "http://evil.com", ""},
		{"disabled", nil, "http://example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t, config.RPCConfig{CORSOrigins: tt.origins})
			resp := corsRequest(t, env.url, http.MethodPost, tt.origin)
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("CORS origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRPC_CORS_Preflight(t *testing.T) {
	env := setupTestEnv(t, config.RPCConfig{CORSOrigins: []string{"*"}})

	resp := corsRequest(t, env.url, http.MethodOptions, "http://example.com")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight should have Allow-Methods header")
	}
}
