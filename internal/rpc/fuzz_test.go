package rpc

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingspv/internal/chain"
	"github.com/Klingon-tech/klingspv/internal/chain/chaintest"
)

// FuzzParseHash checks that any accepted hash string is the display form of
// the parsed hash.
func FuzzParseHash(f *testing.F) {
	f.Add(chaintest.Genesis().BlockHash().String())
	f.Add(strings.ToUpper(chaintest.Genesis().BlockHash().String()))
	f.Add("")
	f.Add("abc")
	f.Add(strings.Repeat("zz", 32))
	f.Add(strings.Repeat("0", 63) + "G")

	f.Fuzz(func(t *testing.T, s string) {
		h, rpcErr := parseHash("hash", s)
		if rpcErr != nil {
			if rpcErr.Code != CodeInvalidParams {
				t.Fatalf("code = %d, want %d", rpcErr.Code, CodeInvalidParams)
			}
			return
		}
		if !strings.EqualFold(h.String(), s) {
			t.Fatalf("parseHash(%q) = %s", s, h)
		}
	})
}

// FuzzVerifyInclusionParams feeds arbitrary params to chain_verifyInclusion.
func FuzzVerifyInclusionParams(f *testing.F) {
	hs := chaintest.Mine(f, chaintest.Genesis(), 3, 1)
	ch, err := chain.New(chain.Options{Params: chaintest.Params()})
	if err != nil {
		f.Fatalf("create chain: %v", err)
	}
	f.Cleanup(func() { ch.Close() })
	if _, err := ch.ProcessHeaders(hs); err != nil {
		f.Fatalf("process headers: %v", err)
	}
	s := New("127.0.0.1:0", ch)

	f.Add([]byte(fmt.Sprintf(`{"txid":%q,"branch":[],"index":0,"height":2}`, hs[1].MerkleRoot)))
	f.Add([]byte(fmt.Sprintf(`{"txid":%q,"branch":[%q],"index":1,"height":1}`, hs[0].MerkleRoot, hs[2].MerkleRoot)))
	f.Add([]byte(fmt.Sprintf(`{"txid":%q,"branch":[],"index":4294967295,"height":3}`, hs[2].MerkleRoot)))
	f.Add([]byte(`{"txid":"00","height":-1}`))
	f.Add([]byte(`{"branch":null}`))
	f.Add([]byte(`[1,2,3]`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var params interface{}
		if err := json.Unmarshal(data, &params); err != nil {
			return
		}
		res, rpcErr := s.handleChainVerifyInclusion(&Request{JSONRPC: "2.0", Method: "chain_verifyInclusion", Params: params})
		if (res == nil) == (rpcErr == nil) {
			t.Fatalf("result %v and error %v for %s", res, rpcErr, data)
		}
		if rpcErr != nil {
			return
		}
		r := res.(*InclusionResult)
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		var p InclusionParam
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("handler accepted params the struct rejects: %v", err)
		}
		rec := ch.HeaderAt(p.Height)
		if rec == nil || rec.Hash.String() != r.BlockHash {
			t.Fatalf("block hash %s does not match active header at %d", r.BlockHash, p.Height)
		}
		if len(p.Branch) == 0 && r.Valid != (strings.EqualFold(p.TxID, rec.Header.MerkleRoot.String()) && p.Index == 0) {
			t.Fatalf("single-leaf proof valid=%v for txid %s at %d", r.Valid, p.TxID, p.Height)
		}
	})
}
