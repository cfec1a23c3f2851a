// Package rpcclient is a JSON-RPC 2.0 client for klingspvd, used by the CLI
// and by wallets embedding the header client out of process.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingspv/internal/headersync"
	"github.com/Klingon-tech/klingspv/internal/rpc"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const defaultTimeout = 10 * time.Second

// Client is a JSON-RPC 2.0 HTTP client.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   atomic.Int64
}

// New creates a new RPC client targeting the given endpoint URL.
func New(endpoint string) *Client {
	return NewWithTimeout(endpoint, defaultTimeout)
}

// NewWithTimeout creates a new RPC client with a custom HTTP timeout.
func NewWithTimeout(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int64       `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpc.Error      `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

// RPCError is returned when the server responds with an error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NotFound reports whether the server had no such header.
func (e *RPCError) NotFound() bool {
	return e.Code == rpc.CodeNotFound
}

// Call invokes a JSON-RPC method and unmarshals the result into the provided pointer.
// If result is nil, the response result is discarded.
func (c *Client) Call(method string, params, result interface{}) error {
	return c.CallContext(context.Background(), method, params, result)
}

// CallContext is Call with a context bounding the HTTP exchange.
func (c *Client) CallContext(ctx context.Context, method string, params, result interface{}) error {
	req := request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// ChainInfo returns the active tip summary.
func (c *Client) ChainInfo(ctx context.Context) (*rpc.ChainInfoResult, error) {
	var out rpc.ChainInfoResult
	if err := c.CallContext(ctx, "chain_getInfo", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HeaderByHeight returns the active-chain header at height.
func (c *Client) HeaderByHeight(ctx context.Context, height int32) (*rpc.HeaderResult, error) {
	var out rpc.HeaderResult
	if err := c.CallContext(ctx, "chain_getHeaderByHeight", rpc.HeightParam{Height: height}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HeaderByHash returns any stored header, active or not.
func (c *Client) HeaderByHash(ctx context.Context, hash chainhash.Hash) (*rpc.HeaderResult, error) {
	var out rpc.HeaderResult
	if err := c.CallContext(ctx, "chain_getHeaderByHash", rpc.HashParam{Hash: hash.String()}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tips lists every branch tip, best first.
func (c *Client) Tips(ctx context.Context) ([]rpc.TipResult, error) {
	var out rpc.TipsResult
	if err := c.CallContext(ctx, "chain_getTips", nil, &out); err != nil {
		return nil, err
	}
	return out.Tips, nil
}

// IsDescendantOfCheckpoint reports whether hash is on the checkpointed lineage.
func (c *Client) IsDescendantOfCheckpoint(ctx context.Context, hash chainhash.Hash) (bool, error) {
	var out rpc.DescendantResult
	if err := c.CallContext(ctx, "chain_isDescendantOfCheckpoint", rpc.HashParam{Hash: hash.String()}, &out); err != nil {
		return false, err
	}
	return out.Descendant, nil
}

// VerifyInclusion checks a merkle branch against the active header at height.
func (c *Client) VerifyInclusion(ctx context.Context, txid chainhash.Hash, branch []chainhash.Hash, index uint32, height int32) (bool, error) {
	p := rpc.InclusionParam{TxID: txid.String(), Index: index, Height: height, Branch: make([]string, len(branch))}
	for i, b := range branch {
		p.Branch[i] = b.String()
	}
	var out rpc.InclusionResult
	if err := c.CallContext(ctx, "chain_verifyInclusion", p, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// SyncStatus returns header sync progress.
func (c *Client) SyncStatus(ctx context.Context) (*headersync.Status, error) {
	var out headersync.Status
	if err := c.CallContext(ctx, "sync_getStatus", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
