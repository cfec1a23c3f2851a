package rpc

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeUnavailable    = -32001
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// ── Param types ─────────────────────────────────────────────────────────

// HashParam is used by endpoints that take a single block hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// HeightParam is used by chain_getHeaderByHeight.
type HeightParam struct {
	Height int32 `json:"height"`
}

// InclusionParam is used by chain_verifyInclusion.
type InclusionParam struct {
	TxID   string   `json:"txid"`
	Branch []string `json:"branch"` // sibling hashes, leaf level first
	Index  uint32   `json:"index"`  // position of the transaction in the block
	Height int32    `json:"height"`
}

// ── Chain result types ──────────────────────────────────────────────────

// ChainInfoResult is returned by chain_getInfo.
type ChainInfoResult struct {
	Network     string `json:"network"`
	Height      int32  `json:"height"`
	TipHash     string `json:"tip_hash"`
	ChainWork   string `json:"chain_work"` // hex cumulative work of the tip
	Headers     int    `json:"headers"`    // headers known on every branch
	ViewVersion uint64 `json:"view_version"`
}

// HeaderResult describes one stored header.
type HeaderResult struct {
	Hash       string `json:"hash"`
	Height     int32  `json:"height"`
	Version    int32  `json:"version"`
	PrevHash   string `json:"prev_hash"`
	MerkleRoot string `json:"merkle_root"`
	Timestamp  int64  `json:"timestamp"`
	Bits       string `json:"bits"`
	Nonce      uint32 `json:"nonce"`
	ChainWork  string `json:"chain_work"`
	Active     bool   `json:"active"` // on the active chain
	Raw        string `json:"raw"`    // 80-byte serialisation, hex
}

// TipResult describes one branch tip.
type TipResult struct {
	Hash         string `json:"hash"`
	Height       int32  `json:"height"`
	State        string `json:"state"`
	BranchLength int32  `json:"branch_length"`
}

// TipsResult is returned by chain_getTips.
type TipsResult struct {
	Count int         `json:"count"`
	Tips  []TipResult `json:"tips"`
}

// DescendantResult is returned by chain_isDescendantOfCheckpoint.
type DescendantResult struct {
	Hash       string `json:"hash"`
	Descendant bool   `json:"descendant"`
}

// CheckpointResult is a single checkpoint.
type CheckpointResult struct {
	Height int32  `json:"height"`
	Hash   string `json:"hash"`
}

// InclusionResult is returned by chain_verifyInclusion.
type InclusionResult struct {
	Valid     bool   `json:"valid"`
	BlockHash string `json:"block_hash"`
}

// ── Network result types ────────────────────────────────────────────────

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          string `json:"id"`
	ConnectedAt string `json:"connected_at"`
	Source      string `json:"source"`
	BestHeight  int32  `json:"best_height"`
	Ready       bool   `json:"ready"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanEntry describes a single banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}
