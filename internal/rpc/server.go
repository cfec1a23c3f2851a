// Package rpc serves the header chain, peer and sync state over JSON-RPC 2.0.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Klingon-tech/klingspv/config"
	"github.com/Klingon-tech/klingspv/internal/chain"
	"github.com/Klingon-tech/klingspv/internal/headersync"
	klog "github.com/Klingon-tech/klingspv/internal/log"
	"github.com/Klingon-tech/klingspv/internal/p2p"
	"github.com/rs/zerolog"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// StatusSource reports header sync progress.
type StatusSource interface {
	Status(ctx context.Context) (headersync.Status, error)
}

// methodFunc answers one JSON-RPC method.
type methodFunc func(ctx context.Context, req *Request) (interface{}, *Error)

// Server is the JSON-RPC 2.0 HTTP server.
type Server struct {
	addr       string
	chain      *chain.Chain
	p2pNode    *p2p.Node       // nil = no peers to report
	banManager *p2p.BanManager // For net_getBanList (nil = disabled).
	syncer     StatusSource    // For sync_getStatus (nil = disabled).
	methods    map[string]methodFunc
	metrics    *Metrics
	server     *http.Server
	logger     zerolog.Logger
	ln         net.Listener
}

// New creates a new RPC server over the header chain. The rpcCfg parameter
// controls IP filtering and CORS. A zero-value RPCConfig allows all IPs and
// disables CORS.
func New(addr string, ch *chain.Chain, rpcCfg ...config.RPCConfig) *Server {
	s := &Server{
		addr:    addr,
		chain:   ch,
		metrics: NewMetrics("klingspv"),
		logger:  klog.WithComponent("rpc"),
	}
	s.methods = map[string]methodFunc{
		"chain_getInfo":                  plain(s.handleChainGetInfo),
		"chain_getHeaderByHash":          plain(s.handleChainGetHeaderByHash),
		"chain_getHeaderByHeight":        plain(s.handleChainGetHeaderByHeight),
		"chain_getTips":                  plain(s.handleChainGetTips),
		"chain_isDescendantOfCheckpoint": plain(s.handleChainIsDescendantOfCheckpoint),
		"chain_getCheckpoints":           plain(s.handleChainGetCheckpoints),
		"chain_verifyInclusion":          plain(s.handleChainVerifyInclusion),
		"net_getPeerInfo":                plain(s.handleNetGetPeerInfo),
		"net_getNodeInfo":                plain(s.handleNetGetNodeInfo),
		"net_getBanList":                 plain(s.handleNetGetBanList),
		"sync_getStatus":                 s.handleSyncGetStatus,
	}

	var policy accessPolicy
	if len(rpcCfg) > 0 {
		policy = newAccessPolicy(rpcCfg[0])
	}

	mux := http.NewServeMux()
	mux.Handle("/", policy.wrap(http.HandlerFunc(s.handleRequest)))

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// plain adapts a handler that does not block on anything.
func plain(fn func(req *Request) (interface{}, *Error)) methodFunc {
	return func(_ context.Context, req *Request) (interface{}, *Error) {
		return fn(req)
	}
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Int("methods", len(s.methods)).Msg("JSON-RPC server listening")
	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// SetP2PNode sets the node reported by net_getPeerInfo and net_getNodeInfo.
func (s *Server) SetP2PNode(n *p2p.Node) {
	s.p2pNode = n
}

// SetBanManager sets the ban manager for net_getBanList.
func (s *Server) SetBanManager(bm *p2p.BanManager) {
	s.banManager = bm
}

// SetSyncer sets the source for sync_getStatus.
func (s *Server) SetSyncer(src StatusSource) {
	s.syncer = src
}

// Metrics returns the server's request collectors for registration.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleRequest decodes one JSON-RPC call and writes its response. Access
// control has already been applied.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	result, rpcErr := s.dispatch(r.Context(), &req)
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	writeJSON(w, resp)
}

// dispatch routes a request to its method and records the outcome.
func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, *Error) {
	fn, ok := s.methods[req.Method]
	if !ok {
		s.metrics.Requests.WithLabelValues("unknown", "not_found").Inc()
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}

	start := time.Now()
	result, rpcErr := fn(ctx, req)
	s.metrics.Duration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if rpcErr != nil {
		outcome = outcomeFor(rpcErr.Code)
		s.logger.Debug().Str("method", req.Method).Int("code", rpcErr.Code).Str("error", rpcErr.Message).
			Msg("RPC call failed")
	}
	s.metrics.Requests.WithLabelValues(req.Method, outcome).Inc()
	return result, rpcErr
}

func outcomeFor(code int) string {
	switch code {
	case CodeInvalidParams:
		return "invalid_params"
	case CodeNotFound:
		return "not_found"
	case CodeUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}

// writeJSON writes a JSON-RPC response.
func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON-RPC error response.
func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

// parseParams unmarshals the request params into the given target.
func parseParams(req *Request, target interface{}) *Error {
	if req.Params == nil {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}

	data, err := json.Marshal(req.Params)
	if err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}

	if err := json.Unmarshal(data, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
