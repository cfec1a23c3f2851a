package rpc

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/Klingon-tech/klingspv/config"
)

// accessPolicy decides which clients may reach the endpoint and which
// browser origins may read its answers.
type accessPolicy struct {
	allowed []netip.Prefix // empty allows every address
	origins []string       // empty sends no CORS headers
}

func newAccessPolicy(cfg config.RPCConfig) accessPolicy {
	return accessPolicy{
		allowed: parseAllowedPrefixes(cfg.AllowedIPs),
		origins: cfg.CORSOrigins,
	}
}

// parseAllowedPrefixes accepts CIDRs and bare addresses. Entries that are
// neither are skipped.
func parseAllowedPrefixes(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if p, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
		}
	}
	return out
}

// permits reports whether a request from remoteAddr ("host:port") passes
// the allow-list.
func (p accessPolicy) permits(remoteAddr string) bool {
	if len(p.allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.allowed {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when the origin is not configured.
func (p accessPolicy) allowOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	for _, o := range p.origins {
		switch o {
		case "*":
			return "*"
		case origin:
			return origin
		}
	}
	return ""
}

// wrap applies the allow-list and CORS rules in front of next. Preflight
// requests are answered here.
func (p accessPolicy) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.permits(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if allow := p.allowOrigin(r.Header.Get("Origin")); allow != "" {
			w.Header().Set("Access-Control-Allow-Origin", allow)
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
