// Package realip derives the client address used as the rate-limit key.
// Forwarding headers are only consulted when the socket peer is a trusted
// proxy, so a direct client cannot choose its own key.
package realip

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/wudi/edgegateway/internal/config"
	"github.com/wudi/edgegateway/internal/middleware"
)

// contextKey is the type for the real IP context key.
type contextKey struct{}

// Extractor extracts the real client IP from trusted proxy chains.
type Extractor struct {
	trustedNets []*net.IPNet
	headers     []string // ordered list of headers to check
}

// New creates an Extractor from the client_ip configuration.
func New(cfg config.ClientIPConfig) (*Extractor, error) {
	nets := make([]*net.IPNet, 0, len(cfg.TrustedProxies))
	for _, cidr := range cfg.TrustedProxies {
		// Handle bare IPs by adding /32 or /128
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}

	headers := cfg.Headers
	if len(headers) == 0 {
		headers = []string{"X-Forwarded-For", "X-Real-IP"}
	}

	return &Extractor{trustedNets: nets, headers: headers}, nil
}

// Extract determines the real client IP from the request. With no trusted
// proxies configured the socket peer address is always used.
func (e *Extractor) Extract(r *http.Request) string {
	remoteIP := extractHost(r.RemoteAddr)

	if len(e.trustedNets) == 0 || !e.isTrusted(remoteIP) {
		return remoteIP
	}

	for _, header := range e.headers {
		val := r.Header.Get(header)
		if val == "" {
			continue
		}

		if strings.EqualFold(header, "X-Forwarded-For") {
			if ip := e.walkXFF(val); ip != "" {
				return ip
			}
			continue
		}
		// Single-value headers like X-Real-IP
		if ip := strings.TrimSpace(val); net.ParseIP(ip) != nil {
			return ip
		}
	}

	return remoteIP
}

// walkXFF walks the X-Forwarded-For chain from right to left,
// returning the first IP that is NOT in the trusted proxy list.
func (e *Extractor) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")

	leftmost := ""
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if net.ParseIP(ip) == nil {
			// A garbage hop ends the trustworthy part of the chain.
			return ""
		}
		if !e.isTrusted(ip) {
			return ip
		}
		leftmost = ip
	}

	// All hops were trusted proxies.
	return leftmost
}

// isTrusted checks if an IP string matches any trusted CIDR.
func (e *Extractor) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range e.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware extracts the real client IP, stores it in the request context
// and records it for the access log.
func (e *Extractor) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			realIP := e.Extract(r)
			middleware.Info(r).ClientIP = realIP
			ctx := context.WithValue(r.Context(), contextKey{}, realIP)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext retrieves the real client IP from the request context.
// Returns empty string if not set.
func FromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(contextKey{}).(string); ok {
		return ip
	}
	return ""
}

// extractHost extracts the host part from an address (strips port).
func extractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
