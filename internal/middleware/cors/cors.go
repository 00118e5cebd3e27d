package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/wudi/edgegateway/internal/config"
	"github.com/wudi/edgegateway/internal/middleware"
)

// Handler applies the gateway-wide CORS policy
type Handler struct {
	allowOrigins    []string
	allowAllOrigins bool
	allowMethods    string
	allowHeaders    string
	exposeHeaders   string
	maxAge          string
}

// New creates a new CORS handler from config
func New(cfg config.CORSConfig) *Handler {
	h := &Handler{allowOrigins: cfg.AllowOrigins}

	if len(cfg.AllowMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		h.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}

	if len(cfg.AllowHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	} else {
		h.allowHeaders = "Authorization, Content-Type"
	}

	if len(cfg.ExposeHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}

	h.maxAge = strconv.Itoa(cfg.MaxAge)

	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}

	return h
}

// IsPreflight reports whether r is answered by HandlePreflight. Every
// OPTIONS request is, whether or not it carries the CORS request headers.
func (h *Handler) IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions
}

// HandlePreflight writes a 204 response with the full CORS header set.
func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	h.setOrigin(w, r)
	w.Header().Set("Access-Control-Allow-Methods", h.allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", h.allowHeaders)
	w.Header().Set("Access-Control-Max-Age", h.maxAge)
	w.WriteHeader(http.StatusNoContent)
}

// ApplyHeaders adds the allow-origin and allow-methods headers to a normal
// response. It runs before the rest of the pipeline so error bodies written
// by later stages carry them too.
func (h *Handler) ApplyHeaders(w http.ResponseWriter, r *http.Request) {
	h.setOrigin(w, r)
	w.Header().Set("Access-Control-Allow-Methods", h.allowMethods)
	if h.exposeHeaders != "" {
		w.Header().Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
}

func (h *Handler) setOrigin(w http.ResponseWriter, r *http.Request) {
	if h.allowAllOrigins {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		return
	}
	origin := r.Header.Get("Origin")
	w.Header().Add("Vary", "Origin")
	if origin != "" && h.isOriginAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
}

func (h *Handler) isOriginAllowed(origin string) bool {
	for _, allowed := range h.allowOrigins {
		if allowed == origin {
			return true
		}
		// Simple wildcard matching: *.example.com
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	return false
}

// Middleware returns a middleware that answers preflights and applies
// response headers. Preflights never reach next.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.IsPreflight(r) {
				h.HandlePreflight(w, r)
				return
			}
			h.ApplyHeaders(w, r)
			next.ServeHTTP(w, r)
		})
	}
}
