package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// CorrelationIDConfig configures the correlation id middleware
type CorrelationIDConfig struct {
	// Header is the header name carrying the correlation id
	Header string
	// Generator generates a new correlation id
	Generator func() string
}

func defaultIDGenerator() string {
	return uuid.New().String()
}

// CorrelationID assigns every request a fresh correlation id. Any value
// the client supplied is replaced. The id is set on the request (so the
// forwarder passes it downstream) and echoed on the response.
func CorrelationID(cfg CorrelationIDConfig) Middleware {
	if cfg.Header == "" {
		cfg.Header = "X-Request-ID"
	}
	if cfg.Generator == nil {
		cfg.Generator = defaultIDGenerator
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := cfg.Generator()

			r.Header.Set(cfg.Header, id)
			w.Header().Set(cfg.Header, id)

			r, info := ensureInfo(r)
			info.CorrelationID = id

			next.ServeHTTP(w, r)
		})
	}
}
