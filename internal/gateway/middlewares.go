package gateway

import (
	"net/http"
	"time"

	"github.com/wudi/edgegateway/internal/middleware"
)

// observe records request metrics once the response is complete. It sits
// inside the access log so the request info is already attached.
func (g *Gateway) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		g.metrics.RecordRequest(middleware.Info(r).RouteID, r.Method, sw.status, time.Since(start))
	})
}
