package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// AccessLog logs one structured line per request after the response is
// written.
func AccessLog(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			r, info := ensureInfo(r)

			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0
			lrw.wroteHeader = false

			next.ServeHTTP(lrw, r)

			// Stack-allocated array avoids slice growth allocations.
			var fields [12]zap.Field
			n := 0
			fields[n] = zap.String("correlation_id", info.CorrelationID)
			n++
			fields[n] = zap.String("client_ip", info.ClientIP)
			n++
			fields[n] = zap.String("method", r.Method)
			n++
			fields[n] = zap.String("path", r.URL.Path)
			n++
			fields[n] = zap.Int("status", lrw.status)
			n++
			fields[n] = zap.Int64("body_bytes", lrw.bytes)
			n++
			fields[n] = zap.Duration("duration", time.Since(start))
			n++
			if info.RouteID != "" {
				fields[n] = zap.String("route_id", info.RouteID)
				n++
			}
			if info.Subject != "" {
				fields[n] = zap.String("subject", info.Subject)
				n++
			}
			if info.AuthFailure != "" {
				fields[n] = zap.String("auth_failure", info.AuthFailure)
				n++
			}
			if info.UpstreamError != "" {
				fields[n] = zap.String("upstream_error", info.UpstreamError)
				n++
			}
			if info.Retries > 0 {
				fields[n] = zap.Int("retries", info.Retries)
				n++
			}
			logger.Info("HTTP request", fields[:n]...)

			lrw.ResponseWriter = nil
			loggingRWPool.Put(lrw)
		})
	}
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	if !lrw.wroteHeader {
		lrw.status = status
		lrw.wroteHeader = true
	}
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.wroteHeader = true
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
