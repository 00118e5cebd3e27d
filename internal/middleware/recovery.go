package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/wudi/edgegateway/internal/errors"
	"go.uber.org/zap"
)

// Recovery converts a panic in next into the fixed 500 body. The panic
// value and stack are logged; neither reaches the client.
// http.ErrAbortHandler is re-raised so the server aborts the connection.
func Recovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}

				logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("correlation_id", Info(r).CorrelationID),
					zap.ByteString("stack", debug.Stack()),
				)
				errors.ErrInternalServer.WriteJSON(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
