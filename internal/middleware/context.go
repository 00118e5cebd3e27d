package middleware

import (
	"context"
	"net/http"
)

// RequestInfo accumulates per-request facts for the access log. Pipeline
// stages fill it in as they run; it is read once after the response.
type RequestInfo struct {
	CorrelationID string
	ClientIP      string
	RouteID       string
	Subject       string
	AuthFailure   string // internal sub-reason, never sent to clients
	UpstreamError string // internal failure kind, never sent to clients
	Retries       int
}

type requestInfoKey struct{}

// WithRequestInfo attaches info to ctx.
func WithRequestInfo(ctx context.Context, info *RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// Info returns the request's info, or a throwaway value when none is
// attached so callers never need a nil check.
func Info(r *http.Request) *RequestInfo {
	if info, ok := r.Context().Value(requestInfoKey{}).(*RequestInfo); ok {
		return info
	}
	return &RequestInfo{}
}

// ensureInfo returns r carrying a RequestInfo, attaching one if needed.
func ensureInfo(r *http.Request) (*http.Request, *RequestInfo) {
	if info, ok := r.Context().Value(requestInfoKey{}).(*RequestInfo); ok {
		return r, info
	}
	info := &RequestInfo{}
	return r.WithContext(WithRequestInfo(r.Context(), info)), info
}
