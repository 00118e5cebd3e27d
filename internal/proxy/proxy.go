// Package proxy forwards admitted requests to their route's upstream.
package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegateway/internal/config"
	"github.com/wudi/edgegateway/internal/errors"
	"github.com/wudi/edgegateway/internal/identity"
	"github.com/wudi/edgegateway/internal/middleware"
	"github.com/wudi/edgegateway/internal/retry"
	"github.com/wudi/edgegateway/internal/router"
)

// Failure distinguishes the two upstream failure classes.
type Failure int

const (
	// Unavailable means no connection could be made or it broke before a
	// response arrived.
	Unavailable Failure = iota
	// Timeout means the upstream did not respond in time.
	Timeout
)

func (f Failure) String() string {
	if f == Timeout {
		return "timeout"
	}
	return "unavailable"
}

// ForwardError is returned when the upstream call failed after all
// permitted attempts.
type ForwardError struct {
	Kind     Failure
	Attempts int
	Cause    error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward: upstream %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Cause)
}

func (e *ForwardError) Unwrap() error {
	return e.Cause
}

// FailureKind maps Unavailable to 502 and Timeout to 504.
func (e *ForwardError) FailureKind() errors.Kind {
	if e.Kind == Timeout {
		return errors.KindGatewayTimeout
	}
	return errors.KindBadGateway
}

// ErrClientGone is returned when the client went away before a response
// could be produced. Nothing should be written for it.
var ErrClientGone = stderrors.New("forward: client disconnected")

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithTransport replaces the pooled upstream transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Forwarder) {
		f.transport = rt
	}
}

// WithLogger sets the logger used for upstream failures.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// Forwarder performs upstream calls over a shared connection pool.
type Forwarder struct {
	transport         http.RoundTripper
	policy            *retry.Policy
	correlationHeader string
	readTimeout       time.Duration
	logger            *zap.Logger
}

// New creates a forwarder from the upstream config. correlationHeader names
// the header carrying the request's correlation id upstream.
func New(cfg config.UpstreamConfig, correlationHeader string, opts ...Option) *Forwarder {
	f := &Forwarder{
		policy:            retry.NewPolicy(cfg),
		correlationHeader: correlationHeader,
		readTimeout:       cfg.ReadTimeout,
		logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.transport == nil {
		f.transport = NewTransport(cfg)
	}
	return f
}

// Close releases idle upstream connections.
func (f *Forwarder) Close() {
	type idleCloser interface{ CloseIdleConnections() }
	if c, ok := f.transport.(idleCloser); ok {
		c.CloseIdleConnections()
	}
}

// Forward sends r to route's upstream with the sanitized header set and
// copies the response to w. It returns a *ForwardError when no response
// was obtained, or ErrClientGone when the client disconnected first. Once
// the response status has been written, nil is returned even if the body
// copy fails.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, route *router.Route, headers *identity.Headers) error {
	info := middleware.Info(r)
	info.RouteID = route.ID

	replayable := true
	if f.policy.MethodRetryable(r.Method) && !retry.Replayable(r) {
		ok, err := retry.BufferBody(r, f.policy.MaxBody())
		if err != nil {
			if r.Context().Err() != nil {
				return ErrClientGone
			}
			return &ForwardError{Kind: Unavailable, Attempts: 0, Cause: fmt.Errorf("reading request body: %w", err)}
		}
		replayable = ok
	}

	outHeader := f.outboundHeader(r, headers, info)
	target := *route.Upstream
	target.Path = route.UpstreamPath(r.URL.Path)
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	var (
		resp   *http.Response
		cancel context.CancelFunc
	)
	attempt := func(n int) error {
		body := r.Body
		if n > 0 && r.GetBody != nil {
			b, err := r.GetBody()
			if err != nil {
				return err
			}
			body = b
		}
		ctx, c := context.WithCancel(r.Context())
		proxyReq := (&http.Request{
			Method:        r.Method,
			URL:           &target,
			Proto:         "HTTP/1.1",
			ProtoMajor:    1,
			ProtoMinor:    1,
			Header:        outHeader.Clone(),
			Body:          body,
			ContentLength: r.ContentLength,
			Host:          target.Host,
		}).WithContext(ctx)
		if body == nil || body == http.NoBody {
			proxyReq.Body = nil
			proxyReq.ContentLength = 0
		}

		res, err := f.transport.RoundTrip(proxyReq)
		if err != nil {
			c()
			if n == 0 {
				f.logger.Debug("upstream attempt failed",
					zap.String("correlation_id", info.CorrelationID),
					zap.String("route_id", route.ID),
					zap.Error(err),
				)
			}
			return err
		}
		resp = res
		cancel = c
		return nil
	}
	retryable := func(err error) bool {
		return replayable && r.Context().Err() == nil
	}

	retries, err := f.policy.Do(r.Context(), r.Method, retryable, attempt)
	info.Retries = retries
	if err != nil {
		if r.Context().Err() != nil {
			info.UpstreamError = "client_canceled"
			return ErrClientGone
		}
		fe := &ForwardError{Kind: classify(err), Attempts: retries + 1, Cause: err}
		info.UpstreamError = fe.Kind.String()
		f.logger.Warn("upstream request failed",
			zap.String("correlation_id", info.CorrelationID),
			zap.String("route_id", route.ID),
			zap.String("upstream", route.Upstream.Host),
			zap.Stringer("kind", fe.Kind),
			zap.Int("attempts", fe.Attempts),
			zap.Error(err),
		)
		return fe
	}
	defer cancel()

	body := resp.Body
	if f.readTimeout > 0 {
		body = newIdleTimeoutReader(resp.Body, f.readTimeout, cancel)
	}
	defer body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if err := copyBody(w, body, resp.ContentLength < 0); err != nil && r.Context().Err() == nil {
		kind := classify(err)
		info.UpstreamError = kind.String() + "_mid_body"
		f.logger.Warn("upstream response truncated",
			zap.String("correlation_id", info.CorrelationID),
			zap.String("route_id", route.ID),
			zap.Stringer("kind", kind),
			zap.Error(err),
		)
	}
	return nil
}

// outboundHeader builds the header set sent upstream: the sanitized client
// headers plus traceability headers, minus hop-by-hop headers. Headers a
// client lists in Connection are dropped through the sanitized set so an
// injected identity header can never be removed that way.
func (f *Forwarder) outboundHeader(r *http.Request, headers *identity.Headers, info *middleware.RequestInfo) http.Header {
	for _, name := range connectionHeaders(r.Header) {
		headers.Del(name)
	}
	h := headers.Header()
	removeHopHeaders(h)

	clientIP := info.ClientIP
	if clientIP == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			clientIP = host
		}
	}
	if clientIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			h.Set("X-Forwarded-For", clientIP)
		}
	}

	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	h.Set("X-Forwarded-Host", r.Host)

	if f.correlationHeader != "" && info.CorrelationID != "" {
		h.Set(f.correlationHeader, info.CorrelationID)
	}
	return h
}

// classify reports whether err is a timeout or a connection failure.
func classify(err error) Failure {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	return Unavailable
}

// copyHeaders copies upstream response headers, minus hop-by-hop headers.
// Upstream CORS headers are dropped since the gateway answers CORS itself.
// Headers the gateway already set on dst, such as the correlation id echo
// and rate limit headers, keep their values. Vary is merged.
func copyHeaders(dst, src http.Header) {
	hop := make(map[string]bool)
	for _, name := range connectionHeaders(src) {
		hop[http.CanonicalHeaderKey(name)] = true
	}
	for k, vv := range src {
		if hop[k] || strings.HasPrefix(k, "Access-Control-") {
			continue
		}
		if _, owned := dst[k]; owned {
			if k == "Vary" {
				dst[k] = append(dst[k], vv...)
			}
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(dst)
}

var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// copyBody streams the upstream body to the client. Bodies of unknown
// length are flushed after every chunk so streamed responses are not held.
func copyBody(w http.ResponseWriter, body io.Reader, flush bool) error {
	bufp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufp)
	buf := *bufp

	flusher, _ := w.(http.Flusher)
	if !flush || flusher == nil {
		_, err := io.CopyBuffer(w, body, buf)
		return err
	}

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			flusher.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// connectionHeaders returns the header names listed in Connection.
func connectionHeaders(header http.Header) []string {
	var names []string
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}
