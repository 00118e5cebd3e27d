// Package gateway assembles the request pipeline and owns the live state.
//
// Every request runs through the same fixed sequence: access log, panic
// recovery, correlation id, CORS, client address, identity header
// sanitizing, health check, route lookup, rate limiting, authentication
// and finally the forwarder. Each stage either hands the request on or
// answers it with one of the fixed error bodies.
package gateway

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wudi/edgegateway/internal/config"
	"github.com/wudi/edgegateway/internal/errors"
	"github.com/wudi/edgegateway/internal/identity"
	"github.com/wudi/edgegateway/internal/metrics"
	"github.com/wudi/edgegateway/internal/middleware"
	"github.com/wudi/edgegateway/internal/middleware/cors"
	"github.com/wudi/edgegateway/internal/middleware/extauth"
	"github.com/wudi/edgegateway/internal/middleware/ratelimit"
	"github.com/wudi/edgegateway/internal/middleware/realip"
	"github.com/wudi/edgegateway/internal/proxy"
	"github.com/wudi/edgegateway/internal/router"
)

var healthBody = []byte(`{"status":"ok"}` + "\n")

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the access log and pipeline events.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the collector the pipeline reports to.
func WithMetrics(m *metrics.Collector) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithVerifier replaces the HTTP verifier client, for example with an
// in-process verifier in tests.
func WithVerifier(v extauth.Verifier) Option {
	return func(g *Gateway) {
		g.verifier = v
	}
}

// WithTransport replaces the upstream transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) {
		g.transport = rt
	}
}

// Gateway is the main API gateway handler. It serves from an immutable
// State that Reload replaces atomically; requests already running keep
// the State they started with.
type Gateway struct {
	state    atomic.Pointer[State]
	reloadMu sync.Mutex

	logger    *zap.Logger
	metrics   *metrics.Collector
	verifier  extauth.Verifier
	transport http.RoundTripper
}

// State is everything built from one configuration.
type State struct {
	config    *config.Config
	routes    *router.Table
	limiter   *ratelimit.Limiter
	delegate  *extauth.Delegate
	verifier  *extauth.HTTPVerifier // nil when injected or unused
	forwarder *proxy.Forwarder
	names     identity.Names
	handler   http.Handler
}

// New creates a gateway serving cfg.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.metrics == nil {
		g.metrics = metrics.NewCollector()
	}

	st, err := g.buildState(cfg, nil)
	if err != nil {
		return nil, err
	}
	st.limiter.Start()
	g.state.Store(st)
	return g, nil
}

// buildState builds a complete State. prev, when non-nil, is the state
// being replaced; an unchanged verifier client is carried over so its
// breaker history survives a reload.
func (g *Gateway) buildState(cfg *config.Config, prev *State) (*State, error) {
	routes, err := router.New(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("building route table: %w", err)
	}

	limiter, err := ratelimit.New(cfg.RateLimitZones)
	if err != nil {
		return nil, fmt.Errorf("building rate limiter: %w", err)
	}
	for _, route := range routes.Routes() {
		if route.RateLimitZone == "" {
			continue
		}
		if _, ok := limiter.Zone(route.RateLimitZone); !ok {
			return nil, fmt.Errorf("route %s: unknown rate_limit_zone %q", route.ID, route.RateLimitZone)
		}
	}

	clientIP, err := realip.New(cfg.ClientIP)
	if err != nil {
		return nil, fmt.Errorf("client_ip: %w", err)
	}

	st := &State{
		config:  cfg,
		routes:  routes,
		limiter: limiter,
		names: identity.Names{
			Subject: cfg.Identity.SubjectHeader,
			Role:    cfg.Identity.RoleHeader,
			Strip:   stripHeaders(cfg),
		},
	}

	switch {
	case g.verifier != nil:
		st.delegate = extauth.NewDelegate(g.verifier)
	case cfg.Verifier.URL != "":
		if prev != nil && prev.verifier != nil && prev.config.Verifier == cfg.Verifier {
			st.verifier = prev.verifier
		} else {
			st.verifier = extauth.NewHTTPVerifier(cfg.Verifier,
				extauth.WithLogger(g.logger),
				extauth.WithStateChange(func(from, to string) {
					g.metrics.SetCircuitBreakerState("verifier", metrics.BreakerStateValue(to))
				}),
			)
		}
		st.delegate = extauth.NewDelegate(st.verifier)
	}

	fwdOpts := []proxy.Option{proxy.WithLogger(g.logger)}
	if g.transport != nil {
		fwdOpts = append(fwdOpts, proxy.WithTransport(g.transport))
	}
	st.forwarder = proxy.New(cfg.Upstream, cfg.Correlation.Header, fwdOpts...)

	st.handler = middleware.NewChain(
		middleware.AccessLog(g.logger),
		g.observe,
		middleware.Recovery(g.logger),
		middleware.CorrelationID(middleware.CorrelationIDConfig{Header: cfg.Correlation.Header}),
		cors.New(cfg.CORS).Middleware(),
		clientIP.Middleware(),
	).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.serve(st, w, r)
	}))

	return st, nil
}

// stripHeaders lists the extra client headers that never pass through:
// configured ones plus the verifier's own response header names.
func stripHeaders(cfg *config.Config) []string {
	out := append([]string(nil), cfg.Identity.StripHeaders...)
	if cfg.Verifier.SubjectHeader != "" {
		out = append(out, cfg.Verifier.SubjectHeader)
	}
	if cfg.Verifier.RoleHeader != "" {
		out = append(out, cfg.Verifier.RoleHeader)
	}
	return out
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.state.Load().handler.ServeHTTP(w, r)
}

// serve runs the stages after the generic middleware.
func (g *Gateway) serve(st *State, w http.ResponseWriter, r *http.Request) {
	info := middleware.Info(r)

	// Identity headers are removed before anything else looks at the
	// request, whatever route it turns out to match.
	headers := identity.Sanitize(r.Header, st.names)

	if r.URL.Path == st.config.HealthPath {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(healthBody)
		return
	}

	route, ok := st.routes.Match(r.Method, r.URL.Path)
	if !ok {
		errors.ErrNotFound.WriteJSON(w)
		return
	}
	info.RouteID = route.ID

	if route.RateLimitZone != "" {
		zone, _ := st.limiter.Zone(route.RateLimitZone)
		d := zone.Admit(info.ClientIP)
		if !d.Allowed {
			g.metrics.RecordRateLimitReject(zone.ID())
			ratelimit.Reject(w, d)
			return
		}
		ratelimit.WriteHeaders(w, d)
	}

	if route.AuthRequired {
		id, err := g.authenticate(st, r)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			errors.FromFailure(err).WriteJSON(w)
			return
		}
		headers.Inject(id)
		info.Subject = id.Subject
	}

	err := st.forwarder.Forward(w, r, route, headers)
	g.metrics.RecordRetry(route.ID, info.Retries)
	if err == nil {
		return
	}
	if stderrors.Is(err, proxy.ErrClientGone) {
		return
	}
	var fe *proxy.ForwardError
	if stderrors.As(err, &fe) {
		g.metrics.RecordUpstreamError(route.ID, fe.Kind.String())
	}
	errors.FromFailure(err).WriteJSON(w)
}

// authenticate runs the auth delegate and records the internal reason of
// a failure. A route requiring auth without a configured delegate is
// always rejected.
func (g *Gateway) authenticate(st *State, r *http.Request) (identity.Identity, error) {
	info := middleware.Info(r)
	if st.delegate == nil {
		info.AuthFailure = extauth.ReasonInvalidOrExpired.String()
		g.metrics.RecordAuthFailure(info.AuthFailure)
		return identity.Identity{}, &extauth.VerificationError{
			Reason: extauth.ReasonInvalidOrExpired,
			Cause:  stderrors.New("no verifier configured"),
		}
	}

	id, err := st.delegate.Authenticate(r.Context(), r.Header)
	if err == nil {
		return id, nil
	}

	reason := extauth.ReasonInvalidOrExpired
	var ve *extauth.VerificationError
	if stderrors.As(err, &ve) {
		reason = ve.Reason
	}
	info.AuthFailure = reason.String()
	g.metrics.RecordAuthFailure(info.AuthFailure)
	g.logger.Debug("authentication failed",
		zap.String("correlation_id", info.CorrelationID),
		zap.String("route_id", info.RouteID),
		zap.String("reason", info.AuthFailure),
		zap.Error(err),
	)
	return identity.Identity{}, err
}

// Config returns the configuration currently being served.
func (g *Gateway) Config() *config.Config {
	return g.state.Load().config
}

// Routes returns the live route table.
func (g *Gateway) Routes() *router.Table {
	return g.state.Load().routes
}

// Metrics returns the gateway's collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// VerifierState reports the verifier breaker state, or "none" when no
// HTTP verifier is in use.
func (g *Gateway) VerifierState() string {
	if v := g.state.Load().verifier; v != nil {
		return v.State()
	}
	return "none"
}

// Close stops background work of the live state.
func (g *Gateway) Close() error {
	st := g.state.Load()
	st.limiter.Close()
	st.forwarder.Close()
	return nil
}
