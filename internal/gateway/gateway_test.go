package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegateway/internal/config"
	"github.com/wudi/edgegateway/internal/errors"
	"github.com/wudi/edgegateway/internal/identity"
	"github.com/wudi/edgegateway/internal/metrics"
	"github.com/wudi/edgegateway/internal/middleware/extauth"
	"github.com/wudi/edgegateway/internal/verifier"
)

var testSecret = []byte("gateway-test-secret")

// recordingUpstream is a fake backend that remembers what it received.
type recordingUpstream struct {
	*httptest.Server

	mu     sync.Mutex
	hits   int
	header http.Header
	path   string
}

func newUpstream(t *testing.T) *recordingUpstream {
	t.Helper()
	u := &recordingUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.hits++
		u.header = r.Header.Clone()
		u.path = r.URL.Path
		u.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "path": r.URL.Path})
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *recordingUpstream) snapshot() (int, http.Header, string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits, u.header, u.path
}

func newVerifier(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(verifier.New(verifier.Config{Secret: testSecret}, nil))
	t.Cleanup(srv.Close)
	return srv
}

func issue(t *testing.T, typ verifier.TokenType, ttl time.Duration) string {
	t.Helper()
	tok, err := verifier.IssueToken(testSecret, "user-42", "admin", typ, ttl)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func testConfig(upstreamURL, verifierURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Verifier.URL = verifierURL + "/verify"
	cfg.Upstream.RetryBackoff = time.Millisecond
	cfg.RateLimitZones = []config.RateLimitZoneConfig{
		{ID: "public", RatePerSecond: 100, Burst: 100, Key: config.KeyClientIP},
		{ID: "strict", RatePerSecond: 0.001, Burst: 2, Key: config.KeyClientIP},
	}
	cfg.Routes = []config.RouteConfig{
		{ID: "public", Match: config.MatchPrefix, Path: "/public", Upstream: upstreamURL, RateLimitZone: "public"},
		{ID: "protected", Match: config.MatchPrefix, Path: "/protected", Upstream: upstreamURL, AuthRequired: true, RateLimitZone: "public"},
		{ID: "users", Match: config.MatchPrefix, Path: "/api/users", Upstream: upstreamURL + "/prefix"},
		{ID: "me", Match: config.MatchExact, Path: "/api/users/me", Upstream: upstreamURL + "/exact"},
		{ID: "limited", Match: config.MatchPrefix, Path: "/limited", Upstream: upstreamURL, RateLimitZone: "strict"},
		{ID: "svc", Match: config.MatchPrefix, Path: "/svc/", Upstream: upstreamURL, StripPrefix: "/svc"},
	}
	return cfg
}

func newGateway(t *testing.T, cfg *config.Config, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	gw, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	return gw
}

func serve(gw http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, r)
	return rr
}

func assertErrorBody(t *testing.T, rr *httptest.ResponseRecorder, want *errors.GatewayError) {
	t.Helper()
	if rr.Code != want.Status {
		t.Fatalf("status = %d, want %d (body %q)", rr.Code, want.Status, rr.Body.String())
	}
	var body errors.GatewayError
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body %q: %v", rr.Body.String(), err)
	}
	if body != *want {
		t.Errorf("body = %+v, want %+v", body, *want)
	}
}

func TestPublicRouteSendsNoIdentity(t *testing.T) {
	up := newUpstream(t)
	gw := newGateway(t, testConfig(up.URL, newVerifier(t).URL))

	req := httptest.NewRequest(http.MethodGet, "/public/health", nil)
	req.Header.Set("X-User-ID", "9999")
	req.Header.Set("X-User-Role", "admin")
	req.Header.Set("X-Auth-User-ID", "9999")
	rr := serve(gw, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %q", rr.Body.String())
	}
	hits, header, _ := up.snapshot()
	if hits != 1 {
		t.Fatalf("upstream hits = %d, want 1", hits)
	}
	for _, name := range []string{"X-User-ID", "X-User-Role", "X-Auth-User-ID"} {
		if v := header.Get(name); v != "" {
			t.Errorf("%s reached upstream on public route: %q", name, v)
		}
	}
}

func TestProtectedRouteSpoofedIdentityIsReplaced(t *testing.T) {
	up := newUpstream(t)
	gw := newGateway(t, testConfig(up.URL, newVerifier(t).URL))

	req := httptest.NewRequest(http.MethodGet, "/protected/resource", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, verifier.TokenAccess, time.Hour))
	req.Header.Set("X-User-ID", "9999")
	req.Header["x-user-role"] = []string{"superuser"}
	rr := serve(gw, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rr.Code, rr.Body.String())
	}
	_, header, _ := up.snapshot()
	if got := header.Values("X-User-ID"); len(got) != 1 || got[0] != "user-42" {
		t.Errorf("upstream X-User-ID = %v, want [user-42]", got)
	}
	if got := header.Values("X-User-Role"); len(got) != 1 || got[0] != "admin" {
		t.Errorf("upstream X-User-Role = %v, want [admin]", got)
	}
}

func TestProtectedRouteRejections(t *testing.T) {
	up := newUpstream(t)
	gw := newGateway(t, testConfig(up.URL, newVerifier(t).URL))

	tests := []struct {
		name   string
		auth   string
		reason string
	}{
		{"missing", "", "missing_credential"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "malformed_credential"},
		{"empty bearer", "Bearer ", "malformed_credential"},
		{"expired", "Bearer " + issue(t, verifier.TokenAccess, -time.Minute), "invalid_or_expired"},
		{"garbage", "Bearer not-a-token", "malformed_credential"},
		{"refresh token", "Bearer " + issue(t, verifier.TokenRefresh, time.Hour), "wrong_credential_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected/resource", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rr := serve(gw, req)
			assertErrorBody(t, rr, errors.ErrUnauthorized)
			if strings.Contains(rr.Body.String(), tt.reason) {
				t.Errorf("internal reason %q leaked to client", tt.reason)
			}
		})
	}

	if hits, _, _ := up.snapshot(); hits != 0 {
		t.Errorf("upstream hits = %d, want 0", hits)
	}

	rr := serve(gw.Metrics().Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, tt := range tests {
		if !strings.Contains(rr.Body.String(), `edgegateway_auth_failures_total{reason="`+tt.reason+`"}`) {
			t.Errorf("auth failure metric for %s missing", tt.reason)
		}
	}
}

func TestInjectedVerifierAndCollector(t *testing.T) {
	up := newUpstream(t)
	collector := metrics.NewCollector()

	var tokens []string
	v := extauth.VerifierFunc(func(_ context.Context, token string) (identity.Identity, error) {
		tokens = append(tokens, token)
		if token != "opaque-123" {
			return identity.Identity{}, &extauth.VerificationError{Reason: extauth.ReasonWrongCredentialType}
		}
		return identity.Identity{Subject: "svc-7"}, nil
	})
	gw := newGateway(t, testConfig(up.URL, "http://unused:1"), WithVerifier(v), WithMetrics(collector))

	req := httptest.NewRequest(http.MethodGet, "/protected/a", nil)
	req.Header.Set("Authorization", "bearer opaque-123")
	req.Header.Set("X-User-Role", "admin")
	if rr := serve(gw, req); rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	_, header, _ := up.snapshot()
	if header.Get("X-User-ID") != "svc-7" {
		t.Errorf("upstream X-User-ID = %q", header.Get("X-User-ID"))
	}
	if roles := header.Values("X-User-Role"); len(roles) != 0 {
		t.Errorf("empty role must not be forwarded, got %v", roles)
	}

	req = httptest.NewRequest(http.MethodGet, "/protected/a", nil)
	req.Header.Set("Authorization", "Bearer other")
	assertErrorBody(t, serve(gw, req), errors.ErrUnauthorized)

	if len(tokens) != 2 || tokens[0] != "opaque-123" || tokens[1] != "other" {
		t.Errorf("verifier saw tokens %v", tokens)
	}
	if gw.Metrics() != collector {
		t.Error("gateway does not report to the injected collector")
	}
	if gw.VerifierState() != "none" {
		t.Errorf("VerifierState = %q, want none for an injected verifier", gw.VerifierState())
	}

	rr := serve(collector.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `edgegateway_auth_failures_total{reason="wrong_credential_type"} 1`) {
		t.Error("auth failure not recorded on the injected collector")
	}
}

func TestVerifierUnavailableFailsClosed(t *testing.T) {
	up := newUpstream(t)
	dead := newVerifier(t)
	dead.Close()

	cfg := testConfig(up.URL, dead.URL)
	gw := newGateway(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/protected/resource", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, verifier.TokenAccess, time.Hour))
	assertErrorBody(t, serve(gw, req), errors.ErrUnauthorized)

	if hits, _, _ := up.snapshot(); hits != 0 {
		t.Errorf("upstream hits = %d, want 0", hits)
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	up := newUpstream(t)
	gw := newGateway(t, testConfig(up.URL, newVerifier(t).URL))

	for _, path := range []string{"/protected/resource", "/limited", "/nowhere"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rr := serve(gw, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("%s: status = %d, want 204", path, rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("%s: missing allow-origin", path)
		}
		if rr.Header().Get("Access-Control-Max-Age") != "86400" {
			t.Errorf("%s: max-age = %q", path, rr.Header().Get("Access-Control-Max-Age"))
		}
	}
	if hits, _, _ := up.snapshot(); hits != 0 {
		t.Errorf("upstream hits = %d, want 0", hits)
	}
}

func TestErrorResponsesCarryCORSHeaders(t *testing.T) {
	up := newUpstream(t)
	gw := newGateway(t, testConfig(up.URL, newVerifier(t).URL))

	rr := serve(gw, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assertErrorBody(t, rr, errors.ErrNotFound)
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("404 missing allow-origin")
	}
	if rr.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("404 missing allow-methods")
	}

	rr = serve(gw, httptest.NewRequest(http.MethodGet, "/protected/x", nil))
	if rr.Code != http.StatusUnauthorized || rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("401 status=%d allow-origin=%q", rr.Code, rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestHealthEndpoint(t *testing.T) {
	up := newUpstream(t)
	gw := newGateway(t, testConfig(up.URL, newVerifier(t).URL))

	rr := serve(gw, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Body.String() != string(healthBody) {
		t.Errorf("body = %q", rr.Body.String())
	}
	if hits, _, _ := up.snapshot(); hits != 0 {
		t.Errorf("health check reached upstream")
	}
}

func TestRateLimitBurst(t *testing.T) {
	up := newUpstream(t)
	gw := newGateway(t, testConfig(up.URL, newVerifier(t).URL))

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/limited", nil)
		req.RemoteAddr = remote
		return serve(gw, req)
	}

	for i := 0; i < 2; i++ {
		if rr := send("198.51.100.1:4000"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rr.Code)
		}
	}

	rr := send("198.51.100.1:4001")
	assertErrorBody(t, rr, errors.ErrTooManyRequests)
	if rr.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	if hits, _, _ := up.snapshot(); hits != 2 {
		t.Errorf("upstream hits = %d, want 2", hits)
	}

	// Another client has its own bucket.
	if rr := send("198.51.100.2:4000"); rr.Code != http.StatusOK {
		t.Errorf("other client: status = %d, want 200", rr.Code)
	}

	// A forged X-Forwarded-For does not buy a fresh bucket.
	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "198.51.100.1:4002"
	req.Header.Set("X-Forwarded-For", "203.0.113.99")
	if rr := serve(gw, req); rr.Code != http.StatusTooManyRequests {
		t.Errorf("spoofed XFF: status = %d, want 429", rr.Code)
	}
}

func TestRateLimitRunsBeforeAuth(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(up.URL, newVerifier(t).URL)
	cfg.Routes = append(cfg.Routes, config.RouteConfig{
		ID: "strict-protected", Match: config.MatchPrefix, Path: "/admin", Upstream: up.URL,
		AuthRequired: true, RateLimitZone: "strict",
	})

	var verifyCalls int
	var mu sync.Mutex
	counting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		verifyCalls++
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"reason":"invalid_or_expired"}`)
	}))
	defer counting.Close()
	cfg.Verifier.URL = counting.URL

	gw := newGateway(t, cfg)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
		req.Header.Set("Authorization", "Bearer whatever")
		serve(gw, req)
	}

	mu.Lock()
	defer mu.Unlock()
	if verifyCalls != 2 {
		t.Errorf("verifier calls = %d, want 2 (third request rejected by the limiter first)", verifyCalls)
	}
}

func TestExactMatchBeatsPrefix(t *testing.T) {
	up := newUpstream(t)
	gw := newGateway(t, testConfig(up.URL, newVerifier(t).URL))

	tests := []struct {
		path     string
		wantPath string
	}{
		{"/api/users/me", "/exact/api/users/me"},
		{"/api/users/1", "/prefix/api/users/1"},
		{"/api/users", "/prefix/api/users"},
		{"/svc/orders/7", "/orders/7"},
	}
	for _, tt := range tests {
		rr := serve(gw, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("%s: status = %d", tt.path, rr.Code)
			continue
		}
		if _, _, got := up.snapshot(); got != tt.wantPath {
			t.Errorf("%s: upstream path = %q, want %q", tt.path, got, tt.wantPath)
		}
	}
}

func TestCorrelationIDIsGeneratedAndForwarded(t *testing.T) {
	up := newUpstream(t)
	gw := newGateway(t, testConfig(up.URL, newVerifier(t).URL))

	req := httptest.NewRequest(http.MethodGet, "/public/x", nil)
	req.Header.Set("X-Request-ID", "client-chosen")
	rr := serve(gw, req)

	id := rr.Header().Get("X-Request-ID")
	if id == "" || id == "client-chosen" {
		t.Fatalf("response correlation id = %q, want a generated one", id)
	}
	_, header, _ := up.snapshot()
	if got := header.Get("X-Request-ID"); got != id {
		t.Errorf("upstream correlation id = %q, want %q", got, id)
	}
	if header.Get("X-Forwarded-For") == "" || header.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("traceability headers missing: %v", header)
	}
}

func TestUpstreamCannotOverrideGatewayHeaders(t *testing.T) {
	var forwarded string
	var mu sync.Mutex
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		forwarded = r.Header.Get("X-Request-ID")
		mu.Unlock()
		w.Header().Set("X-Request-ID", "upstream-own-id")
		w.Header().Set("Access-Control-Allow-Origin", "https://evil.example")
		w.Header().Set("Access-Control-Allow-Methods", "DELETE")
		io.WriteString(w, "ok")
	}))
	defer up.Close()
	gw := newGateway(t, testConfig(up.URL, newVerifier(t).URL))

	rr := serve(gw, httptest.NewRequest(http.MethodGet, "/public/x", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if forwarded == "" {
		t.Fatal("no correlation id forwarded upstream")
	}
	if got := rr.Header().Values("X-Request-ID"); len(got) != 1 || got[0] != forwarded {
		t.Errorf("echoed correlation id = %q, want [%s]", got, forwarded)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); got == "DELETE" {
		t.Errorf("allow-methods taken from upstream: %q", got)
	}
}

// failingTransport counts calls and always fails to connect.
type failingTransport struct {
	mu    sync.Mutex
	calls int
}

func (f *failingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if r.Body != nil {
		r.Body.Close()
	}
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: stderrors.New("connection refused")}
}

func TestUpstreamRefusedRetriesIdempotentOnly(t *testing.T) {
	tests := []struct {
		method    string
		wantCalls int
	}{
		{http.MethodGet, 2},
		{http.MethodPost, 1},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			ft := &failingTransport{}
			gw := newGateway(t, testConfig("http://orders.internal:8080", newVerifier(t).URL), WithTransport(ft))

			rr := serve(gw, httptest.NewRequest(tt.method, "/public/orders", strings.NewReader("{}")))
			assertErrorBody(t, rr, errors.ErrBadGateway)
			if ft.calls != tt.wantCalls {
				t.Errorf("upstream attempts = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestUpstreamTimeoutMapsTo504(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	cfg := testConfig(slow.URL, newVerifier(t).URL)
	cfg.Upstream.ReadTimeout = 50 * time.Millisecond
	gw := newGateway(t, cfg)

	rr := serve(gw, httptest.NewRequest(http.MethodGet, "/public/slow", nil))
	assertErrorBody(t, rr, errors.ErrGatewayTimeout)
	if strings.Contains(rr.Body.String(), "timeout awaiting") {
		t.Error("transport error text leaked to client")
	}
}

func TestReloadSwapsState(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(up.URL, newVerifier(t).URL)
	gw := newGateway(t, cfg)

	next := testConfig(up.URL, newVerifier(t).URL)
	next.Routes = []config.RouteConfig{
		{ID: "v2", Match: config.MatchPrefix, Path: "/v2", Upstream: up.URL},
	}
	result := gw.Reload(next)
	if !result.Success {
		t.Fatalf("reload failed: %s", result.Error)
	}
	if len(result.Changes) == 0 {
		t.Error("expected changes to be reported")
	}

	if rr := serve(gw, httptest.NewRequest(http.MethodGet, "/public/x", nil)); rr.Code != http.StatusNotFound {
		t.Errorf("old route after reload: status = %d, want 404", rr.Code)
	}
	if rr := serve(gw, httptest.NewRequest(http.MethodGet, "/v2/x", nil)); rr.Code != http.StatusOK {
		t.Errorf("new route after reload: status = %d, want 200", rr.Code)
	}

	bad := testConfig(up.URL, "")
	bad.Routes = []config.RouteConfig{
		{ID: "dup", Match: config.MatchPrefix, Path: "/x", Upstream: up.URL},
		{ID: "dup2", Match: config.MatchPrefix, Path: "/x", Upstream: up.URL},
	}
	if result := gw.Reload(bad); result.Success {
		t.Fatal("reload with duplicate patterns succeeded")
	}
	if rr := serve(gw, httptest.NewRequest(http.MethodGet, "/v2/x", nil)); rr.Code != http.StatusOK {
		t.Errorf("failed reload disturbed the live state: status = %d", rr.Code)
	}
}

func TestDiffConfig(t *testing.T) {
	oldCfg := testConfig("http://a:1", "http://v:1")
	newCfg := testConfig("http://a:1", "http://v:1")
	newCfg.Routes = newCfg.Routes[1:]
	newCfg.Routes[0].AuthRequired = false
	newCfg.RateLimitZones = append(newCfg.RateLimitZones, config.RateLimitZoneConfig{ID: "extra", RatePerSecond: 1, Burst: 1})

	got := strings.Join(diffConfig(oldCfg, newCfg), "\n")
	for _, want := range []string{
		"route removed: public",
		"route modified: protected",
		"rate_limit_zone added: extra",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("diff missing %q in:\n%s", want, got)
		}
	}
}
