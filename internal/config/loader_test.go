package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
listener:
  address: ":9000"
  read_timeout: 10s

logging:
  level: debug
  format: console

verifier:
  url: http://auth:8000/verify
  timeout: 2s

rate_limit_zones:
  - id: public
    rate_per_second: 10
    burst: 20
  - id: protected
    rate_per_second: 5
    burst: 10
    idle_ttl: 5m

routes:
  - id: login
    match: exact
    path: /api/users/login
    upstream: http://users:8001
    rate_limit_zone: public
  - id: users
    path: /api/users/
    upstream: http://users:8001
    auth_required: true
    rate_limit_zone: protected
`

func TestLoaderParse(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(baseYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Listener.Address != ":9000" {
		t.Errorf("expected address :9000, got %s", cfg.Listener.Address)
	}
	if cfg.Listener.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Listener.ReadTimeout)
	}
	if cfg.Listener.WriteTimeout != 60*time.Second {
		t.Errorf("expected default write_timeout 60s, got %v", cfg.Listener.WriteTimeout)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}
	if cfg.Verifier.Timeout != 2*time.Second {
		t.Errorf("expected verifier timeout 2s, got %v", cfg.Verifier.Timeout)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(cfg.Routes))
	}
	if cfg.Routes[0].Match != MatchExact {
		t.Errorf("expected exact match for login, got %s", cfg.Routes[0].Match)
	}
	if cfg.Routes[1].Match != MatchPrefix {
		t.Errorf("expected match to default to prefix, got %s", cfg.Routes[1].Match)
	}
	if !cfg.Routes[1].AuthRequired {
		t.Error("expected users route to require auth")
	}
	if cfg.RateLimitZones[0].Key != KeyClientIP {
		t.Errorf("expected key to default to client_ip, got %s", cfg.RateLimitZones[0].Key)
	}
	if cfg.RateLimitZones[1].IdleTTL != 5*time.Minute {
		t.Errorf("expected idle_ttl 5m, got %v", cfg.RateLimitZones[1].IdleTTL)
	}
}

func TestLoaderDefaults(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(`
routes:
  - id: all
    path: /
    upstream: http://backend:8080
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.HealthPath != "/health" {
		t.Errorf("expected health path /health, got %s", cfg.HealthPath)
	}
	if cfg.Correlation.Header != "X-Request-ID" {
		t.Errorf("expected correlation header X-Request-ID, got %s", cfg.Correlation.Header)
	}
	if cfg.Identity.SubjectHeader != "X-User-ID" || cfg.Identity.RoleHeader != "X-User-Role" {
		t.Errorf("unexpected identity headers: %+v", cfg.Identity)
	}
	if cfg.Upstream.MaxRetryBody != 1<<20 {
		t.Errorf("expected max_retry_body 1MiB, got %d", cfg.Upstream.MaxRetryBody)
	}
	if len(cfg.Upstream.RetryMethods) != 5 {
		t.Errorf("expected 5 default retry methods, got %v", cfg.Upstream.RetryMethods)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("EDGE_USERS_UPSTREAM", "http://users.internal:8001")

	_, err := NewLoader().Parse([]byte(`
routes:
  - id: users
    path: /api/users/
    upstream: ${EDGE_USERS_UPSTREAM}
    strip_prefix: ${EDGE_UNSET_VARIABLE_FOR_TEST}
`))
	if err == nil {
		t.Fatal("expected unset variable to be left verbatim and fail strip_prefix validation")
	}
	if !strings.Contains(err.Error(), "strip_prefix") {
		t.Errorf("unexpected error: %v", err)
	}

	cfg, err := NewLoader().Parse([]byte(`
routes:
  - id: users
    path: /api/users/
    upstream: ${EDGE_USERS_UPSTREAM}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Routes[0].Upstream != "http://users.internal:8001" {
		t.Errorf("expected expanded upstream, got %s", cfg.Routes[0].Upstream)
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no routes",
			yaml:    `listener: {address: ":8080"}`,
			wantErr: "at least one route",
		},
		{
			name: "duplicate route id",
			yaml: `
routes:
  - {id: a, path: /a, upstream: "http://x"}
  - {id: a, path: /b, upstream: "http://x"}
`,
			wantErr: "duplicate route id",
		},
		{
			name: "duplicate prefix pattern",
			yaml: `
routes:
  - {id: a, path: /api/, upstream: "http://x"}
  - {id: b, path: /api/, upstream: "http://y"}
`,
			wantErr: "already declared",
		},
		{
			name: "invalid match kind",
			yaml: `
routes:
  - {id: a, match: regex, path: /a, upstream: "http://x"}
`,
			wantErr: "invalid match kind",
		},
		{
			name: "relative path",
			yaml: `
routes:
  - {id: a, path: api, upstream: "http://x"}
`,
			wantErr: "must start with '/'",
		},
		{
			name: "exact path with wildcard",
			yaml: `
routes:
  - {id: a, match: exact, path: "/users/:id", upstream: "http://x"}
`,
			wantErr: "must not contain",
		},
		{
			name: "bad upstream scheme",
			yaml: `
routes:
  - {id: a, path: /a, upstream: "ftp://x"}
`,
			wantErr: "scheme must be http or https",
		},
		{
			name: "unknown zone",
			yaml: `
routes:
  - {id: a, path: /a, upstream: "http://x", rate_limit_zone: nope}
`,
			wantErr: "unknown rate_limit_zone",
		},
		{
			name: "zone rate zero",
			yaml: `
rate_limit_zones:
  - {id: z, rate_per_second: 0, burst: 1}
routes:
  - {id: a, path: /a, upstream: "http://x"}
`,
			wantErr: "rate_per_second",
		},
		{
			name: "zone burst zero",
			yaml: `
rate_limit_zones:
  - {id: z, rate_per_second: 1, burst: 0}
routes:
  - {id: a, path: /a, upstream: "http://x"}
`,
			wantErr: "burst",
		},
		{
			name: "zone keyed by identity",
			yaml: `
rate_limit_zones:
  - {id: z, rate_per_second: 1, burst: 1, key: subject}
routes:
  - {id: a, path: /a, upstream: "http://x"}
`,
			wantErr: "unknown key extractor",
		},
		{
			name: "auth without verifier",
			yaml: `
routes:
  - {id: a, path: /a, upstream: "http://x", auth_required: true}
`,
			wantErr: "verifier",
		},
		{
			name: "bad trusted proxy",
			yaml: `
client_ip:
  trusted_proxies: ["10.0.0.0/33"]
routes:
  - {id: a, path: /a, upstream: "http://x"}
`,
			wantErr: "trusted proxy",
		},
		{
			name: "bad log level",
			yaml: `
logging: {level: loud}
routes:
  - {id: a, path: /a, upstream: "http://x"}
`,
			wantErr: "invalid level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoaderExactAndPrefixMaySharePattern(t *testing.T) {
	_, err := NewLoader().Parse([]byte(`
routes:
  - {id: exact, match: exact, path: /api/, upstream: "http://x"}
  - {id: prefix, match: prefix, path: /api/, upstream: "http://y"}
`))
	if err != nil {
		t.Fatalf("exact and prefix routes with the same pattern should load: %v", err)
	}
}

func TestLoaderLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(baseYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Routes) != 2 {
		t.Errorf("expected 2 routes, got %d", len(cfg.Routes))
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
