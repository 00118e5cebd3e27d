package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	normalize(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// normalize fills per-entry defaults that YAML leaves zero.
func normalize(cfg *Config) {
	for i := range cfg.RateLimitZones {
		z := &cfg.RateLimitZones[i]
		if z.Key == "" {
			z.Key = KeyClientIP
		}
	}
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.Match == "" {
			r.Match = MatchPrefix
		}
	}
	for i, m := range cfg.Upstream.RetryMethods {
		cfg.Upstream.RetryMethods[i] = strings.ToUpper(m)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("listener: address is required")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin: address is required when enabled")
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging: invalid level: %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging: invalid format: %s", cfg.Logging.Format)
	}
	if !strings.HasPrefix(cfg.HealthPath, "/") {
		return fmt.Errorf("health_path must start with '/'")
	}
	if cfg.Correlation.Header == "" {
		return fmt.Errorf("correlation: header is required")
	}
	if cfg.Identity.SubjectHeader == "" || cfg.Identity.RoleHeader == "" {
		return fmt.Errorf("identity: subject_header and role_header are required")
	}
	for _, m := range cfg.CORS.AllowMethods {
		if !validHTTPMethods[strings.ToUpper(m)] {
			return fmt.Errorf("cors: invalid method: %s", m)
		}
	}
	if cfg.CORS.MaxAge < 0 {
		return fmt.Errorf("cors: max_age must be >= 0")
	}
	for _, p := range cfg.ClientIP.TrustedProxies {
		if !validCIDROrIP(p) {
			return fmt.Errorf("client_ip: invalid trusted proxy: %s", p)
		}
	}
	for _, m := range cfg.Upstream.RetryMethods {
		if !validHTTPMethods[m] {
			return fmt.Errorf("upstream: invalid retry method: %s", m)
		}
	}
	if cfg.Upstream.MaxRetryBody < 0 {
		return fmt.Errorf("upstream: max_retry_body must be >= 0")
	}

	zones := make(map[string]bool, len(cfg.RateLimitZones))
	for i, z := range cfg.RateLimitZones {
		if z.ID == "" {
			return fmt.Errorf("rate_limit_zone %d: id is required", i)
		}
		if zones[z.ID] {
			return fmt.Errorf("duplicate rate_limit_zone id: %s", z.ID)
		}
		zones[z.ID] = true
		if z.RatePerSecond <= 0 {
			return fmt.Errorf("rate_limit_zone %s: rate_per_second must be > 0", z.ID)
		}
		if z.Burst < 1 {
			return fmt.Errorf("rate_limit_zone %s: burst must be >= 1", z.ID)
		}
		if z.Key != KeyClientIP {
			return fmt.Errorf("rate_limit_zone %s: unknown key extractor: %s", z.ID, z.Key)
		}
		if z.IdleTTL < 0 {
			return fmt.Errorf("rate_limit_zone %s: idle_ttl must be >= 0", z.ID)
		}
	}

	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	routeIDs := make(map[string]bool, len(cfg.Routes))
	patterns := make(map[string]string, len(cfg.Routes))
	needsVerifier := false
	for i, r := range cfg.Routes {
		if r.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[r.ID] {
			return fmt.Errorf("duplicate route id: %s", r.ID)
		}
		routeIDs[r.ID] = true

		if r.Match != MatchExact && r.Match != MatchPrefix {
			return fmt.Errorf("route %s: invalid match kind: %s", r.ID, r.Match)
		}
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("route %s: path must start with '/'", r.ID)
		}
		if r.Match == MatchExact && strings.ContainsAny(r.Path, ":*") {
			return fmt.Errorf("route %s: exact path must not contain ':' or '*'", r.ID)
		}
		key := string(r.Match) + " " + r.Path
		if other, ok := patterns[key]; ok {
			return fmt.Errorf("route %s: %s pattern %q already declared by route %s", r.ID, r.Match, r.Path, other)
		}
		patterns[key] = r.ID

		if err := validateUpstream(r.Upstream); err != nil {
			return fmt.Errorf("route %s: %w", r.ID, err)
		}
		if r.StripPrefix != "" && !strings.HasPrefix(r.StripPrefix, "/") {
			return fmt.Errorf("route %s: strip_prefix must start with '/'", r.ID)
		}
		if r.RateLimitZone != "" && !zones[r.RateLimitZone] {
			return fmt.Errorf("route %s: unknown rate_limit_zone: %s", r.ID, r.RateLimitZone)
		}
		if r.AuthRequired {
			needsVerifier = true
		}
	}

	if needsVerifier {
		if err := validateUpstream(cfg.Verifier.URL); err != nil {
			return fmt.Errorf("verifier: %w", err)
		}
	}
	if cfg.Verifier.Timeout <= 0 {
		return fmt.Errorf("verifier: timeout must be > 0")
	}
	if cfg.Verifier.SubjectHeader == "" {
		return fmt.Errorf("verifier: subject_header is required")
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: host is required", raw)
	}
	return nil
}

func validCIDROrIP(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}
