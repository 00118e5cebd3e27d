package config

import "time"

// MatchKind selects how a route pattern is compared with the request path.
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchPrefix MatchKind = "prefix"
)

// KeyClientIP is the only supported rate-limit key extractor. Limiting
// always runs before authentication, so the key can never come from an
// identity the client could fabricate.
const KeyClientIP = "client_ip"

// Config represents the complete gateway configuration
type Config struct {
	Listener       ListenerConfig        `yaml:"listener"`
	Admin          AdminConfig           `yaml:"admin"`
	Logging        LoggingConfig         `yaml:"logging"`
	HealthPath     string                `yaml:"health_path"`
	Correlation    CorrelationConfig     `yaml:"correlation"`
	Identity       IdentityConfig        `yaml:"identity"`
	CORS           CORSConfig            `yaml:"cors"`
	ClientIP       ClientIPConfig        `yaml:"client_ip"`
	Verifier       VerifierConfig        `yaml:"verifier"`
	Upstream       UpstreamConfig        `yaml:"upstream"`
	RateLimitZones []RateLimitZoneConfig `yaml:"rate_limit_zones"`
	Routes         []RouteConfig         `yaml:"routes"`
	Watch          bool                  `yaml:"watch"` // reload when the config file changes
}

// ListenerConfig defines the public HTTP listener
type ListenerConfig struct {
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig defines the operator listener serving /metrics
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Format   string            `yaml:"format"` // "json" or "console"
	Output   string            `yaml:"output"` // stderr, stdout or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames
}

// CorrelationConfig names the per-request correlation header
type CorrelationConfig struct {
	Header string `yaml:"header"`
}

// IdentityConfig names the headers downstream services trust.
type IdentityConfig struct {
	SubjectHeader string   `yaml:"subject_header"`
	RoleHeader    string   `yaml:"role_header"`
	StripHeaders  []string `yaml:"strip_headers"` // additional client headers always removed
}

// CORSConfig defines the gateway-wide CORS policy
type CORSConfig struct {
	AllowOrigins  []string `yaml:"allow_origins"`
	AllowMethods  []string `yaml:"allow_methods"`
	AllowHeaders  []string `yaml:"allow_headers"`
	ExposeHeaders []string `yaml:"expose_headers"`
	MaxAge        int      `yaml:"max_age"` // seconds
}

// ClientIPConfig controls how the client address is derived.
type ClientIPConfig struct {
	TrustedProxies []string `yaml:"trusted_proxies"` // CIDRs or bare IPs
	Headers        []string `yaml:"headers"`         // default X-Forwarded-For, X-Real-IP
}

// VerifierConfig configures the external identity verifier
type VerifierConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	SubjectHeader   string        `yaml:"subject_header"` // verifier response header carrying the subject
	RoleHeader      string        `yaml:"role_header"`    // verifier response header carrying the role
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// UpstreamConfig configures the shared upstream transport and retry policy
type UpstreamConfig struct {
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	RetryMethods        []string      `yaml:"retry_methods"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	MaxRetryBody        int64         `yaml:"max_retry_body"` // bytes buffered so a body can be replayed
}

// RateLimitZoneConfig defines one token-bucket zone
type RateLimitZoneConfig struct {
	ID            string        `yaml:"id"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Key           string        `yaml:"key"`
	IdleTTL       time.Duration `yaml:"idle_ttl"`
}

// RouteConfig defines a single route
type RouteConfig struct {
	ID            string    `yaml:"id"`
	Match         MatchKind `yaml:"match"`
	Path          string    `yaml:"path"`
	Upstream      string    `yaml:"upstream"`
	StripPrefix   string    `yaml:"strip_prefix"`
	AuthRequired  bool      `yaml:"auth_required"`
	RateLimitZone string    `yaml:"rate_limit_zone"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
			ShutdownTimeout:   30 * time.Second,
		},
		Admin: AdminConfig{
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		HealthPath: "/health",
		Correlation: CorrelationConfig{
			Header: "X-Request-ID",
		},
		Identity: IdentityConfig{
			SubjectHeader: "X-User-ID",
			RoleHeader:    "X-User-Role",
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:       86400,
		},
		Verifier: VerifierConfig{
			Timeout:         5 * time.Second,
			SubjectHeader:   "X-Auth-User-ID",
			RoleHeader:      "X-Auth-User-Role",
			BreakerFailures: 5,
			BreakerCooldown: 10 * time.Second,
		},
		Upstream: UpstreamConfig{
			ConnectTimeout:      5 * time.Second,
			ReadTimeout:         60 * time.Second,
			WriteTimeout:        60 * time.Second,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 32,
			RetryMethods:        []string{"GET", "HEAD", "OPTIONS", "PUT", "DELETE"},
			RetryBackoff:        50 * time.Millisecond,
			MaxRetryBody:        1 << 20,
		},
	}
}
