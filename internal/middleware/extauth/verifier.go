package extauth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/edgegateway/internal/config"
	"github.com/wudi/edgegateway/internal/identity"
	"go.uber.org/zap"
)

const maxVerifierBody = 64 << 10

// rejection is the verifier's JSON body on 401/403.
type rejection struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// HTTPVerifier calls the verifier service over HTTP. The bearer value is
// sent in an Authorization header and nothing else from the client
// request is forwarded. Repeated transport failures open a circuit
// breaker; while open, every call is rejected without network I/O.
type HTTPVerifier struct {
	url           string
	timeout       time.Duration
	subjectHeader string
	roleHeader    string
	client        *http.Client
	breaker       *gobreaker.CircuitBreaker[identity.Identity]
	logger        *zap.Logger
	onState       func(from, to string)
}

// VerifierOption configures an HTTPVerifier.
type VerifierOption func(*HTTPVerifier)

// WithLogger sets the logger used for breaker transitions.
func WithLogger(l *zap.Logger) VerifierOption {
	return func(v *HTTPVerifier) { v.logger = l }
}

// WithStateChange registers a callback for breaker state transitions.
func WithStateChange(fn func(from, to string)) VerifierOption {
	return func(v *HTTPVerifier) { v.onState = fn }
}

// NewHTTPVerifier creates a verifier client from configuration. A
// non-positive BreakerFailures disables the breaker.
func NewHTTPVerifier(cfg config.VerifierConfig, opts ...VerifierOption) *HTTPVerifier {
	v := &HTTPVerifier{
		url:           cfg.URL,
		timeout:       cfg.Timeout,
		subjectHeader: cfg.SubjectHeader,
		roleHeader:    cfg.RoleHeader,
		logger:        zap.NewNop(),
	}
	if v.timeout <= 0 {
		v.timeout = 5 * time.Second
	}
	for _, opt := range opts {
		opt(v)
	}
	v.client = &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	if cfg.BreakerFailures > 0 {
		threshold := uint32(cfg.BreakerFailures)
		v.breaker = gobreaker.NewCircuitBreaker[identity.Identity](gobreaker.Settings{
			Name:        "verifier",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				v.logger.Warn("verifier circuit breaker state change",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				if v.onState != nil {
					v.onState(from.String(), to.String())
				}
			},
			IsSuccessful: isVerifierHealthy,
		})
	}
	return v
}

// isVerifierHealthy decides what the breaker counts as a failure. A
// definitive rejection means the verifier is working, and a client that
// hung up says nothing about the verifier.
func isVerifierHealthy(err error) bool {
	if err == nil {
		return true
	}
	var ve *VerificationError
	if stderrors.As(err, &ve) {
		return true
	}
	return stderrors.Is(err, context.Canceled)
}

// Verify implements Verifier.
func (v *HTTPVerifier) Verify(ctx context.Context, token string) (identity.Identity, error) {
	if v.breaker == nil {
		return v.call(ctx, token)
	}
	id, err := v.breaker.Execute(func() (identity.Identity, error) {
		return v.call(ctx, token)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return identity.Identity{}, fmt.Errorf("verifier unavailable: %w", err)
	}
	return id, err
}

// State returns the breaker state name, "disabled" without a breaker.
func (v *HTTPVerifier) State() string {
	if v.breaker == nil {
		return "disabled"
	}
	return v.breaker.State().String()
}

func (v *HTTPVerifier) call(ctx context.Context, token string) (identity.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("create verifier request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("verifier request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxVerifierBody))

	switch resp.StatusCode {
	case http.StatusOK:
		subject := resp.Header.Get(v.subjectHeader)
		if subject == "" {
			return identity.Identity{}, fmt.Errorf("verifier response missing %s header", v.subjectHeader)
		}
		return identity.Identity{Subject: subject, Role: resp.Header.Get(v.roleHeader)}, nil

	case http.StatusUnauthorized, http.StatusForbidden:
		var rej rejection
		reason := ReasonInvalidOrExpired
		if err := json.Unmarshal(body, &rej); err == nil {
			if r, ok := ParseReason(rej.Reason); ok {
				reason = r
			}
		}
		return identity.Identity{}, &VerificationError{
			Reason: reason,
			Cause:  fmt.Errorf("verifier rejected credential: %s", rej.Message),
		}

	default:
		return identity.Identity{}, fmt.Errorf("verifier returned status %d", resp.StatusCode)
	}
}
