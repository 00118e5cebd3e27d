// Package extauth is the gateway's auth delegate. It extracts the bearer
// credential and hands it, unparsed, to an external verifier. The gateway
// never inspects the credential itself.
package extauth

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wudi/edgegateway/internal/errors"
	"github.com/wudi/edgegateway/internal/identity"
)

// Reason is the internal sub-kind of an authentication failure. All
// reasons look identical to clients.
type Reason int

const (
	ReasonMissingCredential Reason = iota
	ReasonMalformedCredential
	ReasonInvalidOrExpired
	ReasonWrongCredentialType
)

var reasonNames = [...]string{
	ReasonMissingCredential:   "missing_credential",
	ReasonMalformedCredential: "malformed_credential",
	ReasonInvalidOrExpired:    "invalid_or_expired",
	ReasonWrongCredentialType: "wrong_credential_type",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// ParseReason maps a wire reason back to a Reason.
func ParseReason(s string) (Reason, bool) {
	for i, name := range reasonNames {
		if name == s {
			return Reason(i), true
		}
	}
	return 0, false
}

// VerificationError is a rejected authentication. It never carries partial
// identity information.
type VerificationError struct {
	Reason Reason
	Cause  error // internal detail for logs, never sent to clients
}

func (e *VerificationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Cause)
	}
	return "authentication failed: " + e.Reason.String()
}

func (e *VerificationError) Unwrap() error { return e.Cause }

// FailureKind maps every reason to 401.
func (e *VerificationError) FailureKind() errors.Kind { return errors.KindUnauthorized }

// Verifier checks a bearer value. A *VerificationError is a definitive
// rejection; any other error means the verifier could not answer.
type Verifier interface {
	Verify(ctx context.Context, token string) (identity.Identity, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (identity.Identity, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (identity.Identity, error) {
	return f(ctx, token)
}

// Delegate authenticates requests against a Verifier and fails closed.
type Delegate struct {
	verifier Verifier
}

// NewDelegate creates a new auth delegate
func NewDelegate(v Verifier) *Delegate {
	return &Delegate{verifier: v}
}

// Authenticate returns the verified identity for the request headers, or a
// *VerificationError. Missing or malformed credentials are rejected
// without calling the verifier. A verifier that cannot answer (timeout,
// transport error, open breaker, unexpected response) yields
// ReasonInvalidOrExpired, never an identity.
func (d *Delegate) Authenticate(ctx context.Context, h http.Header) (identity.Identity, error) {
	token, verr := ExtractBearer(h)
	if verr != nil {
		return identity.Identity{}, verr
	}

	id, err := d.verifier.Verify(ctx, token)
	if err != nil {
		var ve *VerificationError
		if stderrors.As(err, &ve) {
			return identity.Identity{}, ve
		}
		return identity.Identity{}, &VerificationError{Reason: ReasonInvalidOrExpired, Cause: err}
	}
	if id.Subject == "" {
		return identity.Identity{}, &VerificationError{
			Reason: ReasonInvalidOrExpired,
			Cause:  stderrors.New("verifier returned an empty subject"),
		}
	}
	return id, nil
}

// ExtractBearer returns the credential from a single
// "Authorization: Bearer <token>" header. The scheme is matched
// case-insensitively; the token must be non-empty and contain no spaces.
func ExtractBearer(h http.Header) (string, *VerificationError) {
	values := h.Values("Authorization")
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "", &VerificationError{Reason: ReasonMissingCredential}
	}
	if len(values) > 1 {
		return "", &VerificationError{Reason: ReasonMalformedCredential, Cause: stderrors.New("multiple authorization headers")}
	}

	scheme, token, ok := strings.Cut(strings.TrimSpace(values[0]), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", &VerificationError{Reason: ReasonMalformedCredential, Cause: stderrors.New("authorization scheme is not bearer")}
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", &VerificationError{Reason: ReasonMalformedCredential, Cause: stderrors.New("bearer token is empty or contains spaces")}
	}
	return token, nil
}
