// Package verifier is the identity verification sidecar. It is an
// internal-only service the gateway calls once per protected request:
// GET /verify with the client's bearer token, answered with 200 and the
// identity in response headers, or 401 with a typed reason.
package verifier

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// TokenType distinguishes credential classes.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Rejection reasons on the wire.
const (
	ReasonMissingCredential   = "missing_credential"
	ReasonMalformedCredential = "malformed_credential"
	ReasonInvalidOrExpired    = "invalid_or_expired"
	ReasonWrongCredentialType = "wrong_credential_type"
)

// Claims is the token payload issued by the user service.
type Claims struct {
	Type string `json:"type"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Config configures the verifier
type Config struct {
	Secret        []byte
	SubjectHeader string        // default X-Auth-User-ID
	RoleHeader    string        // default X-Auth-User-Role
	Leeway        time.Duration // clock skew tolerated on exp/iat
}

// Handler serves /verify and /health.
type Handler struct {
	cfg    Config
	parser *jwt.Parser
	router *httprouter.Router
	logger *zap.Logger
}

// New creates a verifier handler
func New(cfg Config, logger *zap.Logger) *Handler {
	if cfg.SubjectHeader == "" {
		cfg.SubjectHeader = "X-Auth-User-ID"
	}
	if cfg.RoleHeader == "" {
		cfg.RoleHeader = "X-Auth-User-Role"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handler{
		cfg: cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(cfg.Leeway),
		),
		logger: logger,
	}

	r := httprouter.New()
	r.GET("/verify", h.verify)
	r.GET("/health", h.health)
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found", "message": "Unknown endpoint"})
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		h.reject(w, ReasonMissingCredential, "Missing Authorization header")
		return
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		h.reject(w, ReasonMalformedCredential, "Malformed Authorization header")
		return
	}

	claims := &Claims{}
	_, err := h.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return h.cfg.Secret, nil
	})
	if err != nil {
		reason := ReasonInvalidOrExpired
		if errors.Is(err, jwt.ErrTokenMalformed) {
			reason = ReasonMalformedCredential
		}
		h.logger.Debug("token rejected", zap.String("reason", reason), zap.Error(err))
		h.reject(w, reason, "Invalid or expired token")
		return
	}

	if claims.Subject == "" {
		h.reject(w, ReasonInvalidOrExpired, "Token missing required 'sub' claim")
		return
	}
	if claims.Type != string(TokenAccess) {
		h.reject(w, ReasonWrongCredentialType, "Invalid token type. Use an access token, not a refresh token.")
		return
	}

	w.Header().Set(h.cfg.SubjectHeader, claims.Subject)
	w.Header().Set(h.cfg.RoleHeader, claims.Role)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "auth-sidecar"})
}

func (h *Handler) reject(w http.ResponseWriter, reason, message string) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":   "Unauthorized",
		"message": message,
		"reason":  reason,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// IssueToken mints an HS256 token of the given type. The user service
// owns issuance in production; this exists for tests and local setups.
func IssueToken(secret []byte, subject, role string, typ TokenType, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Type: string(typ),
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
