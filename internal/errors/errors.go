// Package errors maps every pipeline failure onto one of a fixed set of JSON
// error bodies. No internal detail ever reaches the client.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
)

// Kind identifies one externally visible failure class.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindTooManyRequests
	KindUnauthorized
	KindBadGateway
	KindGatewayTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTooManyRequests:
		return "too_many_requests"
	case KindUnauthorized:
		return "unauthorized"
	case KindBadGateway:
		return "bad_gateway"
	case KindGatewayTimeout:
		return "gateway_timeout"
	default:
		return "internal"
	}
}

// Classifier is implemented by pipeline errors that know which response
// they map to.
type Classifier interface {
	FailureKind() Kind
}

// GatewayError is the fixed-shape body returned to clients.
type GatewayError struct {
	Title   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (e *GatewayError) Error() string {
	return e.Message
}

// WriteJSON writes the error as JSON to the response.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Fixed response bodies
var (
	ErrNotFound = &GatewayError{
		Title:   "Not Found",
		Message: "The requested resource does not exist",
		Status:  http.StatusNotFound,
	}

	ErrTooManyRequests = &GatewayError{
		Title:   "Too Many Requests",
		Message: "Rate limit exceeded, retry later",
		Status:  http.StatusTooManyRequests,
	}

	ErrUnauthorized = &GatewayError{
		Title:   "Unauthorized",
		Message: "Missing, invalid or expired credentials",
		Status:  http.StatusUnauthorized,
	}

	ErrBadGateway = &GatewayError{
		Title:   "Bad Gateway",
		Message: "The upstream service is unavailable",
		Status:  http.StatusBadGateway,
	}

	ErrGatewayTimeout = &GatewayError{
		Title:   "Gateway Timeout",
		Message: "The upstream service did not respond in time",
		Status:  http.StatusGatewayTimeout,
	}

	ErrInternalServer = &GatewayError{
		Title:   "Internal Server Error",
		Message: "An unexpected error occurred",
		Status:  http.StatusInternalServerError,
	}
)

var byKind = map[Kind]*GatewayError{
	KindNotFound:        ErrNotFound,
	KindTooManyRequests: ErrTooManyRequests,
	KindUnauthorized:    ErrUnauthorized,
	KindBadGateway:      ErrBadGateway,
	KindGatewayTimeout:  ErrGatewayTimeout,
	KindInternal:        ErrInternalServer,
}

// preSerialized holds JSON-encoded bytes for the fixed bodies.
var preSerialized map[*GatewayError][]byte

func init() {
	preSerialized = make(map[*GatewayError][]byte, len(byKind))
	for _, e := range byKind {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// ForKind returns the fixed body for a failure kind.
func ForKind(k Kind) *GatewayError {
	if e, ok := byKind[k]; ok {
		return e
	}
	return ErrInternalServer
}

// FromFailure maps a pipeline error to its client-facing body. Errors that
// do not classify themselves map to 500.
func FromFailure(err error) *GatewayError {
	if err == nil {
		return ErrInternalServer
	}
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge
	}
	var c Classifier
	if stderrors.As(err, &c) {
		return ForKind(c.FailureKind())
	}
	return ErrInternalServer
}
