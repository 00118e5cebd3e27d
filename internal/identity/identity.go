// Package identity carries the verified caller identity and the outbound
// header set that downstream services trust.
//
// Headers is the only way the gateway builds upstream request headers. Its
// constructor removes every identity header the client sent before anything
// else can look at the request, and afterwards identity headers can only be
// written through Inject.
package identity

import (
	"net/http"
	"strings"
)

// Identity is a verified caller. It is produced only from a successful
// verifier response and lives for a single request.
type Identity struct {
	Subject string
	Role    string
}

// Names configures which headers carry identity downstream.
type Names struct {
	Subject string
	Role    string
	// Strip lists extra client headers that are always removed, for
	// example the verifier's own response header names.
	Strip []string
}

// protected reports whether name is one of the gateway-controlled headers.
func (n Names) protected(name string) bool {
	if strings.EqualFold(name, n.Subject) || strings.EqualFold(name, n.Role) {
		return true
	}
	for _, s := range n.Strip {
		if strings.EqualFold(name, s) {
			return true
		}
	}
	return false
}

// Headers is a sanitized copy of a client request's headers.
type Headers struct {
	header   http.Header
	names    Names
	identity *Identity
}

// Sanitize copies src and removes all identity headers from the copy. The
// comparison is case-insensitive and covers non-canonical map keys.
func Sanitize(src http.Header, names Names) *Headers {
	h := make(http.Header, len(src))
	for k, v := range src {
		if names.protected(k) {
			continue
		}
		h[k] = append([]string(nil), v...)
	}
	return &Headers{header: h, names: names}
}

// Inject sets the identity headers from a verified identity, overwriting
// nothing the client could have supplied since Sanitize already removed it.
// An empty role is omitted rather than sent blank.
func (h *Headers) Inject(id Identity) {
	h.identity = &id
	h.header.Set(h.names.Subject, id.Subject)
	if id.Role != "" {
		h.header.Set(h.names.Role, id.Role)
	} else {
		h.header.Del(h.names.Role)
	}
}

// Identity returns the injected identity, if any.
func (h *Headers) Identity() (Identity, bool) {
	if h.identity == nil {
		return Identity{}, false
	}
	return *h.identity, true
}

// Get returns the first value of a non-identity header.
func (h *Headers) Get(name string) string {
	return h.header.Get(name)
}

// Set sets a non-identity header. Identity header names are ignored and
// reported as false.
func (h *Headers) Set(name, value string) bool {
	if h.names.protected(name) {
		return false
	}
	h.header.Set(name, value)
	return true
}

// Del removes a non-identity header.
func (h *Headers) Del(name string) bool {
	if h.names.protected(name) {
		return false
	}
	h.header.Del(name)
	return true
}

// Header returns a copy of the outbound header set.
func (h *Headers) Header() http.Header {
	return h.header.Clone()
}
