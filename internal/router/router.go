package router

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/wudi/edgegateway/internal/config"
)

// anyMethod is the single pseudo-method exact patterns are registered under.
// Matching never depends on the request method.
const anyMethod = "ANY"

// Route is an immutable routing decision.
type Route struct {
	ID            string
	Kind          config.MatchKind
	Pattern       string
	Upstream      *url.URL
	StripPrefix   string
	AuthRequired  bool
	RateLimitZone string

	configIdx int // declaration order, tie-breaker among equal prefixes
}

// UpstreamPath rewrites the client path for the upstream: the strip prefix
// is removed when present and the result is joined onto the upstream base
// path with exactly one slash.
func (route *Route) UpstreamPath(requestPath string) string {
	p := requestPath
	if route.StripPrefix != "" && strings.HasPrefix(p, route.StripPrefix) {
		p = p[len(route.StripPrefix):]
		if p == "" || p[0] != '/' {
			p = "/" + p
		}
	}
	base := route.Upstream.Path
	if base == "" || base == "/" {
		return p
	}
	return singleJoinSlash(base, p)
}

// singleJoinSlash joins two URL path segments with exactly one slash.
func singleJoinSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// captureWriter is a no-op ResponseWriter used to extract the match result
// from an httprouter handle without writing any actual HTTP response.
type captureWriter struct {
	route *Route
}

func (cw *captureWriter) Header() http.Header       { return http.Header{} }
func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}

// Table resolves request paths to routes. Exact patterns live in an
// httprouter radix tree and always win; prefix patterns are scanned longest
// first. A Table is never mutated after New returns, so it is safe for
// concurrent use without locking.
type Table struct {
	exact  *httprouter.Router
	prefix []*Route // sorted by pattern length desc, then configIdx asc
	routes []*Route
}

// New builds a route table from configuration. Duplicate (kind, pattern)
// pairs are rejected rather than silently shadowed.
func New(cfgs []config.RouteConfig) (*Table, error) {
	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.HandleOPTIONS = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false

	t := &Table{exact: tree}
	seen := make(map[string]string, len(cfgs))

	for i, rc := range cfgs {
		route, err := newRoute(rc, i)
		if err != nil {
			return nil, err
		}

		key := string(route.Kind) + " " + route.Pattern
		if other, ok := seen[key]; ok {
			return nil, fmt.Errorf("route %s: %s pattern %q already declared by route %s", route.ID, route.Kind, route.Pattern, other)
		}
		seen[key] = route.ID

		switch route.Kind {
		case config.MatchExact:
			if err := t.addExact(route); err != nil {
				return nil, err
			}
		case config.MatchPrefix:
			t.prefix = append(t.prefix, route)
		default:
			return nil, fmt.Errorf("route %s: invalid match kind: %s", route.ID, route.Kind)
		}
		t.routes = append(t.routes, route)
	}

	sort.SliceStable(t.prefix, func(i, j int) bool {
		li, lj := len(t.prefix[i].Pattern), len(t.prefix[j].Pattern)
		if li != lj {
			return li > lj
		}
		return t.prefix[i].configIdx < t.prefix[j].configIdx
	})

	return t, nil
}

func newRoute(rc config.RouteConfig, idx int) (*Route, error) {
	if !strings.HasPrefix(rc.Path, "/") {
		return nil, fmt.Errorf("route %s: path must start with '/'", rc.ID)
	}
	upstream, err := url.Parse(rc.Upstream)
	if err != nil || upstream.Host == "" {
		return nil, fmt.Errorf("route %s: invalid upstream %q", rc.ID, rc.Upstream)
	}
	kind := rc.Match
	if kind == "" {
		kind = config.MatchPrefix
	}
	return &Route{
		ID:            rc.ID,
		Kind:          kind,
		Pattern:       rc.Path,
		Upstream:      upstream,
		StripPrefix:   rc.StripPrefix,
		AuthRequired:  rc.AuthRequired,
		RateLimitZone: rc.RateLimitZone,
		configIdx:     idx,
	}, nil
}

// addExact registers a static pattern. httprouter panics on conflicting or
// wildcard patterns; that is reported as a load error instead.
func (t *Table) addExact(route *Route) (err error) {
	if strings.ContainsAny(route.Pattern, ":*") {
		return fmt.Errorf("route %s: exact path must not contain ':' or '*'", route.ID)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("route %s: %v", route.ID, r)
		}
	}()

	t.exact.Handle(anyMethod, route.Pattern, func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		if cw, ok := w.(*captureWriter); ok {
			cw.route = route
		}
	})
	return nil
}

// Match resolves a request to a route. An exact pattern equal to path wins
// regardless of declaration order; otherwise the longest prefix pattern
// wins, and among equal lengths the earliest declared route. The method is
// accepted for the lookup contract but never narrows the result.
func (t *Table) Match(method, path string) (*Route, bool) {
	if handle, _, _ := t.exact.Lookup(anyMethod, path); handle != nil {
		cw := &captureWriter{}
		handle(cw, nil, nil)
		if cw.route != nil {
			return cw.route, true
		}
	}

	for _, route := range t.prefix {
		if strings.HasPrefix(path, route.Pattern) {
			return route, true
		}
	}
	return nil, false
}

// Routes returns routes in declaration order.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Route returns a route by ID
func (t *Table) Route(id string) *Route {
	for _, route := range t.routes {
		if route.ID == id {
			return route
		}
	}
	return nil
}
