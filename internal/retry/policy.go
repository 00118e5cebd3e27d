// Package retry decides whether a failed upstream attempt may be repeated.
// Only idempotent methods are retried, at most once, and only for
// connection or timeout failures. An upstream that answered is never
// retried, whatever the status.
package retry

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wudi/edgegateway/internal/config"
)

// MaxRetries is the number of additional attempts after the first.
const MaxRetries = 1

// DefaultRetryableMethods are HTTP methods safe to retry
var DefaultRetryableMethods = []string{"GET", "HEAD", "OPTIONS", "PUT", "DELETE"}

// Policy implements the single-retry rule.
type Policy struct {
	methods map[string]bool
	wait    time.Duration
	maxBody int64
}

// NewPolicy creates a retry policy from the upstream config
func NewPolicy(cfg config.UpstreamConfig) *Policy {
	methods := cfg.RetryMethods
	if methods == nil {
		methods = DefaultRetryableMethods
	}
	p := &Policy{
		methods: make(map[string]bool, len(methods)),
		wait:    cfg.RetryBackoff,
		maxBody: cfg.MaxRetryBody,
	}
	for _, m := range methods {
		p.methods[m] = true
	}
	return p
}

// MethodRetryable reports whether method is configured as idempotent.
func (p *Policy) MethodRetryable(method string) bool {
	return p.methods[method]
}

// MaxBody is the largest request body buffered for replay.
func (p *Policy) MaxBody() int64 {
	return p.maxBody
}

// Do runs attempt once, and once more if the first try failed with an
// error for which retryable returns true and method is idempotent. The
// attempt number (0 or 1) is passed to attempt. It returns the number of
// retries performed and the last error.
func (p *Policy) Do(ctx context.Context, method string, retryable func(error) bool, attempt func(n int) error) (int, error) {
	n := 0
	op := func() error {
		err := attempt(n)
		n++
		if err == nil {
			return nil
		}
		if !p.methods[method] || !retryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.wait), MaxRetries), ctx)
	err := backoff.Retry(op, b)
	return n - 1, err
}

// Replayable reports whether a request body can be sent twice. Bodies
// without a GetBody function must be buffered first with BufferBody.
func Replayable(r *http.Request) bool {
	return r.Body == nil || r.Body == http.NoBody || r.GetBody != nil
}
