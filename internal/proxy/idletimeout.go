package proxy

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// idleTimeoutReader wraps an upstream response body to enforce an idle
// timeout on each read. The timer runs only while a read is waiting on the
// upstream, so time spent writing to a slow client is not counted. If a read
// does not complete within the timeout, the attempt context is cancelled,
// which unblocks the pending read, and Read reports context.DeadlineExceeded.
type idleTimeoutReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

// newIdleTimeoutReader wraps rc; cancel must abort the request rc belongs to.
func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutReader {
	r := &idleTimeoutReader{rc: rc, timeout: timeout}
	r.timer = time.AfterFunc(timeout, func() {
		r.expired.Store(true)
		cancel()
	})
	r.timer.Stop()
	return r
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	if r.expired.Load() {
		return 0, context.DeadlineExceeded
	}
	r.timer.Reset(r.timeout)
	n, err := r.rc.Read(p)
	r.timer.Stop()
	if r.expired.Load() {
		return n, context.DeadlineExceeded
	}
	return n, err
}

// Close stops the timer and closes the underlying reader.
func (r *idleTimeoutReader) Close() error {
	r.timer.Stop()
	return r.rc.Close()
}
