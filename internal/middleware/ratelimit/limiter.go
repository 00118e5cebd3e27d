// Package ratelimit implements per-zone, per-client token buckets with an
// immediate-reject policy. Requests beyond capacity are refused, never
// queued or delayed.
package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/wudi/edgegateway/internal/config"
	"github.com/wudi/edgegateway/internal/errors"
	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL = 10 * time.Minute
	maxSweepEvery  = time.Minute
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int           // bucket capacity
	Remaining  int           // whole tokens left after this decision
	RetryAfter time.Duration // time until one token is available; zero when allowed
}

// cell is the mutable state for one key. It is only touched while the
// owning shard's lock is held, which serializes admission and eviction
// for the same key.
type cell struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Zone is one named rate-limit zone.
type Zone struct {
	id      string
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	cells   *shardedMap[*cell]
	now     func() time.Time
}

// Option configures a Zone.
type Option func(*Zone)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(z *Zone) { z.now = now }
}

// NewZone creates a zone from configuration.
func NewZone(cfg config.RateLimitZoneConfig, opts ...Option) *Zone {
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	z := &Zone{
		id:      cfg.ID,
		limit:   rate.Limit(cfg.RatePerSecond),
		burst:   cfg.Burst,
		idleTTL: ttl,
		cells:   newShardedMap[*cell](),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(z)
	}
	return z
}

// ID returns the zone id.
func (z *Zone) ID() string { return z.id }

// Admit takes one token from key's bucket if one is available. Buckets are
// created full on the first request from a key.
func (z *Zone) Admit(key string) Decision {
	now := z.now()

	s := z.cells.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.items[key]
	if !ok {
		c = &cell{lim: rate.NewLimiter(z.limit, z.burst)}
		s.items[key] = c
	}
	c.lastSeen = now

	d := Decision{Limit: z.burst}
	if c.lim.AllowN(now, 1) {
		d.Allowed = true
		d.Remaining = int(math.Max(0, c.lim.TokensAt(now)))
		return d
	}

	missing := 1 - c.lim.TokensAt(now)
	d.RetryAfter = time.Duration(missing / float64(z.limit) * float64(time.Second))
	return d
}

// Sweep evicts keys idle for longer than the zone's TTL whose bucket has
// refilled completely. A full idle bucket is indistinguishable from a new
// one, so eviction never grants extra capacity.
func (z *Zone) Sweep() int {
	now := z.now()
	return z.cells.deleteFunc(func(_ string, c *cell) bool {
		return now.Sub(c.lastSeen) > z.idleTTL && c.lim.TokensAt(now) >= float64(z.burst)
	})
}

// Len returns the number of tracked keys.
func (z *Zone) Len() int {
	return z.cells.len()
}

// sweepInterval is how often the background sweeper runs for this zone.
func (z *Zone) sweepInterval() time.Duration {
	if z.idleTTL < maxSweepEvery {
		return z.idleTTL
	}
	return maxSweepEvery
}

// Limiter owns every configured zone and their background sweepers.
type Limiter struct {
	zones map[string]*Zone

	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates zones from configuration. Sweepers do not run until Start.
func New(cfgs []config.RateLimitZoneConfig, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		zones: make(map[string]*Zone, len(cfgs)),
		stop:  make(chan struct{}),
	}
	for _, cfg := range cfgs {
		if _, dup := l.zones[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate rate_limit_zone id: %s", cfg.ID)
		}
		if cfg.RatePerSecond <= 0 || cfg.Burst < 1 {
			return nil, fmt.Errorf("rate_limit_zone %s: rate and burst must be positive", cfg.ID)
		}
		l.zones[cfg.ID] = NewZone(cfg, opts...)
	}
	return l, nil
}

// Zone returns a zone by id.
func (l *Limiter) Zone(id string) (*Zone, bool) {
	z, ok := l.zones[id]
	return z, ok
}

// Start launches one sweeper goroutine per zone.
func (l *Limiter) Start() {
	l.startOnce.Do(func() {
		for _, z := range l.zones {
			l.wg.Add(1)
			go l.sweep(z)
		}
	})
}

func (l *Limiter) sweep(z *Zone) {
	defer l.wg.Done()

	ticker := time.NewTicker(z.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			z.Sweep()
		}
	}
}

// Close stops the sweepers and waits for them to exit.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
}

// WriteHeaders sets the informational rate-limit headers for d.
func WriteHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
}

// Reject writes the 429 response for a refused decision, including a
// Retry-After of at least one second.
func Reject(w http.ResponseWriter, d Decision) {
	WriteHeaders(w, d)
	retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	errors.ErrTooManyRequests.WriteJSON(w)
}
