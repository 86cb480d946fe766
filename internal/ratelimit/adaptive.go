// Package ratelimit provides the adaptive per-credential limiter sitting
// behind the risk classifier: each key gets a token bucket whose effective
// rate is the configured base scaled by the request's risk multiplier.
package ratelimit

import (
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaymesh/agentgate/internal/observability"
)

// Ensure AdaptiveLimiter implements io.Closer for proper resource cleanup.
var _ io.Closer = (*AdaptiveLimiter)(nil)

// Result reports one limiter decision.
type Result struct {
	Allowed bool

	// RetryAfter is the wait until a token becomes available. Zero when
	// allowed.
	RetryAfter time.Duration
}

// AdaptiveLimiter keeps a token bucket per key. Stale buckets are evicted
// by a background loop; call Close when done to stop it.
type AdaptiveLimiter struct {
	logger observability.Logger
	now    func() time.Time

	mu        sync.Mutex
	baseRate  float64
	baseBurst int
	entries   map[string]*entry

	cleanupInterval time.Duration
	entryTTL        time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
}

type entry struct {
	limiter    *rate.Limiter
	multiplier float64
	lastUsed   time.Time
}

// LimiterOption configures the AdaptiveLimiter.
type LimiterOption func(*AdaptiveLimiter)

// WithLimiterLogger sets the logger.
func WithLimiterLogger(logger observability.Logger) LimiterOption {
	return func(l *AdaptiveLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithCleanup overrides the eviction cadence and entry TTL.
func WithCleanup(interval, ttl time.Duration) LimiterOption {
	return func(l *AdaptiveLimiter) {
		if interval > 0 {
			l.cleanupInterval = interval
		}
		if ttl > 0 {
			l.entryTTL = ttl
		}
	}
}

// WithLimiterNow overrides the time source, for tests.
func WithLimiterNow(now func() time.Time) LimiterOption {
	return func(l *AdaptiveLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewAdaptiveLimiter creates a limiter with the given base rate (requests
// per second) and burst, and starts the eviction loop.
func NewAdaptiveLimiter(baseRate float64, baseBurst int, opts ...LimiterOption) *AdaptiveLimiter {
	l := &AdaptiveLimiter{
		logger:          observability.NopLogger(),
		now:             time.Now,
		baseRate:        baseRate,
		baseBurst:       baseBurst,
		entries:         make(map[string]*entry),
		cleanupInterval: 5 * time.Minute,
		entryTTL:        10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.cleanupLoop()
	return l
}

// Allow consumes one token from the key's bucket at base rate × multiplier.
// A non-positive multiplier falls back to 1.0.
func (l *AdaptiveLimiter) Allow(key string, multiplier float64) Result {
	if multiplier <= 0 {
		multiplier = 1.0
	}

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{
			limiter:    rate.NewLimiter(l.effectiveRate(multiplier), l.effectiveBurst(multiplier)),
			multiplier: multiplier,
		}
		l.entries[key] = e
	} else if e.multiplier != multiplier {
		// The risk level moved; retune the existing bucket so accumulated
		// tokens survive the transition.
		e.limiter.SetLimit(l.effectiveRate(multiplier))
		e.limiter.SetBurst(l.effectiveBurst(multiplier))
		e.multiplier = multiplier
	}
	e.lastUsed = l.now()
	l.mu.Unlock()

	reservation := e.limiter.Reserve()
	if !reservation.OK() {
		return Result{Allowed: false, RetryAfter: time.Second}
	}
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return Result{Allowed: false, RetryAfter: delay}
	}
	return Result{Allowed: true}
}

// SetBase updates the base rate and burst at runtime, for config reloads.
// Existing buckets are retuned on their next use.
func (l *AdaptiveLimiter) SetBase(baseRate float64, baseBurst int) {
	if baseRate <= 0 || baseBurst <= 0 {
		return
	}
	l.mu.Lock()
	l.baseRate = baseRate
	l.baseBurst = baseBurst
	for _, e := range l.entries {
		e.limiter.SetLimit(l.effectiveRate(e.multiplier))
		e.limiter.SetBurst(l.effectiveBurst(e.multiplier))
	}
	l.mu.Unlock()
}

// effectiveRate and effectiveBurst must be called with l.mu held.
func (l *AdaptiveLimiter) effectiveRate(multiplier float64) rate.Limit {
	return rate.Limit(l.baseRate * multiplier)
}

func (l *AdaptiveLimiter) effectiveBurst(multiplier float64) int {
	burst := int(float64(l.baseBurst) * multiplier)
	if burst < 1 {
		burst = 1
	}
	return burst
}

func (l *AdaptiveLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *AdaptiveLimiter) evictStale() {
	cutoff := l.now().Add(-l.entryTTL)

	l.mu.Lock()
	evicted := 0
	for key, e := range l.entries {
		if e.lastUsed.Before(cutoff) {
			delete(l.entries, key)
			evicted++
		}
	}
	l.mu.Unlock()

	if evicted > 0 {
		l.logger.Debug("evicted stale rate limit buckets",
			observability.Int("count", evicted))
	}
}

// Close stops the eviction loop. Safe to call multiple times.
func (l *AdaptiveLimiter) Close() error {
	l.cleanupOnce.Do(func() {
		close(l.stopCleanup)
	})
	return nil
}
