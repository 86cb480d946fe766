package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/agentgate/internal/auth"
	"github.com/relaymesh/agentgate/internal/risk"
)

func newTestLimiter(t *testing.T, baseRate float64, burst int, opts ...LimiterOption) *AdaptiveLimiter {
	t.Helper()
	l := NewAdaptiveLimiter(baseRate, burst, opts...)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAllowWithinBurst(t *testing.T) {
	l := newTestLimiter(t, 1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("bk_test", 1.0).Allowed, "request %d", i)
	}

	res := l.Allow("bk_test", 1.0)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestKeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t, 1, 1)

	assert.True(t, l.Allow("bk_a", 1.0).Allowed)
	assert.False(t, l.Allow("bk_a", 1.0).Allowed)
	assert.True(t, l.Allow("bk_b", 1.0).Allowed)
}

func TestMultiplierScalesBurst(t *testing.T) {
	// Burst 10 at multiplier 0.5 gives 5 immediate tokens.
	l := newTestLimiter(t, 0.001, 10)

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("bk_high_risk", 0.5).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestMultiplierChangeRetunesBucket(t *testing.T) {
	l := newTestLimiter(t, 2, 4)

	// The subject starts at low risk, then degrades to high.
	require.True(t, l.Allow("bk_test", 1.2).Allowed)
	l.Allow("bk_test", 0.5)

	l.mu.Lock()
	e := l.entries["bk_test"]
	l.mu.Unlock()
	require.NotNil(t, e)
	assert.InDelta(t, 0.5, e.multiplier, 1e-9)
	assert.Equal(t, 2, e.limiter.Burst())
	assert.InDelta(t, 1.0, float64(e.limiter.Limit()), 1e-9)
}

func TestNonPositiveMultiplierFallsBack(t *testing.T) {
	l := newTestLimiter(t, 0.001, 1)
	assert.True(t, l.Allow("bk_test", 0).Allowed)
}

func TestSetBase(t *testing.T) {
	l := newTestLimiter(t, 1, 2)
	require.True(t, l.Allow("bk_test", 1.0).Allowed)

	// A reload retunes every live bucket.
	l.SetBase(4, 10)

	l.mu.Lock()
	e := l.entries["bk_test"]
	l.mu.Unlock()
	require.NotNil(t, e)
	assert.Equal(t, 10, e.limiter.Burst())
	assert.InDelta(t, 4.0, float64(e.limiter.Limit()), 1e-9)

	// New buckets pick up the new base directly.
	assert.True(t, l.Allow("bk_other", 1.0).Allowed)
}

func TestEvictStale(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(t, 1, 1,
		WithCleanup(time.Hour, time.Minute),
		WithLimiterNow(func() time.Time { return now }))

	l.Allow("bk_old", 1.0)
	now = now.Add(2 * time.Minute)
	l.Allow("bk_fresh", 1.0)

	l.evictStale()

	l.mu.Lock()
	_, oldExists := l.entries["bk_old"]
	_, freshExists := l.entries["bk_fresh"]
	l.mu.Unlock()
	assert.False(t, oldExists)
	assert.True(t, freshExists)
}

func TestMiddlewareRejectsWhenExhausted(t *testing.T) {
	l := newTestLimiter(t, 0.001, 1)

	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	ac := &auth.AuthContext{OrgID: "org-1", KeyID: "bk_test", RequestID: "req-1"}
	makeRequest := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/coordinate", nil)
		req = req.WithContext(auth.ContextWithAuth(req.Context(), ac))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusOK, makeRequest().Code)

	rr := makeRequest()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Contains(t, rr.Body.String(), "rate_limited")
}

func TestMiddlewareUsesRiskMultiplier(t *testing.T) {
	l := newTestLimiter(t, 0.001, 4)

	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	ac := &auth.AuthContext{OrgID: "org-1", KeyID: "bk_test", RequestID: "req-1"}
	assessment := risk.Assessment{Level: risk.LevelHigh, Multiplier: 0.5}

	allowed := 0
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest("POST", "/coordinate", nil)
		ctx := auth.ContextWithAuth(req.Context(), ac)
		ctx = risk.ContextWithAssessment(ctx, assessment)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req.WithContext(ctx))
		if rr.Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestMiddlewarePassesThroughUnauthenticated(t *testing.T) {
	l := newTestLimiter(t, 0.001, 1)

	called := false
	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	assert.True(t, called)
}
