package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognigraph/backend/internal/config"
	"github.com/cognigraph/backend/internal/events"
	"github.com/cognigraph/backend/internal/infra"
)

// memKV is an in-memory KV; failing flips every call into an error.
type memKV struct {
	mu      sync.Mutex
	data    map[string]string
	failing bool
}

func newMemKV() *memKV { return &memKV{data: make(map[string]string)} }

func (m *memKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return "", errors.New("kv down")
	}
	v, ok := m.data[key]
	if !ok {
		return "", infra.ErrKeyNotFound
	}
	return v, nil
}

func (m *memKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("kv down")
	}
	m.data[key] = value
	return nil
}

func (m *memKV) Ping(ctx context.Context) error { return nil }
func (m *memKV) Close() error                   { return nil }

func TestLocalBucketAllowsWithinBurst(t *testing.T) {
	l := New(nil, nil, map[string]config.RouteLimit{
		"/chat": {PerMinute: 60, Burst: 3},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "u-1", "/chat")
		assert.True(t, d.Allowed, "request %d within burst", i)
		assert.False(t, d.Fallback, "nil KV is not a fallback")
	}

	d := l.Allow(ctx, "u-1", "/chat")
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestBucketsArePerCallerAndRoute(t *testing.T) {
	l := New(nil, nil, map[string]config.RouteLimit{
		"/chat": {PerMinute: 60, Burst: 1},
	})
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "u-1", "/chat").Allowed)
	assert.False(t, l.Allow(ctx, "u-1", "/chat").Allowed)
	assert.True(t, l.Allow(ctx, "u-2", "/chat").Allowed, "a different caller has its own bucket")
	assert.True(t, l.Allow(ctx, "u-1", "/other").Allowed, "a different route has its own bucket")
}

func TestPrefixRouteMatch(t *testing.T) {
	l := New(nil, nil, map[string]config.RouteLimit{
		"/internal/*": {PerMinute: 60, Burst: 1},
	})

	rl := l.limitFor("/internal/flags")
	assert.Equal(t, 1, rl.Burst)

	// Unconfigured routes get the default.
	def := l.limitFor("/chat")
	assert.Equal(t, 100, def.Burst)
}

func TestKVBucketSharedAcrossLimiters(t *testing.T) {
	kv := newMemKV()
	routes := map[string]config.RouteLimit{"/chat": {PerMinute: 60, Burst: 2}}
	a := New(kv, nil, routes)
	b := New(kv, nil, routes)
	ctx := context.Background()

	require.True(t, a.Allow(ctx, "u-1", "/chat").Allowed)
	require.True(t, b.Allow(ctx, "u-1", "/chat").Allowed)
	assert.False(t, a.Allow(ctx, "u-1", "/chat").Allowed, "both instances drain the same KV bucket")
}

func TestKVFailureFallsBackLocal(t *testing.T) {
	kv := newMemKV()
	kv.failing = true
	bus := events.NewBus(nil, nil)
	sub := bus.Subscribe("test", 8)

	l := New(kv, bus, map[string]config.RouteLimit{"/chat": {PerMinute: 60, Burst: 2}})
	ctx := context.Background()

	d := l.Allow(ctx, "u-1", "/chat")
	assert.True(t, d.Allowed)
	assert.True(t, d.Fallback)
	assert.Equal(t, int64(1), l.Stats()["kv_fallbacks"])

	e := <-sub.C
	assert.Equal(t, events.KindRateLimitDecision, e.Kind)
	assert.Equal(t, true, e.Payload["fallback"])
}

func TestRejectionEmitsDecisionEvent(t *testing.T) {
	bus := events.NewBus(nil, nil)
	sub := bus.Subscribe("test", 8)

	l := New(nil, bus, map[string]config.RouteLimit{"/chat": {PerMinute: 60, Burst: 1}})
	ctx := context.Background()

	l.Allow(ctx, "u-1", "/chat")
	l.Allow(ctx, "u-1", "/chat")

	<-sub.C
	e := <-sub.C
	assert.Equal(t, false, e.Payload["allowed"])
	assert.Equal(t, "u-1", e.Payload["caller_id"])
	assert.Equal(t, int64(1), l.Stats()["rejected"])
}

func TestRefillOverTime(t *testing.T) {
	state := &bucketState{Tokens: 0, TSNano: time.Now().Add(-2 * time.Second).UnixNano()}
	limit := config.RouteLimit{PerMinute: 60, Burst: 10}

	d := spend(state, limit, time.Now())
	assert.True(t, d.Allowed, "2s at 1 token/s refills enough for one spend")

	d = spend(state, limit, time.Now())
	assert.False(t, d.Allowed)
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	l := New(nil, nil, map[string]config.RouteLimit{
		"/internal/flags": {PerMinute: 60, Burst: 1},
	})
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/internal/flags", nil)
	req.Header.Set("X-Caller-ID", "operator-1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "retry_after_seconds")
}
