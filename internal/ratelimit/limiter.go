// Package ratelimit enforces per-caller token buckets with per-route
// overrides. Bucket state lives in the shared KV store; on any KV error
// the limiter fails open to a process-local bucket so /chat never
// blocks on Redis.
package ratelimit

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cognigraph/backend/internal/config"
	"github.com/cognigraph/backend/internal/events"
	"github.com/cognigraph/backend/internal/infra"
)

var (
	decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limit outcomes by route",
		},
		[]string{"route", "outcome"}, // outcome: allowed, rejected
	)
	fallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_fallback_total",
			Help: "Decisions served by the local bucket because the KV store errored",
		},
	)
)

// Decision is the advisory outcome for one request.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Fallback   bool // served by the local bucket
}

type bucketState struct {
	Tokens float64 `json:"t"`
	TSNano int64   `json:"ts"`
}

// Limiter holds the KV-backed buckets plus the local fallback set.
type Limiter struct {
	kv     infra.KV
	bus    *events.Bus
	routes map[string]config.RouteLimit
	logger *log.Logger

	mu    sync.Mutex
	local map[string]*bucketState

	rejected int64
	fellBack int64
}

// New builds a limiter. kv may be nil (tests, local dev): every
// decision then uses the local bucket without counting as a fallback.
func New(kv infra.KV, bus *events.Bus, routes map[string]config.RouteLimit) *Limiter {
	if routes == nil {
		routes = map[string]config.RouteLimit{}
	}
	return &Limiter{
		kv:     kv,
		bus:    bus,
		routes: routes,
		local:  make(map[string]*bucketState),
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// limitFor resolves the route override; "/internal/*" style prefixes
// match by path prefix.
func (l *Limiter) limitFor(route string) config.RouteLimit {
	if rl, ok := l.routes[route]; ok {
		return rl
	}
	for pattern, rl := range l.routes {
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(route, strings.TrimSuffix(pattern, "*")) {
			return rl
		}
	}
	return config.RouteLimit{PerMinute: 60, Burst: 100}
}

// Allow spends one token from the caller's bucket for the route. The
// decision is advisory and always emitted as an event so the graph
// sees every rejection.
func (l *Limiter) Allow(ctx context.Context, callerID, route string) Decision {
	limit := l.limitFor(route)
	key := "rl:" + route + ":" + callerID
	now := time.Now()

	var d Decision
	if l.kv != nil {
		var kvErr error
		d, kvErr = l.allowKV(ctx, key, limit, now)
		if kvErr != nil {
			fallbacks.Inc()
			l.mu.Lock()
			l.fellBack++
			l.mu.Unlock()
			d = l.allowLocal(key, limit, now)
			d.Fallback = true
		}
	} else {
		d = l.allowLocal(key, limit, now)
	}

	outcome := "allowed"
	if !d.Allowed {
		outcome = "rejected"
		l.mu.Lock()
		l.rejected++
		l.mu.Unlock()
	}
	decisions.WithLabelValues(route, outcome).Inc()

	if l.bus != nil {
		l.bus.Emit(events.KindRateLimitDecision, "", "", map[string]interface{}{
			"caller_id":      callerID,
			"route":          route,
			"allowed":        d.Allowed,
			"fallback":       d.Fallback,
			"retry_after_ms": d.RetryAfter.Milliseconds(),
		})
	}
	return d
}

// allowKV runs the bucket read-modify-write against Redis. The write is
// not atomic across concurrent callers; limits are advisory and the
// occasional lost decrement is acceptable.
func (l *Limiter) allowKV(ctx context.Context, key string, limit config.RouteLimit, now time.Time) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()

	state := bucketState{Tokens: float64(limit.Burst), TSNano: now.UnixNano()}
	raw, err := l.kv.Get(ctx, key)
	switch err {
	case nil:
		if jsonErr := json.Unmarshal([]byte(raw), &state); jsonErr != nil {
			state = bucketState{Tokens: float64(limit.Burst), TSNano: now.UnixNano()}
		}
	case infra.ErrKeyNotFound:
		// Fresh bucket.
	default:
		return Decision{}, err
	}

	d := spend(&state, limit, now)

	out, _ := json.Marshal(state)
	if err := l.kv.Set(ctx, key, string(out), 2*time.Minute); err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (l *Limiter) allowLocal(key string, limit config.RouteLimit, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.local[key]
	if !ok {
		state = &bucketState{Tokens: float64(limit.Burst), TSNano: now.UnixNano()}
		l.local[key] = state
	}
	return spend(state, limit, now)
}

// spend refills by elapsed time and takes one token if available.
func spend(state *bucketState, limit config.RouteLimit, now time.Time) Decision {
	refillPerSec := float64(limit.PerMinute) / 60.0
	elapsed := now.Sub(time.Unix(0, state.TSNano)).Seconds()
	if elapsed > 0 {
		state.Tokens = math.Min(float64(limit.Burst), state.Tokens+elapsed*refillPerSec)
		state.TSNano = now.UnixNano()
	}

	if state.Tokens >= 1 {
		state.Tokens--
		return Decision{Allowed: true}
	}

	need := 1 - state.Tokens
	retry := time.Duration(need / refillPerSec * float64(time.Second))
	return Decision{Allowed: false, RetryAfter: retry}
}

// Middleware rejects over-limit requests with a structured 429. The
// caller id comes from X-Caller-ID or falls back to the remote address.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callerID := r.Header.Get("X-Caller-ID")
		if callerID == "" {
			callerID = r.RemoteAddr
		}

		d := l.Allow(r.Context(), callerID, r.URL.Path)
		if !d.Allowed {
			retrySecs := int(math.Ceil(d.RetryAfter.Seconds()))
			if retrySecs < 1 {
				retrySecs = 1
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retrySecs))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":               "rate limit exceeded",
				"retry_after_seconds": retrySecs,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stats reports limiter counters for the telemetry snapshot.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"rejected":      l.rejected,
		"kv_fallbacks":  l.fellBack,
		"local_buckets": len(l.local),
	}
}
