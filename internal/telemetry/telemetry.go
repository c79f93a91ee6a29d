// Package telemetry aggregates component counters into the /health and
// /telemetry surfaces. It only ever reads; every number here is a copy
// of some component's own bookkeeping. The snapshot always answers,
// with "unknown" standing in for anything unreachable.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// requestWindowAge bounds the rolling request-stat window.
const requestWindowAge = time.Hour

type sample struct {
	ts        time.Time
	latencyMS float64
	isError   bool
}

// RequestWindow keeps the last hour of request samples for the
// total/error-rate/p95 rollup.
type RequestWindow struct {
	mu      sync.Mutex
	samples []sample
}

// Record adds one request outcome.
func (w *RequestWindow) Record(latency time.Duration, isError bool) {
	now := time.Now()
	w.mu.Lock()
	w.samples = append(w.samples, sample{
		ts:        now,
		latencyMS: float64(latency.Milliseconds()),
		isError:   isError,
	})
	w.pruneLocked(now)
	w.mu.Unlock()
}

func (w *RequestWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-requestWindowAge)
	i := 0
	for ; i < len(w.samples); i++ {
		if w.samples[i].ts.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// Rollup computes the fixed request-stat keys.
func (w *RequestWindow) Rollup() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(time.Now())

	total := len(w.samples)
	if total == 0 {
		return map[string]interface{}{
			"total_1h":   0,
			"error_rate": 0.0,
			"p95_ms":     0.0,
		}
	}

	errors := 0
	latencies := make([]float64, 0, total)
	for _, s := range w.samples {
		if s.isError {
			errors++
		}
		latencies = append(latencies, s.latencyMS)
	}
	sort.Float64s(latencies)
	idx := (total * 95) / 100
	if idx >= total {
		idx = total - 1
	}
	p95 := latencies[idx]

	return map[string]interface{}{
		"total_1h":   total,
		"error_rate": float64(errors) / float64(total),
		"p95_ms":     p95,
	}
}

// Section is a named stats callback contributed by a component.
type Section func() map[string]interface{}

// AsyncSources feed the fixed-key async block of the snapshot. Any nil
// source answers "unknown".
type AsyncSources struct {
	Enabled     func() bool      // async dispatch flag
	QueueDepth  func() int       // total local queue depth
	LastApplied func() time.Time // materializer's last successful apply
}

// Telemetry is the read-side aggregator behind /health and /telemetry.
type Telemetry struct {
	Requests *RequestWindow
	fresh    *Freshness
	window   time.Duration

	mu        sync.RWMutex
	sections  map[string]Section
	degradeds []func() bool
	async     AsyncSources
}

// New builds the aggregator around the shared freshness tracker.
func New(fresh *Freshness) *Telemetry {
	return &Telemetry{
		Requests: &RequestWindow{},
		fresh:    fresh,
		window:   DefaultStalenessWindow,
		sections: make(map[string]Section),
	}
}

// RegisterSection contributes a named block to the snapshot.
func (t *Telemetry) RegisterSection(name string, fn Section) {
	t.mu.Lock()
	t.sections[name] = fn
	t.mu.Unlock()
}

// RegisterDegraded adds an integrity signal; any true flips
// integrity_degraded in the snapshot.
func (t *Telemetry) RegisterDegraded(fn func() bool) {
	t.mu.Lock()
	t.degradeds = append(t.degradeds, fn)
	t.mu.Unlock()
}

// SetAsyncSources wires the async block's inputs.
func (t *Telemetry) SetAsyncSources(src AsyncSources) {
	t.mu.Lock()
	t.async = src
	t.mu.Unlock()
}

// asyncSection builds the fixed-key async state. Worker liveness comes
// from the workers freshness layer, stamped on every heartbeat
// mutation.
func (t *Telemetry) asyncSection(src AsyncSources) map[string]interface{} {
	out := map[string]interface{}{
		"async_enabled":      "unknown",
		"worker_seen":        "unknown",
		"materializer_stale": "unknown",
		"queue_depth":        "unknown",
	}
	if src.Enabled != nil {
		out["async_enabled"] = src.Enabled()
	}
	if src.QueueDepth != nil {
		out["queue_depth"] = src.QueueDepth()
	}
	if src.LastApplied != nil {
		if last := src.LastApplied(); !last.IsZero() {
			out["materializer_stale"] = time.Since(last) > t.window
		}
	}
	for _, ls := range t.fresh.Snapshot(t.window) {
		if ls.Name != "workers" {
			continue
		}
		switch ls.State {
		case LayerLive:
			out["worker_seen"] = true
		case LayerStale:
			out["worker_seen"] = false
		}
	}
	return out
}

// Snapshot builds the fixed-key /telemetry document. Keys are stable
// across deploys; absent components answer "unknown".
func (t *Telemetry) Snapshot() map[string]interface{} {
	t.mu.RLock()
	sections := make(map[string]Section, len(t.sections))
	for k, v := range t.sections {
		sections[k] = v
	}
	degradeds := append([]func() bool(nil), t.degradeds...)
	async := t.async
	t.mu.RUnlock()

	degraded := false
	for _, fn := range degradeds {
		if fn() {
			degraded = true
			break
		}
	}

	summary := t.fresh.Summary(t.window)
	summary["integrity_degraded"] = degraded

	out := map[string]interface{}{
		"ts":       time.Now().UTC().Format(time.RFC3339),
		"requests": t.Requests.Rollup(),
		"graph": map[string]interface{}{
			"layers":  t.fresh.Snapshot(t.window),
			"summary": summary,
		},
		"integrity_degraded": degraded,
		"async":              t.asyncSection(async),
	}

	for _, name := range []string{"chat", "workers", "router", "rate_limit", "bus", "gml", "graph_driver", "breakers"} {
		if fn, ok := sections[name]; ok {
			out[name] = fn()
		} else {
			out[name] = "unknown"
		}
	}
	return out
}

// Health is the /health rollup: ok or degraded plus the reason list.
func (t *Telemetry) Health() map[string]interface{} {
	snap := t.Snapshot()
	status := "ok"
	if d, _ := snap["integrity_degraded"].(bool); d {
		status = "degraded"
	}
	return map[string]interface{}{
		"status":             status,
		"ts":                 snap["ts"],
		"integrity_degraded": snap["integrity_degraded"],
	}
}
