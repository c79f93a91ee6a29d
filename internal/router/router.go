package router

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cognigraph/backend/internal/circuitbreaker"
	"github.com/cognigraph/backend/internal/config"
	"github.com/cognigraph/backend/internal/events"
	"github.com/cognigraph/backend/internal/graph"
)

var (
	routeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_outcomes_total",
			Help: "Routing outcomes by status",
		},
		[]string{"status"},
	)
	providerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_provider_calls_total",
			Help: "Provider call attempts by provider and result",
		},
		[]string{"provider", "result"},
	)
	routeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "router_route_latency_seconds",
			Help:    "End-to-end routing latency including fallbacks",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
	)
)

// Outcome is the routing result handed back to the control plane.
type Outcome struct {
	Status            string // ok | degraded | failed
	Reply             string
	PickedProvider    string
	FallbacksCount    int
	FallbackProviders []string
	LatencyMS         int64
	ErrKind           string // timeout | upstream | cancelled | no_providers
}

// ErrNoProviders means no candidate survived filtering.
var ErrNoProviders = errors.New("router: no eligible providers")

// Router owns the provider registry and the selection loop.
type Router struct {
	cfg      config.RouterConfig
	flags    *config.Flags
	metrics  *MetricsStore
	breakers *circuitbreaker.Manager
	graph    *graph.Driver
	bus      *events.Bus
	logger   *log.Logger

	providers []Provider
	canary    map[string]bool
}

// New wires the router. graph may be nil; candidate filtering then
// relies on the registry, flags, and breakers alone (fail-open).
func New(cfg config.RouterConfig, flags *config.Flags, metrics *MetricsStore,
	breakers *circuitbreaker.Manager, g *graph.Driver, bus *events.Bus) *Router {
	if cfg.MaxFallbacks <= 0 {
		cfg.MaxFallbacks = 3
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 20 * time.Second
	}
	return &Router{
		cfg:      cfg,
		flags:    flags,
		metrics:  metrics,
		breakers: breakers,
		graph:    g,
		bus:      bus,
		logger:   log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
		canary:   make(map[string]bool),
	}
}

// Register adds a provider to the registry. Registration order is the
// final tie-breaker's input, not its result.
func (r *Router) Register(p Provider) {
	r.providers = append(r.providers, p)
}

// RegisterCanary adds a provider that only traces inside the canary
// slice may use. The slice size follows the canary_percent flag.
func (r *Router) RegisterCanary(p Provider) {
	r.Register(p)
	r.canary[p.ID()] = true
}

// inCanary decides, per trace, whether canary providers are eligible.
// The decision is a deterministic hash of the trace id so retries of
// the same trace stay on the same side of the split.
func (r *Router) inCanary(traceID string) bool {
	if r.flags == nil {
		return false
	}
	pct := r.flags.CanaryPercent()
	switch {
	case pct <= 0:
		return false
	case pct >= 100:
		return true
	}
	return spreadHash(traceID, "canary")%100 < uint64(pct)
}

// Providers lists registered provider ids, used for graph seeding.
func (r *Router) Providers() map[string]string {
	out := make(map[string]string, len(r.providers))
	for _, p := range r.providers {
		out[p.ID()] = p.Kind()
	}
	return out
}

type candidate struct {
	provider Provider
	score    float64
	errRate  float64
	tiebreak uint64
}

// candidates filters the registry by kind, feature flag, breaker state,
// and the graph's enabled property, then scores what remains. Higher
// score is better.
func (r *Router) candidates(ctx context.Context, req Request) []candidate {
	// Graph view of enablement; unavailable graph disables nothing.
	graphDisabled := map[string]bool{}
	if r.graph != nil {
		nodes, err := r.graph.QueryNodes(ctx, "Provider", graph.Filter{"enabled": false})
		if err == nil {
			for _, n := range nodes {
				graphDisabled[n.ID] = true
			}
		}
	}

	inCanary := r.inCanary(req.TraceID)

	var out []candidate
	for _, p := range r.providers {
		if p.Kind() != req.Kind {
			continue
		}
		if r.canary[p.ID()] && !inCanary {
			continue
		}
		if r.flags != nil && !r.flags.ProviderEnabled(p.ID()) {
			continue
		}
		if graphDisabled[p.ID()] {
			continue
		}
		cb := r.breakers.Get(p.ID())
		if cb.Allow() != nil {
			continue
		}

		pm := r.metrics.Get(p.ID())
		ctxPenalty := 0.0
		if req.ContextSize > p.MaxContext() {
			ctxPenalty = 1.0
		}
		penalty := r.cfg.WeightLatency*normLatency(pm.LatencyEWMA) +
			r.cfg.WeightError*pm.ErrorRate +
			r.cfg.WeightCost*p.CostUnits() +
			r.cfg.WeightCtx*ctxPenalty

		out = append(out, candidate{
			provider: p,
			score:    -penalty,
			errRate:  pm.ErrorRate,
			tiebreak: spreadHash(req.TraceID, p.ID()),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].errRate != out[j].errRate {
			return out[i].errRate < out[j].errRate
		}
		return out[i].tiebreak < out[j].tiebreak
	})
	return out
}

// normLatency maps milliseconds into [0,1).
func normLatency(ms float64) float64 {
	return ms / (ms + 1000)
}

// spreadHash is the deterministic tie-breaker that spreads equal-score
// load across providers per trace.
func spreadHash(traceID, providerID string) uint64 {
	sum := sha256.Sum256([]byte(traceID + providerID))
	return binary.BigEndian.Uint64(sum[:8])
}

// Route picks providers and streams the winning one. onChunk receives
// text pieces as they arrive; it must not block for long, it runs on
// the routing goroutine. runID ties the emitted run.step to its Run.
func (r *Router) Route(ctx context.Context, runID string, req Request, onChunk func(string)) Outcome {
	start := time.Now()

	if r.flags != nil && !r.flags.RouterEnabled() {
		return r.finish(ctx, runID, req, Outcome{
			Status: "failed", ErrKind: "no_providers",
		}, start)
	}

	cands := r.candidates(ctx, req)
	if len(cands) == 0 {
		return r.finish(ctx, runID, req, Outcome{
			Status: "failed", ErrKind: "no_providers",
		}, start)
	}

	maxAttempts := r.cfg.MaxFallbacks + 1
	if maxAttempts > len(cands) {
		maxAttempts = len(cands)
	}

	var fallbackIDs []string
	var lastErrKind string

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return r.finish(ctx, runID, req, Outcome{
				Status: "failed", ErrKind: "cancelled",
				FallbacksCount: len(fallbackIDs), FallbackProviders: fallbackIDs,
			}, start)
		}

		p := cands[attempt].provider
		reply, errKind := r.callOne(ctx, p, req, onChunk)
		if errKind == "" {
			return r.finish(ctx, runID, req, Outcome{
				Status:            "ok",
				Reply:             reply,
				PickedProvider:    p.ID(),
				FallbacksCount:    len(fallbackIDs),
				FallbackProviders: fallbackIDs,
			}, start)
		}

		if errKind == "cancelled" {
			return r.finish(ctx, runID, req, Outcome{
				Status: "failed", ErrKind: "cancelled",
				FallbacksCount: len(fallbackIDs), FallbackProviders: fallbackIDs,
			}, start)
		}

		r.logger.Printf("provider %s failed (%s), cascading", p.ID(), errKind)
		fallbackIDs = append(fallbackIDs, p.ID())
		lastErrKind = errKind
	}

	return r.finish(ctx, runID, req, Outcome{
		Status:            "degraded",
		ErrKind:           lastErrKind,
		FallbacksCount:    len(fallbackIDs),
		FallbackProviders: fallbackIDs,
	}, start)
}

// callOne dispatches with the per-provider timeout and drains the
// stream. Returns the full reply or a compact error kind.
func (r *Router) callOne(ctx context.Context, p Provider, req Request, onChunk func(string)) (string, string) {
	timeout := r.cfg.ProviderTimeout
	if req.LatencyBudget > 0 && req.LatencyBudget < timeout {
		timeout = req.LatencyBudget
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cb := r.breakers.Get(p.ID())
	callStart := time.Now()

	stream, err := p.Stream(callCtx, req)
	if err != nil {
		cb.Record(false)
		r.metrics.Record(p.ID(), time.Since(callStart), false)
		providerCalls.WithLabelValues(p.ID(), "error").Inc()
		return "", classify(ctx, err)
	}

	var sb strings.Builder
	for chunk := range stream {
		switch {
		case chunk.Err != nil:
			cb.Record(false)
			r.metrics.Record(p.ID(), time.Since(callStart), false)
			providerCalls.WithLabelValues(p.ID(), "stream_error").Inc()
			return "", classify(ctx, chunk.Err)
		case chunk.Done:
			cb.Record(true)
			r.metrics.Record(p.ID(), time.Since(callStart), true)
			providerCalls.WithLabelValues(p.ID(), "ok").Inc()
			return sb.String(), ""
		default:
			sb.WriteString(chunk.Text)
			if onChunk != nil {
				onChunk(chunk.Text)
			}
		}
	}

	// Channel closed without Done: treat as a malformed stream.
	cb.Record(false)
	r.metrics.Record(p.ID(), time.Since(callStart), false)
	providerCalls.WithLabelValues(p.ID(), "truncated").Inc()
	return "", "upstream"
}

func classify(parent context.Context, err error) string {
	switch {
	case parent.Err() != nil:
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "upstream"
	}
}

// finish stamps latency, emits the run.step, and counts the outcome.
func (r *Router) finish(ctx context.Context, runID string, req Request, o Outcome, start time.Time) Outcome {
	o.LatencyMS = time.Since(start).Milliseconds()
	routeOutcomes.WithLabelValues(o.Status).Inc()
	routeLatency.Observe(time.Since(start).Seconds())

	if r.bus != nil {
		status := "success"
		reason := ""
		if o.Status != "ok" {
			status = "failed"
			reason = o.ErrKind
		}
		payload := map[string]interface{}{
			"run_id":          runID,
			"name":            "route",
			"order":           req.StepOrder,
			"status":          status,
			"latency_ms":      o.LatencyMS,
			"picked_provider": o.PickedProvider,
			"fallbacks_count": o.FallbacksCount,
		}
		if len(o.FallbackProviders) > 0 {
			ids := make([]interface{}, len(o.FallbackProviders))
			for i, id := range o.FallbackProviders {
				ids[i] = id
			}
			payload["fallback_providers"] = ids
		}
		if reason != "" {
			payload["reason"] = reason
		}
		r.bus.Emit(events.KindRunStep, req.ConversationID, req.TraceID, payload)
	}
	return o
}

// Stats reports per-provider rolling metrics and breaker states.
func (r *Router) Stats() map[string]interface{} {
	return map[string]interface{}{
		"providers": r.metrics.Snapshot(),
		"breakers":  r.breakers.States(),
	}
}
