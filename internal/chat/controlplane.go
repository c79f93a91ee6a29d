// Package chat is the Chat Control Plane: the synchronous request
// orchestrator. It runs the per-request state machine, consults the
// rate limiter, classifier, policy gate, and router, and emits trace
// events fire-and-forget: the user-visible response never waits on
// the graph, the broker, or a slow subscriber.
package chat

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/cognigraph/backend/internal/config"
	"github.com/cognigraph/backend/internal/events"
	"github.com/cognigraph/backend/internal/graph"
	"github.com/cognigraph/backend/internal/policy"
	"github.com/cognigraph/backend/internal/ratelimit"
	"github.com/cognigraph/backend/internal/router"
)

// State is one stage of the request state machine.
type State int

const (
	StateReceived State = iota
	StateRateCheck
	StateIntentClassify
	StatePolicyGate
	StateRoute
	StateProviderStream
	StateResponseCompose
	StateTraceEmit
	StateDone
	StateBlocked
	StateDegraded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateRateCheck:
		return "RATE_CHECK"
	case StateIntentClassify:
		return "INTENT_CLASSIFY"
	case StatePolicyGate:
		return "POLICY_GATE"
	case StateRoute:
		return "ROUTE"
	case StateProviderStream:
		return "PROVIDER_STREAM"
	case StateResponseCompose:
		return "RESPONSE_COMPOSE"
	case StateTraceEmit:
		return "TRACE_EMIT"
	case StateDone:
		return "DONE"
	case StateBlocked:
		return "BLOCKED"
	case StateDegraded:
		return "DEGRADED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Chat requests by terminal state",
		},
		[]string{"state"},
	)
	requestLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_request_latency_seconds",
			Help:    "End-to-end chat request latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_decisions_total",
			Help: "Policy and band decisions on the chat path",
		},
		[]string{"decision"},
	)
)

// Request is an inbound chat turn.
type Request struct {
	Message        string `json:"message"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Response is the user-visible result. Status is always present; a
// degraded response carries a short safe reason, never internals.
type Response struct {
	Status         string `json:"status"` // ok | blocked | rate_limited | degraded | failed
	Reply          string `json:"reply,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ConversationID string `json:"conversation_id"`
	TraceID        string `json:"trace_id"`
	RunID          string `json:"run_id"`
	RetryAfter     int    `json:"retry_after_seconds,omitempty"`
	Intent         string `json:"intent,omitempty"`
	Band           string `json:"band,omitempty"`
}

// ControlPlane orchestrates the synchronous request path.
type ControlPlane struct {
	cfg        config.ChatConfig
	limiter    *ratelimit.Limiter
	classifier *Classifier
	gate       *policy.Engine
	router     *router.Router
	bus        *events.Bus
	logger     *log.Logger

	tracer trace.Tracer
}

// New wires the control plane.
func New(cfg config.ChatConfig, limiter *ratelimit.Limiter, classifier *Classifier,
	gate *policy.Engine, r *router.Router, bus *events.Bus) *ControlPlane {
	if cfg.StageBudget <= 0 {
		cfg.StageBudget = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &ControlPlane{
		cfg:        cfg,
		limiter:    limiter,
		classifier: classifier,
		gate:       gate,
		router:     r,
		bus:        bus,
		logger:     log.New(log.Writer(), "[CHAT-CP] ", log.LstdFlags),
		tracer:     otel.Tracer("chat"),
	}
}

// run carries the per-request bookkeeping the trace events need.
type run struct {
	runID     string
	convID    string
	turnID    string
	traceID   string
	userID    string
	started   time.Time
	stepOrder int
	degraded  bool
	reason    string
	picked    string
	fallbacks int
}

// step emits one run.step trace event; fire-and-forget by construction
// because Bus.Publish never blocks.
func (cp *ControlPlane) step(r *run, name, status string, started time.Time, extra map[string]interface{}) {
	if cp.bus == nil {
		return
	}
	r.stepOrder++
	payload := map[string]interface{}{
		"run_id":     r.runID,
		"name":       name,
		"order":      r.stepOrder,
		"status":     status,
		"latency_ms": time.Since(started).Milliseconds(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	cp.bus.Emit(events.KindRunStep, r.convID, r.traceID, payload)
}

// Handle runs one request through the state machine. Every stage has
// the shared stage budget; blowing a budget degrades rather than fails
// whenever a usable answer exists.
func (cp *ControlPlane) Handle(ctx context.Context, req Request) Response {
	ctx, cancel := context.WithTimeout(ctx, cp.cfg.RequestTimeout)
	defer cancel()

	ctx, span := cp.tracer.Start(ctx, "chat.handle")
	defer span.End()

	r := &run{
		convID:  req.ConversationID,
		turnID:  uuid.NewString(),
		userID:  req.UserID,
		started: time.Now(),
	}
	if r.convID == "" {
		r.convID = uuid.NewString()
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		r.traceID = sc.TraceID().String()
	} else {
		r.traceID = uuid.NewString()
	}
	r.runID = graph.NodeID(r.convID, r.turnID)

	cp.emitRunStarted(r)

	// RATE_CHECK
	stageStart := time.Now()
	if cp.limiter != nil {
		d := cp.limiter.Allow(ctx, req.UserID, "/chat")
		if !d.Allowed {
			cp.step(r, "rate_check", "failed", stageStart, map[string]interface{}{"reason": "rate_limited"})
			return cp.finish(r, StateBlocked, Response{
				Status:     "rate_limited",
				Reason:     "rate limit exceeded",
				RetryAfter: retrySeconds(d.RetryAfter),
			})
		}
	}
	cp.step(r, "rate_check", "success", stageStart, nil)

	// INTENT_CLASSIFY
	stageStart = time.Now()
	intentCtx, intentCancel := context.WithTimeout(ctx, cp.cfg.StageBudget)
	intent := cp.classifier.Classify(intentCtx, req.Message, r.traceID)
	intentCancel()
	cp.step(r, "intent_classify", "success", stageStart, map[string]interface{}{
		"intent":     intent.Name,
		"band":       intent.Band,
		"confidence": intent.Confidence,
		"refined":    intent.Refined,
	})
	decisionsTotal.WithLabelValues("band_" + intent.Band).Inc()

	// POLICY_GATE. Banding is part of the gate: low confidence never
	// reaches a provider with tool access.
	stageStart = time.Now()
	if intent.Band == BandLow {
		cp.step(r, "policy_gate", "success", stageStart, map[string]interface{}{"decision": "clarify"})
		decisionsTotal.WithLabelValues("clarify").Inc()
		return cp.finish(r, StateDone, Response{
			Status: "ok",
			Reply:  "I want to make sure I understand. Could you rephrase what you need, or pick one: ask a question, generate code, or search?",
			Intent: intent.Name,
			Band:   intent.Band,
		})
	}

	mutating := intent.Mutating && intent.Band == BandHigh
	decision := cp.gate.Evaluate(policy.Request{
		CallerID:   req.UserID,
		Intent:     intent.Name,
		Band:       intent.Band,
		Confidence: intent.Confidence,
		Mutating:   mutating,
		Message:    req.Message,
	})
	switch decision.Effect {
	case policy.Deny:
		cp.step(r, "policy_gate", "failed", stageStart, map[string]interface{}{
			"decision":  "deny",
			"policy_id": decision.PolicyID,
		})
		decisionsTotal.WithLabelValues("deny").Inc()
		return cp.finish(r, StateBlocked, Response{
			Status: "blocked",
			Reason: decision.ReasonSafe,
			Intent: intent.Name,
			Band:   intent.Band,
		})
	case policy.NeedsApproval:
		cp.step(r, "policy_gate", "success", stageStart, map[string]interface{}{
			"decision":  "needs_approval",
			"policy_id": decision.PolicyID,
		})
		decisionsTotal.WithLabelValues("needs_approval").Inc()
		cp.emitApprovalRequested(r, decision)
		return cp.finish(r, StateBlocked, Response{
			Status: "blocked",
			Reason: decision.ReasonSafe,
			Intent: intent.Name,
			Band:   intent.Band,
		})
	}
	cp.step(r, "policy_gate", "success", stageStart, map[string]interface{}{"decision": "allow"})
	decisionsTotal.WithLabelValues("allow").Inc()

	// ROUTE + PROVIDER_STREAM. The router owns its run.step.
	outcome := cp.router.Route(ctx, r.runID, router.Request{
		Kind:           "chat",
		Message:        req.Message,
		ConversationID: r.convID,
		TraceID:        r.traceID,
		ContextSize:    len(req.Message),
		LatencyBudget:  cp.cfg.StageBudget * 2,
		StepOrder:      r.stepOrder + 1,
	}, nil)
	r.stepOrder++ // the router's step
	r.picked = outcome.PickedProvider
	r.fallbacks = outcome.FallbacksCount

	// RESPONSE_COMPOSE
	stageStart = time.Now()
	var resp Response
	var terminal State
	switch outcome.Status {
	case "ok":
		resp = Response{Status: "ok", Reply: outcome.Reply}
		terminal = StateDone
	case "degraded":
		r.degraded = true
		r.reason = outcome.ErrKind
		reason := "upstream degraded"
		if outcome.ErrKind == "timeout" {
			reason = "upstream timeout"
		}
		resp = Response{
			Status: "degraded",
			Reply:  "I could not reach a full answer right now. Please retry shortly.",
			Reason: reason,
		}
		terminal = StateDegraded
	default:
		if outcome.ErrKind == "cancelled" {
			resp = Response{Status: "failed", Reason: "request cancelled"}
		} else {
			resp = Response{Status: "failed", Reason: "no provider available"}
		}
		terminal = StateFailed
	}
	cp.step(r, "response_compose", "success", stageStart, nil)

	resp.Intent = intent.Name
	resp.Band = intent.Band
	return cp.finish(r, terminal, resp)
}

// finish emits the closing trace events and stamps the envelope fields.
func (cp *ControlPlane) finish(r *run, terminal State, resp Response) Response {
	resp.ConversationID = r.convID
	resp.TraceID = r.traceID
	resp.RunID = r.runID

	requestsTotal.WithLabelValues(terminal.String()).Inc()
	requestLatency.Observe(time.Since(r.started).Seconds())

	if cp.bus != nil {
		// Run status in the graph is ok or degraded; a policy block is a
		// run that finished correctly, a failure is a degraded run.
		status := "ok"
		if terminal == StateDegraded || terminal == StateFailed {
			status = "degraded"
		}
		payload := map[string]interface{}{
			"run_id":          r.runID,
			"turn_id":         r.turnID,
			"user_id":         r.userID,
			"status":          status,
			"terminal_state":  terminal.String(),
			"latency_ms":      time.Since(r.started).Milliseconds(),
			"response_status": resp.Status,
		}
		if r.picked != "" {
			payload["picked_provider"] = r.picked
			payload["fallbacks_count"] = float64(r.fallbacks)
		}
		cp.bus.Emit(events.KindChatMessage, r.convID, r.traceID, payload)
	}
	return resp
}

func (cp *ControlPlane) emitRunStarted(r *run) {
	if cp.bus == nil {
		return
	}
	cp.bus.Emit(events.KindChatMessage, r.convID, r.traceID, map[string]interface{}{
		"run_id":  r.runID,
		"turn_id": r.turnID,
		"user_id": r.userID,
		"status":  "running",
	})
}

func (cp *ControlPlane) emitApprovalRequested(r *run, d policy.Decision) {
	if cp.bus == nil {
		return
	}
	cp.bus.Emit(events.KindApprovalRequested, r.convID, r.traceID, map[string]interface{}{
		"approval_id": uuid.NewString(),
		"run_id":      r.runID,
		"policy_id":   d.PolicyID,
		"scope":       "run",
		"reason_safe": d.ReasonSafe,
	})
}

// Stats reports the control plane's operating parameters.
func (cp *ControlPlane) Stats() map[string]interface{} {
	return map[string]interface{}{
		"stage_budget_ms":    cp.cfg.StageBudget.Milliseconds(),
		"request_timeout_ms": cp.cfg.RequestTimeout.Milliseconds(),
	}
}

func retrySeconds(d time.Duration) int {
	s := int(d.Seconds())
	if s < 1 {
		return 1
	}
	return s
}
