package gml

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/cognigraph/backend/internal/events"
	"github.com/cognigraph/backend/internal/graph"
)

// Component ids stamped with freshness_ts when a mutation touches them.
const (
	componentChatCP      = "chat_cp"
	componentRateLimiter = "rate_limiter"
	componentFlags       = "feature_flags"
	componentControlRoom = "control_room"
	componentPolicyGate  = "policy_gate"
	componentVoice       = "voice"
	componentWorkerPool  = "worker_pool"
	componentBroker      = "broker"
)

// mutation is one row of the static mutation map: what an event kind
// turns into. build returns the upserts plus the stable key; a nil
// slice means the payload was missing required fields.
type mutation struct {
	kind      string
	component string
	layer     string
	build     func(e *events.Event) ([]graph.Upsert, string)
}

// MutationID is the idempotency key for one projected graph write.
func MutationID(eventID, mutationKind, stableKey string) string {
	h := sha256.New()
	h.Write([]byte(eventID))
	h.Write([]byte(mutationKind))
	h.Write([]byte(stableKey))
	return hex.EncodeToString(h.Sum(nil))
}

func str(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

// num reads any JSON-ish numeric payload value. Events that round-trip
// the JSONL log arrive as float64; in-process ones keep native types.
func num(p map[string]interface{}, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func strs(p map[string]interface{}, key string) []string {
	raw, ok := p[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var runGuard = &graph.Guard{Field: "status", Successors: graph.RunTransitions}
var stepGuard = &graph.Guard{Field: "status", Successors: graph.StepTransitions}
var taskGuard = &graph.Guard{Field: "status", Successors: graph.TaskTransitions}
var approvalGuard = &graph.Guard{Field: "status", Successors: graph.ApprovalTransitions, DenyWhole: true}

// mutationMap is the static event-kind to graph-mutation table. An
// event kind absent here is counted as unhandled and left in the log.
var mutationMap = map[string]mutation{
	events.KindChatMessage: {
		kind:      "run.merge",
		component: componentChatCP,
		layer:     "runs",
		build:     buildRunMerge,
	},
	events.KindRunStep: {
		kind:      "step.merge",
		component: componentChatCP,
		layer:     "steps",
		build:     buildStepMerge,
	},
	events.KindRateLimitDecision: {
		kind:      "rate_limit.stamp",
		component: componentRateLimiter,
		layer:     "components",
		build:     buildRateLimitStamp,
	},
	events.KindFeatureFlag: {
		kind:      "flag.set",
		component: componentFlags,
		layer:     "feature_flags",
		build:     buildFlagSet,
	},
	events.KindTaskCreated: {
		kind:      "task.create",
		component: componentControlRoom,
		layer:     "tasks",
		build:     buildTaskMerge,
	},
	events.KindTaskUpdated: {
		kind:      "task.update",
		component: componentControlRoom,
		layer:     "tasks",
		build:     buildTaskMerge,
	},
	events.KindTaskFailed: {
		kind:      "task.fail",
		component: componentWorkerPool,
		layer:     "tasks",
		build:     buildTaskFailed,
	},
	events.KindApprovalRequested: {
		kind:      "approval.create",
		component: componentPolicyGate,
		layer:     "approvals",
		build:     buildApprovalCreate,
	},
	events.KindApprovalResolved: {
		kind:      "approval.resolve",
		component: componentPolicyGate,
		layer:     "approvals",
		build:     buildApprovalResolve,
	},
	events.KindVoiceSessionStarted: {
		kind:      "voice.stamp",
		component: componentVoice,
		layer:     "voice",
		build:     buildVoiceStamp,
	},
	events.KindVoiceASRFinal: {
		kind:      "voice.stamp",
		component: componentVoice,
		layer:     "voice",
		build:     buildVoiceStamp,
	},
	events.KindVoiceTTSReady: {
		kind:      "voice.artifact",
		component: componentVoice,
		layer:     "artifacts",
		build:     buildVoiceArtifact,
	},
	events.KindVoiceError: {
		kind:      "voice.error",
		component: componentVoice,
		layer:     "voice",
		build:     buildVoiceError,
	},
	events.KindWorkerSeen: {
		kind:      "worker.heartbeat",
		component: componentWorkerPool,
		layer:     "workers",
		build:     buildWorkerSeen,
	},
	events.KindAsyncFallback: {
		kind:      "broker.fallback",
		component: componentBroker,
		layer:     "components",
		build:     buildBrokerFallback,
	},
}

func buildRunMerge(e *events.Event) ([]graph.Upsert, string) {
	runID := str(e.Payload, "run_id")
	if runID == "" {
		return nil, ""
	}
	props := graph.Props{"ts": e.TS.Format(time.RFC3339)}
	if s := str(e.Payload, "status"); s != "" {
		props["status"] = s
	}
	if ms, ok := num(e.Payload, "latency_ms"); ok {
		props["latency_ms"] = ms
	}
	if picked := str(e.Payload, "picked_provider"); picked != "" {
		props["picked_provider"] = picked
	}
	if n, ok := num(e.Payload, "fallbacks_count"); ok {
		props["fallbacks_count"] = n
	}
	return []graph.Upsert{{
		Labels: []string{"Run"},
		ID:     runID,
		Props:  props,
		Guard:  runGuard,
	}}, runID
}

func buildStepMerge(e *events.Event) ([]graph.Upsert, string) {
	runID := str(e.Payload, "run_id")
	name := str(e.Payload, "name")
	if runID == "" || name == "" {
		return nil, ""
	}
	stepID := graph.NodeID(runID, name)

	props := graph.Props{"name": name}
	if s := str(e.Payload, "status"); s != "" {
		props["status"] = s
	}
	order, hasOrder := num(e.Payload, "order")
	if hasOrder {
		props["order"] = order
	}
	if ms, ok := num(e.Payload, "latency_ms"); ok {
		props["latency_ms"] = ms
	}

	step := graph.Upsert{
		Labels: []string{"Step"},
		ID:     stepID,
		Props:  props,
		Guard:  stepGuard,
	}

	runRels := []graph.Rel{{Type: "HAS_STEP", TargetID: stepID}}
	if hasOrder {
		runRels[0].Props = graph.Props{"order": order}
	}
	if name == "route" {
		if picked := str(e.Payload, "picked_provider"); picked != "" {
			runRels = append(runRels, graph.Rel{
				Type: "USED_PROVIDER", TargetID: picked,
				Props: graph.Props{"role": "selected"},
			})
		}
		for _, id := range strs(e.Payload, "fallback_providers") {
			runRels = append(runRels, graph.Rel{
				Type: "USED_PROVIDER", TargetID: id,
				Props: graph.Props{"role": "fallback"},
			})
		}
	}
	run := graph.Upsert{Labels: []string{"Run"}, ID: runID, Rels: runRels}

	return []graph.Upsert{step, run}, stepID
}

func buildRateLimitStamp(e *events.Event) ([]graph.Upsert, string) {
	caller := str(e.Payload, "caller_id")
	route := str(e.Payload, "route")
	props := graph.Props{"last_decision_ts": e.TS.Format(time.RFC3339)}
	if allowed, ok := e.Payload["allowed"].(bool); ok && !allowed {
		props["last_limited_ts"] = e.TS.Format(time.RFC3339)
	}
	return []graph.Upsert{{
		Labels: []string{"Component"},
		ID:     componentRateLimiter,
		Props:  props,
	}}, caller + "|" + route
}

func buildFlagSet(e *events.Event) ([]graph.Upsert, string) {
	name := str(e.Payload, "name")
	if name == "" {
		return nil, ""
	}
	return []graph.Upsert{{
		Labels: []string{"FeatureFlag"},
		ID:     name,
		Props: graph.Props{
			"value":      e.Payload["value"],
			"updated_ts": e.TS.Format(time.RFC3339),
		},
	}}, name
}

func buildTaskMerge(e *events.Event) ([]graph.Upsert, string) {
	taskID := str(e.Payload, "task_id")
	if taskID == "" {
		return nil, ""
	}
	props := graph.Props{"updated_ts": e.TS.Format(time.RFC3339)}
	if s := str(e.Payload, "status"); s != "" {
		props["status"] = s
	}
	for _, k := range []string{"priority", "requester", "reason_safe", "payload_redacted_hash", "queue"} {
		if v := str(e.Payload, k); v != "" {
			props[k] = v
		}
	}
	if retries, ok := num(e.Payload, "retries"); ok {
		props["retries"] = retries
	}

	var rels []graph.Rel
	if approvalID := str(e.Payload, "approval_id"); approvalID != "" {
		rels = append(rels, graph.Rel{Type: "REQUIRES_APPROVAL", TargetID: approvalID})
	}
	if runID := str(e.Payload, "run_id"); runID != "" {
		rels = append(rels, graph.Rel{Type: "SPAWNS", TargetID: runID})
	}

	return []graph.Upsert{{
		Labels: []string{"Task"},
		ID:     taskID,
		Props:  props,
		Rels:   rels,
		Guard:  taskGuard,
	}}, taskID
}

func buildTaskFailed(e *events.Event) ([]graph.Upsert, string) {
	taskID := str(e.Payload, "task_id")
	if taskID == "" {
		return nil, ""
	}
	props := graph.Props{
		"status":     "failed",
		"updated_ts": e.TS.Format(time.RFC3339),
	}
	if reason := str(e.Payload, "reason_safe"); reason != "" {
		props["reason_safe"] = reason
	}
	if retries, ok := num(e.Payload, "retries"); ok {
		props["retries"] = retries
	}
	return []graph.Upsert{{
		Labels: []string{"Task"},
		ID:     taskID,
		Props:  props,
		Guard:  taskGuard,
	}}, taskID
}

func buildApprovalCreate(e *events.Event) ([]graph.Upsert, string) {
	approvalID := str(e.Payload, "approval_id")
	if approvalID == "" {
		return nil, ""
	}
	props := graph.Props{
		"status":       "pending",
		"requested_ts": e.TS.Format(time.RFC3339),
	}
	if policyID := str(e.Payload, "policy_id"); policyID != "" {
		props["policy_id"] = policyID
	}
	if scope := str(e.Payload, "scope"); scope != "" {
		props["scope"] = scope
	}
	var rels []graph.Rel
	if runID := str(e.Payload, "run_id"); runID != "" {
		rels = append(rels, graph.Rel{Type: "GOVERNS", TargetID: runID})
	}
	return []graph.Upsert{{
		Labels: []string{"Approval"},
		ID:     approvalID,
		Props:  props,
		Rels:   rels,
		Guard:  approvalGuard,
	}}, approvalID
}

func buildApprovalResolve(e *events.Event) ([]graph.Upsert, string) {
	approvalID := str(e.Payload, "approval_id")
	status := str(e.Payload, "status")
	if approvalID == "" || status == "" {
		return nil, ""
	}
	props := graph.Props{
		"status":      status,
		"resolved_ts": e.TS.Format(time.RFC3339),
	}
	if by := str(e.Payload, "resolved_by"); by != "" {
		props["resolved_by"] = by
	}
	return []graph.Upsert{{
		Labels: []string{"Approval"},
		ID:     approvalID,
		Props:  props,
		Guard:  approvalGuard,
	}}, approvalID
}

func buildVoiceStamp(e *events.Event) ([]graph.Upsert, string) {
	return []graph.Upsert{{
		Labels: []string{"Component"},
		ID:     componentVoice,
		Props:  graph.Props{"last_event_ts": e.TS.Format(time.RFC3339)},
	}}, str(e.Payload, "session_id")
}

func buildVoiceArtifact(e *events.Event) ([]graph.Upsert, string) {
	hash := str(e.Payload, "audio_hash")
	if hash == "" {
		return buildVoiceStamp(e)
	}
	artifact := graph.Upsert{
		Labels: []string{"Artifact"},
		ID:     hash,
		Props: graph.Props{
			"kind": "tts_audio",
			"ts":   e.TS.Format(time.RFC3339),
		},
	}
	stamp := graph.Upsert{
		Labels: []string{"Component"},
		ID:     componentVoice,
		Props:  graph.Props{"last_event_ts": e.TS.Format(time.RFC3339)},
	}
	return []graph.Upsert{artifact, stamp}, hash
}

func buildVoiceError(e *events.Event) ([]graph.Upsert, string) {
	return []graph.Upsert{{
		Labels: []string{"Component"},
		ID:     componentVoice,
		Props: graph.Props{
			"status":      "degraded",
			"last_err_ts": e.TS.Format(time.RFC3339),
		},
	}}, str(e.Payload, "session_id")
}

func buildWorkerSeen(e *events.Event) ([]graph.Upsert, string) {
	workerID := str(e.Payload, "worker_id")
	if workerID == "" {
		return nil, ""
	}
	props := graph.Props{
		"status":       "ok",
		"last_seen_ts": e.TS.Format(time.RFC3339),
	}
	if queue := str(e.Payload, "queue"); queue != "" {
		props["queue"] = queue
	}
	return []graph.Upsert{{
		Labels: []string{"Component"},
		ID:     "worker:" + workerID,
		Props:  props,
	}}, workerID
}

func buildBrokerFallback(e *events.Event) ([]graph.Upsert, string) {
	return []graph.Upsert{{
		Labels: []string{"Component"},
		ID:     componentBroker,
		Props: graph.Props{
			"status":      "degraded",
			"last_err_ts": e.TS.Format(time.RFC3339),
		},
	}}, str(e.Payload, "task_id")
}
