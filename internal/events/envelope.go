// Package events provides the event_v1 envelope, the in-process fan-out
// bus, and the durable JSONL log. Events are the only way state enters
// the graph: components publish, the materializer projects.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every envelope this process emits.
const SchemaVersion = 1

// Event kind namespaces. Unknown kinds are quarantined by the
// materializer, never rejected by the bus.
const (
	KindChatMessage = "chat.message"
	KindRunStep     = "run.step"

	KindRateLimitDecision = "rate_limit.decision"
	KindFeatureFlag       = "feature_flag.updated"

	KindTaskCreated       = "control_room.task.created"
	KindTaskUpdated       = "control_room.task.updated"
	KindApprovalRequested = "control_room.approval.requested"
	KindApprovalResolved  = "control_room.approval.resolved"

	KindVoiceSessionStarted = "voice.session.started"
	KindVoiceASRFinal       = "voice.asr.final"
	KindVoiceTTSReady       = "voice.tts.audio.ready"
	KindVoiceError          = "voice.error"

	KindWorkerSeen    = "worker.seen"
	KindAsyncFallback = "async.fallback_sync"
	KindTaskFailed    = "task.failed"
)

// Event is the event_v1 wire envelope. Immutable once published.
type Event struct {
	EventID        string                 `json:"event_id"`
	Seq            int64                  `json:"seq"`
	TS             time.Time              `json:"ts"`
	Kind           string                 `json:"kind"`
	SchemaVersion  int                    `json:"schema_version"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	TraceID        string                 `json:"trace_id"`
	Payload        map[string]interface{} `json:"payload"`
}

// New builds an envelope with a fresh id and UTC timestamp. Seq is
// assigned by the bus at publish time.
func New(kind, conversationID, traceID string, payload map[string]interface{}) *Event {
	return &Event{
		EventID:        uuid.NewString(),
		TS:             time.Now().UTC(),
		Kind:           kind,
		SchemaVersion:  SchemaVersion,
		ConversationID: conversationID,
		TraceID:        traceID,
		Payload:        payload,
	}
}

// JSON serializes the envelope for the durable log and WS broadcast.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
