// Package graph is the Source of Truth driver: typed, idempotent
// MERGE-style writes and parameterized reads against the operational
// property graph. Every caller treats it as fail-open.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
)

// Props is a property bag. Stored values are timestamps, short statuses,
// counters, hashes, and ids. Never prompts, raw content, or secrets;
// the redaction boundary in the Driver enforces the string cap.
type Props map[string]interface{}

// Node is one graph entity.
type Node struct {
	ID     string   `json:"id"`
	Labels []string `json:"labels"`
	Props  Props    `json:"props"`
}

// Rel declares an outgoing relationship created alongside an upsert.
// The target node is created as a bare stub if it does not exist yet;
// a later event fills it in.
type Rel struct {
	Type     string `json:"type"`
	TargetID string `json:"target_id"`
	Props    Props  `json:"props,omitempty"`
}

// Guard restricts how an enumerated status property may move. When the
// stored value has no allowed successor matching the incoming one, the
// status write is dropped; with DenyWhole set the entire upsert becomes
// a no-op (Approval resolution happens exactly once).
type Guard struct {
	Field      string
	Successors map[string][]string
	DenyWhole  bool
}

// Allows reports whether current -> next is a legal transition.
// An empty current value means the node is new.
func (g *Guard) Allows(current, next string) bool {
	if current == next {
		return true
	}
	allowed, ok := g.Successors[current]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == next {
			return true
		}
	}
	return false
}

// Upsert is the single write operation: merge a node by primary key and
// relate it. Replaying the same upsert converges to the same state.
type Upsert struct {
	Labels []string
	ID     string
	Props  Props
	Rels   []Rel
	Guard  *Guard
}

// Filter is an equality filter over node properties.
type Filter map[string]interface{}

// Canonical status transition tables from the data model.
var (
	RunTransitions = map[string][]string{
		"":        {"running", "ok", "degraded"},
		"running": {"ok", "degraded"},
	}
	StepTransitions = map[string][]string{
		"":        {"running", "success", "failed", "stale"},
		"running": {"success", "failed", "stale"},
	}
	ApprovalTransitions = map[string][]string{
		"":        {"pending"},
		"pending": {"approved", "rejected", "expired"},
	}
	TaskTransitions = map[string][]string{
		"":                 {"queued"},
		"queued":           {"waiting_approval", "running", "canceled"},
		"waiting_approval": {"running", "failed", "canceled"},
		"running":          {"done", "failed", "canceled"},
	}
)

// NodeID derives a stable primary key from its parts,
// e.g. run id = sha256(conversation_id || turn_id).
func NodeID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MergeProps folds src into dst under an optional guard, returning
// false when the guard denies the whole merge.
func MergeProps(dst, src Props, guard *Guard) (Props, bool) {
	if dst == nil {
		dst = Props{}
	}
	if guard != nil {
		if next, ok := src[guard.Field].(string); ok {
			current, _ := dst[guard.Field].(string)
			if !guard.Allows(current, next) {
				if guard.DenyWhole {
					return dst, false
				}
				src = cloneWithout(src, guard.Field)
			}
		}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst, true
}

func cloneWithout(p Props, field string) Props {
	out := make(Props, len(p))
	for k, v := range p {
		if k != field {
			out[k] = v
		}
	}
	return out
}
