// Package redact strips denied keys and over-long strings from event
// payloads and graph properties before they reach any durable surface.
// It is applied twice: once on event publish, once on graph upsert.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default string caps. Graph properties are tighter than log payloads.
const (
	MaxStrLenGraph = 512
	MaxStrLenLog   = 2048
)

// DefaultDeniedKeys is the property-name denylist. Values under these keys
// are dropped recursively and never hashed: the hash of a secret is still
// a fingerprint of a secret's presence.
var DefaultDeniedKeys = []string{
	"prompt", "html", "snippet", "content",
	"authorization", "token", "api_key", "secret", "cookie", "session",
}

var (
	deniedKeyDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redaction_denied_key_dropped_total",
			Help: "Payload keys dropped because they are on the denylist",
		},
		[]string{"boundary"},
	)
	stringTruncated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redaction_string_truncated_total",
			Help: "String values replaced with hash+length metadata",
		},
		[]string{"boundary"},
	)
)

// Redactor walks payload maps applying the denylist and string cap.
// Safe for concurrent use.
type Redactor struct {
	MaxStrLen int
	Boundary  string // "publish" or "graph", used as a metric label

	denied map[string]bool

	droppedKeys atomic.Int64
	truncations atomic.Int64
}

// New builds a Redactor with the default denylist.
func New(maxStrLen int, boundary string) *Redactor {
	if maxStrLen <= 0 {
		maxStrLen = MaxStrLenGraph
	}
	denied := make(map[string]bool, len(DefaultDeniedKeys))
	for _, k := range DefaultDeniedKeys {
		denied[k] = true
	}
	return &Redactor{
		MaxStrLen: maxStrLen,
		Boundary:  boundary,
		denied:    denied,
	}
}

// HashString returns the hex sha256 of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Walk returns a redacted deep copy of payload. The input is never
// mutated; the original values never touch a logger here.
func (r *Redactor) Walk(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if r.denied[k] {
			r.droppedKeys.Add(1)
			deniedKeyDropped.WithLabelValues(r.Boundary).Inc()
			continue
		}
		out[k] = r.value(v)
	}
	return out
}

func (r *Redactor) value(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		if len(t) > r.MaxStrLen {
			r.truncations.Add(1)
			stringTruncated.WithLabelValues(r.Boundary).Inc()
			return map[string]interface{}{
				"_redacted": true,
				"hash":      HashString(t),
				"len":       len(t),
			}
		}
		return t
	case map[string]interface{}:
		return r.Walk(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, el := range t {
			out[i] = r.value(el)
		}
		return out
	default:
		// Numbers, bools, nil, short enums: pass through untouched.
		return v
	}
}

// Stats reports boundary counters for the telemetry snapshot.
func (r *Redactor) Stats() map[string]interface{} {
	return map[string]interface{}{
		"boundary":           r.Boundary,
		"denied_key_dropped": r.droppedKeys.Load(),
		"string_truncated":   r.truncations.Load(),
	}
}
