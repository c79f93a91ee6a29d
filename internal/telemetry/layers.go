package telemetry

import (
	"sync"
	"time"
)

// DefaultStalenessWindow classifies a layer as live when its last
// mutation is within this window.
const DefaultStalenessWindow = 5 * time.Minute

// Layers are the canonical graph layers this deployment tracks. The
// materializer stamps one on every applied mutation.
var Layers = []string{
	"components",
	"providers",
	"feature_flags",
	"runs",
	"steps",
	"artifacts",
	"sources",
	"tasks",
	"approvals",
	"actions",
	"voice",
	"workers",
}

// Layer freshness states.
const (
	LayerLive    = "live"
	LayerStale   = "stale"
	LayerUnknown = "unknown"
)

// LayerStatus is one row of the /telemetry freshness array.
type LayerStatus struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	LastUpdateTS string `json:"last_update_ts,omitempty"`
}

// Freshness tracks per-layer last_update_ts in process. A layer the
// process never touched stays unknown; the graph keeps the durable copy
// on Component nodes.
type Freshness struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

// NewFreshness returns a tracker covering the canonical layers.
func NewFreshness() *Freshness {
	return &Freshness{last: make(map[string]time.Time, len(Layers))}
}

// Touch stamps the layer's last update time.
func (f *Freshness) Touch(layer string) {
	f.mu.Lock()
	f.last[layer] = time.Now().UTC()
	f.mu.Unlock()
}

// Summary aggregates the layer states into the graph.summary counts.
func (f *Freshness) Summary(window time.Duration) map[string]interface{} {
	live, stale, unknown := 0, 0, 0
	for _, ls := range f.Snapshot(window) {
		switch ls.State {
		case LayerLive:
			live++
		case LayerStale:
			stale++
		default:
			unknown++
		}
	}
	return map[string]interface{}{
		"live_count":    live,
		"stale_count":   stale,
		"unknown_count": unknown,
	}
}

// Snapshot classifies every canonical layer against the window.
func (f *Freshness) Snapshot(window time.Duration) []LayerStatus {
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	now := time.Now().UTC()

	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]LayerStatus, 0, len(Layers))
	for _, name := range Layers {
		ts, ok := f.last[name]
		switch {
		case !ok:
			out = append(out, LayerStatus{Name: name, State: LayerUnknown})
		case now.Sub(ts) <= window:
			out = append(out, LayerStatus{Name: name, State: LayerLive, LastUpdateTS: ts.Format(time.RFC3339)})
		default:
			out = append(out, LayerStatus{Name: name, State: LayerStale, LastUpdateTS: ts.Format(time.RFC3339)})
		}
	}
	return out
}
