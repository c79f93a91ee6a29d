package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cognigraph/backend/internal/infra"
)

// ewmaAlpha weights new samples; matches the rolling-average style used
// across the monitoring rollups.
const ewmaAlpha = 0.2

// ProviderMetrics is the rolling view of one provider's behavior.
type ProviderMetrics struct {
	LatencyEWMA float64 `json:"latency_ewma_ms"`
	ErrorRate   float64 `json:"error_rate"`
	Calls       int64   `json:"calls"`
	Failures    int64   `json:"failures"`
	LastCall    int64   `json:"last_call_unix"`
}

// MetricsStore keeps per-provider EWMAs in memory and mirrors them to
// the shared KV best-effort, so a restarted process starts warm.
type MetricsStore struct {
	mu sync.RWMutex
	m  map[string]*ProviderMetrics
	kv infra.KV
}

// NewMetricsStore builds the store; kv may be nil.
func NewMetricsStore(kv infra.KV) *MetricsStore {
	return &MetricsStore{m: make(map[string]*ProviderMetrics), kv: kv}
}

// Record folds one call outcome into the provider's rolling view.
func (s *MetricsStore) Record(providerID string, latency time.Duration, success bool) {
	s.mu.Lock()
	pm, ok := s.m[providerID]
	if !ok {
		pm = &ProviderMetrics{}
		s.m[providerID] = pm
	}
	pm.Calls++
	pm.LastCall = time.Now().Unix()
	pm.LatencyEWMA = ewmaAlpha*float64(latency.Milliseconds()) + (1-ewmaAlpha)*pm.LatencyEWMA

	sample := 0.0
	if !success {
		sample = 1.0
		pm.Failures++
	}
	pm.ErrorRate = ewmaAlpha*sample + (1-ewmaAlpha)*pm.ErrorRate
	snapshot := *pm
	s.mu.Unlock()

	s.persist(providerID, snapshot)
}

// Get returns the rolling metrics, warming from KV on a cold miss.
func (s *MetricsStore) Get(providerID string) ProviderMetrics {
	s.mu.RLock()
	pm, ok := s.m[providerID]
	if ok {
		out := *pm
		s.mu.RUnlock()
		return out
	}
	s.mu.RUnlock()

	if s.kv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		raw, err := s.kv.Get(ctx, "router:metrics:"+providerID)
		if err == nil {
			var warm ProviderMetrics
			if json.Unmarshal([]byte(raw), &warm) == nil {
				s.mu.Lock()
				s.m[providerID] = &warm
				s.mu.Unlock()
				return warm
			}
		}
	}
	return ProviderMetrics{}
}

func (s *MetricsStore) persist(providerID string, pm ProviderMetrics) {
	if s.kv == nil {
		return
	}
	raw, err := json.Marshal(pm)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// Best-effort: a KV miss here only costs warm-start accuracy.
	_ = s.kv.Set(ctx, "router:metrics:"+providerID, string(raw), 24*time.Hour)
}

// Snapshot returns all known provider metrics for telemetry.
func (s *MetricsStore) Snapshot() map[string]ProviderMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ProviderMetrics, len(s.m))
	for id, pm := range s.m {
		out[id] = *pm
	}
	return out
}
