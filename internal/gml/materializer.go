// Package gml is the Graph Materialization Layer: the single bus
// subscriber that projects events into the graph. It is the only writer
// that turns the event stream into nodes and edges; everything it does
// is idempotent, so replaying the log is always safe.
package gml

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cognigraph/backend/internal/config"
	"github.com/cognigraph/backend/internal/events"
	"github.com/cognigraph/backend/internal/graph"
	"github.com/cognigraph/backend/internal/telemetry"
)

var (
	appliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gml_mutations_applied_total",
			Help: "Graph mutations applied by mutation kind",
		},
		[]string{"kind"},
	)
	dedupHitTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gml_mutation_dedup_hits_total",
			Help: "Mutations skipped because their id was already applied",
		},
	)
	unhandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gml_mutations_unhandled_total",
			Help: "Events with no mutation map entry or missing fields",
		},
		[]string{"event_kind"},
	)
	skippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gml_mutations_skipped_total",
			Help: "Mutations not applied, by reason",
		},
		[]string{"reason"},
	)
)

// Materializer consumes the bus and writes through the graph driver.
type Materializer struct {
	driver *graph.Driver
	dedupe *DedupeStore
	flags  *config.Flags
	fresh  *telemetry.Freshness
	logger *log.Logger

	applied     atomic.Int64
	deduped     atomic.Int64
	skipped     atomic.Int64
	lastSeq     atomic.Int64
	lastApplied atomic.Int64
}

// New wires the materializer. dedupe and fresh may be nil in tests.
func New(driver *graph.Driver, dedupe *DedupeStore, flags *config.Flags, fresh *telemetry.Freshness) *Materializer {
	return &Materializer{
		driver: driver,
		dedupe: dedupe,
		flags:  flags,
		fresh:  fresh,
		logger: log.New(log.Writer(), "[GML] ", log.LstdFlags),
	}
}

// Start subscribes to the bus and runs the consume loop until ctx ends.
func (m *Materializer) Start(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe("gml", 1024)
	go func() {
		defer bus.Unsubscribe(sub)
		m.Run(ctx, sub)
	}()
}

// Run drains the subscriber queue. A failed mutation never stops the
// loop; the event stays in the durable log for replay.
func (m *Materializer) Run(ctx context.Context, sub *events.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			m.Apply(ctx, e)
		}
	}
}

// Apply projects one event. The returned error is informational; the
// caller never retries inline.
func (m *Materializer) Apply(ctx context.Context, e *events.Event) error {
	if e == nil {
		return nil
	}
	m.lastSeq.Store(e.Seq)

	if m.flags != nil && !m.flags.MaterializerEnabled() {
		skippedTotal.WithLabelValues("disabled").Inc()
		m.skipped.Add(1)
		return nil
	}

	spec, ok := mutationMap[e.Kind]
	if !ok {
		unhandledTotal.WithLabelValues(e.Kind).Inc()
		return nil
	}
	ops, stableKey := spec.build(e)
	if len(ops) == 0 {
		unhandledTotal.WithLabelValues(e.Kind).Inc()
		return nil
	}

	mutationID := MutationID(e.EventID, spec.kind, stableKey)

	if m.dedupe != nil {
		seen, err := m.dedupe.Seen(ctx, mutationID)
		if err != nil {
			// Fail open: upserts are idempotent, a re-apply is harmless.
			m.logger.Printf("dedupe check failed for %s: %v", mutationID, err)
		} else if seen {
			dedupHitTotal.Inc()
			m.deduped.Add(1)
			return nil
		}
	}

	for _, op := range ops {
		if err := m.driver.Upsert(ctx, op); err != nil {
			if errors.Is(err, graph.ErrUnavailable) {
				skippedTotal.WithLabelValues("legacy").Inc()
			} else {
				skippedTotal.WithLabelValues("error").Inc()
				m.logger.Printf("upsert %s (%s) failed: %v", op.ID, spec.kind, err)
			}
			m.skipped.Add(1)
			return err
		}
	}

	m.stampComponent(ctx, spec.component)

	if m.dedupe != nil {
		if err := m.dedupe.Insert(ctx, mutationID); err != nil {
			m.logger.Printf("dedupe insert failed for %s: %v", mutationID, err)
		}
	}
	if m.fresh != nil {
		m.fresh.Touch(spec.layer)
	}
	appliedTotal.WithLabelValues(spec.kind).Inc()
	m.applied.Add(1)
	m.lastApplied.Store(time.Now().UnixNano())
	return nil
}

// LastApplied is the wall time of the last successful projection; zero
// until something has been applied.
func (m *Materializer) LastApplied() time.Time {
	ns := m.lastApplied.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// stampComponent updates the touched Component's freshness, best effort.
func (m *Materializer) stampComponent(ctx context.Context, component string) {
	if component == "" {
		return
	}
	err := m.driver.Upsert(ctx, graph.Upsert{
		Labels: []string{"Component"},
		ID:     component,
		Props:  graph.Props{"freshness_ts": time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil && !errors.Is(err, graph.ErrUnavailable) {
		m.logger.Printf("freshness stamp for %s failed: %v", component, err)
	}
	if err == nil && m.fresh != nil {
		m.fresh.Touch("components")
	}
}

// Replay re-applies every logged event with seq > checkpoint. Dedupe
// makes it a no-op for everything already materialized.
func (m *Materializer) Replay(ctx context.Context, eventLog *events.Log, checkpoint int64) (applied, deduped int64, err error) {
	beforeApplied, beforeDeduped := m.applied.Load(), m.deduped.Load()
	err = eventLog.ReadFrom(checkpoint, func(e *events.Event) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Driver-unavailable errors are already counted; keep replaying,
		// later events may hit a recovered backend.
		_ = m.Apply(ctx, e)
		return nil
	})
	return m.applied.Load() - beforeApplied, m.deduped.Load() - beforeDeduped, err
}

// Stats reports materializer progress for the telemetry snapshot.
func (m *Materializer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"applied":  m.applied.Load(),
		"deduped":  m.deduped.Load(),
		"skipped":  m.skipped.Load(),
		"last_seq": m.lastSeq.Load(),
	}
}
