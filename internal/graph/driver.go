package graph

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cognigraph/backend/internal/circuitbreaker"
	"github.com/cognigraph/backend/internal/redact"
)

// ErrUnavailable is the fail-open signal: the graph is down or the
// breaker is open, the caller carries on without it.
var ErrUnavailable = errors.New("graph: unavailable (legacy mode)")

// DefaultAcquireTimeout bounds the wait for a pool slot.
const DefaultAcquireTimeout = 2 * time.Second

var (
	driverOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graph_driver_ops_total",
			Help: "Graph driver operations by kind and outcome",
		},
		[]string{"op", "outcome"},
	)
	driverLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graph_driver_latency_seconds",
			Help:    "Graph driver operation latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"op"},
	)
)

// Driver wraps a Store with the operational discipline every caller
// relies on: bounded connection acquisition, a circuit breaker, a
// second redaction pass on properties, and fail-open error reporting.
type Driver struct {
	store    Store
	breaker  *circuitbreaker.CircuitBreaker
	redactor *redact.Redactor

	slots          chan struct{}
	acquireTimeout time.Duration

	lastOK  atomic.Int64 // unix nanos of last successful op
	lastErr atomic.Int64
}

// NewDriver builds the driver. The breaker is shared with telemetry so
// /telemetry can report the open/closed state.
func NewDriver(store Store, breaker *circuitbreaker.CircuitBreaker, poolSize int) *Driver {
	if poolSize <= 0 {
		poolSize = 16
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("graph"))
	}
	return &Driver{
		store:          store,
		breaker:        breaker,
		redactor:       redact.New(redact.MaxStrLenGraph, "graph"),
		slots:          make(chan struct{}, poolSize),
		acquireTimeout: DefaultAcquireTimeout,
	}
}

// LegacyMode reports whether the breaker currently refuses graph work.
func (d *Driver) LegacyMode() bool {
	return d.breaker.State() == circuitbreaker.StateOpen
}

// LastOK returns the time of the last successful operation, zero if none.
func (d *Driver) LastOK() time.Time {
	n := d.lastOK.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// acquire takes a pool slot within the bounded wait.
func (d *Driver) acquire(ctx context.Context) (release func(), err error) {
	timer := time.NewTimer(d.acquireTimeout)
	defer timer.Stop()
	select {
	case d.slots <- struct{}{}:
		return func() { <-d.slots }, nil
	case <-timer.C:
		return nil, ErrUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// do wraps one store call in the breaker, the slot pool, and the
// outcome bookkeeping. Errors surface as ErrUnavailable; detail is
// logged, never propagated to the request path.
func (d *Driver) do(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := d.breaker.Allow(); err != nil {
		driverOps.WithLabelValues(op, "circuit_open").Inc()
		return ErrUnavailable
	}

	release, err := d.acquire(ctx)
	if err != nil {
		d.breaker.Record(false)
		driverOps.WithLabelValues(op, "acquire_timeout").Inc()
		return ErrUnavailable
	}
	defer release()

	start := time.Now()
	err = fn(ctx)
	driverLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		d.breaker.Record(false)
		d.lastErr.Store(time.Now().UnixNano())
		driverOps.WithLabelValues(op, "error").Inc()
		slog.Warn("graph op failed", "op", op, "error", err)
		return ErrUnavailable
	}
	d.breaker.Record(true)
	d.lastOK.Store(time.Now().UnixNano())
	driverOps.WithLabelValues(op, "ok").Inc()
	return nil
}

// Upsert merges a node and its relationships. Properties pass the graph
// redaction boundary here regardless of what the caller already did.
func (d *Driver) Upsert(ctx context.Context, u Upsert) error {
	u.Props = Props(d.redactor.Walk(map[string]interface{}(u.Props)))
	for i := range u.Rels {
		if u.Rels[i].Props != nil {
			u.Rels[i].Props = Props(d.redactor.Walk(map[string]interface{}(u.Rels[i].Props)))
		}
	}
	return d.do(ctx, "upsert", func(ctx context.Context) error {
		return d.store.Upsert(ctx, u)
	})
}

// GetNode reads one node; returns ErrNotFound or ErrUnavailable.
func (d *Driver) GetNode(ctx context.Context, id string) (*Node, error) {
	var node *Node
	err := d.do(ctx, "get", func(ctx context.Context) error {
		n, err := d.store.GetNode(ctx, id)
		if errors.Is(err, ErrNotFound) {
			node = nil
			return nil
		}
		node = n
		return err
	})
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, ErrNotFound
	}
	return node, nil
}

// QueryNodes runs a parameterized read.
func (d *Driver) QueryNodes(ctx context.Context, label string, filter Filter) ([]Node, error) {
	var out []Node
	err := d.do(ctx, "query", func(ctx context.Context) error {
		nodes, err := d.store.QueryNodes(ctx, label, filter)
		out = nodes
		return err
	})
	return out, err
}

// Relations lists outgoing edges from a node.
func (d *Driver) Relations(ctx context.Context, srcID, relType string) ([]Rel, error) {
	var out []Rel
	err := d.do(ctx, "relations", func(ctx context.Context) error {
		rels, err := d.store.Relations(ctx, srcID, relType)
		out = rels
		return err
	})
	return out, err
}

// Ping checks the backend without tripping counters on callers' behalf.
func (d *Driver) Ping(ctx context.Context) error {
	return d.do(ctx, "ping", func(ctx context.Context) error {
		return d.store.Ping(ctx)
	})
}

// Close releases the underlying store.
func (d *Driver) Close() error { return d.store.Close() }

// Stats reports driver health for the telemetry snapshot.
func (d *Driver) Stats() map[string]interface{} {
	var lastOK, lastErr interface{} = "unknown", "unknown"
	if n := d.lastOK.Load(); n > 0 {
		lastOK = time.Unix(0, n).UTC().Format(time.RFC3339)
	}
	if n := d.lastErr.Load(); n > 0 {
		lastErr = time.Unix(0, n).UTC().Format(time.RFC3339)
	}
	return map[string]interface{}{
		"breaker":     d.breaker.State().String(),
		"legacy_mode": d.LegacyMode(),
		"last_ok_ts":  lastOK,
		"last_err_ts": lastErr,
	}
}

// Seed writes the bootstrap Component and Provider nodes. Failures are
// tolerated: a down graph at bring-up is the legacy-mode path.
func (d *Driver) Seed(ctx context.Context, components []string, providers map[string]string) {
	for _, c := range components {
		err := d.Upsert(ctx, Upsert{
			Labels: []string{"Component"},
			ID:     c,
			Props:  Props{"status": "unknown", "version": "v1"},
		})
		if err != nil {
			slog.Warn("component seed skipped", "component", c, "error", err)
			continue
		}
	}
	for id, kind := range providers {
		err := d.Upsert(ctx, Upsert{
			Labels: []string{"Provider"},
			ID:     id,
			Props:  Props{"kind": kind, "enabled": true},
		})
		if err != nil {
			slog.Warn("provider seed skipped", "provider", id, "error", err)
			continue
		}
	}
}
