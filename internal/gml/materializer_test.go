package gml

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognigraph/backend/internal/events"
	"github.com/cognigraph/backend/internal/graph"
	"github.com/cognigraph/backend/internal/telemetry"
)

func newTestMaterializer(t *testing.T) (*Materializer, *graph.MemoryStore, *graph.Driver) {
	t.Helper()
	store := graph.NewMemoryStore()
	driver := graph.NewDriver(store, nil, 4)

	dedupe, err := OpenDedupe(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { dedupe.Close() })

	return New(driver, dedupe, nil, telemetry.NewFreshness()), store, driver
}

func TestApplyRunStepCreatesStepAndRelation(t *testing.T) {
	m, _, driver := newTestMaterializer(t)
	ctx := context.Background()

	runID := graph.NodeID("conv-1", "turn-1")
	e := events.New(events.KindRunStep, "conv-1", "trace-1", map[string]interface{}{
		"run_id":     runID,
		"name":       "route",
		"order":      4,
		"status":     "success",
		"latency_ms": 120,
		"picked_provider": "local-echo",
	})
	e.Seq = 1
	require.NoError(t, m.Apply(ctx, e))

	stepID := graph.NodeID(runID, "route")
	step, err := driver.GetNode(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, "success", step.Props["status"])
	assert.Equal(t, "route", step.Props["name"])

	rels, err := driver.Relations(ctx, runID, "HAS_STEP")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, stepID, rels[0].TargetID)

	used, err := driver.Relations(ctx, runID, "USED_PROVIDER")
	require.NoError(t, err)
	require.Len(t, used, 1)
	assert.Equal(t, "local-echo", used[0].TargetID)
}

func TestApplyIsIdempotent(t *testing.T) {
	m, store, _ := newTestMaterializer(t)
	ctx := context.Background()

	e := events.New(events.KindChatMessage, "conv-1", "trace-1", map[string]interface{}{
		"run_id": graph.NodeID("conv-1", "turn-1"),
		"status": "running",
	})
	e.Seq = 1

	require.NoError(t, m.Apply(ctx, e))
	before := store.NodeCount()
	applied := m.applied.Load()

	// Same event again: dedupe must swallow it.
	require.NoError(t, m.Apply(ctx, e))
	assert.Equal(t, before, store.NodeCount())
	assert.Equal(t, applied, m.applied.Load())
	assert.Equal(t, int64(1), m.deduped.Load())
}

func TestApplyUnknownKindIsQuarantined(t *testing.T) {
	m, store, _ := newTestMaterializer(t)

	e := events.New("mystery.kind", "", "trace-1", map[string]interface{}{"x": 1})
	require.NoError(t, m.Apply(context.Background(), e))
	assert.Equal(t, 0, store.NodeCount())
	assert.Equal(t, int64(0), m.applied.Load())
}

func TestRunRecordsPickedProviderAndFallbacks(t *testing.T) {
	m, _, driver := newTestMaterializer(t)
	ctx := context.Background()
	runID := graph.NodeID("conv-1", "turn-1")

	e := events.New(events.KindChatMessage, "conv-1", "trace-1", map[string]interface{}{
		"run_id":          runID,
		"status":          "ok",
		"picked_provider": "secondary",
		"fallbacks_count": float64(1),
	})
	require.NoError(t, m.Apply(ctx, e))

	run, err := driver.GetNode(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "secondary", run.Props["picked_provider"])
	assert.Equal(t, float64(1), run.Props["fallbacks_count"])
}

func TestRunStatusNeverReopens(t *testing.T) {
	m, _, driver := newTestMaterializer(t)
	ctx := context.Background()
	runID := graph.NodeID("conv-1", "turn-1")

	for _, status := range []string{"running", "ok", "running"} {
		e := events.New(events.KindChatMessage, "conv-1", "trace-1", map[string]interface{}{
			"run_id": runID,
			"status": status,
		})
		require.NoError(t, m.Apply(ctx, e))
	}

	run, err := driver.GetNode(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "ok", run.Props["status"], "terminal run must stay terminal")
}

func TestApprovalResolvesExactlyOnce(t *testing.T) {
	m, _, driver := newTestMaterializer(t)
	ctx := context.Background()

	req := events.New(events.KindApprovalRequested, "conv-1", "trace-1", map[string]interface{}{
		"approval_id": "appr-1",
		"policy_id":   "test_gate_v1",
		"scope":       "run",
	})
	require.NoError(t, m.Apply(ctx, req))

	first := events.New(events.KindApprovalResolved, "conv-1", "trace-1", map[string]interface{}{
		"approval_id": "appr-1",
		"status":      "approved",
		"resolved_by": "operator-1",
	})
	require.NoError(t, m.Apply(ctx, first))

	second := events.New(events.KindApprovalResolved, "conv-1", "trace-1", map[string]interface{}{
		"approval_id": "appr-1",
		"status":      "rejected",
		"resolved_by": "operator-2",
	})
	require.NoError(t, m.Apply(ctx, second))

	node, err := driver.GetNode(ctx, "appr-1")
	require.NoError(t, err)
	assert.Equal(t, "approved", node.Props["status"])
	assert.Equal(t, "operator-1", node.Props["resolved_by"])
}

func TestReplayFromLogIsIdempotent(t *testing.T) {
	m, store, _ := newTestMaterializer(t)
	ctx := context.Background()

	dir := t.TempDir()
	eventLog, err := events.OpenLog(dir, 0)
	require.NoError(t, err)
	defer eventLog.Close()

	bus := events.NewBus(eventLog, nil)
	for i := 0; i < 5; i++ {
		bus.Emit(events.KindChatMessage, "conv-1", "trace-1", map[string]interface{}{
			"run_id": graph.NodeID("conv-1", "turn", string(rune('a'+i))),
			"status": "running",
		})
	}

	applied, deduped, err := m.Replay(ctx, eventLog, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), applied)
	assert.Equal(t, int64(0), deduped)
	nodesAfterFirst := store.NodeCount()

	applied, deduped, err = m.Replay(ctx, eventLog, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), applied)
	assert.Equal(t, int64(5), deduped)
	assert.Equal(t, nodesAfterFirst, store.NodeCount())
}

func TestDedupePrune(t *testing.T) {
	dedupe, err := OpenDedupe(":memory:")
	require.NoError(t, err)
	defer dedupe.Close()

	ctx := context.Background()
	require.NoError(t, dedupe.Insert(ctx, "m1"))
	require.NoError(t, dedupe.Insert(ctx, "m2"))

	seen, err := dedupe.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, seen)

	// Nothing is older than an hour yet.
	removed, err := dedupe.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	n, err := dedupe.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
