package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognigraph/backend/internal/config"
	"github.com/cognigraph/backend/internal/events"
	"github.com/cognigraph/backend/internal/graph"
)

type fakeBroker struct {
	healthy   bool
	published atomic.Int64
}

func (f *fakeBroker) Publish(ctx context.Context, t *Task) error {
	f.published.Add(1)
	return nil
}
func (f *fakeBroker) Healthy(ctx context.Context) bool { return f.healthy }
func (f *fakeBroker) Close() error                     { return nil }

func newTestPool(t *testing.T, bus *events.Bus, broker Broker) *Pool {
	t.Helper()
	return NewPool(config.WorkersConfig{QueueDepth: 16, TaskTimeout: 2 * time.Second},
		nil, bus, broker, nil, filepath.Join(t.TempDir(), "deadletter"))
}

func TestSubmitRunsTaskLocally(t *testing.T) {
	pool := newTestPool(t, nil, nil)

	var ran atomic.Int64
	done := make(chan struct{})
	pool.RegisterHandler("noop", func(ctx context.Context, task *Task) error {
		ran.Add(1)
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	require.NoError(t, pool.Submit(ctx, &Task{Queue: QueueToolsRO, Kind: "noop"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	assert.Equal(t, int64(1), ran.Load())
}

func TestSubmitUnknownQueueFails(t *testing.T) {
	pool := newTestPool(t, nil, nil)
	err := pool.Submit(context.Background(), &Task{Queue: "nope", Kind: "noop"})
	assert.Error(t, err)
}

func TestSubmitPrefersHealthyBroker(t *testing.T) {
	broker := &fakeBroker{healthy: true}
	pool := newTestPool(t, nil, broker)

	require.NoError(t, pool.Submit(context.Background(), &Task{Queue: QueueToolsRO, Kind: "noop"}))
	assert.Equal(t, int64(1), broker.published.Load())
	assert.Equal(t, int64(0), pool.fallbacks.Load())
}

func TestSubmitFallsBackWhenBrokerUnhealthy(t *testing.T) {
	bus := events.NewBus(nil, nil)
	sub := bus.Subscribe("test", 16)
	broker := &fakeBroker{healthy: false}
	pool := newTestPool(t, bus, broker)

	require.NoError(t, pool.Submit(context.Background(), &Task{Queue: QueueToolsRO, Kind: "noop"}))
	assert.Equal(t, int64(0), broker.published.Load())
	assert.Equal(t, int64(1), pool.fallbacks.Load())

	require.Equal(t, 1, len(sub.C))
	e := <-sub.C
	assert.Equal(t, events.KindAsyncFallback, e.Kind)
}

func TestExhaustedTaskIsDeadLettered(t *testing.T) {
	bus := events.NewBus(nil, nil)
	sub := bus.Subscribe("test", 16)
	pool := newTestPool(t, bus, nil)

	var calls atomic.Int64
	pool.RegisterHandler("boom", func(ctx context.Context, task *Task) error {
		calls.Add(1)
		return errors.New("always fails")
	})

	// Run inline via execute to keep the test deterministic.
	pool.execute(context.Background(), &Task{
		ID: "t1", Queue: QueueToolsRO, Kind: "boom",
	})

	// tools_ro gets one retry.
	assert.Equal(t, int64(2), calls.Load())

	entries, err := os.ReadDir(pool.deadletterDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var sawFailed bool
	for len(sub.C) > 0 {
		if e := <-sub.C; e.Kind == events.KindTaskFailed {
			sawFailed = true
			assert.Equal(t, "t1", e.Payload["task_id"])
		}
	}
	assert.True(t, sawFailed)
}

func TestRetryBudgetsPerQueue(t *testing.T) {
	assert.Equal(t, 2, queueAttempts[QueueToolsRO], "read-only tools: one retry")
	assert.Equal(t, 4, queueAttempts[QueueToolsMut], "mutating tools: three retries")
	assert.Equal(t, 4, queueAttempts[QueueGraphIngest])
	assert.Equal(t, 4, queueAttempts[QueueTTS])
	assert.Equal(t, 4, queueAttempts[QueueHousekeep])
}

func TestRetentionSweepArchivesOldArtifacts(t *testing.T) {
	store := graph.NewMemoryStore()
	driver := graph.NewDriver(store, nil, 4)
	ctx := context.Background()

	old := time.Now().UTC().Add(-60 * 24 * time.Hour).Format(time.RFC3339)
	recent := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, driver.Upsert(ctx, graph.Upsert{
		Labels: []string{"Artifact"}, ID: "a-old",
		Props: graph.Props{"kind": "tts_audio", "ts": old},
	}))
	require.NoError(t, driver.Upsert(ctx, graph.Upsert{
		Labels: []string{"Artifact"}, ID: "a-new",
		Props: graph.Props{"kind": "tts_audio", "ts": recent},
	}))

	sweeper := NewRetentionSweeper(driver, nil)
	require.NoError(t, sweeper.Handle(ctx, &Task{Kind: TaskKindRetentionSweep}))

	oldNode, err := driver.GetNode(ctx, "a-old")
	require.NoError(t, err)
	assert.Equal(t, true, oldNode.Props["archived"])

	newNode, err := driver.GetNode(ctx, "a-new")
	require.NoError(t, err)
	_, archived := newNode.Props["archived"]
	assert.False(t, archived)
}
