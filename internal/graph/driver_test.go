package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognigraph/backend/internal/circuitbreaker"
	"github.com/cognigraph/backend/internal/redact"
)

// brokenStore fails every operation; it stands in for an unreachable
// backend.
type brokenStore struct{}

var errDown = errors.New("connection refused")

func (brokenStore) Upsert(context.Context, Upsert) error           { return errDown }
func (brokenStore) GetNode(context.Context, string) (*Node, error) { return nil, errDown }
func (brokenStore) QueryNodes(context.Context, string, Filter) ([]Node, error) {
	return nil, errDown
}
func (brokenStore) Relations(context.Context, string, string) ([]Rel, error) { return nil, errDown }
func (brokenStore) Ping(context.Context) error                               { return errDown }
func (brokenStore) Close() error                                             { return nil }

func TestDriverUpsertAndRead(t *testing.T) {
	store := NewMemoryStore()
	d := NewDriver(store, nil, 4)
	ctx := context.Background()

	err := d.Upsert(ctx, Upsert{Labels: []string{"Run"}, ID: "r1", Props: Props{"status": "running"}})
	require.NoError(t, err)

	node, err := d.GetNode(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "running", node.Props["status"])
	assert.False(t, d.LastOK().IsZero())
	assert.False(t, d.LegacyMode())
}

func TestDriverFailuresSurfaceAsUnavailable(t *testing.T) {
	d := NewDriver(brokenStore{}, nil, 4)
	ctx := context.Background()

	err := d.Upsert(ctx, Upsert{ID: "r1"})
	assert.ErrorIs(t, err, ErrUnavailable, "backend detail never reaches the caller")

	_, err = d.QueryNodes(ctx, "Run", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDriverBreakerOpensIntoLegacyMode(t *testing.T) {
	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "graph",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
	d := NewDriver(brokenStore{}, breaker, 4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, d.Ping(ctx), ErrUnavailable)
	}
	assert.True(t, d.LegacyMode())

	// Open breaker fails fast without touching the store.
	assert.ErrorIs(t, d.Upsert(ctx, Upsert{ID: "x"}), ErrUnavailable)
	assert.Equal(t, "OPEN", d.Stats()["breaker"])
	assert.Equal(t, true, d.Stats()["legacy_mode"])
}

func TestDriverRedactsProps(t *testing.T) {
	store := NewMemoryStore()
	d := NewDriver(store, nil, 4)
	ctx := context.Background()

	long := strings.Repeat("z", redact.MaxStrLenGraph+1)
	err := d.Upsert(ctx, Upsert{
		Labels: []string{"Artifact"},
		ID:     "a1",
		Props:  Props{"content": "raw body", "reply": long, "kind": "tts_audio"},
	})
	require.NoError(t, err)

	node, err := d.GetNode(ctx, "a1")
	require.NoError(t, err)
	assert.NotContains(t, node.Props, "content", "denied keys never reach the store")
	red, ok := node.Props["reply"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, red["_redacted"])
	assert.Equal(t, "tts_audio", node.Props["kind"])
}

func TestDriverGetNodeNotFound(t *testing.T) {
	d := NewDriver(NewMemoryStore(), nil, 4)
	_, err := d.GetNode(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// flakyStore rejects upserts for one node id and accepts the rest.
type flakyStore struct {
	*MemoryStore
	badID string
}

func (s *flakyStore) Upsert(ctx context.Context, u Upsert) error {
	if u.ID == s.badID {
		return errDown
	}
	return s.MemoryStore.Upsert(ctx, u)
}

func TestDriverSeedContinuesPastFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), badID: "bad"}
	d := NewDriver(store, nil, 4)
	ctx := context.Background()

	d.Seed(ctx, []string{"bad", "good"}, map[string]string{"local-echo": "chat"})

	node, err := d.GetNode(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "unknown", node.Props["status"])

	provider, err := d.GetNode(ctx, "local-echo")
	require.NoError(t, err)
	assert.Equal(t, "chat", provider.Props["kind"])

	_, err = d.GetNode(ctx, "bad")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDriverSeed(t *testing.T) {
	store := NewMemoryStore()
	d := NewDriver(store, nil, 4)
	ctx := context.Background()

	d.Seed(ctx, []string{"chat_cp", "router"}, map[string]string{"local-echo": "chat"})

	components, err := d.QueryNodes(ctx, "Component", nil)
	require.NoError(t, err)
	assert.Len(t, components, 2)

	provider, err := d.GetNode(ctx, "local-echo")
	require.NoError(t, err)
	assert.Equal(t, "chat", provider.Props["kind"])
	assert.Equal(t, true, provider.Props["enabled"])
}
