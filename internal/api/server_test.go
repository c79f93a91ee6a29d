package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognigraph/backend/internal/chat"
	"github.com/cognigraph/backend/internal/circuitbreaker"
	"github.com/cognigraph/backend/internal/config"
	"github.com/cognigraph/backend/internal/events"
	"github.com/cognigraph/backend/internal/policy"
	"github.com/cognigraph/backend/internal/router"
	"github.com/cognigraph/backend/internal/telemetry"
	"github.com/cognigraph/backend/internal/workers"
)

func newTestServer(t *testing.T, providers ...router.Provider) (*Server, *events.Bus) {
	t.Helper()

	eventLog, err := events.OpenLog(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { eventLog.Close() })

	bus := events.NewBus(eventLog, nil)
	flags := config.NewFlags(config.FlagDefaults{RouterEnabled: true})

	gate, err := policy.Load("does-not-exist.yaml")
	require.NoError(t, err)

	rt := router.New(config.RouterConfig{MaxFallbacks: 1, ProviderTimeout: time.Second},
		flags, router.NewMetricsStore(nil), circuitbreaker.NewManager(nil), nil, bus)
	if len(providers) == 0 {
		providers = []router.Provider{router.NewLocalEchoProvider()}
	}
	for _, p := range providers {
		rt.Register(p)
	}

	cp := chat.New(config.ChatConfig{StageBudget: time.Second, RequestTimeout: 5 * time.Second},
		nil, chat.NewClassifier(nil, false), gate, rt, bus)

	pool := workers.NewPool(config.WorkersConfig{QueueDepth: 8, TaskTimeout: time.Second},
		flags, bus, nil, nil, t.TempDir())

	tel := telemetry.New(telemetry.NewFreshness())

	return NewServer(cp, bus, eventLog, tel, flags, nil, gate, pool), bus
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rec := doJSON(t, h, "POST", "/chat", map[string]string{
		"message": "hello there",
		"user_id": "u1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chat.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.Reply)
}

// stubProvider fails every call with a scripted error.
type stubProvider struct {
	id  string
	err error
}

func (p *stubProvider) ID() string         { return p.id }
func (p *stubProvider) Kind() string       { return "chat" }
func (p *stubProvider) CostUnits() float64 { return 1 }
func (p *stubProvider) MaxContext() int    { return 1 << 20 }
func (p *stubProvider) Stream(ctx context.Context, req router.Request) (<-chan router.Chunk, error) {
	return nil, p.err
}

func TestChatDegradedMapsToServiceUnavailable(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{id: "down", err: errors.New("upstream exploded")})

	rec := doJSON(t, srv.Router(), "POST", "/chat", map[string]string{
		"message": "hello there",
		"user_id": "u1",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp chat.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.NotEmpty(t, resp.Reply)
}

func TestChatTimeoutMapsToRequestTimeout(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{id: "slow", err: context.DeadlineExceeded})

	rec := doJSON(t, srv.Router(), "POST", "/chat", map[string]string{
		"message": "hello there",
		"user_id": "u1",
	})
	require.Equal(t, http.StatusRequestTimeout, rec.Code)

	var resp chat.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "upstream timeout", resp.Reason)
}

func TestChatRequiresMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), "POST", "/chat", map[string]string{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestObservabilityEndpointsAlwaysAnswer(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	for _, path := range []string{"/health", "/telemetry", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := doJSON(t, h, "GET", "/telemetry", nil)
	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Contains(t, snap, "integrity_degraded")
	assert.Contains(t, snap, "requests")
}

func TestEventReplayWindow(t *testing.T) {
	srv, bus := newTestServer(t)
	h := srv.Router()

	for i := 0; i < 3; i++ {
		bus.Emit(events.KindChatMessage, "conv-1", "trace-1", map[string]interface{}{
			"run_id": "r1", "status": "running",
		})
	}

	rec := doJSON(t, h, "GET", "/v1/events?from=2&to=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Count  int             `json:"count"`
		Events []*events.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, int64(2), out.Events[0].Seq)

	rec = doJSON(t, h, "GET", "/v1/events", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetFlagEmitsEvent(t *testing.T) {
	srv, bus := newTestServer(t)
	sub := bus.Subscribe("test", 16)
	h := srv.Router()

	rec := doJSON(t, h, "POST", "/internal/flags", map[string]interface{}{
		"name": "canary_percent", "value": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var saw bool
	for len(sub.C) > 0 {
		if e := <-sub.C; e.Kind == events.KindFeatureFlag {
			saw = true
			assert.Equal(t, "canary_percent", e.Payload["name"])
		}
	}
	assert.True(t, saw)

	rec = doJSON(t, h, "POST", "/internal/flags", map[string]interface{}{
		"name": "canary_percent", "value": 37,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "canary must be a known step")
}

func TestCreateMutatingTaskNeedsApproval(t *testing.T) {
	srv, bus := newTestServer(t)
	sub := bus.Subscribe("test", 16)
	h := srv.Router()

	rec := doJSON(t, h, "POST", "/internal/tasks", map[string]interface{}{
		"kind":     "run command",
		"queue":    workers.QueueToolsMut,
		"mutating": true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "waiting_approval", resp["status"])
	approvalID, _ := resp["approval_id"].(string)
	require.NotEmpty(t, approvalID)

	var sawApproval bool
	for len(sub.C) > 0 {
		if e := <-sub.C; e.Kind == events.KindApprovalRequested {
			sawApproval = true
		}
	}
	assert.True(t, sawApproval)

	// Resolve it; the task moves to running via a task update event.
	sub2 := bus.Subscribe("test2", 16)
	rec = doJSON(t, h, "POST", "/internal/approvals/"+approvalID, map[string]interface{}{
		"status": "approved", "resolved_by": "op-1", "task_id": resp["task_id"],
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var sawUpdate bool
	for len(sub2.C) > 0 {
		if e := <-sub2.C; e.Kind == events.KindTaskUpdated {
			sawUpdate = true
			assert.Equal(t, "running", e.Payload["status"])
		}
	}
	assert.True(t, sawUpdate)
}

func TestVoiceRejectsRawAudio(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rec := doJSON(t, h, "POST", "/v1/voice/asr", map[string]interface{}{
		"session_id": "s1",
		"audio_b64":  "UklGRg==",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestVoiceSessionLifecycle(t *testing.T) {
	srv, bus := newTestServer(t)
	sub := bus.Subscribe("test", 16)
	h := srv.Router()

	rec := doJSON(t, h, "POST", "/v1/voice/session", map[string]interface{}{})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	sessionID, _ := resp["session_id"].(string)
	require.NotEmpty(t, sessionID)

	rec = doJSON(t, h, "POST", "/v1/voice/asr", map[string]interface{}{
		"session_id": sessionID,
		"transcript": "turn on the lights",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	kinds := map[string]bool{}
	var asrPayload map[string]interface{}
	for len(sub.C) > 0 {
		e := <-sub.C
		kinds[e.Kind] = true
		if e.Kind == events.KindVoiceASRFinal {
			asrPayload = e.Payload
		}
	}
	assert.True(t, kinds[events.KindVoiceSessionStarted])
	assert.True(t, kinds[events.KindVoiceASRFinal])
	require.NotNil(t, asrPayload)
	assert.NotContains(t, asrPayload, "transcript", "raw transcript must never reach the bus")
	assert.Contains(t, asrPayload, "transcript_hash")
}
