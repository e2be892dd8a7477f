package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexcore/internal/affect"
	"github.com/normanking/cortexcore/internal/config"
	"github.com/normanking/cortexcore/internal/data"
	"github.com/normanking/cortexcore/internal/degradation"
	"github.com/normanking/cortexcore/internal/faults"
	"github.com/normanking/cortexcore/internal/llm"
	"github.com/normanking/cortexcore/internal/memory"
	"github.com/normanking/cortexcore/internal/metrics"
	"github.com/normanking/cortexcore/internal/orchestrator"
	"github.com/normanking/cortexcore/internal/resource"
	"github.com/normanking/cortexcore/internal/router"
	"github.com/normanking/cortexcore/internal/safety"
)

// stubProvider answers every chat with the current reply.
type stubProvider struct {
	mu    sync.Mutex
	reply string
}

func (p *stubProvider) Name() string    { return "stub" }
func (p *stubProvider) Available() bool { return true }

func (p *stubProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &llm.ChatResponse{Content: p.reply, Provider: "stub", Model: "stub-1"}, nil
}

func (p *stubProvider) set(reply string) {
	p.mu.Lock()
	p.reply = reply
	p.mu.Unlock()
}

type harness struct {
	ts       *httptest.Server
	srv      *Server
	provider *stubProvider
	monitor  *degradation.Monitor
	store    *resource.SQLiteStore
	engine   *affect.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := data.Open(data.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := metrics.NewRegistry()
	mx := metrics.New(reg)

	mcfg := degradation.DefaultConfig()
	mcfg.FailureThreshold = 1
	mcfg.Cooldown = 0
	monitor := degradation.NewMonitor(mcfg, degradation.WithMetrics(mx))
	require.NoError(t, monitor.Register(degradation.Dependency{Name: "memory", Role: degradation.RoleMemory}))
	require.NoError(t, monitor.Register(degradation.Dependency{Name: degradation.ProvidersDependency, Role: degradation.RoleGeneration}))

	h := &harness{provider: &stubProvider{reply: "Hi there."}, monitor: monitor, store: resource.NewSQLiteStore(db)}

	rt, err := router.New(router.DefaultConfig(), []router.Entry{{Provider: h.provider}},
		router.WithObserver(monitor), router.WithMetrics(mx))
	require.NoError(t, err)

	engine := affect.NewEngine(affect.DefaultConfig())
	h.engine = engine
	caps, err := safety.NewCapabilities(safety.DefaultCapabilities())
	require.NoError(t, err)
	net := safety.New(safety.DefaultConfig(), caps, h.store, safety.NewSQLiteLog(db), resource.NewMemLocker(),
		safety.WithPenalizer(engine), safety.WithModeSource(monitor), safety.WithMetrics(mx))
	for _, tool := range safety.ResourceTools(h.store) {
		require.NoError(t, net.Register(tool))
	}

	pcfg := orchestrator.DefaultConfig()
	pcfg.ActorTiers = map[string]safety.TrustTier{"alice": safety.TierDelegate}
	pipe, err := orchestrator.NewPipeline(pcfg, orchestrator.Deps{
		Engine:    engine,
		Retriever: memory.NewKeywordRetriever(memory.DefaultKeywordConfig()),
		Generator: rt,
		Modes:     monitor,
		Net:       net,
		Turns:     orchestrator.NewSQLiteTurnLog(db),
	}, orchestrator.WithMetrics(mx))
	require.NoError(t, err)

	core := orchestrator.NewCore(pipe, orchestrator.NewPool(2), monitor, rt)
	h.srv = New(core, config.Default().Server, reg)
	h.ts = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		h.srv.Close()
		h.ts.Close()
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func errorKind(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	k, _ := e["kind"].(string)
	return k
}

func TestTurnEndpoint(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/turns", map[string]any{"actor_id": "bob", "input": "hello there"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hi there.", body["text"])
	assert.Equal(t, "full", body["mode"])
	assert.Equal(t, "stub", body["provider"])
	assert.Equal(t, false, body["degraded"])
	assert.NotEmpty(t, body["turn_id"])

	resp, body = h.do(t, http.MethodGet, "/api/actors/bob/turns", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["turns"], 1)
}

func TestTurnValidation(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/turns", map[string]any{"actor_id": "bob", "input": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", errorKind(body))

	resp, body = h.do(t, http.MethodPost, "/api/turns", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", errorKind(body))

	resp, _ = h.do(t, http.MethodGet, "/api/turns", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestBatchEndpoint(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/turns/batch", map[string]any{
		"requests": []map[string]any{
			{"actor_id": "a", "input": "first"},
			{"actor_id": "b", "input": ""},
			{"actor_id": "c", "input": "third"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := body["results"].([]any)
	require.Len(t, results, 3)
	assert.NotNil(t, results[0].(map[string]any)["response"])
	assert.Equal(t, "invalid_input", errorKind(results[1].(map[string]any)))
	assert.NotNil(t, results[2].(map[string]any)["response"])

	resp, _ = h.do(t, http.MethodPost, "/api/turns/batch", map[string]any{"requests": []any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStateEndpoint(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/api/actors/carol/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "peer", body["posture"])
	assert.InDelta(t, 0.5, body["trust"], 1e-9)
	drift := body["drift"].(map[string]any)
	assert.EqualValues(t, 0, drift["updates"])

	trust := 0.9
	h.engine.Update("carol", affect.PartialState{Trust: &trust}, 1)
	_, body = h.do(t, http.MethodGet, "/api/actors/carol/state", nil)
	drift = body["drift"].(map[string]any)
	assert.EqualValues(t, 1, drift["updates"])
	assert.Greater(t, drift["net"].(map[string]any)["trust"].(float64), 0.0)
}

func TestActionAndRollback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.set(`Saving it. <tool>write_resource</tool><params>{"id": "notes/todo", "content": "buy milk"}</params>`)
	resp, body := h.do(t, http.MethodPost, "/api/turns", map[string]any{"actor_id": "alice", "input": "save my todo"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	action := body["action"].(map[string]any)
	actionID := action["action_id"].(string)
	require.NotEmpty(t, actionID)

	r, err := h.store.Read(ctx, "notes/todo")
	require.NoError(t, err)
	assert.Equal(t, "buy milk", string(r.Content))

	resp, body = h.do(t, http.MethodGet, "/api/actors/alice/actions?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["actions"], 1)

	resp, body = h.do(t, http.MethodPost, "/api/actions/"+actionID+"/rollback", map[string]any{"reason": "wrong list"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, actionID, body["action_id"])

	_, err = h.store.Read(ctx, "notes/todo")
	assert.True(t, errors.Is(err, faults.ErrNotFound))

	resp, body = h.do(t, http.MethodPost, "/api/actions/"+actionID+"/rollback", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "rollback_failed", errorKind(body))

	resp, _ = h.do(t, http.MethodPost, "/api/actions/nope/rollback", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListLimit(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/api/actors/bob/turns?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", errorKind(body))
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "full", body["mode"])
	assert.Len(t, body["dependencies"], 2)
	assert.Len(t, body["providers"], 1)

	h.monitor.Report("memory", errors.New("connection refused"))
	h.monitor.Report(degradation.ProvidersDependency, errors.New("all down"))

	resp, body = h.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "dead", body["mode"])

	// Dead turns still answer, with the fixed safe response.
	resp, body = h.do(t, http.MethodPost, "/api/turns", map[string]any{"actor_id": "bob", "input": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["degraded"])
	assert.Equal(t, orchestrator.DefaultConfig().SafeResponse, body["text"])
}

func TestHealthStream(t *testing.T) {
	h := newHarness(t)

	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/api/health/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first streamEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "health", first.Type)
	require.NotNil(t, first.Health)
	assert.Equal(t, degradation.ModeFull, first.Health.Mode)

	h.monitor.Report("memory", errors.New("timeout"))

	var next streamEvent
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "transition", next.Type)
	require.NotNil(t, next.Transition)
	assert.Equal(t, degradation.ModeFull, next.Transition.From)
	assert.Equal(t, degradation.ModeAmnesia, next.Transition.To)

	h.srv.Close()
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/api/turns", map[string]any{"actor_id": "bob", "input": "hello"})

	resp, err := http.Get(h.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "cortex_turns_total")
	assert.Contains(t, string(raw), "cortex_provider_calls_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind faults.Kind
		want int
	}{
		{faults.KindInvalidInput, http.StatusBadRequest},
		{faults.KindNotFound, http.StatusNotFound},
		{faults.KindPermissionDenied, http.StatusForbidden},
		{faults.KindSnapshotConflict, http.StatusConflict},
		{faults.KindRollbackFailed, http.StatusConflict},
		{faults.KindSystemDegraded, http.StatusServiceUnavailable},
		{faults.KindAllProvidersExhausted, http.StatusServiceUnavailable},
		{faults.KindProviderTransient, http.StatusBadGateway},
		{faults.KindCancelled, http.StatusRequestTimeout},
		{faults.KindStepFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(faults.New(tt.kind, "test", "boom")))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("plain")))
}
