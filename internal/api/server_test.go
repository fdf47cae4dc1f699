package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordcore/coordinator/internal/auth"
	"github.com/coordcore/coordinator/internal/clock"
	"github.com/coordcore/coordinator/internal/coord"
	"github.com/coordcore/coordinator/internal/dispatch"
	"github.com/coordcore/coordinator/internal/events"
	"github.com/coordcore/coordinator/internal/health"
	"github.com/coordcore/coordinator/internal/ingest"
	"github.com/coordcore/coordinator/internal/logproc"
	"github.com/coordcore/coordinator/internal/registry"
	"github.com/coordcore/coordinator/internal/store"
)

const (
	adminToken  = "sk-test-admin"
	clientToken = "sk-test-client"
	mcpToken    = "sk-test-mcp"
)

type fixture struct {
	srv       *httptest.Server
	registry  *registry.Store
	queue     *ingest.Queue
	processor *logproc.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// Real clock: dispatch deadlines are compared against wall time inside
	// the dispatcher's HTTP context.
	clk := clock.System()

	tokens := filepath.Join(t.TempDir(), "tokens.yaml")
	require.NoError(t, os.WriteFile(tokens, []byte(`
tokens:
  - token: `+adminToken+`
    principal: ops
    scope: admin
  - token: `+clientToken+`
    principal: client-1
    scope: client
  - token: `+mcpToken+`
    principal: mcp-operator
    scope: mcp
    mcp_id: mcp-a
`), 0o600))
	validator := auth.NewValidator("test-secret", clk, auth.NewMemoryCache(clk))
	require.NoError(t, validator.LoadStaticTokens(tokens))

	reg := registry.NewStore(clk)
	fileStore, err := store.OpenFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fileStore.Close() })

	queue := ingest.NewQueue(64)
	processor := logproc.NewProcessor(queue, fileStore, nil, reg.RecordOutcome, clk, nil)
	bus := events.NewBus()

	server := NewServer(Deps{
		Registry:    reg,
		Monitor:     health.NewMonitor(reg, clk),
		Coordinator: coord.New(reg, dispatch.New(), clk, nil),
		Processor:   processor,
		Queue:       queue,
		Bus:         bus,
		Validator:   validator,
		Clock:       clk,
	})
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, registry: reg, queue: queue, processor: processor}
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func registerMCP(t *testing.T, f *fixture, endpoint string) string {
	t.Helper()
	resp, env := f.do(t, "POST", "/api/v1/register", adminToken, registry.RegistrationRequest{
		Kind:         "workflow_primary",
		Endpoint:     endpoint,
		Capabilities: []string{"document_ocr"},
		Workflows:    []string{"ocr"},
		Tier:         "high",
		Version:      "1.0.0",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.OK)
	data := env.Data.(map[string]interface{})
	id := data["mcp_id"].(string)
	require.NotEmpty(t, id)

	cfg := data["config"].(map[string]interface{})
	assert.Equal(t, "/api/v2/interactions", cfg["ingestion_endpoint"])
	assert.Equal(t, float64(HeartbeatPeriodS), cfg["heartbeat_period_s"])
	return id
}

func TestRegisterAndDispatch(t *testing.T) {
	f := newFixture(t)

	var gotPayload json.RawMessage
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Payload json.RawMessage `json:"payload"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotPayload = body.Payload
		fmt.Fprint(w, `{"ok":true,"result":{"text":"done"}}`)
	}))
	defer backend.Close()

	mcpID := registerMCP(t, f, backend.URL)

	resp, env := f.do(t, "POST", "/api/v1/dispatch", clientToken, map[string]interface{}{
		"workflow":     "ocr",
		"capabilities": []string{"document_ocr"},
		"payload":      map[string]string{"img": "abc"},
		"deadline_ms":  5000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.OK)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, mcpID, data["mcp_id"])
	assert.JSONEq(t, `{"img":"abc"}`, string(gotPayload))
}

func TestDispatch_WorkflowOptional(t *testing.T) {
	f := newFixture(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{}}`)
	}))
	defer backend.Close()
	mcpID := registerMCP(t, f, backend.URL)

	// No workflow tag: capability matching alone selects the candidate.
	resp, env := f.do(t, "POST", "/api/v1/dispatch", clientToken, map[string]interface{}{
		"capabilities": []string{"document_ocr"},
		"deadline_ms":  5000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.OK)
	assert.Equal(t, mcpID, env.Data.(map[string]interface{})["mcp_id"])
}

func TestDispatch_NoCandidates(t *testing.T) {
	f := newFixture(t)
	resp, env := f.do(t, "POST", "/api/v1/dispatch", clientToken, map[string]interface{}{
		"workflow": "ocr",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, coord.KindNoCandidateAvailable, env.Error.Kind)
}

func TestAuth_Planes(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, "POST", "/api/v1/dispatch", "", map[string]interface{}{"workflow": "ocr"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, ErrUnauthenticated, env.Error.Kind)

	// Client tokens cannot touch the control plane.
	resp, env = f.do(t, "POST", "/api/v1/register", clientToken, registry.RegistrationRequest{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, ErrForbidden, env.Error.Kind)

	// MCP tokens cannot dispatch.
	resp, _ = f.do(t, "POST", "/api/v1/dispatch", mcpToken, map[string]interface{}{"workflow": "ocr"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Health stays open.
	resp, env = f.do(t, "GET", "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.OK)
}

func TestIngest_AcceptedAndQueryable(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, "POST", "/api/v2/interactions", mcpToken, map[string]interface{}{
		"action":         "interaction_start",
		"interaction_id": "i1",
		"mcp_id":         "mcp-a",
		"client_id":      "client-1",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, true, data["accepted"])

	resp, _ = f.do(t, "POST", "/api/v2/interactions", mcpToken, map[string]interface{}{
		"action":         "interaction_complete",
		"interaction_id": "i1",
		"result":         map[string]string{"text": "done"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Drive the drain loop directly; the processor goroutine is not running
	// in tests.
	f.processor.Apply(f.queue.TryDrain(10))

	resp, env = f.do(t, "GET", "/api/v2/interactions/history?mcp_id=mcp-a", clientToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hist := env.Data.(map[string]interface{})
	assert.Equal(t, float64(1), hist["count"])

	resp, env = f.do(t, "GET", "/api/v2/interactions/metrics?mcp_id=mcp-a&window=1h", clientToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := env.Data.(map[string]interface{})
	assert.Equal(t, float64(1), m["count"])
	assert.Equal(t, float64(1), m["success_rate"])
}

func TestIngest_ScopeBinding(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, "POST", "/api/v2/interactions", mcpToken, map[string]interface{}{
		"action":         "interaction_start",
		"interaction_id": "i1",
		"mcp_id":         "mcp-b",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, ErrForbidden, env.Error.Kind)

	// Client tokens cannot report events at all.
	resp, _ = f.do(t, "POST", "/api/v2/interactions", clientToken, map[string]interface{}{
		"action":         "interaction_progress",
		"interaction_id": "i1",
		"payload":        map[string]int{"pct": 10},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestIngest_QueueFullUnavailable(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < f.queue.Capacity(); i++ {
		require.NoError(t, f.queue.Enqueue(&ingest.Event{
			Action:        ingest.ActionProgress,
			InteractionID: fmt.Sprintf("i%d", i),
		}, 0))
	}

	resp, env := f.do(t, "POST", "/api/v2/interactions", mcpToken, map[string]interface{}{
		"action":         "interaction_start",
		"interaction_id": "i-over",
		"mcp_id":         "mcp-a",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrUnavailable, env.Error.Kind, "queue saturation is the retryable capacity kind")
}

func TestIngest_MalformedRejected(t *testing.T) {
	f := newFixture(t)
	resp, env := f.do(t, "POST", "/api/v2/interactions", mcpToken, map[string]interface{}{
		"action": "interaction_pause",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrBadRequest, env.Error.Kind)
}

func TestMetrics_WindowValidation(t *testing.T) {
	f := newFixture(t)
	resp, env := f.do(t, "GET", "/api/v2/interactions/metrics?window=2h", clientToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrBadRequest, env.Error.Kind)
}

func TestHeartbeat_BoundToToken(t *testing.T) {
	f := newFixture(t)
	resp, env := f.do(t, "POST", "/api/v1/heartbeat", mcpToken, map[string]interface{}{
		"mcp_id": "mcp-other",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, ErrForbidden, env.Error.Kind)

	// Unknown but correctly bound id is a 404.
	resp, _ = f.do(t, "POST", "/api/v1/heartbeat", mcpToken, map[string]interface{}{
		"mcp_id": "mcp-a",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsAndRegistry(t *testing.T) {
	f := newFixture(t)
	registerMCP(t, f, "http://mcp-a.internal")

	resp, env := f.do(t, "GET", "/api/v1/registry", clientToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := env.Data.(map[string]interface{})
	require.Equal(t, float64(1), data["count"])
	entry := data["mcps"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "workflow_primary", entry["kind"])
	_, hasEndpoint := entry["endpoint"]
	assert.False(t, hasEndpoint, "registry view must not leak endpoints")

	resp, env = f.do(t, "GET", "/api/v1/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := env.Data.(map[string]interface{})
	assert.Equal(t, float64(1), stats["registered"])

	// Stats are admin-only.
	resp, _ = f.do(t, "GET", "/api/v1/stats", clientToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTokenMintAndRevoke(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, "POST", "/api/v1/tokens", adminToken, map[string]int{"ttl_s": 3600})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	minted := env.Data.(map[string]interface{})["token"].(string)
	require.NotEmpty(t, minted)

	// Minted tokens work on the client planes.
	resp, _ = f.do(t, "GET", "/api/v2/interactions/history", minted, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/api/v1/tokens/revoke", adminToken, map[string]string{"token": minted})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, "GET", "/api/v2/interactions/history", minted, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
