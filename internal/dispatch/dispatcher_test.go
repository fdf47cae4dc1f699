package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordcore/coordinator/internal/registry"
)

func mcpFor(url string) *registry.Descriptor {
	return &registry.Descriptor{ID: "mcp-test", Endpoint: url, MaxConcurrent: 10}
}

func TestDispatch_EnvelopeResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ocr", req.Workflow)
		w.Write([]byte(`{"ok":true,"result":{"text":"hello"}}`))
	}))
	defer srv.Close()

	d := New()
	result, derr := d.Dispatch(context.Background(), mcpFor(srv.URL),
		&Request{Workflow: "ocr", Payload: json.RawMessage(`{"img":"..."}`)}, time.Time{})
	require.Nil(t, derr)
	assert.JSONEq(t, `{"text":"hello"}`, string(result))
}

func TestDispatch_BareJSONBodyIsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"raw"}`))
	}))
	defer srv.Close()

	d := New()
	result, derr := d.Dispatch(context.Background(), mcpFor(srv.URL), &Request{}, time.Time{})
	require.Nil(t, derr)
	assert.JSONEq(t, `{"text":"raw"}`, string(result))
}

func TestDispatch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	d := New()
	_, derr := d.Dispatch(context.Background(), mcpFor(srv.URL), &Request{},
		time.Now().Add(50*time.Millisecond))
	require.NotNil(t, derr)
	assert.Equal(t, KindTimeout, derr.Kind)
}

func TestDispatch_TransportError(t *testing.T) {
	d := New()
	_, derr := d.Dispatch(context.Background(), mcpFor("http://127.0.0.1:1"), &Request{}, time.Time{})
	require.NotNil(t, derr)
	assert.Equal(t, KindTransport, derr.Kind)
}

func TestDispatch_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	d := New()
	_, derr := d.Dispatch(context.Background(), mcpFor(srv.URL), &Request{}, time.Time{})
	require.NotNil(t, derr)
	assert.Equal(t, KindMalformedResponse, derr.Kind)
}

func TestDispatch_DeterministicRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"kind":"remote_error","message":"invalid input"}}`))
	}))
	defer srv.Close()

	d := New()
	_, derr := d.Dispatch(context.Background(), mcpFor(srv.URL), &Request{}, time.Time{})
	require.NotNil(t, derr)
	assert.Equal(t, KindRemoteError, derr.Kind)
	assert.True(t, derr.Deterministic, "4xx must not cascade")
	assert.Equal(t, "invalid input", derr.Message)
}

func TestDispatch_RetriableRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New()
	_, derr := d.Dispatch(context.Background(), mcpFor(srv.URL), &Request{}, time.Time{})
	require.NotNil(t, derr)
	assert.Equal(t, KindRemoteError, derr.Kind)
	assert.False(t, derr.Deterministic, "5xx cascades to the next candidate")
}

func TestDispatch_EnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":{"kind":"remote_error","message":"bad image","deterministic":true}}`))
	}))
	defer srv.Close()

	d := New()
	_, derr := d.Dispatch(context.Background(), mcpFor(srv.URL), &Request{}, time.Time{})
	require.NotNil(t, derr)
	assert.Equal(t, KindRemoteError, derr.Kind)
	assert.True(t, derr.Deterministic)
}

func TestDispatch_OverloadedWhenSlotsExhausted(t *testing.T) {
	release := make(chan struct{})
	var inflight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inflight.Add(1)
		<-release
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	defer close(release)

	mcp := mcpFor(srv.URL)
	mcp.MaxConcurrent = 1

	d := New()
	d.slotWait = 100 * time.Millisecond

	go d.Dispatch(context.Background(), mcp, &Request{}, time.Time{})
	require.Eventually(t, func() bool { return inflight.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, derr := d.Dispatch(context.Background(), mcp, &Request{}, time.Time{})
	require.NotNil(t, derr)
	assert.Equal(t, KindTransport, derr.Kind)
	assert.Equal(t, SubKindOverloaded, derr.SubKind)
}

func TestDispatch_CallerCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	d := New()
	_, derr := d.Dispatch(ctx, mcpFor(srv.URL), &Request{}, time.Time{})
	require.NotNil(t, derr)
	assert.Equal(t, KindCanceled, derr.Kind)
}
