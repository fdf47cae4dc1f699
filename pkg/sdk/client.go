// Package sdk is the Go client for the coordinator's HTTP planes: MCP
// registration and heartbeats, request dispatch, interaction event
// reporting and the query APIs.
//
// Quick start:
//
//	client := sdk.New(sdk.Config{
//	    BaseURL: "http://localhost:8420",
//	    Token:   os.Getenv("COORD_TOKEN"),
//	})
//
//	res, err := client.Dispatch(ctx, &sdk.DispatchRequest{
//	    Workflow:     "ocr",
//	    Capabilities: []string{"document_ocr"},
//	    Payload:      payload,
//	    DeadlineMS:   5000,
//	})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the SDK configuration.
type Config struct {
	// BaseURL is the coordinator endpoint (required).
	BaseURL string

	// Token is the bearer credential. Scope decides which planes the
	// client may call: client, mcp or admin.
	Token string

	// Timeout for HTTP calls (default 30s). Dispatch calls should carry
	// a DeadlineMS below this.
	Timeout time.Duration
}

// Client talks to one coordinator.
type Client struct {
	config     Config
	httpClient *http.Client
}

// New creates a coordinator client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Register declares an MCP and returns its id and operating config.
func (c *Client) Register(ctx context.Context, req *RegistrationRequest) (*RegisterResult, error) {
	var out RegisterResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deregister removes an MCP from the registry.
func (c *Client) Deregister(ctx context.Context, mcpID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/deregister", map[string]string{"mcp_id": mcpID}, nil)
}

// Heartbeat reports liveness and self-observed metrics for an MCP.
func (c *Client) Heartbeat(ctx context.Context, mcpID string, metrics HeartbeatMetrics) error {
	body := map[string]interface{}{"mcp_id": mcpID, "metrics": metrics}
	return c.do(ctx, http.MethodPost, "/api/v1/heartbeat", body, nil)
}

// Dispatch routes one request. On failure the returned error is an
// *APIError whose Kind and Trail describe what was attempted.
func (c *Client) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	var out DispatchResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/dispatch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Registry lists registered MCPs, optionally filtered by kind, status or
// workflow tag.
func (c *Client) Registry(ctx context.Context, kind, status, workflow string) ([]MCPSummary, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if status != "" {
		q.Set("status", status)
	}
	if workflow != "" {
		q.Set("workflow", workflow)
	}
	var out struct {
		MCPs []MCPSummary `json:"mcps"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v1/registry", q), nil, &out); err != nil {
		return nil, err
	}
	return out.MCPs, nil
}

// Health returns the aggregated service state. No credential needed.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns admin introspection counters.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReportEvent posts one interaction event body (any of the four action
// shapes) on the event plane.
func (c *Client) ReportEvent(ctx context.Context, event interface{}) (*EventAccepted, error) {
	var out EventAccepted
	if err := c.do(ctx, http.MethodPost, "/api/v2/interactions", event, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History queries interaction records, newest first.
func (c *Client) History(ctx context.Context, mcpID, clientID string, limit, offset int) ([]Interaction, error) {
	q := url.Values{}
	if mcpID != "" {
		q.Set("mcp_id", mcpID)
	}
	if clientID != "" {
		q.Set("client_id", clientID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out struct {
		Interactions []Interaction `json:"interactions"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v2/interactions/history", q), nil, &out); err != nil {
		return nil, err
	}
	return out.Interactions, nil
}

// Metrics returns the windowed rollup for one MCP (all when empty).
// window is one of 1h, 24h, 7d, 30d.
func (c *Client) Metrics(ctx context.Context, mcpID, window string) (*MetricsResult, error) {
	q := url.Values{}
	if mcpID != "" {
		q.Set("mcp_id", mcpID)
	}
	if window != "" {
		q.Set("window", window)
	}
	var out MetricsResult
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v2/interactions/metrics", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MintToken issues a time-bounded client token (admin only).
func (c *Client) MintToken(ctx context.Context, ttl time.Duration) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]int{"ttl_s": int(ttl.Seconds())}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tokens", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// RevokeToken invalidates a token immediately (admin only).
func (c *Client) RevokeToken(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/tokens/revoke", map[string]string{"token": token}, nil)
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// do issues one request and unwraps the {ok, data, error} envelope.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("coordsdk: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("coordsdk: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coordsdk: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("coordsdk: read response: %w", err)
	}

	var env struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error *APIError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("coordsdk: parse response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !env.OK {
		if env.Error == nil {
			return &APIError{StatusCode: resp.StatusCode, Kind: "internal", Message: "empty error envelope"}
		}
		env.Error.StatusCode = resp.StatusCode
		return env.Error
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("coordsdk: decode data: %w", err)
		}
	}
	return nil
}
