package sdk

import (
	"encoding/json"
	"fmt"
	"time"
)

// RegistrationRequest declares an MCP to the coordinator.
type RegistrationRequest struct {
	Kind          string                 `json:"kind"`
	Endpoint      string                 `json:"endpoint"`
	Capabilities  []string               `json:"capabilities"`
	Workflows     []string               `json:"workflows_supported"`
	Tier          string                 `json:"priority_tier,omitempty"`
	Version       string                 `json:"declared_version,omitempty"`
	MaxConcurrent int                    `json:"max_concurrent,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// RegisterResult carries the assigned id and the operating config the
// coordinator hands back.
type RegisterResult struct {
	MCPID  string `json:"mcp_id"`
	Config struct {
		HeartbeatPeriodS  int    `json:"heartbeat_period_s"`
		IngestionEndpoint string `json:"ingestion_endpoint"`
	} `json:"config"`
}

// HeartbeatMetrics is the self-reported metric block sent with heartbeats.
type HeartbeatMetrics struct {
	Load     float64 `json:"load"`
	Inflight int     `json:"inflight"`
	Degraded bool    `json:"degraded,omitempty"`
}

// DispatchRequest routes one request through the coordinator.
type DispatchRequest struct {
	Workflow     string          `json:"workflow"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	DeadlineMS   int64           `json:"deadline_ms,omitempty"`
}

// Attempt is one entry in a dispatch failure trail.
type Attempt struct {
	MCPID     string `json:"mcp_id"`
	ErrorKind string `json:"error_kind"`
}

// DispatchResult is a successful routing outcome.
type DispatchResult struct {
	MCPID  string          `json:"mcp_id"`
	Result json.RawMessage `json:"result"`
	Trail  []Attempt       `json:"trail,omitempty"`
}

// MCPSummary is the redacted registry view served to clients.
type MCPSummary struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Capabilities  []string  `json:"capabilities"`
	Workflows     []string  `json:"workflows_supported"`
	Tier          string    `json:"priority_tier"`
	Status        string    `json:"status"`
	SuccessRate   float64   `json:"success_rate"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	BreakerState  string    `json:"breaker_state"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Interaction is one interaction record from the history API.
type Interaction struct {
	InteractionID string          `json:"interaction_id"`
	MCPID         string          `json:"mcp_id"`
	ClientID      string          `json:"client_id,omitempty"`
	StartTS       time.Time       `json:"start_ts"`
	EndTS         *time.Time      `json:"end_ts,omitempty"`
	State         string          `json:"state"`
	Result        json.RawMessage `json:"result_payload,omitempty"`
	ErrorPayload  json.RawMessage `json:"error_payload,omitempty"`
}

// MetricsResult is the windowed rollup from the metrics API.
type MetricsResult struct {
	Window       string  `json:"window"`
	Count        int64   `json:"count"`
	SuccessRate  float64 `json:"success_rate"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MinLatencyMs float64 `json:"min_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
}

// Health is the aggregated service state.
type Health struct {
	Status       string         `json:"status"`
	UptimeS      int            `json:"uptime_s"`
	MCPsByStatus map[string]int `json:"mcps_by_status"`
	QueueDepth   int            `json:"queue_depth"`
}

// EventAccepted acknowledges an ingested interaction event.
type EventAccepted struct {
	Accepted       bool `json:"accepted"`
	QueuedPosition int  `json:"queued_position"`
}

// APIError is a coordinator error envelope surfaced as a Go error.
type APIError struct {
	StatusCode int
	Kind       string          `json:"kind"`
	Message    string          `json:"message"`
	Details    json.RawMessage `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator: %s: %s (HTTP %d)", e.Kind, e.Message, e.StatusCode)
}

// Trail extracts the attempt trail from a dispatch failure, if present.
func (e *APIError) Trail() []Attempt {
	if len(e.Details) == 0 {
		return nil
	}
	var d struct {
		Trail []Attempt `json:"trail"`
	}
	if json.Unmarshal(e.Details, &d) != nil {
		return nil
	}
	return d.Trail
}
