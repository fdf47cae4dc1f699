// Package logproc owns interaction records: the single-consumer batch
// drain of the intake queue, the per-interaction state machine, and the
// read path the query API serves from.
package logproc

import (
	"encoding/json"
	"errors"
	"time"
)

// State is the interaction lifecycle state. Transitions are monotonic:
// started -> in_progress* -> (completed | failed).
type State string

const (
	StateStarted    State = "started"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether the state ends the lifecycle.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// ProgressEvent is one timestamped progress entry.
type ProgressEvent struct {
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Record is the aggregated per-interaction record.
type Record struct {
	InteractionID string                 `json:"interaction_id"`
	MCPID         string                 `json:"mcp_id"`
	ClientID      string                 `json:"client_id,omitempty"`
	Principal     string                 `json:"principal_hash,omitempty"`
	StartTS       time.Time              `json:"start_ts"`
	EndTS         *time.Time             `json:"end_ts,omitempty"`
	State         State                  `json:"state"`
	RequestDigest string                 `json:"request_digest,omitempty"`
	Progress      []ProgressEvent        `json:"progress_events"`
	Result        json.RawMessage        `json:"result_payload,omitempty"`
	ErrorPayload  json.RawMessage        `json:"error_payload,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// LatencyMs returns end-start in milliseconds, or 0 while non-terminal.
func (r *Record) LatencyMs() float64 {
	if r.EndTS == nil {
		return 0
	}
	return float64(r.EndTS.Sub(r.StartTS)) / float64(time.Millisecond)
}

// Clone returns a copy safe to hand outside the processor.
func (r *Record) Clone() *Record {
	out := *r
	out.Progress = append([]ProgressEvent(nil), r.Progress...)
	if r.EndTS != nil {
		ts := *r.EndTS
		out.EndTS = &ts
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ErrNotFound is returned by stores for unknown interaction ids.
var ErrNotFound = errors.New("interaction not found")

// Filter narrows history queries.
type Filter struct {
	MCPID    string
	ClientID string
	Limit    int
	Offset   int
}

// Aggregate is the per-window metric rollup the query API serves.
type Aggregate struct {
	Count        int64   `json:"count"`
	Success      int64   `json:"success"`
	Failure      int64   `json:"failure"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MinLatencyMs float64 `json:"min_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
}

// SuccessRate returns success/count, or 0 with no data.
func (a Aggregate) SuccessRate() float64 {
	if a.Count == 0 {
		return 0
	}
	return float64(a.Success) / float64(a.Count)
}

// ErrorRate returns failure/count, or 0 with no data.
func (a Aggregate) ErrorRate() float64 {
	if a.Count == 0 {
		return 0
	}
	return float64(a.Failure) / float64(a.Count)
}

// Store is the durable interaction store the processor writes through to.
// Implementations live in internal/store (segmented file baseline,
// Postgres alternative).
type Store interface {
	// Put upserts the record keyed by interaction_id.
	Put(rec *Record) error
	// Get returns one record or ErrNotFound.
	Get(interactionID string) (*Record, error)
	// List returns records matching the filter, newest first.
	List(f Filter) ([]*Record, error)
	// Aggregate rolls up terminal records for the MCP (all MCPs when
	// empty) whose start_ts is at or after since.
	Aggregate(mcpID string, since time.Time) (Aggregate, error)
	// DeleteOlderThan removes records whose start_ts predates cutoff,
	// returning how many were dropped.
	DeleteOlderThan(cutoff time.Time) (int, error)
	Close() error
}

// DeadLetter receives events that could not be persisted after retries.
type DeadLetter interface {
	Append(rec *Record, reason string) error
}
