// Package registry holds the authoritative in-memory map of registered
// Model-Capability Providers and their liveness state.
package registry

import (
	"fmt"
	"time"

	"github.com/coordcore/coordinator/internal/breaker"
)

// Kind classifies what flavor of provider an MCP is.
type Kind string

const (
	KindWorkflowPrimary Kind = "workflow_primary"
	KindAdapter         Kind = "adapter"
	KindFallbackCreator Kind = "fallback_creator"
	KindAIAssistant     Kind = "ai_assistant"
	KindToolEngine      Kind = "tool_engine"
)

// ParseKind validates an incoming kind tag. Unknown tags are rejected.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindWorkflowPrimary, KindAdapter, KindFallbackCreator, KindAIAssistant, KindToolEngine:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown mcp kind %q", s)
}

// Tier is the routing priority tier.
type Tier string

const (
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierFallback Tier = "fallback"
)

// ParseTier validates an incoming tier tag.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierHigh, TierMedium, TierFallback:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown priority tier %q", s)
}

// Status is the liveness status of an MCP.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded" // self-declared via heartbeat metrics
	StatusSuspect  Status = "suspect"  // heartbeat older than the soft TTL
	StatusDead     Status = "dead"     // heartbeat older than the hard TTL
)

// WildcardWorkflow in workflows_supported matches any workflow tag.
const WildcardWorkflow = "*"

// PerfWindow is the rolling performance counter set per MCP.
type PerfWindow struct {
	Success      int64   `json:"success"`
	Failure      int64   `json:"failure"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	LoadEWMA     float64 `json:"ewma_load"`
}

// SuccessRate returns success/(success+failure), or 0 with no data.
func (p PerfWindow) SuccessRate() float64 {
	total := p.Success + p.Failure
	if total == 0 {
		return 0
	}
	return float64(p.Success) / float64(total)
}

// RecordOutcome folds one dispatch outcome into the window. Latency is
// folded as a running average over successes.
func (p *PerfWindow) RecordOutcome(success bool, latencyMs float64) {
	if success {
		p.Success++
		if p.AvgLatencyMs == 0 {
			p.AvgLatencyMs = latencyMs
		} else {
			p.AvgLatencyMs += (latencyMs - p.AvgLatencyMs) / float64(p.Success)
		}
	} else {
		p.Failure++
	}
}

// Descriptor is the registered record for one MCP. Immutable once
// registered except for status, heartbeat, breaker and perf fields.
type Descriptor struct {
	ID            string                 `json:"id"`
	Kind          Kind                   `json:"kind"`
	Endpoint      string                 `json:"endpoint"`
	Capabilities  []string               `json:"capabilities"`
	Workflows     []string               `json:"workflows_supported"`
	Tier          Tier                   `json:"priority_tier"`
	Version       string                 `json:"declared_version"`
	MaxConcurrent int                    `json:"max_concurrent"`
	RegisteredAt  time.Time              `json:"registered_at"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	Status        Status                 `json:"status"`
	Breaker       breaker.Breaker        `json:"breaker"`
	Perf          PerfWindow             `json:"perf_window"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// HasWorkflow reports whether the descriptor serves the workflow tag,
// either exactly or via the wildcard.
func (d *Descriptor) HasWorkflow(tag string) bool {
	for _, w := range d.Workflows {
		if w == tag || w == WildcardWorkflow {
			return true
		}
	}
	return false
}

// WorkflowExact reports an exact (non-wildcard) workflow match.
func (d *Descriptor) WorkflowExact(tag string) bool {
	for _, w := range d.Workflows {
		if w == tag {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether every requested capability is declared.
func (d *Descriptor) HasCapabilities(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range d.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to readers.
func (d *Descriptor) Clone() Descriptor {
	out := *d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	out.Workflows = append([]string(nil), d.Workflows...)
	if d.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// RegistrationRequest is the inbound registration payload. Metadata is the
// single pass-through container for unknown fields on descriptors.
type RegistrationRequest struct {
	Kind          string                 `json:"kind"`
	Endpoint      string                 `json:"endpoint"`
	Capabilities  []string               `json:"capabilities"`
	Workflows     []string               `json:"workflows_supported"`
	Tier          string                 `json:"priority_tier"`
	Version       string                 `json:"declared_version"`
	MaxConcurrent int                    `json:"max_concurrent,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Validate rejects registrations missing required fields.
func (r *RegistrationRequest) Validate() error {
	if r.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if _, err := ParseKind(r.Kind); err != nil {
		return err
	}
	if len(r.Capabilities) == 0 {
		return fmt.Errorf("at least one capability is required")
	}
	if len(r.Workflows) == 0 {
		return fmt.Errorf("at least one supported workflow is required")
	}
	if r.Tier != "" {
		if _, err := ParseTier(r.Tier); err != nil {
			return err
		}
	}
	return nil
}

// Filter narrows List results.
type Filter struct {
	Kind     Kind
	Status   Status
	Workflow string
}

// Matches applies the filter to a descriptor.
func (f Filter) Matches(d *Descriptor) bool {
	if f.Kind != "" && d.Kind != f.Kind {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Workflow != "" && !d.HasWorkflow(f.Workflow) {
		return false
	}
	return true
}
