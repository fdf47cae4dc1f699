// Package coord ties the routing engine, dispatcher and registry together
// into the request cascade: score candidates, try them in order, record
// every outcome on the owning MCP's breaker and perf window.
package coord

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/coordcore/coordinator/internal/clock"
	"github.com/coordcore/coordinator/internal/dispatch"
	"github.com/coordcore/coordinator/internal/metrics"
	"github.com/coordcore/coordinator/internal/registry"
	"github.com/coordcore/coordinator/internal/routing"
)

// Failure kinds surfaced by the cascade.
const (
	KindNoCandidateAvailable = "no_candidate_available"
	KindNoCandidateSucceeded = "no_candidate_succeeded"
	KindRemoteError          = "remote_error"
	KindDeadlineExceeded     = "deadline_exceeded"
	KindCanceled             = "canceled"
)

// DispatchRequest is the routing-plane input.
type DispatchRequest struct {
	Workflow     string          `json:"workflow"`
	Capabilities []string        `json:"capabilities"`
	Payload      json.RawMessage `json:"payload"`
	DeadlineMS   int64           `json:"deadline_ms,omitempty"`
}

// Attempt is one entry in the failure trail.
type Attempt struct {
	MCPID     string `json:"mcp_id"`
	ErrorKind string `json:"error_kind"`
}

// Result is a successful cascade outcome.
type Result struct {
	MCPID  string          `json:"mcp_id"`
	Result json.RawMessage `json:"result"`
	Trail  []Attempt       `json:"trail,omitempty"`
}

// Failure is a terminal cascade failure with the attempted trail.
type Failure struct {
	Kind     string              `json:"kind"`
	Message  string              `json:"message"`
	Trail    []Attempt           `json:"trail,omitempty"`
	Excluded []routing.Exclusion `json:"excluded,omitempty"`
}

// Coordinator runs the cascade.
type Coordinator struct {
	registry   *registry.Store
	dispatcher *dispatch.Dispatcher
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *log.Logger
}

// New creates a coordinator. metrics may be nil (tests).
func New(reg *registry.Store, d *dispatch.Dispatcher, clk clock.Clock, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		registry:   reg,
		dispatcher: d,
		clock:      clk,
		metrics:    m,
		logger:     log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
}

// Dispatch routes one request through the cascade. Selection is re-run
// after every failed attempt with the attempted set excluded, so state
// changes mid-cascade (a breaker tripping, a sweep) are honored.
func (c *Coordinator) Dispatch(ctx context.Context, req *DispatchRequest) (*Result, *Failure) {
	deadline := time.Time{}
	if req.DeadlineMS > 0 {
		deadline = c.clock.Now().Add(time.Duration(req.DeadlineMS) * time.Millisecond)
	}

	routeReq := &routing.Request{
		Workflow:     req.Workflow,
		Capabilities: req.Capabilities,
		Deadline:     deadline,
	}

	var trail []Attempt
	var lastExcluded []routing.Exclusion

	defer func() {
		if c.metrics != nil && len(trail) > 0 {
			c.metrics.CascadeDepth.Observe(float64(len(trail) + 1))
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, &Failure{Kind: KindCanceled, Message: "caller canceled", Trail: trail}
		}
		if !deadline.IsZero() && !c.clock.Now().Before(deadline) {
			return nil, &Failure{Kind: KindDeadlineExceeded, Message: "request deadline exceeded", Trail: trail}
		}

		now := c.clock.Now()
		snapshot := c.registry.List(registry.Filter{})
		candidates, excluded := routing.Select(snapshot, routeReq, now)
		lastExcluded = excluded

		if len(candidates) == 0 {
			if len(trail) == 0 {
				return nil, &Failure{
					Kind:     KindNoCandidateAvailable,
					Message:  "no registered MCP satisfies the request",
					Excluded: lastExcluded,
				}
			}
			return nil, &Failure{
				Kind:     KindNoCandidateSucceeded,
				Message:  "all candidate MCPs failed",
				Trail:    trail,
				Excluded: lastExcluded,
			}
		}

		chosen := candidates[0]
		routeReq.Attempted = append(routeReq.Attempted, chosen.ID)

		// Re-check the live breaker: the selection ran on a snapshot, and
		// a half-open probe must be recorded against the live entry.
		if !routing.BreakerAllows(c.registry, chosen.ID, now) {
			trail = append(trail, Attempt{MCPID: chosen.ID, ErrorKind: routing.ReasonBreakerOpen})
			continue
		}

		mcp, ok := c.registry.Get(chosen.ID)
		if !ok { // deregistered between selection and dispatch
			continue
		}

		start := c.clock.Now()
		result, derr := c.dispatcher.Dispatch(ctx, &mcp, &dispatch.Request{
			Workflow:     req.Workflow,
			Capabilities: req.Capabilities,
			Payload:      req.Payload,
		}, deadline)
		elapsed := c.clock.Now().Sub(start)

		if derr == nil {
			c.registry.RecordOutcome(chosen.ID, true, float64(elapsed.Milliseconds()))
			c.observe(chosen.ID, "ok", elapsed)
			return &Result{MCPID: chosen.ID, Result: result, Trail: trail}, nil
		}

		c.observe(chosen.ID, derr.Kind, elapsed)

		switch derr.Kind {
		case dispatch.KindCanceled:
			// Caller went away; the outcome says nothing about the MCP.
			return nil, &Failure{Kind: KindCanceled, Message: derr.Message, Trail: trail}
		case dispatch.KindRemoteError:
			c.registry.RecordOutcome(chosen.ID, false, 0)
			if derr.Deterministic {
				trail = append(trail, Attempt{MCPID: chosen.ID, ErrorKind: derr.Kind})
				return nil, &Failure{Kind: KindRemoteError, Message: derr.Message, Trail: trail}
			}
		default:
			// timeout, transport, malformed_response: count against the
			// breaker and cascade.
			c.registry.RecordOutcome(chosen.ID, false, 0)
		}

		c.logger.Printf("Dispatch to %s failed (%s), cascading: %s", chosen.ID, derr.Kind, derr.Message)
		trail = append(trail, Attempt{MCPID: chosen.ID, ErrorKind: derr.Kind})
	}
}

func (c *Coordinator) observe(mcpID, outcome string, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.DispatchTotal.WithLabelValues(mcpID, outcome).Inc()
	if outcome == "ok" {
		c.metrics.DispatchSeconds.WithLabelValues(mcpID).Observe(elapsed.Seconds())
	}
}
