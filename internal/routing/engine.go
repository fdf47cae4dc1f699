// Package routing scores registered MCPs against a request and produces
// the ordered candidate list the cascade walks.
package routing

import (
	"sort"
	"time"

	"github.com/coordcore/coordinator/internal/breaker"
	"github.com/coordcore/coordinator/internal/registry"
)

// Request is the ephemeral routing input.
type Request struct {
	Workflow     string
	Capabilities []string
	Attempted    []string // filled during the cascade
	Deadline     time.Time
}

func (r *Request) attempted(id string) bool {
	for _, a := range r.Attempted {
		if a == id {
			return true
		}
	}
	return false
}

// Candidate is one scored selection.
type Candidate struct {
	ID    string
	Score float64
	Tier  registry.Tier
}

// Exclusion records why a filtered-out MCP was not selectable, for the
// response trail.
type Exclusion struct {
	ID     string `json:"mcp_id"`
	Reason string `json:"reason"`
}

// Exclusion reasons.
const (
	ReasonStatus       = "status_not_selectable"
	ReasonBreakerOpen  = "breaker_open"
	ReasonNoWorkflow   = "workflow_mismatch"
	ReasonNoCapability = "capability_missing"
	ReasonAttempted    = "already_attempted"
)

// Select produces the ordered candidate list for a request, deterministic
// given the snapshot, the request and the wall clock. Fallback-tier MCPs
// are considered only when no non-fallback MCP passes the filter; when any
// does, no fallback appears in the result at all.
func Select(snapshot []registry.Descriptor, req *Request, now time.Time) ([]Candidate, []Exclusion) {
	var primary, fallback []registry.Descriptor
	var excluded []Exclusion

	for _, d := range snapshot {
		if req.attempted(d.ID) {
			excluded = append(excluded, Exclusion{ID: d.ID, Reason: ReasonAttempted})
			continue
		}
		if d.Status != registry.StatusActive && d.Status != registry.StatusDegraded {
			excluded = append(excluded, Exclusion{ID: d.ID, Reason: ReasonStatus})
			continue
		}
		// An open breaker whose cool-down elapsed counts as half_open here;
		// selection is read-only, so evaluate against a copy.
		b := d.Breaker
		if !b.Allow(now) {
			excluded = append(excluded, Exclusion{ID: d.ID, Reason: ReasonBreakerOpen})
			continue
		}
		if req.Workflow != "" && !d.HasWorkflow(req.Workflow) {
			excluded = append(excluded, Exclusion{ID: d.ID, Reason: ReasonNoWorkflow})
			continue
		}
		if !d.HasCapabilities(req.Capabilities) {
			excluded = append(excluded, Exclusion{ID: d.ID, Reason: ReasonNoCapability})
			continue
		}
		if d.Tier == registry.TierFallback {
			fallback = append(fallback, d)
		} else {
			primary = append(primary, d)
		}
	}

	pool := primary
	if len(pool) == 0 {
		pool = fallback
	}

	candidates := make([]Candidate, 0, len(pool))
	for i := range pool {
		candidates = append(candidates, Candidate{
			ID:    pool[i].ID,
			Score: score(&pool[i], req),
			Tier:  pool[i].Tier,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		di, dj := byID(pool, candidates[i].ID), byID(pool, candidates[j].ID)
		if di.Perf.AvgLatencyMs != dj.Perf.AvgLatencyMs {
			return di.Perf.AvgLatencyMs < dj.Perf.AvgLatencyMs
		}
		if !di.RegisteredAt.Equal(dj.RegisteredAt) {
			return di.RegisteredAt.Before(dj.RegisteredAt)
		}
		return di.ID < dj.ID
	})
	return candidates, excluded
}

func byID(pool []registry.Descriptor, id string) *registry.Descriptor {
	for i := range pool {
		if pool[i].ID == id {
			return &pool[i]
		}
	}
	return nil
}

// score implements the fixed scoring table. It is only invoked on
// descriptors that already passed the filter, so capability coverage is
// full by construction.
func score(d *registry.Descriptor, req *Request) float64 {
	var s float64

	if req.Workflow != "" && d.WorkflowExact(req.Workflow) {
		s += 40
	}

	// Full coverage bonus, minus a mild specialist penalty per extra
	// declared-but-unneeded capability.
	s += 30
	extra := len(d.Capabilities) - len(req.Capabilities)
	if extra > 0 {
		s -= 5 * float64(extra)
	}

	s += 20 * d.Perf.SuccessRate()

	load := d.Perf.LoadEWMA
	if load < 0 {
		load = 0
	} else if load > 1 {
		load = 1
	}
	s += 10 * (1 - load)

	if d.Status == registry.StatusDegraded {
		s -= 5
	}

	switch d.Tier {
	case registry.TierHigh:
		s += 15
	case registry.TierMedium:
		s += 5
	}
	return s
}

// BreakerAllows re-checks the live breaker right before a dispatch,
// mutating open→half_open when the cool-down elapsed so the attempt is
// recorded as a probe.
func BreakerAllows(reg *registry.Store, id string, now time.Time) bool {
	allowed := false
	reg.Mutate(id, func(d *registry.Descriptor) {
		allowed = d.Breaker.Allow(now)
	})
	return allowed
}

// IsProbe reports whether a dispatch against this MCP is a half-open probe.
func IsProbe(reg *registry.Store, id string) bool {
	d, ok := reg.Get(id)
	return ok && d.Breaker.State == breaker.StateHalfOpen
}
