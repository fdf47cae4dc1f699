package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coordcore/coordinator/internal/health"
	"github.com/coordcore/coordinator/internal/registry"
)

// registerResponse hands the new MCP its operating config alongside the id.
type registerResponse struct {
	MCPID  string         `json:"mcp_id"`
	Config registerConfig `json:"config"`
}

type registerConfig struct {
	HeartbeatPeriodS  int    `json:"heartbeat_period_s"`
	IngestionEndpoint string `json:"ingestion_endpoint"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registry.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrBadRequest, "invalid registration payload")
		return
	}
	id, err := s.registry.Register(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	writeData(w, http.StatusOK, registerResponse{
		MCPID: id,
		Config: registerConfig{
			HeartbeatPeriodS:  HeartbeatPeriodS,
			IngestionEndpoint: "/api/v2/interactions",
		},
	})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MCPID string `json:"mcp_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MCPID == "" {
		writeError(w, http.StatusBadRequest, ErrBadRequest, "mcp_id is required")
		return
	}
	if err := s.registry.Deregister(req.MCPID); err != nil {
		writeError(w, http.StatusNotFound, ErrNotFound, "unknown mcp_id")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"mcp_id": req.MCPID})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MCPID   string         `json:"mcp_id"`
		Metrics health.Metrics `json:"metrics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MCPID == "" {
		writeError(w, http.StatusBadRequest, ErrBadRequest, "mcp_id is required")
		return
	}

	// An mcp-scoped token only beats for its own entry.
	if p := principalFrom(r.Context()); p != nil && p.MCPID != "" && p.MCPID != req.MCPID {
		writeError(w, http.StatusForbidden, ErrForbidden, "token not bound to this mcp_id")
		return
	}

	if err := s.monitor.Heartbeat(req.MCPID, req.Metrics); err != nil {
		writeError(w, http.StatusNotFound, ErrNotFound, "unknown mcp_id")
		return
	}
	if s.metrics != nil {
		s.metrics.HeartbeatTotal.Inc()
	}
	writeData(w, http.StatusOK, map[string]interface{}{"mcp_id": req.MCPID})
}

// registryView is the redacted descriptor served to non-admin callers:
// no endpoint, no operator metadata.
type registryView struct {
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

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.Filter{Workflow: q.Get("workflow")}
	if v := q.Get("kind"); v != "" {
		kind, err := registry.ParseKind(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrBadRequest, err.Error())
			return
		}
		f.Kind = kind
	}
	if v := q.Get("status"); v != "" {
		f.Status = registry.Status(v)
	}

	entries := s.registry.List(f)
	out := make([]registryView, 0, len(entries))
	for _, d := range entries {
		out = append(out, registryView{
			ID:            d.ID,
			Kind:          string(d.Kind),
			Capabilities:  d.Capabilities,
			Workflows:     d.Workflows,
			Tier:          string(d.Tier),
			Status:        string(d.Status),
			SuccessRate:   d.Perf.SuccessRate(),
			AvgLatencyMs:  d.Perf.AvgLatencyMs,
			BreakerState:  string(d.Breaker.State),
			LastHeartbeat: d.LastHeartbeat,
		})
	}
	writeData(w, http.StatusOK, map[string]interface{}{"mcps": out, "count": len(out)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	byStatus := map[string]int{}
	for _, d := range s.registry.List(registry.Filter{}) {
		byStatus[string(d.Status)]++
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_s":       int(s.clock.Now().Sub(s.startedAt).Seconds()),
		"mcps_by_status": byStatus,
		"queue_depth":    s.queue.Depth(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	type breakerStat struct {
		MCPID       string `json:"mcp_id"`
		State       string `json:"state"`
		Consecutive int    `json:"consecutive_failures"`
	}
	var breakers []breakerStat
	for _, d := range s.registry.List(registry.Filter{}) {
		breakers = append(breakers, breakerStat{
			MCPID:       d.ID,
			State:       string(d.Breaker.State),
			Consecutive: d.Breaker.Consecutive,
		})
	}
	stats := map[string]interface{}{
		"uptime_s":       int(s.clock.Now().Sub(s.startedAt).Seconds()),
		"registered":     s.registry.Count(),
		"queue_depth":    s.queue.Depth(),
		"queue_capacity": s.queue.Capacity(),
		"breakers":       breakers,
	}
	if s.bus != nil {
		stats["stream_subscribers"] = s.bus.SubscriberCount()
	}
	writeData(w, http.StatusOK, stats)
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTLSeconds int `json:"ttl_s"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TTLSeconds <= 0 {
		writeError(w, http.StatusBadRequest, ErrBadRequest, "positive ttl_s is required")
		return
	}
	token := s.validator.Mint(time.Duration(req.TTLSeconds) * time.Second)
	writeData(w, http.StatusOK, map[string]interface{}{"token": token, "ttl_s": req.TTLSeconds})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, ErrBadRequest, "token is required")
		return
	}
	s.validator.Revoke(req.Token)
	writeData(w, http.StatusOK, map[string]bool{"revoked": true})
}
