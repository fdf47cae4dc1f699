package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coordcore/coordinator/internal/events"
	"github.com/coordcore/coordinator/internal/ingest"
	"github.com/coordcore/coordinator/internal/logproc"
)

const maxEventBody = 1 << 20

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		s.rejectIngest(w, http.StatusBadRequest, ErrBadRequest, "unreadable body", "bad_request")
		return
	}
	ev, err := ingest.ParseEvent(body)
	if err != nil {
		s.rejectIngest(w, http.StatusBadRequest, ErrBadRequest, err.Error(), "bad_request")
		return
	}

	p := principalFrom(r.Context())
	// A start event names its MCP; the reporting token must be bound to it.
	if ev.MCPID != "" && p != nil && p.MCPID != "" && p.MCPID != ev.MCPID {
		s.rejectIngest(w, http.StatusForbidden, ErrForbidden, "token not bound to this mcp_id", "forbidden")
		return
	}

	ev.ReceivedAt = s.clock.Now()
	if p != nil {
		ev.Principal = p.ID
	}

	if err := s.queue.Enqueue(ev, ingest.DefaultProducerWait); err != nil {
		s.rejectIngest(w, http.StatusServiceUnavailable, ErrUnavailable, "interaction queue full", "queue_full")
		return
	}

	if s.bus != nil {
		s.bus.Publish(&events.Event{
			Type:          string(ev.Action),
			InteractionID: ev.InteractionID,
			MCPID:         ev.MCPID,
			Time:          ev.ReceivedAt,
			Payload:       ev.Payload,
		})
	}
	if s.metrics != nil {
		s.metrics.IngestAcceptSeconds.Observe(time.Since(start).Seconds())
		s.metrics.QueueDepth.Set(float64(s.queue.Depth()))
	}

	writeData(w, http.StatusAccepted, map[string]interface{}{
		"accepted":        true,
		"queued_position": s.queue.Depth(),
	})
}

func (s *Server) rejectIngest(w http.ResponseWriter, status int, kind, message, reason string) {
	if s.metrics != nil {
		s.metrics.IngestRejected.WithLabelValues(reason).Inc()
	}
	writeError(w, status, kind, message)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := logproc.Filter{
		MCPID:    q.Get("mcp_id"),
		ClientID: q.Get("client_id"),
		Limit:    intQuery(q.Get("limit"), 50, 500),
		Offset:   intQuery(q.Get("offset"), 0, 1<<30),
	}
	recs, err := s.processor.History(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrInternal, "history query failed")
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"interactions": recs, "count": len(recs)})
}

// metricWindows is the closed set of query windows.
var metricWindows = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	windowTag := q.Get("window")
	if windowTag == "" {
		windowTag = "24h"
	}
	window, ok := metricWindows[windowTag]
	if !ok {
		writeError(w, http.StatusBadRequest, ErrBadRequest, "window must be one of 1h, 24h, 7d, 30d")
		return
	}

	agg, err := s.processor.Metrics(q.Get("mcp_id"), window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrInternal, "metric aggregation failed")
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"window":         windowTag,
		"count":          agg.Count,
		"success_rate":   agg.SuccessRate(),
		"error_rate":     agg.ErrorRate(),
		"avg_latency_ms": agg.AvgLatencyMs,
		"min_latency_ms": agg.MinLatencyMs,
		"max_latency_ms": agg.MaxLatencyMs,
	})
}

func intQuery(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
