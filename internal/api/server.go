// Package api is the HTTP surface of the coordinator: the v1 control and
// routing planes, the v2 event plane, and the Prometheus endpoint. Every
// response is the uniform {ok, data | error} envelope.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coordcore/coordinator/internal/auth"
	"github.com/coordcore/coordinator/internal/clock"
	"github.com/coordcore/coordinator/internal/coord"
	"github.com/coordcore/coordinator/internal/events"
	"github.com/coordcore/coordinator/internal/health"
	"github.com/coordcore/coordinator/internal/ingest"
	"github.com/coordcore/coordinator/internal/logproc"
	"github.com/coordcore/coordinator/internal/metrics"
	"github.com/coordcore/coordinator/internal/registry"
	"github.com/coordcore/coordinator/internal/stream"
)

// HeartbeatPeriodS is the cadence handed to MCPs at registration. A third
// of the soft TTL keeps two missed beats inside the window.
const HeartbeatPeriodS = 10

// Server wires the subsystems behind the HTTP routes.
type Server struct {
	registry    *registry.Store
	monitor     *health.Monitor
	coordinator *coord.Coordinator
	processor   *logproc.Processor
	queue       *ingest.Queue
	bus         *events.Bus
	tail        *stream.Tail
	validator   *auth.Validator
	clock       clock.Clock
	metrics     *metrics.Metrics
	logger      *log.Logger

	startedAt time.Time
	httpSrv   *http.Server
}

// Deps collects the subsystems the server routes to. metrics and tail may
// be nil (tests exercise planes in isolation).
type Deps struct {
	Registry    *registry.Store
	Monitor     *health.Monitor
	Coordinator *coord.Coordinator
	Processor   *logproc.Processor
	Queue       *ingest.Queue
	Bus         *events.Bus
	Tail        *stream.Tail
	Validator   *auth.Validator
	Clock       clock.Clock
	Metrics     *metrics.Metrics
}

func NewServer(d Deps) *Server {
	return &Server{
		registry:    d.Registry,
		monitor:     d.Monitor,
		coordinator: d.Coordinator,
		processor:   d.Processor,
		queue:       d.Queue,
		bus:         d.Bus,
		tail:        d.Tail,
		validator:   d.Validator,
		clock:       d.Clock,
		metrics:     d.Metrics,
		logger:      log.New(log.Writer(), "[API] ", log.LstdFlags),
		startedAt:   d.Clock.Now(),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// Control plane. Frozen within the major version.
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/register", s.requireScope(s.handleRegister, auth.ScopeAdmin)).Methods("POST")
	v1.HandleFunc("/deregister", s.requireScope(s.handleDeregister, auth.ScopeAdmin)).Methods("POST")
	v1.HandleFunc("/heartbeat", s.requireScope(s.handleHeartbeat, auth.ScopeMCP)).Methods("POST")
	v1.HandleFunc("/registry", s.requireScope(s.handleRegistry, auth.ScopeClient, auth.ScopeMCP)).Methods("GET")
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/stats", s.requireScope(s.handleStats, auth.ScopeAdmin)).Methods("GET")
	v1.HandleFunc("/tokens", s.requireScope(s.handleMintToken, auth.ScopeAdmin)).Methods("POST")
	v1.HandleFunc("/tokens/revoke", s.requireScope(s.handleRevokeToken, auth.ScopeAdmin)).Methods("POST")

	// Routing plane.
	v1.HandleFunc("/dispatch", s.requireScope(s.handleDispatch, auth.ScopeClient)).Methods("POST")

	// Event plane. Additive across versions.
	v2 := r.PathPrefix("/api/v2").Subrouter()
	v2.HandleFunc("/interactions", s.requireScope(s.handleIngest, auth.ScopeMCP)).Methods("POST")
	v2.HandleFunc("/interactions/history", s.requireScope(s.handleHistory, auth.ScopeClient)).Methods("GET")
	v2.HandleFunc("/interactions/metrics", s.requireScope(s.handleMetrics, auth.ScopeClient)).Methods("GET")
	if s.tail != nil {
		v2.Handle("/interactions/stream", s.tail).Methods("GET")
	}

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Printf("Coordinator API listening on %s", addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
