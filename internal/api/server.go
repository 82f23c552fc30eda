// Package api exposes the runtime's admin and observability surface over
// HTTP: health, topology inspection, operator-initiated switches, queue
// depths, budget usage, decision history, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apex/runtime/internal/budget"
	"github.com/apex/runtime/internal/circuitbreaker"
	"github.com/apex/runtime/internal/controller"
	"github.com/apex/runtime/internal/coordinator"
	"github.com/apex/runtime/internal/runtime"
)

// Server wires the runtime components behind a mux router.
type Server struct {
	router   *runtime.Router
	coord    *coordinator.Coordinator
	guard    *budget.Guard
	ctrl     *controller.Controller
	breakers *circuitbreaker.RuntimeBreakers

	httpServer *http.Server
	logger     *log.Logger
}

// Config carries the listener settings.
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New builds the server. ctrl and breakers may be nil when running
// router-only deployments.
func New(cfg Config, rt *runtime.Router, coord *coordinator.Coordinator, guard *budget.Guard, ctrl *controller.Controller, breakers *circuitbreaker.RuntimeBreakers) *Server {
	s := &Server{
		router:   rt,
		coord:    coord,
		guard:    guard,
		ctrl:     ctrl,
		breakers: breakers,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/topology", s.handleTopology).Methods(http.MethodGet)
	r.HandleFunc("/v1/switch", s.handleSwitch).Methods(http.MethodPost)
	r.HandleFunc("/v1/queues", s.handleQueues).Methods(http.MethodGet)
	r.HandleFunc("/v1/budget", s.handleBudget).Methods(http.MethodGet)
	r.HandleFunc("/v1/decisions", s.handleDecisions).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the HTTP handler, for tests and for mounting the
// websocket gateway alongside.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Mount attaches an extra handler under path. Must run before Start.
func (s *Server) Mount(path string, h http.HandlerFunc) {
	s.httpServer.Handler.(*mux.Router).HandleFunc(path, h)
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Printf("listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "HEALTHY"
	var breakers map[string]string
	if s.breakers != nil {
		status, breakers = s.breakers.HealthStatus()
	}
	code := http.StatusOK
	if status != "HEALTHY" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"breakers": breakers,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	topo, epoch := s.coord.Active()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"topology":           string(topo),
		"epoch":              uint64(epoch),
		"state":              s.coord.State().String(),
		"steps_since_switch": s.coord.StepsSinceSwitch(),
	})
}

type switchRequest struct {
	Target string `json:"target"`
}

// handleSwitch lets an operator request a topology change. The request
// goes through the coordinator like any controller decision, so dwell,
// cooldown and the single-switch lock all apply.
func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	outcome := s.coord.RequestSwitch(r.Context(), runtime.Topology(req.Target))

	code := http.StatusOK
	if outcome.Status == coordinator.StatusRejected {
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]interface{}{
		"status": string(outcome.Status),
		"reason": outcome.Reason,
		"epoch":  uint64(outcome.Epoch),
	})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	depths := s.router.QueueDepths()
	counters := s.router.Counters()
	out := map[string]interface{}{
		"depths":   depths,
		"admitted": counters.Admitted,
		"dropped":  counters.Dropped,
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = budget.ScopeDaily
	}
	used, reserved, total := s.guard.Usage(scope)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":     scope,
		"used":      used,
		"reserved":  reserved,
		"budget":    total,
		"headroom":  s.guard.Headroom(scope),
		"deny_rate": s.guard.DenyRate(),
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		writeJSON(w, http.StatusOK, []controller.DecisionRecord{})
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.History())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}
