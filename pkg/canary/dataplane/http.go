package dataplane

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andrestc/canary2pc/pkg/canary/node"
	"github.com/andrestc/canary2pc/pkg/canary/types"
)

// Engine is the subset of *node.Node the data plane depends on. Kept
// as an interface so handlers can be tested without a running
// transport/log.
type Engine interface {
	Current() types.StateObject
	Deploy(modelID string) (node.DeployResult, error)
	Rollback() (node.DeployResult, error)
	IsCoordinator() bool
	HealthSample() node.HealthSample
	NodeID() string
}

// Server is the HTTP data-plane adapter described in SPEC_FULL.md 4.5.
type Server struct {
	engine Engine
	rng    *rand.Rand
	router *mux.Router
}

// NewServer builds the router. Built on gorilla/mux rather than bare
// net/http muxing (see SPEC_FULL.md 4.5). reg is the node's metrics
// registry; if non-nil, its counters/gauges are exposed at /metrics
// via promhttp so an operator can actually scrape them. Pass nil (as
// tests do) to omit the route.
func NewServer(engine Engine, reg *prometheus.Registry) *Server {
	s := &Server{
		engine: engine,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		router: mux.NewRouter(),
	}
	s.router.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	s.router.HandleFunc("/routing/state", s.handleState).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/health/snapshot", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/deploy", s.handleDeploy).Methods(http.MethodPost)
	s.router.HandleFunc("/rollback", s.handleRollback).Methods(http.MethodPost)
	s.router.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	if reg != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Current())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	current := s.engine.Current()
	sample := s.engine.HealthSample()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id": s.engine.NodeID(),
		"version": current.Version,
		"health": map[string]interface{}{
			"p95":        sample.P95Millis,
			"error_rate": sample.ErrorRate,
			"n":          1,
		},
		"status": current.Status,
	})
}

type deployRequest struct {
	ModelID string `json:"model_id"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if !s.engine.IsCoordinator() {
		writeError(w, http.StatusForbidden, "not the coordinator")
		return
	}

	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "missing model_id")
		return
	}

	current := s.engine.Current()
	if current.ModelID() == req.ModelID && len(current.Weights) == 1 {
		writeError(w, http.StatusBadRequest, "model_id already deployed")
		return
	}

	result, err := s.engine.Deploy(req.ModelID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if !s.engine.IsCoordinator() {
		writeError(w, http.StatusForbidden, "not the coordinator")
		return
	}

	result, err := s.engine.Rollback()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type predictRequest struct {
	Input string `json:"input"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	current := s.engine.Current()
	selected := SampleModel(current.Weights, s.rng)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"input":           req.Input,
		"model_selected":  selected,
		"version":         current.Version,
	})
}
