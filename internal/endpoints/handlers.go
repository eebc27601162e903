// Package endpoints provides the HTTP injection and monitoring API
package endpoints

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/StreetsDigital/thenexusengine/pas/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/pas/internal/postauction"
	"github.com/StreetsDigital/thenexusengine/pas/internal/transport"
)

// Service is the post-auction service as seen by the API
type Service interface {
	transport.Sink
	SetAuctionTimeout(d time.Duration) error
	SetWinTimeout(d time.Duration) error
	Stats() postauction.Stats
	Health() postauction.Health
}

// Handler serves the injection API
type Handler struct {
	svc     Service
	metrics *metrics.Metrics

	agentStore    AgentStore
	agentsKey     string
	refreshAgents func(ctx context.Context) error
}

// NewHandler creates a handler. m may be nil.
func NewHandler(svc Service, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, metrics: m}
}

// SetupRoutes registers every route on a new router. metricsHandler is
// mounted on /metrics when non-nil.
func (h *Handler) SetupRoutes(metricsHandler http.Handler) *mux.Router {
	router := mux.NewRouter()

	router.Handle("/status", http.HandlerFunc(h.Status)).Methods(http.MethodGet)
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	// Routes are registered on the root router so a method mismatch
	// answers 405 rather than 404
	router.HandleFunc("/v1/auctions", h.SubmitAuction).Methods(http.MethodPost)
	router.HandleFunc("/v1/wins", h.Win).Methods(http.MethodPost)
	router.HandleFunc("/v1/losses", h.Loss).Methods(http.MethodPost)
	router.HandleFunc("/v1/events", h.CampaignEvent).Methods(http.MethodPost)
	router.HandleFunc("/v1/stats", h.Stats).Methods(http.MethodGet)
	router.HandleFunc("/v1/timeouts", h.Timeouts).Methods(http.MethodGet)
	router.HandleFunc("/v1/timeouts", h.SetTimeouts).Methods(http.MethodPut)

	if h.agentStore != nil {
		router.HandleFunc("/v1/agents/{name}", h.GetAgent).Methods(http.MethodGet)
		router.HandleFunc("/v1/agents/{name}", h.PutAgent).Methods(http.MethodPut)
		router.HandleFunc("/v1/agents/{name}", h.DeleteAgent).Methods(http.MethodDelete)
	}

	return router
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]string{"error": message})
}
