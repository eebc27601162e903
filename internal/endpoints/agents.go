package endpoints

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/StreetsDigital/thenexusengine/pas/internal/agents"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/logger"
)

// AgentStore is the hash agent configurations are kept in
type AgentStore interface {
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key, field string) error
}

// WithAgentStore enables the /v1/agents routes over the hash at key.
// refresh, if set, reloads the routing cache after each change.
func (h *Handler) WithAgentStore(store AgentStore, key string, refresh func(ctx context.Context) error) *Handler {
	h.agentStore = store
	h.agentsKey = key
	h.refreshAgents = refresh
	return h
}

// GetAgent handles GET /v1/agents/{name}
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	raw, err := h.agentStore.HGet(r.Context(), h.agentsKey, name)
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Str("agent", name).Msg("Agent config read failed")
		writeError(w, "Failed to read agent config", http.StatusBadGateway)
		return
	}
	if raw == "" {
		writeError(w, "agent not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(raw))
}

// PutAgent handles PUT /v1/agents/{name}
func (h *Handler) PutAgent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var cfg agents.AgentConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		writeError(w, "Invalid JSON in request body", http.StatusBadRequest)
		return
	}
	if cfg.Agent == "" {
		cfg.Agent = name
	}
	if cfg.Agent != name {
		writeError(w, (&ValidationError{Field: "agent", Message: "must match the path"}).Error(), http.StatusBadRequest)
		return
	}

	value, err := json.Marshal(cfg)
	if err != nil {
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if err := h.agentStore.HSet(r.Context(), h.agentsKey, name, string(value)); err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Str("agent", name).Msg("Agent config write failed")
		writeError(w, "Failed to store agent config", http.StatusBadGateway)
		return
	}
	h.refresh(r)

	logger.FromContext(r.Context()).Info().Str("agent", name).Msg("Agent config stored")
	respondJSON(w, http.StatusOK, cfg)
}

// DeleteAgent handles DELETE /v1/agents/{name}
func (h *Handler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.agentStore.HDel(r.Context(), h.agentsKey, name); err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Str("agent", name).Msg("Agent config delete failed")
		writeError(w, "Failed to delete agent config", http.StatusBadGateway)
		return
	}
	h.refresh(r)

	logger.FromContext(r.Context()).Info().Str("agent", name).Msg("Agent config deleted")
	w.WriteHeader(http.StatusNoContent)
}

// refresh reloads the routing cache; a failure leaves the next periodic
// refresh to pick the change up
func (h *Handler) refresh(r *http.Request) {
	if h.refreshAgents == nil {
		return
	}
	if err := h.refreshAgents(r.Context()); err != nil {
		logger.FromContext(r.Context()).Warn().Err(err).Msg("Agent config refresh failed")
	}
}
