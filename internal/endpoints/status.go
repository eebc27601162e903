package endpoints

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/StreetsDigital/thenexusengine/pas/internal/postauction"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/logger"
)

// Status handles GET /status. A degraded service answers 503 so load
// balancers and monitors see it.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	health := h.svc.Health()
	status := http.StatusOK
	if health.Status != postauction.HealthOK {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, struct {
		postauction.Health
		Timestamp string `json:"timestamp"`
	}{health, time.Now().UTC().Format(time.RFC3339)})
}

// Stats handles GET /v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.Stats())
}

// TimeoutsRequest changes one or both timeouts. Values are Go durations
// such as "15m" or "90s".
type TimeoutsRequest struct {
	AuctionTimeout string `json:"auction_timeout,omitempty"`
	WinTimeout     string `json:"win_timeout,omitempty"`
}

// TimeoutsResponse reports the timeouts in effect
type TimeoutsResponse struct {
	AuctionTimeout string `json:"auction_timeout"`
	WinTimeout     string `json:"win_timeout"`
}

// Timeouts handles GET /v1/timeouts
func (h *Handler) Timeouts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.currentTimeouts())
}

// SetTimeouts handles PUT /v1/timeouts. Both values are validated before
// either is applied.
func (h *Handler) SetTimeouts(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req TimeoutsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, "Invalid JSON in request body", http.StatusBadRequest)
		return
	}
	if req.AuctionTimeout == "" && req.WinTimeout == "" {
		writeError(w, "auction_timeout or win_timeout required", http.StatusBadRequest)
		return
	}

	auction, err := parseTimeout("auction_timeout", req.AuctionTimeout)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	win, err := parseTimeout("win_timeout", req.WinTimeout)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if auction > 0 {
		if err := h.svc.SetAuctionTimeout(auction); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if win > 0 {
		if err := h.svc.SetWinTimeout(win); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	current := h.currentTimeouts()
	logger.FromContext(r.Context()).Info().
		Str("auction_timeout", current.AuctionTimeout).
		Str("win_timeout", current.WinTimeout).
		Msg("Timeouts updated")
	respondJSON(w, http.StatusOK, current)
}

func (h *Handler) currentTimeouts() TimeoutsResponse {
	st := h.svc.Stats()
	return TimeoutsResponse{
		AuctionTimeout: st.AuctionTimeout.String(),
		WinTimeout:     st.WinTimeout.String(),
	}
}

// parseTimeout parses an optional positive duration; "" yields 0
func parseTimeout(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, &ValidationError{Field: field, Message: err.Error()}
	}
	if d <= 0 {
		return 0, &ValidationError{Field: field, Message: "must be positive"}
	}
	return d, nil
}

// ValidationError represents an invalid API parameter
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
