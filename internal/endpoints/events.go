package endpoints

import (
	"errors"
	"io"
	"net/http"

	"github.com/StreetsDigital/thenexusengine/pas/internal/matching"
	"github.com/StreetsDigital/thenexusengine/pas/internal/middleware"
	"github.com/StreetsDigital/thenexusengine/pas/internal/postauction"
	"github.com/StreetsDigital/thenexusengine/pas/internal/transport"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/logger"
)

// SubmitAuction handles POST /v1/auctions
func (h *Handler) SubmitAuction(w http.ResponseWriter, r *http.Request) {
	h.inject(w, r, "AUCTION", func(body []byte) error {
		auction, lossTimeout, err := transport.DecodeAuction(body)
		if err != nil {
			return err
		}
		return h.svc.InjectSubmittedAuction(auction, lossTimeout)
	})
}

// Win handles POST /v1/wins
func (h *Handler) Win(w http.ResponseWriter, r *http.Request) {
	h.inject(w, r, "WIN", func(body []byte) error {
		ev, err := transport.DecodeWinLoss(body, matching.ResolutionWin)
		if err != nil {
			return err
		}
		return h.svc.InjectWin(ev)
	})
}

// Loss handles POST /v1/losses
func (h *Handler) Loss(w http.ResponseWriter, r *http.Request) {
	h.inject(w, r, "LOSS", func(body []byte) error {
		ev, err := transport.DecodeWinLoss(body, matching.ResolutionLoss)
		if err != nil {
			return err
		}
		return h.svc.InjectLoss(ev)
	})
}

// CampaignEvent handles POST /v1/events
func (h *Handler) CampaignEvent(w http.ResponseWriter, r *http.Request) {
	h.inject(w, r, "CAMPAIGN_EVENT", func(body []byte) error {
		ev, err := transport.DecodeCampaignEvent(body)
		if err != nil {
			return err
		}
		return h.svc.InjectCampaignEvent(ev)
	})
}

// inject reads the body and maps the injection result to a status code:
// 202 queued, 400 malformed, 413 too large, 429 queue full.
func (h *Handler) inject(w http.ResponseWriter, r *http.Request, eventType string, fn func(body []byte) error) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	err = fn(body)
	var ve *transport.ValidationError
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.As(err, &ve):
		if h.metrics != nil {
			h.metrics.RecordDecodeFailure("http", eventType)
		}
		logger.FromContext(r.Context()).Debug().
			Err(err).
			Str("type", eventType).
			Str("producer", r.Header.Get(middleware.ProducerHeader)).
			Msg("Rejected malformed event")
		writeError(w, ve.Error(), http.StatusBadRequest)
	case errors.Is(err, postauction.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, err.Error(), http.StatusTooManyRequests)
	default:
		logger.FromContext(r.Context()).Error().Err(err).Str("type", eventType).Msg("Injection failed")
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}
