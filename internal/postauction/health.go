package postauction

import (
	"fmt"
	"time"
)

// HealthStatus is the overall service status
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
)

// Health reports whether the service is still receiving traffic and
// keeping up with it
type Health struct {
	Status            HealthStatus `json:"status"`
	Reasons           []string     `json:"reasons,omitempty"`
	LastWinLoss       *time.Time   `json:"last_win_loss,omitempty"`
	LastCampaignEvent *time.Time   `json:"last_campaign_event,omitempty"`
	PendingAuctions   int          `json:"pending_auctions"`
	FinishedAuctions  int          `json:"finished_auctions"`
	AuctionQueueDepth int          `json:"auction_queue_depth"`
	EventQueueDepth   int          `json:"event_queue_depth"`
	LoopLoad          float64      `json:"loop_load"`
}

// Health evaluates the service indicators. A stream only counts as stale
// once it has been seen at least once.
func (s *Service) Health() Health {
	now := s.now()
	h := Health{
		Status:            HealthOK,
		PendingAuctions:   int(s.stats.pending.Load()),
		FinishedAuctions:  int(s.stats.finished.Load()),
		AuctionQueueDepth: len(s.auctions),
		EventQueueDepth:   len(s.events),
		LoopLoad:          s.loop.Load(),
	}

	staleAfter := s.config.HealthStaleAfter
	check := func(name string, nanos int64) *time.Time {
		if nanos == 0 {
			return nil
		}
		last := time.Unix(0, nanos).UTC()
		if staleAfter > 0 && now.Sub(last) > staleAfter {
			h.Reasons = append(h.Reasons, fmt.Sprintf("no %s for %s", name, now.Sub(last).Truncate(time.Second)))
		}
		return &last
	}
	h.LastWinLoss = check("win/loss", s.stats.lastWinLoss.Load())
	h.LastCampaignEvent = check("campaign event", s.stats.lastCampaignEvent.Load())

	if h.AuctionQueueDepth >= cap(s.auctions) {
		h.Reasons = append(h.Reasons, "auction queue full")
	}
	if h.EventQueueDepth >= cap(s.events) {
		h.Reasons = append(h.Reasons, "event queue full")
	}

	if h.LoopLoad >= s.config.MaxLoopLoad {
		h.Reasons = append(h.Reasons, fmt.Sprintf("matching loop load %.2f", h.LoopLoad))
	}

	if len(h.Reasons) > 0 {
		h.Status = HealthDegraded
	}
	return h
}
