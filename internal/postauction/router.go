package postauction

import (
	"context"
	"errors"

	"github.com/StreetsDigital/thenexusengine/pas/internal/agents"
	"github.com/StreetsDigital/thenexusengine/pas/internal/banker"
	"github.com/StreetsDigital/thenexusengine/pas/internal/matching"
	"github.com/StreetsDigital/thenexusengine/pas/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/eventlog"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/logger"
)

// Notifier delivers matched outcomes to bidding agents. It is called on the
// loop goroutine and must not block; agents.Dispatcher queues for a
// synchronous agents.Notifier.
type Notifier interface {
	NotifyWinLoss(ctx context.Context, cfg agents.AgentConfig, m matching.MatchedWinLoss) error
	NotifyCampaignEvent(ctx context.Context, cfg agents.AgentConfig, m matching.MatchedCampaignEvent) error
}

// AuditLog records the audit trail
type AuditLog interface {
	Record(rec eventlog.Record) error
}

// Collaborators are the downstream systems outcomes are routed to.
// Any of them may be nil.
type Collaborators struct {
	Banker   banker.Banker
	Agents   agents.Source
	Notifier Notifier
	Audit    AuditLog
	Metrics  *metrics.Metrics
}

// Callbacks observe outcomes after they have been routed
type Callbacks struct {
	OnMatchedWinLoss       func(matching.MatchedWinLoss)
	OnMatchedCampaignEvent func(matching.MatchedCampaignEvent)
	OnUnmatched            func(matching.Unmatched)
	OnError                func(*matching.MatchError)
}

// Router dispatches matcher outcomes to their collaborators. It never
// touches the matcher's tables, and collaborator failures are logged and
// counted without being fed back into matching.
type Router struct {
	c  Collaborators
	cb Callbacks
}

// NewRouter creates a router
func NewRouter(c Collaborators, cb Callbacks) *Router {
	return &Router{c: c, cb: cb}
}

// Route dispatches one outcome
func (r *Router) Route(ctx context.Context, o matching.Outcome) {
	switch out := o.(type) {
	case matching.MatchedWinLoss:
		r.routeWinLoss(ctx, out)
	case matching.MatchedCampaignEvent:
		r.routeCampaignEvent(ctx, out)
	case matching.Unmatched:
		r.routeUnmatched(out)
	case *matching.MatchError:
		r.routeError(out)
	}
}

func (r *Router) routeWinLoss(ctx context.Context, m matching.MatchedWinLoss) {
	key := m.Key()
	bid := m.Auction.Bid
	log := logger.Auction(key.AuctionID)

	if r.c.Banker != nil {
		var err error
		op := "win"
		if m.Resolution == matching.ResolutionWin {
			err = r.c.Banker.WinBid(ctx, m.Account, key, m.WinPrice)
		} else {
			op = "cancel"
			err = r.c.Banker.CancelBid(ctx, m.Account, key)
		}
		if err != nil {
			ev := log.Error()
			if errors.Is(err, banker.ErrAlreadySettled) {
				ev = log.Warn()
			}
			ev.Err(err).
				Str("component", "banker").
				Str("ad_spot_id", key.AdSpotID).
				Str("account", m.Account.String()).
				Str("operation", op).
				Msg("Ledger update failed")
			if r.c.Metrics != nil {
				r.c.Metrics.RecordBankerFailure(op)
			}
		}
	}

	if cfg, ok := r.agentConfig(bid.Agent); ok && (m.Resolution == matching.ResolutionWin || !cfg.SkipLosses) {
		if err := r.c.Notifier.NotifyWinLoss(ctx, cfg, m); err != nil {
			logger.Agents().Warn().Err(err).
				Str("agent", bid.Agent).
				Str("auction_id", key.AuctionID).
				Msg("Agent notification failed")
			if r.c.Metrics != nil {
				r.c.Metrics.RecordNotifyFailure(string(m.Resolution))
			}
		}
	}

	if r.c.Metrics != nil {
		r.c.Metrics.RecordMatchedWinLoss(
			string(m.Resolution),
			m.Confidence(),
			bid.Agent,
			m.WinPrice.InexactFloat64(),
			m.Timestamp.Sub(m.Auction.SubmittedAt),
		)
	}

	channel := eventlog.MatchedWin
	if m.Resolution == matching.ResolutionLoss {
		channel = eventlog.MatchedLoss
	}
	r.audit(eventlog.Record{
		Channel:    channel,
		Timestamp:  m.Timestamp,
		AuctionID:  key.AuctionID,
		AdSpotID:   key.AdSpotID,
		Agent:      bid.Agent,
		Account:    m.Account.String(),
		Confidence: m.Confidence(),
		Price:      m.WinPrice.String(),
		Payload:    m.Meta,
	})

	log.Debug().
		Str("component", "router").
		Str("ad_spot_id", key.AdSpotID).
		Str("resolution", string(m.Resolution)).
		Str("confidence", m.Confidence()).
		Str("price", m.WinPrice.String()).
		Msg("Matched win/loss")

	if r.cb.OnMatchedWinLoss != nil {
		r.cb.OnMatchedWinLoss(m)
	}
}

func (r *Router) routeCampaignEvent(ctx context.Context, m matching.MatchedCampaignEvent) {
	key := m.Key()
	bid := m.Finished.Bid

	if cfg, ok := r.agentConfig(bid.Agent); ok && cfg.WantsLabel(m.Label) {
		if err := r.c.Notifier.NotifyCampaignEvent(ctx, cfg, m); err != nil {
			logger.Agents().Warn().Err(err).
				Str("agent", bid.Agent).
				Str("auction_id", key.AuctionID).
				Str("label", m.Label).
				Msg("Agent notification failed")
			if r.c.Metrics != nil {
				r.c.Metrics.RecordNotifyFailure(agents.MessageCampaignEvent)
			}
		}
	}

	if r.c.Metrics != nil {
		r.c.Metrics.RecordMatchedCampaignEvent(m.Label)
	}

	r.audit(eventlog.Record{
		Channel:   eventlog.MatchedCampaignEvent,
		Timestamp: m.Event.Timestamp,
		AuctionID: key.AuctionID,
		AdSpotID:  key.AdSpotID,
		Agent:     bid.Agent,
		Account:   bid.Account.String(),
		Label:     m.Label,
		Payload:   m.Event.Meta,
	})

	if r.cb.OnMatchedCampaignEvent != nil {
		r.cb.OnMatchedCampaignEvent(m)
	}
}

func (r *Router) routeUnmatched(u matching.Unmatched) {
	key := u.Event.EventKey()
	eventType := matching.EventTypeName(u.Event)

	logger.Router().Debug().
		Str("auction_id", key.AuctionID).
		Str("ad_spot_id", key.AdSpotID).
		Str("type", eventType).
		Str("reason", string(u.Reason)).
		Msg("Unmatched event")

	if r.c.Metrics != nil {
		r.c.Metrics.RecordUnmatched(eventType, string(u.Reason))
	}

	rec := eventlog.Record{
		AuctionID: key.AuctionID,
		AdSpotID:  key.AdSpotID,
		Reason:    string(u.Reason),
	}
	switch ev := u.Event.(type) {
	case matching.WinLossEvent:
		rec.Channel = eventlog.UnmatchedWin
		if ev.Type == matching.ResolutionLoss {
			rec.Channel = eventlog.UnmatchedLoss
		}
		rec.Timestamp = ev.Timestamp
		rec.Price = ev.WinPrice.String()
		rec.Account = ev.Account.String()
		rec.Payload = ev.Meta
	case matching.CampaignEvent:
		rec.Channel = eventlog.UnmatchedCampaignEvent
		rec.Timestamp = ev.Timestamp
		rec.Label = ev.Label
		rec.Payload = ev.Meta
	}
	if rec.Channel != "" {
		r.audit(rec)
	}

	if r.cb.OnUnmatched != nil {
		r.cb.OnUnmatched(u)
	}
}

func (r *Router) routeError(e *matching.MatchError) {
	logger.Router().Warn().
		Str("kind", string(e.Kind)).
		Str("function", e.Function).
		Str("auction_id", e.Key.AuctionID).
		Str("ad_spot_id", e.Key.AdSpotID).
		Msg(e.Message)

	if r.c.Metrics != nil {
		r.c.Metrics.RecordError(string(e.Kind), e.Function)
	}

	rec := eventlog.Record{
		Channel:   eventlog.Error,
		AuctionID: e.Key.AuctionID,
		AdSpotID:  e.Key.AdSpotID,
		Kind:      string(e.Kind),
		Function:  e.Function,
		Message:   e.Message,
	}
	if e.Event != nil {
		if c, ok := e.Event.(matching.CampaignEvent); ok {
			rec.Label = c.Label
		}
	}
	r.audit(rec)

	if r.cb.OnError != nil {
		r.cb.OnError(e)
	}
}

// agentConfig returns the configuration of agent when notification is wired
func (r *Router) agentConfig(agent string) (agents.AgentConfig, bool) {
	if r.c.Agents == nil || r.c.Notifier == nil || agent == "" {
		return agents.AgentConfig{}, false
	}
	cfg, ok := r.c.Agents.Get(agent)
	if !ok {
		logger.Agents().Debug().Str("agent", agent).Msg("No configuration for agent")
	}
	return cfg, ok
}

func (r *Router) audit(rec eventlog.Record) {
	if r.c.Audit == nil {
		return
	}
	if err := r.c.Audit.Record(rec); err != nil {
		logger.Router().Warn().Err(err).Str("channel", string(rec.Channel)).Msg("Audit log publish failed")
		if r.c.Metrics != nil {
			r.c.Metrics.RecordAuditFailure()
		}
	}
}
