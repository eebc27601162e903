package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/StreetsDigital/thenexusengine/pas/internal/matching"
)

// Message types delivered to agents
const (
	MessageWin           = "WIN"
	MessageLoss          = "LOSS"
	MessageCampaignEvent = "CAMPAIGN_EVENT"
)

// Publisher delivers a payload on a named channel
type Publisher interface {
	Publish(ctx context.Context, channel, message string) error
}

// Message is the JSON document an agent receives for a matched outcome
type Message struct {
	ID         string                         `json:"id"`
	Type       string                         `json:"type"`
	Confidence string                         `json:"confidence,omitempty"`
	Label      string                         `json:"label,omitempty"`
	AuctionID  string                         `json:"auctionId"`
	AdSpotID   string                         `json:"adSpotId"`
	Agent      string                         `json:"agent"`
	Account    string                         `json:"account,omitempty"`
	BidPrice   string                         `json:"bidPrice"`
	WinPrice   string                         `json:"winPrice,omitempty"`
	Timestamp  time.Time                      `json:"timestamp"`
	Meta       json.RawMessage                `json:"meta,omitempty"`
	BidMeta    json.RawMessage                `json:"bidMeta,omitempty"`
	UserIDs    matching.UserIDs               `json:"userIds,omitempty"`
	Events     []matching.CampaignEventRecord `json:"campaignEvents,omitempty"`
}

// Notifier publishes matched outcomes to the channel of the bidding agent
type Notifier struct {
	pub    Publisher
	prefix string
	newID  func() string
}

// NewNotifier creates a notifier publishing on prefix+agent unless the
// agent configures its own channel
func NewNotifier(pub Publisher, prefix string) *Notifier {
	return &Notifier{
		pub:    pub,
		prefix: prefix,
		newID:  func() string { return uuid.New().String() },
	}
}

// Channel returns the channel an agent is notified on
func (n *Notifier) Channel(cfg AgentConfig) string {
	if cfg.Channel != "" {
		return cfg.Channel
	}
	return n.prefix + cfg.Agent
}

// NotifyWinLoss sends a win or loss to the agent that placed the bid
func (n *Notifier) NotifyWinLoss(ctx context.Context, cfg AgentConfig, m matching.MatchedWinLoss) error {
	msg := Message{
		Type:       string(m.Resolution),
		Confidence: m.Confidence(),
		AuctionID:  m.Auction.AuctionID,
		AdSpotID:   m.Auction.AdSpotID,
		Agent:      m.Auction.Bid.Agent,
		Account:    m.Account.String(),
		BidPrice:   m.Auction.Bid.Price.String(),
		Timestamp:  m.Timestamp,
		Meta:       m.Meta,
		BidMeta:    m.Auction.Bid.Meta,
		UserIDs:    m.UserIDs,
	}
	if m.Resolution == matching.ResolutionWin {
		msg.WinPrice = m.WinPrice.String()
	}
	return n.send(ctx, cfg, msg)
}

// NotifyCampaignEvent sends a campaign event along with the auction's
// campaign log so far
func (n *Notifier) NotifyCampaignEvent(ctx context.Context, cfg AgentConfig, m matching.MatchedCampaignEvent) error {
	f := m.Finished
	msg := Message{
		Type:      MessageCampaignEvent,
		Label:     m.Label,
		AuctionID: f.AuctionID,
		AdSpotID:  f.AdSpotID,
		Agent:     f.Bid.Agent,
		Account:   f.Bid.Account.String(),
		BidPrice:  f.Bid.Price.String(),
		WinPrice:  f.WinPrice.String(),
		Timestamp: m.Event.Timestamp,
		Meta:      m.Event.Meta,
		BidMeta:   f.Bid.Meta,
		UserIDs:   m.Event.UserIDs,
		Events:    f.CampaignEvents,
	}
	return n.send(ctx, cfg, msg)
}

func (n *Notifier) send(ctx context.Context, cfg AgentConfig, msg Message) error {
	msg.ID = n.newID()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	channel := n.Channel(cfg)
	if err := n.pub.Publish(ctx, channel, string(payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}
