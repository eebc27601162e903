// Package transport decodes inbound post-auction messages and feeds them to
// the service over NATS.
package transport

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/shopspring/decimal"

	"github.com/StreetsDigital/thenexusengine/pas/internal/matching"
)

// FormatOpenRTB is the bid request format decoded into an openrtb2.BidRequest.
// Other formats are carried as raw bytes only.
const FormatOpenRTB = "openrtb"

// ValidationError reports a malformed inbound message
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// BidMessage is the wire form of an agent's bid. Account is a colon
// separated account key.
type BidMessage struct {
	Agent        string          `json:"agent"`
	Account      string          `json:"account"`
	Price        decimal.Decimal `json:"price"`
	Priority     float64         `json:"priority,omitempty"`
	CreativeID   int             `json:"creative_id,omitempty"`
	CreativeName string          `json:"creative_name,omitempty"`
	Test         bool            `json:"test,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
}

// AuctionMessage is the wire form of a submitted auction
type AuctionMessage struct {
	AuctionID        string          `json:"auction_id"`
	AdSpotID         string          `json:"ad_spot_id"`
	BidRequest       json.RawMessage `json:"bid_request,omitempty"`
	BidRequestFormat string          `json:"bid_request_format,omitempty"`
	Augmentations    json.RawMessage `json:"augmentations,omitempty"`
	Bid              BidMessage      `json:"bid"`
	SubmittedAt      time.Time       `json:"submitted_at,omitempty"`
	LossTimeout      time.Time       `json:"loss_timeout,omitempty"`
}

// WinLossMessage is the wire form of a win or loss notification. Type is
// optional when the surface already implies it.
type WinLossMessage struct {
	Type         string            `json:"type,omitempty"`
	AuctionID    string            `json:"auction_id"`
	AdSpotID     string            `json:"ad_spot_id"`
	WinPrice     decimal.Decimal   `json:"win_price"`
	Timestamp    time.Time         `json:"timestamp,omitempty"`
	Meta         json.RawMessage   `json:"meta,omitempty"`
	UserIDs      map[string]string `json:"user_ids,omitempty"`
	Account      string            `json:"account,omitempty"`
	BidTimestamp time.Time         `json:"bid_timestamp,omitempty"`
}

// CampaignEventMessage is the wire form of a campaign event. An empty
// AdSpotID targets every winning spot of the auction.
type CampaignEventMessage struct {
	Label     string            `json:"label"`
	AuctionID string            `json:"auction_id"`
	AdSpotID  string            `json:"ad_spot_id,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
	Meta      json.RawMessage   `json:"meta,omitempty"`
	UserIDs   map[string]string `json:"user_ids,omitempty"`
}

// DecodeAuction parses a submitted auction. The returned time is the
// explicit loss deadline, zero when the message has none.
func DecodeAuction(data []byte) (matching.SubmittedAuction, time.Time, error) {
	var msg AuctionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return matching.SubmittedAuction{}, time.Time{}, &ValidationError{Field: "body", Message: err.Error()}
	}
	if msg.AuctionID == "" {
		return matching.SubmittedAuction{}, time.Time{}, &ValidationError{Field: "auction_id", Message: "required"}
	}
	if msg.AdSpotID == "" {
		return matching.SubmittedAuction{}, time.Time{}, &ValidationError{Field: "ad_spot_id", Message: "required"}
	}
	if msg.Bid.Agent == "" {
		return matching.SubmittedAuction{}, time.Time{}, &ValidationError{Field: "bid.agent", Message: "required"}
	}

	auction := matching.SubmittedAuction{
		AuctionID:        msg.AuctionID,
		AdSpotID:         msg.AdSpotID,
		BidRequestFormat: msg.BidRequestFormat,
		Augmentations:    msg.Augmentations,
		SubmittedAt:      msg.SubmittedAt,
		Bid: matching.Bid{
			Agent:        msg.Bid.Agent,
			Account:      matching.ParseAccountKey(msg.Bid.Account),
			Price:        msg.Bid.Price,
			Priority:     msg.Bid.Priority,
			CreativeID:   msg.Bid.CreativeID,
			CreativeName: msg.Bid.CreativeName,
			Test:         msg.Bid.Test,
			Meta:         msg.Bid.Meta,
		},
	}

	if len(msg.BidRequest) > 0 && string(msg.BidRequest) != "null" {
		auction.BidRequestRaw = []byte(msg.BidRequest)
		if auction.BidRequestFormat == "" {
			auction.BidRequestFormat = FormatOpenRTB
		}
		if auction.BidRequestFormat == FormatOpenRTB {
			var req openrtb2.BidRequest
			if err := json.Unmarshal(msg.BidRequest, &req); err != nil {
				return matching.SubmittedAuction{}, time.Time{}, &ValidationError{Field: "bid_request", Message: err.Error()}
			}
			auction.BidRequest = &req
		}
	}

	return auction, msg.LossTimeout, nil
}

// DecodeWinLoss parses a win or loss notification. A non-empty want forces
// the resolution; otherwise the message type must name one.
func DecodeWinLoss(data []byte, want matching.Resolution) (matching.WinLossEvent, error) {
	var msg WinLossMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return matching.WinLossEvent{}, &ValidationError{Field: "body", Message: err.Error()}
	}
	if msg.AuctionID == "" {
		return matching.WinLossEvent{}, &ValidationError{Field: "auction_id", Message: "required"}
	}
	if msg.AdSpotID == "" {
		return matching.WinLossEvent{}, &ValidationError{Field: "ad_spot_id", Message: "required"}
	}

	typ := want
	if typ == "" {
		res, err := ParseResolution(msg.Type)
		if err != nil {
			return matching.WinLossEvent{}, err
		}
		typ = res
	}

	ev := matching.WinLossEvent{
		Type:         typ,
		AuctionID:    msg.AuctionID,
		AdSpotID:     msg.AdSpotID,
		WinPrice:     msg.WinPrice,
		Timestamp:    msg.Timestamp,
		Meta:         msg.Meta,
		BidTimestamp: msg.BidTimestamp,
	}
	if len(msg.UserIDs) > 0 {
		ev.UserIDs = matching.UserIDs(msg.UserIDs)
	}
	if msg.Account != "" {
		ev.Account = matching.ParseAccountKey(msg.Account)
	}
	return ev, nil
}

// DecodeCampaignEvent parses a campaign event
func DecodeCampaignEvent(data []byte) (matching.CampaignEvent, error) {
	var msg CampaignEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return matching.CampaignEvent{}, &ValidationError{Field: "body", Message: err.Error()}
	}
	if msg.Label == "" {
		return matching.CampaignEvent{}, &ValidationError{Field: "label", Message: "required"}
	}
	if msg.AuctionID == "" {
		return matching.CampaignEvent{}, &ValidationError{Field: "auction_id", Message: "required"}
	}

	ev := matching.CampaignEvent{
		Label:     msg.Label,
		AuctionID: msg.AuctionID,
		AdSpotID:  msg.AdSpotID,
		Timestamp: msg.Timestamp,
		Meta:      msg.Meta,
	}
	if len(msg.UserIDs) > 0 {
		ev.UserIDs = matching.UserIDs(msg.UserIDs)
	}
	return ev, nil
}

// ParseResolution parses "win" or "loss" in any case
func ParseResolution(s string) (matching.Resolution, error) {
	switch matching.Resolution(strings.ToUpper(strings.TrimSpace(s))) {
	case matching.ResolutionWin:
		return matching.ResolutionWin, nil
	case matching.ResolutionLoss:
		return matching.ResolutionLoss, nil
	}
	return "", &ValidationError{Field: "type", Message: fmt.Sprintf("unknown resolution %q", s)}
}
