// Package matching implements the post-auction event matcher: the tables of
// submitted and finished auctions, the algorithm that pairs win, loss and
// campaign events against them, and timeout-driven expiry.
//
// A Matcher is not safe for concurrent use. It is meant to be owned by a
// single loop goroutine that serializes every event and sweep.
package matching

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/shopspring/decimal"
)

// AuctionKey identifies one ad spot of one auction
type AuctionKey struct {
	AuctionID string `json:"auction_id"`
	AdSpotID  string `json:"ad_spot_id"`
}

// IsWildcard reports whether the key targets every spot of the auction
func (k AuctionKey) IsWildcard() bool {
	return k.AdSpotID == ""
}

func (k AuctionKey) String() string {
	if k.IsWildcard() {
		return k.AuctionID + "-*"
	}
	return k.AuctionID + "-" + k.AdSpotID
}

// AccountKey is a hierarchical banker account, e.g. ["campaign", "strategy"]
type AccountKey []string

func (a AccountKey) String() string {
	return strings.Join(a, ":")
}

// ParseAccountKey splits a colon separated account
func ParseAccountKey(s string) AccountKey {
	if s == "" {
		return nil
	}
	return AccountKey(strings.Split(s, ":"))
}

// UserIDs maps an id domain (exchange, provider, ...) to a user id
type UserIDs map[string]string

// Resolution is the outcome of an auction for one spot
type Resolution string

const (
	ResolutionWin  Resolution = "WIN"
	ResolutionLoss Resolution = "LOSS"
)

// Bid is the response an agent submitted for a spot
type Bid struct {
	Agent        string          `json:"agent"`
	Account      AccountKey      `json:"account"`
	Price        decimal.Decimal `json:"price"`
	Priority     float64         `json:"priority,omitempty"`
	CreativeID   int             `json:"creative_id,omitempty"`
	CreativeName string          `json:"creative_name,omitempty"`
	Test         bool            `json:"test,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
}

// SubmittedAuction is a bid awaiting its win or loss notification.
// BidRequest is shared with the caller and must be treated as read-only.
type SubmittedAuction struct {
	AuctionID        string
	AdSpotID         string
	BidRequest       *openrtb2.BidRequest
	BidRequestRaw    []byte
	BidRequestFormat string
	Augmentations    json.RawMessage
	Bid              Bid
	SubmittedAt      time.Time
	LossTimeoutAt    time.Time
}

// Key returns the table key of the auction
func (s SubmittedAuction) Key() AuctionKey {
	return AuctionKey{AuctionID: s.AuctionID, AdSpotID: s.AdSpotID}
}

// CampaignEventRecord is one entry of a finished auction's campaign log
type CampaignEventRecord struct {
	Label     string          `json:"label"`
	Timestamp time.Time       `json:"timestamp"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	UserIDs   UserIDs         `json:"user_ids,omitempty"`
}

// FinishedAuction is a submitted auction that has been resolved and is
// still accepting campaign events.
type FinishedAuction struct {
	SubmittedAuction

	Resolution           Resolution
	Synthetic            bool
	WinPrice             decimal.Decimal
	ResolvedAt           time.Time
	WinMeta              json.RawMessage
	UserIDs              UserIDs
	CampaignWindowEndsAt time.Time
	CampaignEvents       []CampaignEventRecord
}

// HasLabel reports whether a campaign event with label was already recorded
func (f *FinishedAuction) HasLabel(label string) bool {
	for _, ev := range f.CampaignEvents {
		if ev.Label == label {
			return true
		}
	}
	return false
}

// snapshot returns a copy that does not alias the campaign log
func (f *FinishedAuction) snapshot() FinishedAuction {
	cp := *f
	if f.CampaignEvents != nil {
		cp.CampaignEvents = append([]CampaignEventRecord(nil), f.CampaignEvents...)
	}
	return cp
}

// Event is an inbound post-auction event. The concrete types are
// SubmittedAuctionEvent, WinLossEvent and CampaignEvent.
type Event interface {
	EventKey() AuctionKey
	isEvent()
}

// SubmittedAuctionEvent introduces a new submitted auction. A zero
// LossTimeout means the configured auction timeout applies.
type SubmittedAuctionEvent struct {
	Auction     SubmittedAuction
	LossTimeout time.Time
}

// WinLossEvent is an explicit win or loss notification
type WinLossEvent struct {
	Type         Resolution
	AuctionID    string
	AdSpotID     string
	WinPrice     decimal.Decimal
	Timestamp    time.Time
	Meta         json.RawMessage
	UserIDs      UserIDs
	Account      AccountKey
	BidTimestamp time.Time
}

// CampaignEvent is a post-win event such as a click or conversion. An
// empty AdSpotID attributes the event to every winning spot of the auction.
type CampaignEvent struct {
	Label     string
	AuctionID string
	AdSpotID  string
	Timestamp time.Time
	Meta      json.RawMessage
	UserIDs   UserIDs
}

func (e SubmittedAuctionEvent) EventKey() AuctionKey { return e.Auction.Key() }
func (e WinLossEvent) EventKey() AuctionKey {
	return AuctionKey{AuctionID: e.AuctionID, AdSpotID: e.AdSpotID}
}
func (e CampaignEvent) EventKey() AuctionKey {
	return AuctionKey{AuctionID: e.AuctionID, AdSpotID: e.AdSpotID}
}

func (SubmittedAuctionEvent) isEvent() {}
func (WinLossEvent) isEvent()          {}
func (CampaignEvent) isEvent()         {}

// EventTypeName returns the channel-style name of an event type
func EventTypeName(ev Event) string {
	switch e := ev.(type) {
	case SubmittedAuctionEvent:
		return "AUCTION"
	case WinLossEvent:
		return string(e.Type)
	case CampaignEvent:
		return "CAMPAIGN_EVENT"
	}
	return "UNKNOWN"
}

// Outcome is the classified result of processing an event. The concrete
// types are MatchedWinLoss, MatchedCampaignEvent, Unmatched and *MatchError.
type Outcome interface {
	isOutcome()
}

// MatchedWinLoss pairs a win or loss with the auction it resolved
type MatchedWinLoss struct {
	Resolution   Resolution
	Synthetic    bool
	Auction      SubmittedAuction
	WinPrice     decimal.Decimal
	Timestamp    time.Time
	Meta         json.RawMessage
	UserIDs      UserIDs
	Account      AccountKey
	BidTimestamp time.Time
}

// Key returns the key of the resolved auction
func (m MatchedWinLoss) Key() AuctionKey { return m.Auction.Key() }

// Confidence reports "guaranteed" for notified results and "inferred" for
// losses synthesized by a timeout
func (m MatchedWinLoss) Confidence() string {
	if m.Synthetic {
		return "inferred"
	}
	return "guaranteed"
}

// MatchedCampaignEvent pairs a campaign event with one winning spot
type MatchedCampaignEvent struct {
	Label    string
	Event    CampaignEvent
	Finished FinishedAuction
}

// Key returns the key of the spot the event was attributed to
func (m MatchedCampaignEvent) Key() AuctionKey { return m.Finished.Key() }

// UnmatchedReason explains why an event did not match
type UnmatchedReason string

const (
	// UnmatchedNotFound means no live entry exists anywhere: never
	// submitted, not yet submitted, or already expired.
	UnmatchedNotFound UnmatchedReason = "not_found"
	// UnmatchedInFlight means the auction is still awaiting its win or loss
	UnmatchedInFlight UnmatchedReason = "in_flight"
	// UnmatchedNotWon means the auction was resolved as a loss
	UnmatchedNotWon UnmatchedReason = "not_won"
	// UnmatchedWindowClosed means the campaign window ended before the event
	UnmatchedWindowClosed UnmatchedReason = "window_closed"
)

// Unmatched reports an event that referenced no live auction
type Unmatched struct {
	Reason UnmatchedReason
	Event  Event
}

func (MatchedWinLoss) isOutcome()       {}
func (MatchedCampaignEvent) isOutcome() {}
func (Unmatched) isOutcome()            {}
func (*MatchError) isOutcome()          {}
