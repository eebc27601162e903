package matching

import (
	"sort"
	"time"
)

type finishedEntry struct {
	auction  FinishedAuction
	deadline *deadlineEntry
}

// FinishedTable holds resolved auctions for the length of their campaign
// window. A secondary index by auction id serves wildcard lookups.
type FinishedTable struct {
	entries   map[AuctionKey]*finishedEntry
	byAuction map[string]map[string]struct{}
	deadlines deadlineIndex
}

// NewFinishedTable creates an empty finished table
func NewFinishedTable() *FinishedTable {
	return &FinishedTable{
		entries:   make(map[AuctionKey]*finishedEntry),
		byAuction: make(map[string]map[string]struct{}),
	}
}

// Insert adds a finished auction. Keys move from the pending table and
// never collide; an existing entry for the key would be replaced.
func (t *FinishedTable) Insert(key AuctionKey, auction FinishedAuction) {
	if old, ok := t.entries[key]; ok {
		t.deadlines.remove(old.deadline)
	}
	t.entries[key] = &finishedEntry{
		auction:  auction,
		deadline: t.deadlines.add(key, auction.CampaignWindowEndsAt),
	}
	spots, ok := t.byAuction[key.AuctionID]
	if !ok {
		spots = make(map[string]struct{})
		t.byAuction[key.AuctionID] = spots
	}
	spots[key.AdSpotID] = struct{}{}
}

// Get returns a snapshot of the finished auction for an exact key
func (t *FinishedTable) Get(key AuctionKey) (FinishedAuction, bool) {
	e, ok := t.entries[key]
	if !ok {
		return FinishedAuction{}, false
	}
	return e.auction.snapshot(), true
}

// Contains reports whether key is finished
func (t *FinishedTable) Contains(key AuctionKey) bool {
	_, ok := t.entries[key]
	return ok
}

// Lookup returns snapshots of the finished auctions matching auctionID and
// adSpotID. An empty adSpotID returns every spot of the auction, ordered by
// submission time and then spot id.
func (t *FinishedTable) Lookup(auctionID, adSpotID string) []FinishedAuction {
	if adSpotID != "" {
		if f, ok := t.Get(AuctionKey{AuctionID: auctionID, AdSpotID: adSpotID}); ok {
			return []FinishedAuction{f}
		}
		return nil
	}

	spots := t.byAuction[auctionID]
	if len(spots) == 0 {
		return nil
	}
	result := make([]FinishedAuction, 0, len(spots))
	for spot := range spots {
		e := t.entries[AuctionKey{AuctionID: auctionID, AdSpotID: spot}]
		result = append(result, e.auction.snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.AdSpotID < b.AdSpotID
	})
	return result
}

// RecordCampaignEvent appends rec to the log of key. With LabelUnique a
// repeated label fails with DuplicateCampaignEvent; with LabelIgnoreRepeat
// it returns recorded=false and no error. The table is unchanged on error.
func (t *FinishedTable) RecordCampaignEvent(key AuctionKey, rec CampaignEventRecord, policy LabelPolicy) (bool, error) {
	e, ok := t.entries[key]
	if !ok {
		return false, newMatchError(KindValidation, "finished.recordCampaignEvent", key, nil,
			"auction is not finished")
	}
	if e.auction.HasLabel(rec.Label) {
		switch policy {
		case LabelIgnoreRepeat:
			return false, nil
		case LabelAllowRepeat:
		default:
			return false, newMatchError(KindDuplicateCampaignEvent, "finished.recordCampaignEvent", key, nil,
				"campaign event %q already recorded", rec.Label)
		}
	}
	e.auction.CampaignEvents = append(e.auction.CampaignEvents, rec)
	return true, nil
}

// ExpireBefore removes and returns auctions whose campaign window ended at
// or before now, oldest first. A positive limit caps the number returned.
func (t *FinishedTable) ExpireBefore(now time.Time, limit int) []FinishedAuction {
	var expired []FinishedAuction
	for limit <= 0 || len(expired) < limit {
		d, ok := t.deadlines.popExpired(now)
		if !ok {
			break
		}
		e := t.entries[d.key]
		t.delete(d.key)
		expired = append(expired, e.auction)
	}
	return expired
}

func (t *FinishedTable) delete(key AuctionKey) {
	delete(t.entries, key)
	if spots, ok := t.byAuction[key.AuctionID]; ok {
		delete(spots, key.AdSpotID)
		if len(spots) == 0 {
			delete(t.byAuction, key.AuctionID)
		}
	}
}

// Len returns the number of finished auctions
func (t *FinishedTable) Len() int {
	return len(t.entries)
}
