package matching

import "time"

type pendingEntry struct {
	auction  SubmittedAuction
	deadline *deadlineEntry
}

// PendingTable holds submitted auctions awaiting a win or loss.
// Entries are indexed by key and by loss deadline.
type PendingTable struct {
	entries   map[AuctionKey]*pendingEntry
	spots     map[string]int
	deadlines deadlineIndex
}

// NewPendingTable creates an empty pending table
func NewPendingTable() *PendingTable {
	return &PendingTable{
		entries: make(map[AuctionKey]*pendingEntry),
		spots:   make(map[string]int),
	}
}

// Insert adds a submitted auction. It fails with a DuplicateSubmission
// error if the key is already pending, leaving the table unchanged.
func (t *PendingTable) Insert(key AuctionKey, auction SubmittedAuction) error {
	if _, exists := t.entries[key]; exists {
		return newMatchError(KindDuplicateSubmission, "pending.insert", key, nil,
			"auction already submitted")
	}
	t.entries[key] = &pendingEntry{
		auction:  auction,
		deadline: t.deadlines.add(key, auction.LossTimeoutAt),
	}
	t.spots[key.AuctionID]++
	return nil
}

// Take removes and returns the auction for key
func (t *PendingTable) Take(key AuctionKey) (SubmittedAuction, bool) {
	e, ok := t.entries[key]
	if !ok {
		return SubmittedAuction{}, false
	}
	t.delete(key)
	t.deadlines.remove(e.deadline)
	return e.auction, true
}

// Contains reports whether key is pending
func (t *PendingTable) Contains(key AuctionKey) bool {
	_, ok := t.entries[key]
	return ok
}

// ContainsAuction reports whether any spot of auctionID is pending
func (t *PendingTable) ContainsAuction(auctionID string) bool {
	return t.spots[auctionID] > 0
}

func (t *PendingTable) delete(key AuctionKey) {
	delete(t.entries, key)
	if t.spots[key.AuctionID] <= 1 {
		delete(t.spots, key.AuctionID)
	} else {
		t.spots[key.AuctionID]--
	}
}

// ExpireBefore removes and returns auctions whose loss deadline is <= now,
// oldest deadline first. A positive limit caps the number returned.
func (t *PendingTable) ExpireBefore(now time.Time, limit int) []SubmittedAuction {
	var expired []SubmittedAuction
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

// Len returns the number of pending auctions
func (t *PendingTable) Len() int {
	return len(t.entries)
}
