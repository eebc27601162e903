package matching

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Config configures a Matcher
type Config struct {
	// Timeouts is shared with whoever adjusts timeouts at runtime.
	// Nil means DefaultAuctionTimeout and DefaultWinTimeout.
	Timeouts *Timeouts

	// LabelPolicies decides how repeated campaign event labels are handled
	LabelPolicies LabelPolicies

	// SweepBatchLimit caps expiries per table per sweep; 0 is unlimited
	SweepBatchLimit int
}

// SweepStats summarizes one sweep
type SweepStats struct {
	ExpiredPending  int
	ExpiredFinished int
}

// Counters are cumulative matcher counters not carried by outcomes
type Counters struct {
	Submitted       uint64
	IgnoredRepeats  uint64
	ExpiredPending  uint64
	ExpiredFinished uint64
}

// Matcher pairs post-auction events with submitted auctions
type Matcher struct {
	pending    *PendingTable
	finished   *FinishedTable
	timeouts   *Timeouts
	policies   LabelPolicies
	sweepLimit int
	counters   Counters
}

// New creates a matcher with empty tables
func New(cfg Config) *Matcher {
	timeouts := cfg.Timeouts
	if timeouts == nil {
		timeouts, _ = NewTimeouts(DefaultAuctionTimeout, DefaultWinTimeout)
	}
	return &Matcher{
		pending:    NewPendingTable(),
		finished:   NewFinishedTable(),
		timeouts:   timeouts,
		policies:   cfg.LabelPolicies,
		sweepLimit: cfg.SweepBatchLimit,
	}
}

// Timeouts returns the timeouts the matcher reads deadlines from
func (m *Matcher) Timeouts() *Timeouts { return m.timeouts }

// PendingLen returns the number of auctions awaiting a win or loss
func (m *Matcher) PendingLen() int { return m.pending.Len() }

// FinishedLen returns the number of auctions inside their campaign window
func (m *Matcher) FinishedLen() int { return m.finished.Len() }

// IsPending reports whether key awaits a win or loss
func (m *Matcher) IsPending(key AuctionKey) bool { return m.pending.Contains(key) }

// Finished returns a snapshot of a finished auction
func (m *Matcher) Finished(key AuctionKey) (FinishedAuction, bool) { return m.finished.Get(key) }

// Counters returns the cumulative counters
func (m *Matcher) Counters() Counters { return m.counters }

// Process handles one event at time now and returns its outcomes. A
// successful submission returns no outcome; a wildcard campaign event
// returns one outcome per attributed spot.
func (m *Matcher) Process(now time.Time, ev Event) []Outcome {
	switch e := ev.(type) {
	case SubmittedAuctionEvent:
		return m.doSubmission(now, e)
	case WinLossEvent:
		return m.doWinLoss(now, e)
	case CampaignEvent:
		return m.doCampaignEvent(now, e)
	}
	return []Outcome{newMatchError(KindValidation, "process", AuctionKey{}, ev, "unsupported event %T", ev)}
}

// Sweep expires pending auctions into implicit losses and drops finished
// auctions whose campaign window has ended.
func (m *Matcher) Sweep(now time.Time) ([]Outcome, SweepStats) {
	expired := m.pending.ExpireBefore(now, m.sweepLimit)
	var outcomes []Outcome
	for _, sub := range expired {
		loss := WinLossEvent{
			Type:      ResolutionLoss,
			AuctionID: sub.AuctionID,
			AdSpotID:  sub.AdSpotID,
			Timestamp: now,
			Account:   sub.Bid.Account,
		}
		outcomes = append(outcomes, m.resolve(now, sub, loss, true))
	}

	dropped := m.finished.ExpireBefore(now, m.sweepLimit)

	m.counters.ExpiredPending += uint64(len(expired))
	m.counters.ExpiredFinished += uint64(len(dropped))

	return outcomes, SweepStats{
		ExpiredPending:  len(expired),
		ExpiredFinished: len(dropped),
	}
}

func (m *Matcher) doSubmission(now time.Time, ev SubmittedAuctionEvent) []Outcome {
	a := ev.Auction
	key := a.Key()

	if a.AuctionID == "" || a.AdSpotID == "" {
		return fail(KindValidation, "doAuction.invalidKey", key, ev, "auction id and ad spot id are required")
	}
	if a.SubmittedAt.IsZero() {
		a.SubmittedAt = now
	}
	switch {
	case !ev.LossTimeout.IsZero():
		a.LossTimeoutAt = ev.LossTimeout
	case a.LossTimeoutAt.IsZero():
		a.LossTimeoutAt = a.SubmittedAt.Add(m.timeouts.Auction())
	}
	if a.LossTimeoutAt.Before(a.SubmittedAt) {
		return fail(KindValidation, "doAuction.negativeTimeout", key, ev,
			"loss timeout %s precedes submission %s",
			a.LossTimeoutAt.Format(time.RFC3339Nano), a.SubmittedAt.Format(time.RFC3339Nano))
	}
	if a.Bid.Price.IsNegative() {
		return fail(KindValidation, "doAuction.negativePrice", key, ev, "negative bid price %s", a.Bid.Price)
	}

	if m.finished.Contains(key) {
		return fail(KindDuplicateSubmission, "doAuction.alreadyFinished", key, ev, "auction already resolved")
	}
	if err := m.pending.Insert(key, a); err != nil {
		return []Outcome{withEvent(err, ev)}
	}
	m.counters.Submitted++
	return nil
}

func (m *Matcher) doWinLoss(now time.Time, ev WinLossEvent) []Outcome {
	key := ev.EventKey()
	fn := "doWinLoss"

	if ev.Type != ResolutionWin && ev.Type != ResolutionLoss {
		return fail(KindValidation, fn+".invalidType", key, ev, "unknown resolution %q", ev.Type)
	}
	if ev.AuctionID == "" || ev.AdSpotID == "" {
		return fail(KindValidation, fn+".invalidKey", key, ev, "auction id and ad spot id are required")
	}
	if ev.WinPrice.IsNegative() {
		return fail(KindValidation, fn+".negativePrice", key, ev, "negative win price %s", ev.WinPrice)
	}

	sub, ok := m.pending.Take(key)
	if !ok {
		if f, done := m.finished.Get(key); done {
			prior := string(f.Resolution)
			if f.Synthetic {
				prior = "inferred " + prior
			}
			return fail(KindDuplicateResolution, fn+".duplicate", key, ev,
				"%s received after %s", ev.Type, prior)
		}
		return []Outcome{Unmatched{Reason: UnmatchedNotFound, Event: ev}}
	}

	return []Outcome{m.resolve(now, sub, ev, false)}
}

// resolve moves sub into the finished table. It is the single path for
// explicit wins and losses and for timeout-synthesized losses.
func (m *Matcher) resolve(now time.Time, sub SubmittedAuction, ev WinLossEvent, synthetic bool) Outcome {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = now
	}
	price := ev.WinPrice
	if ev.Type == ResolutionLoss {
		price = decimal.Zero
	}
	account := ev.Account
	if len(account) == 0 {
		account = sub.Bid.Account
	}

	m.finished.Insert(sub.Key(), FinishedAuction{
		SubmittedAuction:     sub,
		Resolution:           ev.Type,
		Synthetic:            synthetic,
		WinPrice:             price,
		ResolvedAt:           ts,
		WinMeta:              ev.Meta,
		UserIDs:              ev.UserIDs,
		CampaignWindowEndsAt: ts.Add(m.timeouts.Win()),
	})

	return MatchedWinLoss{
		Resolution:   ev.Type,
		Synthetic:    synthetic,
		Auction:      sub,
		WinPrice:     price,
		Timestamp:    ts,
		Meta:         ev.Meta,
		UserIDs:      ev.UserIDs,
		Account:      account,
		BidTimestamp: ev.BidTimestamp,
	}
}

func (m *Matcher) doCampaignEvent(now time.Time, ev CampaignEvent) []Outcome {
	key := ev.EventKey()
	fn := "doCampaignEvent"

	if ev.Label == "" {
		return fail(KindValidation, fn+".missingLabel", key, ev, "campaign event label is required")
	}
	if ev.AuctionID == "" {
		return fail(KindValidation, fn+".invalidKey", key, ev, "auction id is required")
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = now
		ev.Timestamp = now
	}
	policy := m.policies.For(ev.Label)
	targets := m.finished.Lookup(ev.AuctionID, ev.AdSpotID)

	var (
		outcomes  []Outcome
		handled   bool
		sawLoss   bool
		sawClosed bool
	)
	for _, f := range targets {
		if f.Resolution != ResolutionWin {
			sawLoss = true
			continue
		}
		if !now.Before(f.CampaignWindowEndsAt) {
			sawClosed = true
			continue
		}

		rec := CampaignEventRecord{Label: ev.Label, Timestamp: ts, Meta: ev.Meta, UserIDs: ev.UserIDs}
		recorded, err := m.finished.RecordCampaignEvent(f.Key(), rec, policy)
		handled = true
		if err != nil {
			outcomes = append(outcomes, withEvent(err, ev))
			continue
		}
		if !recorded {
			m.counters.IgnoredRepeats++
			continue
		}
		f.CampaignEvents = append(f.CampaignEvents, rec)
		outcomes = append(outcomes, MatchedCampaignEvent{Label: ev.Label, Event: ev, Finished: f})
	}
	if handled {
		return outcomes
	}

	reason := UnmatchedNotFound
	switch {
	case sawClosed:
		reason = UnmatchedWindowClosed
	case sawLoss:
		reason = UnmatchedNotWon
	case ev.AdSpotID == "" && m.pending.ContainsAuction(ev.AuctionID):
		reason = UnmatchedInFlight
	case ev.AdSpotID != "" && m.pending.Contains(key):
		reason = UnmatchedInFlight
	}
	return []Outcome{Unmatched{Reason: reason, Event: ev}}
}

func fail(kind ErrorKind, function string, key AuctionKey, ev Event, format string, args ...interface{}) []Outcome {
	return []Outcome{newMatchError(kind, function, key, ev, format, args...)}
}

func withEvent(err error, ev Event) Outcome {
	var me *MatchError
	if !errors.As(err, &me) {
		me = newMatchError(KindValidation, "unexpected", ev.EventKey(), ev, "%v", err)
	}
	cp := *me
	cp.Event = ev
	return &cp
}
