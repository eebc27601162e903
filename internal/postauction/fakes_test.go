package postauction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/StreetsDigital/thenexusengine/pas/internal/agents"
	"github.com/StreetsDigital/thenexusengine/pas/internal/matching"
	"github.com/StreetsDigital/thenexusengine/pas/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/eventlog"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type bankerCall struct {
	op      string
	account matching.AccountKey
	key     matching.AuctionKey
	price   decimal.Decimal
}

type fakeBanker struct {
	mu    sync.Mutex
	calls []bankerCall
	err   error
}

func (f *fakeBanker) WinBid(ctx context.Context, account matching.AccountKey, key matching.AuctionKey, price decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, bankerCall{op: "win", account: account, key: key, price: price})
	return f.err
}

func (f *fakeBanker) CancelBid(ctx context.Context, account matching.AccountKey, key matching.AuctionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, bankerCall{op: "cancel", account: account, key: key})
	return f.err
}

func (f *fakeBanker) snapshot() []bankerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bankerCall(nil), f.calls...)
}

type fakeNotifier struct {
	mu        sync.Mutex
	winLosses []matching.MatchedWinLoss
	events    []matching.MatchedCampaignEvent
	err       error
}

func (f *fakeNotifier) NotifyWinLoss(ctx context.Context, cfg agents.AgentConfig, m matching.MatchedWinLoss) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.winLosses = append(f.winLosses, m)
	return f.err
}

func (f *fakeNotifier) NotifyCampaignEvent(ctx context.Context, cfg agents.AgentConfig, m matching.MatchedCampaignEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, m)
	return f.err
}

type fakeAudit struct {
	mu      sync.Mutex
	records []eventlog.Record
	err     error
}

func (f *fakeAudit) Record(rec eventlog.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.err
}

func (f *fakeAudit) channels() []eventlog.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]eventlog.Channel, len(f.records))
	for i, r := range f.records {
		out[i] = r.Channel
	}
	return out
}

type harness struct {
	banker   *fakeBanker
	notifier *fakeNotifier
	audit    *fakeAudit
	metrics  *metrics.Metrics
	agents   agents.Static
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		banker:   &fakeBanker{},
		notifier: &fakeNotifier{},
		audit:    &fakeAudit{},
		metrics:  metrics.NewMetrics("test", prometheus.NewRegistry()),
		agents: agents.Static{
			"agent1": {Agent: "agent1"},
			"picky":  {Agent: "picky", EventLabels: []string{"conversion"}, SkipLosses: true},
		},
	}
}

func (h *harness) collaborators() Collaborators {
	return Collaborators{
		Banker:   h.banker,
		Agents:   h.agents,
		Notifier: h.notifier,
		Audit:    h.audit,
		Metrics:  h.metrics,
	}
}

func auction(auctionID, spot, agent string) matching.SubmittedAuction {
	return matching.SubmittedAuction{
		AuctionID: auctionID,
		AdSpotID:  spot,
		Bid: matching.Bid{
			Agent:   agent,
			Account: matching.AccountKey{"brand", agent},
			Price:   decimal.RequireFromString("2.00"),
		},
	}
}
