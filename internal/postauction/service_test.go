package postauction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/StreetsDigital/thenexusengine/pas/internal/agents"
	"github.com/StreetsDigital/thenexusengine/pas/internal/matching"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/eventlog"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.AuctionTimeout = 50 * time.Millisecond
	cfg.WinTimeout = 100 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.AuctionQueueSize = 8
	cfg.EventQueueSize = 8
	return cfg
}

func newTestService(t *testing.T, cfg *Config, h *harness, cb Callbacks) (*Service, *clock) {
	t.Helper()
	svc, err := New(cfg, h.collaborators(), cb)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	clk := &clock{t: epoch}
	svc.now = clk.now
	return svc, clk
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }},
		{"zero queue", func(c *Config) { c.EventQueueSize = 0 }},
		{"zero auction timeout", func(c *Config) { c.AuctionTimeout = 0 }},
		{"negative win timeout", func(c *Config) { c.WinTimeout = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			if _, err := New(cfg, Collaborators{}, Callbacks{}); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := New(nil, Collaborators{}, Callbacks{}); err != nil {
		t.Errorf("expected defaults to be accepted, got %v", err)
	}
}

func TestServiceWinThenCampaignEvent(t *testing.T) {
	h := newHarness(t)
	svc, clk := newTestService(t, testConfig(), h, Callbacks{})
	ctx := context.Background()

	svc.process(ctx, matching.SubmittedAuctionEvent{Auction: auction("a1", "s1", "agent1")})
	clk.advance(10 * time.Millisecond)
	svc.process(ctx, matching.WinLossEvent{Type: matching.ResolutionWin, AuctionID: "a1", AdSpotID: "s1", WinPrice: decimal.RequireFromString("1.25")})
	clk.advance(10 * time.Millisecond)
	svc.process(ctx, matching.CampaignEvent{Label: "click", AuctionID: "a1"})

	calls := h.banker.snapshot()
	if len(calls) != 1 || calls[0].op != "win" || !calls[0].price.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("expected one win at 1.25, got %+v", calls)
	}

	want := []eventlog.Channel{eventlog.MatchedWin, eventlog.MatchedCampaignEvent}
	got := h.audit.channels()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	st := svc.Stats()
	if st.MatchedWins != 1 || st.MatchedCampaignEvents != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.PendingAuctions != 0 || st.FinishedAuctions != 1 {
		t.Errorf("expected auction moved to finished, got %+v", st)
	}
	if v := testutil.ToFloat64(h.metrics.TableSize.WithLabelValues("finished")); v != 1 {
		t.Errorf("expected finished gauge 1, got %v", v)
	}
}

func TestServiceSweepInfersLoss(t *testing.T) {
	h := newHarness(t)
	var losses []matching.MatchedWinLoss
	svc, clk := newTestService(t, testConfig(), h, Callbacks{
		OnMatchedWinLoss: func(m matching.MatchedWinLoss) { losses = append(losses, m) },
	})
	ctx := context.Background()

	svc.process(ctx, matching.SubmittedAuctionEvent{Auction: auction("a1", "s1", "agent1")})
	clk.advance(40 * time.Millisecond)
	svc.sweep(ctx)
	if len(losses) != 0 {
		t.Fatalf("expected nothing before the timeout, got %d", len(losses))
	}

	clk.advance(20 * time.Millisecond)
	svc.sweep(ctx)
	if len(losses) != 1 || !losses[0].Synthetic || losses[0].Resolution != matching.ResolutionLoss {
		t.Fatalf("expected one inferred loss, got %+v", losses)
	}
	if calls := h.banker.snapshot(); len(calls) != 1 || calls[0].op != "cancel" {
		t.Errorf("expected cancel, got %+v", calls)
	}

	// The finished entry expires after the win timeout
	clk.advance(101 * time.Millisecond)
	svc.sweep(ctx)

	st := svc.Stats()
	if st.InferredLosses != 1 || st.ExpiredFinished != 1 || st.FinishedAuctions != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	if v := testutil.ToFloat64(h.metrics.ExpiredFinished); v != 1 {
		t.Errorf("expected expired metric 1, got %v", v)
	}
}

func TestServiceDuplicateWinRoutesError(t *testing.T) {
	h := newHarness(t)
	var errs []*matching.MatchError
	svc, _ := newTestService(t, testConfig(), h, Callbacks{
		OnError: func(e *matching.MatchError) { errs = append(errs, e) },
	})
	ctx := context.Background()

	win := matching.WinLossEvent{Type: matching.ResolutionWin, AuctionID: "a1", AdSpotID: "s1"}
	svc.process(ctx, matching.SubmittedAuctionEvent{Auction: auction("a1", "s1", "agent1")})
	svc.process(ctx, win)
	svc.process(ctx, win)

	if len(errs) != 1 || !errors.Is(errs[0], matching.ErrDuplicateResolution) {
		t.Fatalf("expected one duplicate resolution, got %+v", errs)
	}
	if st := svc.Stats(); st.Errors != 1 || st.MatchedWins != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestServiceIgnoredRepeatsMetric(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.LabelPolicies = matching.LabelPolicies{Default: matching.LabelIgnoreRepeat}
	svc, _ := newTestService(t, cfg, h, Callbacks{})
	ctx := context.Background()

	svc.process(ctx, matching.SubmittedAuctionEvent{Auction: auction("a1", "s1", "agent1")})
	svc.process(ctx, matching.WinLossEvent{Type: matching.ResolutionWin, AuctionID: "a1", AdSpotID: "s1"})
	for i := 0; i < 3; i++ {
		svc.process(ctx, matching.CampaignEvent{Label: "click", AuctionID: "a1", AdSpotID: "s1"})
	}

	if v := testutil.ToFloat64(h.metrics.IgnoredRepeats); v != 2 {
		t.Errorf("expected 2 ignored repeats, got %v", v)
	}
	if st := svc.Stats(); st.MatchedCampaignEvents != 1 || st.Errors != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestServiceQueueFull(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.EventQueueSize = 1
	svc, _ := newTestService(t, cfg, h, Callbacks{})

	if err := svc.InjectWin(matching.WinLossEvent{AuctionID: "a1", AdSpotID: "s1"}); err != nil {
		t.Fatalf("first inject: %v", err)
	}
	if err := svc.InjectCampaignEvent(matching.CampaignEvent{Label: "click", AuctionID: "a1"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	// The auction queue is independent
	if err := svc.InjectSubmittedAuction(auction("a2", "s1", "agent1"), time.Time{}); err != nil {
		t.Errorf("expected auction queue to accept, got %v", err)
	}

	st := svc.Stats()
	if st.Rejected != 1 || st.Injected != 2 || st.EventQueueDepth != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	if v := testutil.ToFloat64(h.metrics.QueueRejected.WithLabelValues("events")); v != 1 {
		t.Errorf("expected rejection metric, got %v", v)
	}

	health := svc.Health()
	if health.Status != HealthDegraded {
		t.Errorf("expected degraded health with a full queue, got %+v", health)
	}
}

func TestServiceInjectForcesType(t *testing.T) {
	h := newHarness(t)
	svc, _ := newTestService(t, testConfig(), h, Callbacks{})

	svc.InjectLoss(matching.WinLossEvent{Type: matching.ResolutionWin, AuctionID: "a1", AdSpotID: "s1"})
	ev := <-svc.events
	if wl := ev.(matching.WinLossEvent); wl.Type != matching.ResolutionLoss {
		t.Errorf("expected InjectLoss to force LOSS, got %s", wl.Type)
	}

	svc.Inject(matching.SubmittedAuctionEvent{Auction: auction("a1", "s1", "agent1")})
	if len(svc.auctions) != 1 {
		t.Error("expected generic Inject to route submissions to the auction queue")
	}
}

func TestServiceSetTimeouts(t *testing.T) {
	h := newHarness(t)
	svc, _ := newTestService(t, testConfig(), h, Callbacks{})

	if err := svc.SetAuctionTimeout(-time.Second); !errors.Is(err, matching.ErrInvalidTimeout) {
		t.Errorf("expected ErrInvalidTimeout, got %v", err)
	}
	if err := svc.SetWinTimeout(0); !errors.Is(err, matching.ErrInvalidTimeout) {
		t.Errorf("expected ErrInvalidTimeout, got %v", err)
	}

	if err := svc.SetAuctionTimeout(time.Minute); err != nil {
		t.Fatalf("set auction timeout: %v", err)
	}
	if err := svc.SetWinTimeout(2 * time.Hour); err != nil {
		t.Fatalf("set win timeout: %v", err)
	}

	st := svc.Stats()
	if st.AuctionTimeout != time.Minute || st.WinTimeout != 2*time.Hour {
		t.Errorf("expected timeouts to be independent, got %+v", st)
	}
}

func TestServiceHealth(t *testing.T) {
	h := newHarness(t)
	svc, clk := newTestService(t, testConfig(), h, Callbacks{})
	ctx := context.Background()

	if got := svc.Health(); got.Status != HealthOK || got.LastWinLoss != nil {
		t.Fatalf("expected ok with no traffic, got %+v", got)
	}

	svc.process(ctx, matching.WinLossEvent{Type: matching.ResolutionWin, AuctionID: "a1", AdSpotID: "s1"})
	if got := svc.Health(); got.Status != HealthOK || got.LastWinLoss == nil {
		t.Fatalf("expected ok right after a win, got %+v", got)
	}

	clk.advance(11 * time.Second)
	got := svc.Health()
	if got.Status != HealthDegraded || len(got.Reasons) != 1 {
		t.Fatalf("expected stale win/loss stream, got %+v", got)
	}
	if got.LastCampaignEvent != nil {
		t.Error("campaign events never seen must not be reported stale")
	}
}

func TestServiceRun(t *testing.T) {
	h := newHarness(t)
	matched := make(chan matching.MatchedWinLoss, 4)
	svc, err := New(testConfig(), h.collaborators(), Callbacks{
		OnMatchedWinLoss: func(m matching.MatchedWinLoss) { matched <- m },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	if err := svc.InjectSubmittedAuction(auction("a1", "s1", "agent1"), time.Time{}); err != nil {
		t.Fatalf("inject auction: %v", err)
	}
	if err := svc.InjectWin(matching.WinLossEvent{AuctionID: "a1", AdSpotID: "s1", WinPrice: decimal.NewFromInt(1)}); err != nil {
		t.Fatalf("inject win: %v", err)
	}
	// Never won: resolved by the sweeper after the 50ms auction timeout
	if err := svc.InjectSubmittedAuction(auction("a2", "s1", "agent1"), time.Time{}); err != nil {
		t.Fatalf("inject auction: %v", err)
	}

	got := make(map[string]matching.MatchedWinLoss)
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m := <-matched:
			got[m.Auction.AuctionID] = m
		case <-timeout:
			t.Fatalf("timed out waiting for outcomes, got %d", len(got))
		}
	}

	if got["a1"].Resolution != matching.ResolutionWin {
		t.Errorf("expected a1 to win, got %+v", got["a1"])
	}
	if got["a2"].Resolution != matching.ResolutionLoss || !got["a2"].Synthetic {
		t.Errorf("expected a2 inferred loss, got %+v", got["a2"])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

// stuckSender never returns until released, whatever its context says
type stuckSender struct {
	release chan struct{}
}

func (s *stuckSender) NotifyWinLoss(ctx context.Context, cfg agents.AgentConfig, m matching.MatchedWinLoss) error {
	<-s.release
	return nil
}

func (s *stuckSender) NotifyCampaignEvent(ctx context.Context, cfg agents.AgentConfig, m matching.MatchedCampaignEvent) error {
	<-s.release
	return nil
}

func TestServiceRunSweepsWhileAgentsStall(t *testing.T) {
	h := newHarness(t)
	sender := &stuckSender{release: make(chan struct{})}
	defer close(sender.release)

	dispatcher := agents.NewDispatcher(sender, 1, time.Hour, nil)
	c := h.collaborators()
	c.Notifier = dispatcher

	losses := make(chan matching.MatchedWinLoss, 3)
	svc, err := New(testConfig(), c, Callbacks{
		OnMatchedWinLoss: func(m matching.MatchedWinLoss) { losses <- m },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	for _, id := range []string{"a1", "a2", "a3"} {
		if err := svc.InjectSubmittedAuction(auction(id, "s1", "agent1"), time.Time{}); err != nil {
			t.Fatalf("inject %s: %v", id, err)
		}
	}

	timeout := time.After(2 * time.Second)
	for i := 0; i < 3; i++ {
		select {
		case m := <-losses:
			if !m.Synthetic {
				t.Errorf("expected inferred loss, got %+v", m)
			}
		case <-timeout:
			t.Fatalf("sweeper stalled after %d losses", i)
		}
	}

	if v := testutil.ToFloat64(h.metrics.NotifyFailures.WithLabelValues(string(matching.ResolutionLoss))); v < 1 {
		t.Errorf("expected dropped notifications counted, got %v", v)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
