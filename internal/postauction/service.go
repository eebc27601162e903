// Package postauction runs the post-auction service: it owns the matcher on
// a single loop goroutine, feeds it from bounded input queues, drives the
// timeout sweep and routes every outcome to its collaborators.
package postauction

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/StreetsDigital/thenexusengine/pas/internal/matching"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/logger"
)

// ErrQueueFull is returned by the Inject functions when the input queue is
// at capacity
var ErrQueueFull = errors.New("post-auction queue full")

// Config holds service configuration
type Config struct {
	AuctionTimeout   time.Duration
	WinTimeout       time.Duration
	LabelPolicies    matching.LabelPolicies
	SweepInterval    time.Duration
	SweepBatchLimit  int
	AuctionQueueSize int
	EventQueueSize   int
	HealthStaleAfter time.Duration
	// LoadWindow is the period the loop load is averaged over
	LoadWindow time.Duration
	// MaxLoopLoad is the load above which health reports degraded
	MaxLoopLoad float64
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		AuctionTimeout:   matching.DefaultAuctionTimeout,
		WinTimeout:       matching.DefaultWinTimeout,
		LabelPolicies:    matching.LabelPolicies{Default: matching.LabelUnique},
		SweepInterval:    100 * time.Millisecond,
		AuctionQueueSize: 10000,
		EventQueueSize:   10000,
		HealthStaleAfter: 10 * time.Second,
		LoadWindow:       time.Second,
		MaxLoopLoad:      0.9,
	}
}

// Service is the post-auction service
type Service struct {
	config   *Config
	matcher  *matching.Matcher
	timeouts *matching.Timeouts
	router   *Router
	c        Collaborators
	now      func() time.Time

	auctions chan matching.Event
	events   chan matching.Event

	stats       stats
	lastIgnored uint64
	loop        *loopMonitor
}

// stats are written by the loop goroutine and read from anywhere
type stats struct {
	pending           atomic.Int64
	finished          atomic.Int64
	injected          atomic.Int64
	rejected          atomic.Int64
	matchedWins       atomic.Int64
	matchedLosses     atomic.Int64
	inferredLosses    atomic.Int64
	matchedEvents     atomic.Int64
	unmatched         atomic.Int64
	errors            atomic.Int64
	expiredFinished   atomic.Int64
	lastSweepNanos    atomic.Int64
	lastWinLoss       atomic.Int64
	lastCampaignEvent atomic.Int64
}

// Stats is a point-in-time view of the service
type Stats struct {
	PendingAuctions       int           `json:"pending_auctions"`
	FinishedAuctions      int           `json:"finished_auctions"`
	AuctionQueueDepth     int           `json:"auction_queue_depth"`
	EventQueueDepth       int           `json:"event_queue_depth"`
	Injected              int64         `json:"injected"`
	Rejected              int64         `json:"rejected"`
	MatchedWins           int64         `json:"matched_wins"`
	MatchedLosses         int64         `json:"matched_losses"`
	InferredLosses        int64         `json:"inferred_losses"`
	MatchedCampaignEvents int64         `json:"matched_campaign_events"`
	Unmatched             int64         `json:"unmatched"`
	Errors                int64         `json:"errors"`
	ExpiredFinished       int64         `json:"expired_finished"`
	LastSweepDuration     time.Duration `json:"last_sweep_duration_ns"`
	LoopLoad              float64       `json:"loop_load"`
	AuctionTimeout        time.Duration `json:"auction_timeout_ns"`
	WinTimeout            time.Duration `json:"win_timeout_ns"`
}

// New creates a service. Outcomes are routed to c and then reported to cb.
func New(config *Config, c Collaborators, cb Callbacks) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", config.SweepInterval)
	}
	if config.AuctionQueueSize <= 0 || config.EventQueueSize <= 0 {
		return nil, fmt.Errorf("queue sizes must be positive")
	}

	cfg := *config
	config = &cfg
	if config.LoadWindow <= 0 {
		config.LoadWindow = time.Second
	}
	if config.MaxLoopLoad <= 0 {
		config.MaxLoopLoad = 0.9
	}

	timeouts, err := matching.NewTimeouts(config.AuctionTimeout, config.WinTimeout)
	if err != nil {
		return nil, err
	}

	return &Service{
		config:   config,
		timeouts: timeouts,
		matcher: matching.New(matching.Config{
			Timeouts:        timeouts,
			LabelPolicies:   config.LabelPolicies,
			SweepBatchLimit: config.SweepBatchLimit,
		}),
		router:   NewRouter(c, cb),
		c:        c,
		now:      time.Now,
		auctions: make(chan matching.Event, config.AuctionQueueSize),
		events:   make(chan matching.Event, config.EventQueueSize),
		loop:     newLoopMonitor(config.LoadWindow),
	}, nil
}

// InjectSubmittedAuction queues a submitted auction. A zero lossTimeout
// applies the configured auction timeout.
func (s *Service) InjectSubmittedAuction(auction matching.SubmittedAuction, lossTimeout time.Time) error {
	return s.enqueue(s.auctions, "auctions", matching.SubmittedAuctionEvent{Auction: auction, LossTimeout: lossTimeout})
}

// InjectWin queues a win notification
func (s *Service) InjectWin(ev matching.WinLossEvent) error {
	ev.Type = matching.ResolutionWin
	return s.enqueue(s.events, "events", ev)
}

// InjectLoss queues an explicit loss notification
func (s *Service) InjectLoss(ev matching.WinLossEvent) error {
	ev.Type = matching.ResolutionLoss
	return s.enqueue(s.events, "events", ev)
}

// InjectCampaignEvent queues a campaign event
func (s *Service) InjectCampaignEvent(ev matching.CampaignEvent) error {
	return s.enqueue(s.events, "events", ev)
}

// Inject queues any event on the queue for its type
func (s *Service) Inject(ev matching.Event) error {
	if _, ok := ev.(matching.SubmittedAuctionEvent); ok {
		return s.enqueue(s.auctions, "auctions", ev)
	}
	return s.enqueue(s.events, "events", ev)
}

func (s *Service) enqueue(queue chan matching.Event, name string, ev matching.Event) error {
	select {
	case queue <- ev:
		s.stats.injected.Add(1)
		if s.c.Metrics != nil {
			s.c.Metrics.RecordInjected(matching.EventTypeName(ev))
		}
		return nil
	default:
		s.stats.rejected.Add(1)
		if s.c.Metrics != nil {
			s.c.Metrics.RecordQueueRejected(name)
		}
		return ErrQueueFull
	}
}

// SetAuctionTimeout changes the auction timeout for auctions submitted from
// now on
func (s *Service) SetAuctionTimeout(d time.Duration) error {
	return s.timeouts.SetAuction(d)
}

// SetWinTimeout changes the campaign window for auctions resolved from now on
func (s *Service) SetWinTimeout(d time.Duration) error {
	return s.timeouts.SetWin(d)
}

// Run consumes the input queues and sweeps expired auctions until ctx is
// done. It must be called from exactly one goroutine.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	logger.Matcher().Info().
		Dur("auction_timeout", s.timeouts.Auction()).
		Dur("win_timeout", s.timeouts.Win()).
		Dur("sweep_interval", s.config.SweepInterval).
		Msg("Post-auction loop started")

	for {
		select {
		case <-ctx.Done():
			logger.Matcher().Info().
				Int("pending", s.matcher.PendingLen()).
				Int("finished", s.matcher.FinishedLen()).
				Msg("Post-auction loop stopped")
			return nil
		case ev := <-s.auctions:
			start := time.Now()
			s.process(ctx, ev)
			s.recordLoad(start)
		case ev := <-s.events:
			start := time.Now()
			// Submissions queued before this event are applied first so a
			// win racing its own submission still finds it pending
			s.drainAuctions(ctx)
			s.process(ctx, ev)
			s.recordLoad(start)
		case <-ticker.C:
			start := time.Now()
			s.sweep(ctx)
			s.recordLoad(start)
		}
	}
}

func (s *Service) recordLoad(start time.Time) {
	load, closed := s.loop.record(start, time.Now())
	if closed && s.c.Metrics != nil {
		s.c.Metrics.SetLoopLoad(load)
	}
}

func (s *Service) drainAuctions(ctx context.Context) {
	for {
		select {
		case ev := <-s.auctions:
			s.process(ctx, ev)
		default:
			return
		}
	}
}

// process runs one event through the matcher and routes its outcomes
func (s *Service) process(ctx context.Context, ev matching.Event) {
	now := s.now()
	switch ev.(type) {
	case matching.WinLossEvent:
		s.stats.lastWinLoss.Store(now.UnixNano())
	case matching.CampaignEvent:
		s.stats.lastCampaignEvent.Store(now.UnixNano())
	}

	s.route(ctx, s.matcher.Process(now, ev))
	s.publishSizes()
}

// sweep expires timed out auctions
func (s *Service) sweep(ctx context.Context) {
	start := time.Now()
	outcomes, st := s.matcher.Sweep(s.now())
	elapsed := time.Since(start)

	s.stats.lastSweepNanos.Store(int64(elapsed))
	s.stats.expiredFinished.Add(int64(st.ExpiredFinished))
	if s.c.Metrics != nil {
		s.c.Metrics.RecordSweep(elapsed, st.ExpiredFinished)
	}
	if st.ExpiredPending > 0 || st.ExpiredFinished > 0 {
		logger.Matcher().Debug().
			Int("expired_pending", st.ExpiredPending).
			Int("expired_finished", st.ExpiredFinished).
			Dur("elapsed", elapsed).
			Msg("Sweep expired auctions")
	}

	s.route(ctx, outcomes)
	s.publishSizes()
}

func (s *Service) route(ctx context.Context, outcomes []matching.Outcome) {
	for _, o := range outcomes {
		switch out := o.(type) {
		case matching.MatchedWinLoss:
			switch {
			case out.Resolution == matching.ResolutionWin:
				s.stats.matchedWins.Add(1)
			case out.Synthetic:
				s.stats.inferredLosses.Add(1)
			default:
				s.stats.matchedLosses.Add(1)
			}
		case matching.MatchedCampaignEvent:
			s.stats.matchedEvents.Add(1)
		case matching.Unmatched:
			s.stats.unmatched.Add(1)
		case *matching.MatchError:
			s.stats.errors.Add(1)
		}
		s.router.Route(ctx, o)
	}

	if ignored := s.matcher.Counters().IgnoredRepeats; ignored != s.lastIgnored {
		if s.c.Metrics != nil {
			s.c.Metrics.RecordIgnoredRepeats(int(ignored - s.lastIgnored))
		}
		s.lastIgnored = ignored
	}
}

func (s *Service) publishSizes() {
	pending, finished := s.matcher.PendingLen(), s.matcher.FinishedLen()
	s.stats.pending.Store(int64(pending))
	s.stats.finished.Store(int64(finished))
	if s.c.Metrics != nil {
		s.c.Metrics.SetTableSizes(pending, finished)
		s.c.Metrics.SetQueueDepths(len(s.auctions), len(s.events))
	}
}

// Stats returns a snapshot of the service counters. Safe from any goroutine.
func (s *Service) Stats() Stats {
	return Stats{
		PendingAuctions:       int(s.stats.pending.Load()),
		FinishedAuctions:      int(s.stats.finished.Load()),
		AuctionQueueDepth:     len(s.auctions),
		EventQueueDepth:       len(s.events),
		Injected:              s.stats.injected.Load(),
		Rejected:              s.stats.rejected.Load(),
		MatchedWins:           s.stats.matchedWins.Load(),
		MatchedLosses:         s.stats.matchedLosses.Load(),
		InferredLosses:        s.stats.inferredLosses.Load(),
		MatchedCampaignEvents: s.stats.matchedEvents.Load(),
		Unmatched:             s.stats.unmatched.Load(),
		Errors:                s.stats.errors.Load(),
		ExpiredFinished:       s.stats.expiredFinished.Load(),
		LastSweepDuration:     time.Duration(s.stats.lastSweepNanos.Load()),
		LoopLoad:              s.loop.Load(),
		AuctionTimeout:        s.timeouts.Auction(),
		WinTimeout:            s.timeouts.Win(),
	}
}
