// Package main is the entry point for the post-auction service
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/StreetsDigital/thenexusengine/pas/internal/agents"
	"github.com/StreetsDigital/thenexusengine/pas/internal/banker"
	"github.com/StreetsDigital/thenexusengine/pas/internal/config"
	"github.com/StreetsDigital/thenexusengine/pas/internal/endpoints"
	"github.com/StreetsDigital/thenexusengine/pas/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/pas/internal/middleware"
	"github.com/StreetsDigital/thenexusengine/pas/internal/postauction"
	"github.com/StreetsDigital/thenexusengine/pas/internal/transport"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/eventlog"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/logger"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/redis"
)

func main() {
	configPath := flag.String("config", os.Getenv("PAS_CONFIG"), "Path to YAML config file")
	port := flag.String("port", "", "Server port (overrides config)")
	auctionTimeout := flag.Duration("auction-timeout", 0, "Auction timeout (overrides config)")
	winTimeout := flag.Duration("win-timeout", 0, "Campaign window after a win (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load config")
	}
	cfg.ApplyOverrides(*port, *auctionTimeout, *winTimeout)
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid config")
	}

	logger.Init(cfg.Log)
	logger.Log.Info().
		Str("port", cfg.Server.Port).
		Dur("auction_timeout", cfg.Matching.AuctionTimeout).
		Dur("win_timeout", cfg.Matching.WinTimeout).
		Str("banker", string(cfg.Banker.Type)).
		Bool("redis", cfg.Redis.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Msg("Starting post-auction service")

	// Shutdown order: producers, then the loop, then the workers that drain
	// its output
	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)
	collaborators := postauction.Collaborators{Metrics: m}
	var closers []func() error
	var workers sync.WaitGroup

	// Banker
	switch cfg.Banker.Type {
	case config.BankerPostgres:
		pg, err := banker.NewPostgres(ctx, cfg.Banker.DSN)
		if err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to connect banker database")
		}
		if err := pg.InitSchema(ctx); err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to initialize banker schema")
		}
		collaborators.Banker = pg
		closers = append(closers, pg.Close)
	default:
		collaborators.Banker = banker.NewMemory()
	}

	// Agent configuration and notification over Redis
	var agentStore *redis.Client
	var agentListener *agents.Listener
	if cfg.Redis.Enabled {
		rc, err := redis.New(cfg.Redis.URL)
		if err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to create Redis client")
		}
		listener := agents.NewListener(rc, cfg.Redis.AgentsKey, cfg.Redis.RefreshInterval)
		dispatcher := agents.NewDispatcher(
			agents.NewNotifier(rc, cfg.Redis.ChannelPrefix),
			cfg.Redis.NotifyQueueSize,
			cfg.Redis.NotifyTimeout,
			func(messageType string, err error) {
				m.RecordNotifyFailure(messageType)
				logger.Agents().Warn().Err(err).Str("type", messageType).Msg("Agent notification failed")
			},
		)
		collaborators.Agents = listener
		collaborators.Notifier = dispatcher
		agentStore = rc
		agentListener = listener
		logger.Agents().Info().
			Str("redis", rc.Address()).
			Str("key", cfg.Redis.AgentsKey).
			Msg("Agent configuration store ready")
		closers = append(closers, rc.Close)

		workers.Add(2)
		go func() {
			defer workers.Done()
			listener.Run(ctx)
		}()
		go func() {
			defer workers.Done()
			dispatcher.Run(ctx)
		}()
	}

	// Audit log and inbound subjects over NATS
	var natsConn *nats.Conn
	if cfg.NATS.Enabled {
		conn, err := eventlog.Connect(cfg.NATS.URL, "pas")
		if err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		natsConn = conn
		recorder := eventlog.NewRecorder(conn, cfg.NATS.AuditPrefix, 0)
		collaborators.Audit = recorder
		// Closers run in reverse: the recorder flushes before the connection closes
		closers = append(closers, func() error {
			conn.Close()
			return nil
		}, recorder.Close)

		workers.Add(1)
		go func() {
			defer workers.Done()
			recorder.Run(ctx, time.Second, func(err error) {
				m.RecordAuditFailure()
				logger.Router().Warn().Err(err).Msg("Audit log flush failed")
			})
		}()
	}

	labelPolicies, err := cfg.LabelPolicies()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid label policies")
	}
	svc, err := postauction.New(&postauction.Config{
		AuctionTimeout:   cfg.Matching.AuctionTimeout,
		WinTimeout:       cfg.Matching.WinTimeout,
		LabelPolicies:    labelPolicies,
		SweepInterval:    cfg.Matching.SweepInterval,
		SweepBatchLimit:  cfg.Matching.SweepBatchLimit,
		AuctionQueueSize: cfg.Matching.AuctionQueueSize,
		EventQueueSize:   cfg.Matching.EventQueueSize,
		HealthStaleAfter: cfg.Matching.HealthStaleAfter,
	}, collaborators, postauction.Callbacks{})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to create post-auction service")
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := svc.Run(loopCtx); err != nil {
			logger.Log.Error().Err(err).Msg("Post-auction loop failed")
		}
	}()

	var ingest sync.WaitGroup
	if natsConn != nil {
		subscriber := transport.NewNATSSubscriber(natsConn, svc, cfg.NATS.SubjectPrefix, m)
		ingest.Add(1)
		go func() {
			defer ingest.Done()
			if err := subscriber.Run(ingestCtx); err != nil {
				logger.Log.Error().Err(err).Msg("NATS subscriber failed")
			}
		}()
	}

	// HTTP API
	authCfg := middleware.DefaultAuthConfig()
	authCfg.Enabled = cfg.Auth.Enabled
	authCfg.APIKeys = middleware.ParseAPIKeys(cfg.Auth.APIKeys)
	authCfg.OnFailure = m.AuthFailures.Inc

	rateLimiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.BurstSize,
		OnReject:          m.RateLimitRejected.Inc,
	})
	defer rateLimiter.Stop()

	sizeLimiter := middleware.NewSizeLimiter(&middleware.SizeLimitConfig{
		Enabled:     true,
		MaxBodySize: cfg.Server.MaxBodySize,
	})

	api := endpoints.NewHandler(svc, m)
	if agentStore != nil {
		api.WithAgentStore(agentStore, cfg.Redis.AgentsKey, agentListener.Refresh)
	}
	router := api.SetupRoutes(metrics.Handler())

	// Outermost first: logging, metrics, auth, rate limit, size limit
	var handler http.Handler = router
	handler = sizeLimiter.Middleware(handler)
	handler = rateLimiter.Middleware(handler)
	handler = middleware.NewAuth(authCfg).Middleware(handler)
	handler = m.Middleware(handler)
	handler = middleware.Logging(handler)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Log.Info().Str("addr", server.Addr).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Server forced to shutdown")
	}

	stopIngest()
	ingest.Wait()
	stopLoop()
	<-loopDone
	cancel()
	workers.Wait()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Log.Warn().Err(err).Msg("Close failed")
		}
	}

	logger.Log.Info().Interface("stats", svc.Stats()).Msg("Server stopped")
}
