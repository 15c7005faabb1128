package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copy-signal-router/internal/book"
	"copy-signal-router/internal/cache"
	"copy-signal-router/internal/config"
	"copy-signal-router/internal/cronrunner"
	"copy-signal-router/internal/database"
	"copy-signal-router/internal/events"
	"copy-signal-router/internal/gateway"
	"copy-signal-router/internal/httpapi"
	"copy-signal-router/internal/ledger"
	"copy-signal-router/internal/logger"
	"copy-signal-router/internal/lp"
	"copy-signal-router/internal/resync"
	"copy-signal-router/internal/store"
	"copy-signal-router/internal/strategy"
	"copy-signal-router/internal/trader"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format, "router")
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Price cache
	priceStore, err := cache.NewStore(&cfg.Cache, &cfg.Redis)
	if err != nil {
		log.Fatal("Failed to initialize price cache", zap.Error(err))
	}
	prices := cache.NewPriceCache(priceStore, cfg.Redis.KeyPrefix, cfg.Cache.PriceTTL)

	// LP channels
	var socket *lp.Socket
	var mirror interface {
		lp.Mirror
		book.Notifier
	} = lp.NopMirror{}
	if cfg.LP.SocketURL != "" {
		socket = lp.NewSocket(lp.SocketOptions{
			URL:            cfg.LP.SocketURL,
			PlatformKey:    cfg.LP.PlatformKey,
			SourcePlatform: cfg.LP.SourcePlatform,
			Logger:         log.Named("lp-socket"),
		})
		mirror = socket
	} else {
		log.Warn("LP socket URL not configured, socket mirror disabled")
	}

	var rest lp.RestClientInterface
	restClient, err := lp.NewRestClient(&cfg.LP, log)
	switch {
	case err == nil:
		rest = restClient
	case errors.Is(err, lp.ErrNotConfigured):
		log.Warn("LP REST channel not configured, A-Book trades stay PENDING")
	default:
		log.Fatal("Failed to initialize LP REST client", zap.Error(err))
	}
	syncer := lp.NewSyncer(db, rest, mirror, cfg.LP.SourcePlatform, log)
	asyncSyncer := lp.NewAsyncSyncer(syncer, db, cfg.LP.AsyncWorkers, 0, cfg.LP.Timeout*time.Duration(cfg.LP.MaxRetries+2), log)

	// Events
	var publisher interface {
		trader.SignalPublisher
		Close() error
	} = events.NopPublisher{}
	if cfg.Kafka.Enabled() {
		publisher = events.NewSignalPublisher(cfg.Kafka)
	}
	defer publisher.Close()

	// Copy engine
	registry := strategy.NewRegistry(db, cfg.Copy.MaxMasterProfiles, log)
	signals := store.NewSignalStore(db)
	books := book.NewRouter(db, mirror, log)
	gl := ledger.NewGormLedger(db, log).WithBooks(books)
	instruments := lp.NewInstrumentStore(db)
	engine := trader.NewEngine(log, &cfg, trader.Deps{
		DB:          db,
		Signals:     signals,
		Registry:    registry,
		Ledger:      gl,
		Accounts:    gl,
		Book:        books,
		LP:          asyncSyncer,
		Prices:      prices,
		Instruments: instruments,
		Publisher:   publisher,
	})
	gw := gateway.NewGateway(registry, cfg.Webhook.GlobalSecret, cfg.Copy.DefaultQuantity, log)

	// HTTP
	checks := map[string]httpapi.Check{"database": signals.Ping}
	if rs, ok := priceStore.(*cache.RedisStore); ok {
		checks["redis"] = rs.Ping
	}
	router := httpapi.NewEngine(log, cfg.Logger.Level == "debug",
		&httpapi.WebhookHandler{Gateway: gw, Engine: engine, Logger: log},
		&httpapi.LPHandler{
			Verifier:    lp.NewVerifier(cfg.LP.InboundKey, cfg.LP.InboundSecret),
			Instruments: instruments,
			Prices:      prices,
			Logger:      log,
		},
		&httpapi.HealthHandler{Checks: checks},
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Setup context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// Scheduled re-sync
	runner := cronrunner.New(log, gctx)
	if cfg.Resync.Enabled && syncer.RESTConfigured() {
		resyncer := resync.NewResyncer(db, syncer, cfg.Resync.BatchSize, log).WithRouter(books)
		if _, err := runner.Add("resync", cfg.Resync.Schedule, func(ctx context.Context) {
			if _, err := resyncer.Run(ctx); err != nil {
				log.Warn("Re-sync run failed", zap.Error(err))
			}
		}); err != nil {
			log.Fatal("Invalid re-sync schedule", zap.String("schedule", cfg.Resync.Schedule), zap.Error(err))
		}
	}
	runner.Start()
	defer runner.Stop()

	g.Go(func() error { return asyncSyncer.Run(gctx) })
	if socket != nil {
		g.Go(func() error { return ignoreCanceled(socket.Run(gctx)) })
	}
	if cfg.Kafka.Enabled() {
		consumer := events.NewTradeConsumer(cfg.Kafka, engine, log)
		defer consumer.Close()
		g.Go(func() error { return ignoreCanceled(consumer.Run(gctx)) })
	}
	g.Go(func() error {
		log.Info("Starting router", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received, gracefully shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Router stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Router has been shut down.")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
