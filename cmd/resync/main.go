package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"copy-signal-router/internal/book"
	"copy-signal-router/internal/config"
	"copy-signal-router/internal/database"
	"copy-signal-router/internal/logger"
	"copy-signal-router/internal/lp"
	"copy-signal-router/internal/resync"
	"go.uber.org/zap"
)

func main() {
	configDir := flag.String("config", "./configs", "directory holding config.yml")
	batch := flag.Int("batch", 0, "trades per batch (0 uses resync.batch_size)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format, "resync")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	rest, err := lp.NewRestClient(&cfg.LP, log)
	if err != nil {
		log.Fatal("LP REST channel unavailable", zap.Error(err))
	}

	size := cfg.Resync.BatchSize
	if *batch > 0 {
		size = *batch
	}
	syncer := lp.NewSyncer(db, rest, lp.NopMirror{}, cfg.LP.SourcePlatform, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := resync.NewResyncer(db, syncer, size, log).
		WithRouter(book.NewRouter(db, lp.NopMirror{}, log)).
		Run(ctx)
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if err != nil {
		log.Error("Re-sync interrupted", zap.Error(err))
		os.Exit(1)
	}
	if report.Failed > 0 {
		os.Exit(2)
	}
}
