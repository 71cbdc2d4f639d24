package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/karwin/bookline-bot/internal/config"
	"github.com/karwin/bookline-bot/internal/explorer"
	"github.com/karwin/bookline-bot/internal/game"
	"github.com/karwin/bookline-bot/internal/lichess"
	"github.com/karwin/bookline-bot/internal/msgcat"
	"github.com/karwin/bookline-bot/internal/obslog"
	"github.com/karwin/bookline-bot/internal/stats"
	"github.com/karwin/bookline-bot/internal/store"
	"github.com/karwin/bookline-bot/internal/supervisor"
	"github.com/karwin/bookline-bot/internal/uci"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	instanceID := uuid.NewString()
	logger.Info("bookline-bot starting", zap.String("instance_id", instanceID))

	cat, err := msgcat.New()
	if err != nil {
		logger.Fatal("message catalog", zap.Error(err))
	}

	if err := uci.Available(cfg.Engine.Path); err != nil {
		logger.Fatal("engine binary not usable",
			zap.String("path", cfg.Engine.Path), zap.Error(err))
	}

	client := lichess.NewClient(cfg.BaseURL, cfg.Token)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	account, err := client.Account(ctx)
	if err != nil {
		if errors.Is(err, lichess.ErrUnauthorized) {
			logger.Fatal("token rejected, check LICHESS_TOKEN")
		}
		logger.Fatal("cannot reach lichess", zap.Error(err))
	}
	logger.Info("authenticated",
		zap.String("account", account.Username), zap.String("title", account.Title))

	book := explorer.NewClient(cfg.ExplorerURL)

	// Snapshot store and result archive are optional extras.
	var snapshots supervisor.SnapshotStore
	if cfg.RedisURL != "" {
		st, err := store.Open(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("snapshot store", zap.Error(err))
		}
		defer func() { _ = st.Close() }()
		snapshots = st
	}
	var results game.ResultSink
	if cfg.DatabaseURL != "" {
		repo, err := stats.NewRepository(cfg.DatabaseURL, instanceID)
		if err != nil {
			logger.Fatal("results database", zap.Error(err))
		}
		defer func() { _ = repo.Close() }()
		results = repo
	}

	sup := supervisor.New(client, book, cat, cfg, account.ID, snapshots, results)
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("supervisor stopped", zap.Error(err))
	}
	logger.Info("bookline-bot stopped")
}
