package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/web3-frozen/lending-keeper/internal/api"
	"github.com/web3-frozen/lending-keeper/internal/chain"
	"github.com/web3-frozen/lending-keeper/internal/config"
	"github.com/web3-frozen/lending-keeper/internal/dedup"
	"github.com/web3-frozen/lending-keeper/internal/handler"
	"github.com/web3-frozen/lending-keeper/internal/middleware"
	"github.com/web3-frozen/lending-keeper/internal/orchestrator"
	"github.com/web3-frozen/lending-keeper/internal/store"
	"github.com/web3-frozen/lending-keeper/internal/telegram"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := chain.LoadRegistry(cfg.ChainsFile, cfg.RPCOverrides)
	if err != nil {
		logger.Error("failed to load chains", "file", cfg.ChainsFile, "error", err)
		os.Exit(1)
	}

	prices := api.NewPriceClient(cfg.PriceAPIURL)
	leaderboard := api.NewLeaderboardClient(cfg.PointsAPIURL, cfg.PointsAPIKey)

	chains := chain.NewManager(registry, nil, prices, logger)
	if err := chains.Init(ctx, cfg.EnabledChains); err != nil {
		logger.Error("failed to connect chains", "error", err)
		os.Exit(1)
	}
	defer chains.Shutdown()
	for id, key := range cfg.PrivateKeys {
		if err := chains.AddWallet(id, key); err != nil {
			logger.Error("failed to load wallet", "chain", id, "error", err)
			os.Exit(1)
		}
	}
	logger.Info("chains connected", "chains", chains.ChainIDs(), "wallets", len(cfg.PrivateKeys))

	// Database (optional)
	var db *store.Store
	if cfg.DatabaseURL != "" {
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("database connected and migrated")
	} else {
		logger.Warn("DATABASE_URL not set, history and checkpoints are in memory only")
	}

	// Redis dedup (optional, retry up to 30s for ExternalSecret to sync)
	var dd *dedup.Deduplicator
	if cfg.RedisURL != "" {
		for i := 0; i < 6; i++ {
			dd, err = dedup.New(cfg.RedisURL, cfg.RedisPassword)
			if err == nil {
				break
			}
			logger.Warn("redis not ready, retrying...", "attempt", i+1, "error", err)
			time.Sleep(5 * time.Second)
		}
		if err != nil {
			logger.Error("failed to connect to redis after retries", "error", err)
			os.Exit(1)
		}
		defer dd.Close()
		logger.Info("redis connected for event and alert dedup")
	}

	// Telegram alerts (optional)
	alert := func(_ context.Context, key, message string) {
		logger.Info("alert", "key", key, "message", message)
	}
	var bot *telegram.Bot
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		bot = telegram.NewBot(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if dd != nil {
			bot.WithDedup(dd)
		}
		alert = bot.Alert
	}

	svc := orchestrator.Services{
		Config:      cfg,
		Chains:      chains,
		Prices:      prices,
		Leaderboard: leaderboard,
		Store:       db,
		Dedup:       dd,
		Alert:       alert,
		Logger:      logger,
	}
	orch, err := orchestrator.New(chains, cfg.EnabledModules, svc.Build, logger)
	if err != nil {
		logger.Error("failed to build modules", "error", err)
		os.Exit(1)
	}
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start modules", "error", err)
		os.Exit(1)
	}

	if bot != nil {
		bot.WithStatus(orch.Status)
		go bot.Run(ctx)
	}

	// HTTP routes
	var (
		liqArchive  handler.LiquidationArchive
		distArchive handler.DistributionArchive
	)
	if db != nil {
		liqArchive, distArchive = db, db
	}

	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.FrontendOrigin))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", handler.Health())
	r.Get("/readyz", handler.Ready(orch))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", handler.Status(orch))
		r.Get("/liquidations", handler.Liquidations(orch, liqArchive, logger))
		r.Get("/points", handler.Points(orch, distArchive))
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gracefully")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	orch.Stop(shutdownCtx)
	cancel()
}
