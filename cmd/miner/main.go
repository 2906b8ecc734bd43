// Package main is the entry point for the mining engine.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mining-engine/internal/api"
	"mining-engine/internal/config"
	"mining-engine/internal/jobs"
	"mining-engine/internal/metrics"
	"mining-engine/internal/pkg/cache"
	"mining-engine/internal/pkg/clock"
	"mining-engine/internal/pkg/db"
	"mining-engine/internal/repository"
	"mining-engine/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogger(cfg.Log)

	log.Info().Msg("Configuration loaded successfully")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	if err := repository.Migrate(ctx, dbPool.Pool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}
	metrics.Registry.MustRegister(db.NewStatsCollector(dbPool))

	profileCache, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cache")
	}
	defer profileCache.Close()

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(dbPool.Pool)
	contractRepo := repository.NewContractRepository(dbPool.Pool)
	accrualRepo := repository.NewAccrualRepository(dbPool.Pool)
	referralRepo := repository.NewReferralRepository(dbPool.Pool)
	subscriptionRepo := repository.NewSubscriptionRepository(dbPool.Pool)

	table, err := service.NewRateTable(cfg.Mining, cfg.Products)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid rate configuration")
	}
	rates := service.NewRateBook(table)
	clk := clock.System{}

	retry := service.RetryPolicy{
		MaxRetries:     cfg.Scheduler.MaxRetries,
		InitialBackoff: cfg.Scheduler.InitialBackoff,
		MaxBackoff:     cfg.Scheduler.MaxBackoff,
	}

	// Initialize services
	profiles := service.NewProfileService(accountRepo, rates, profileCache, cfg.Cache.TTL)
	ledger := service.NewContractLedger(contractRepo, subscriptionRepo, profiles, profiles, rates, clk, cfg.Mining.LockTimeout)
	graph := service.NewInvitationGraphValidator(referralRepo, clk, cfg.Referral.MaxDepth)
	subscriptions := service.NewSubscriptionStateMachine(subscriptionRepo, rates, clk, service.SubscriptionOptions{
		GracePeriod:          cfg.Subscription.GracePeriod(),
		AccountHold:          cfg.Subscription.AccountHold(),
		BillingPeriod:        cfg.Subscription.BillingPeriod,
		ReconcileBatch:       cfg.Subscription.ReconcileBatch,
		ReconcileMaxAttempts: cfg.Subscription.ReconcileMaxAttempts,
		ReconcileBackoff:     cfg.Subscription.ReconcileBackoff,
		ReconcileMaxBackoff:  cfg.Subscription.ReconcileMaxBackoff,
		Retry:                retry,
	})
	accruals := service.NewAccrualScheduler(ledger, profiles, accrualRepo, clk, service.SchedulerOptions{
		Interval:     cfg.Scheduler.TickInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		Workers:      cfg.Scheduler.Workers,
		BatchTimeout: cfg.Scheduler.BatchTimeout,
		Retry:        retry,
	})
	engine := service.NewEngine(ledger, graph, subscriptions, profiles, accountRepo, accrualRepo, rates, clk)

	maintenance := jobs.NewScheduler(subscriptions, cfg.Subscription.SweepSchedule, cfg.Subscription.ReconcileSchedule)
	if err := maintenance.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start maintenance jobs")
	}

	var server *http.Server
	if cfg.HTTP.Addr != "" {
		server = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.NewRouter(engine, dbPool),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	// Start accrual loop in a goroutine
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info().Dur("interval", cfg.Scheduler.TickInterval).Msg("Accrual scheduler is starting...")
		accruals.Run(ctx)
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	cancel()
	<-done
	maintenance.Stop()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
	}
	log.Info().Msg("Mining engine stopped gracefully")
}

// setupLogger configures the global zerolog logger.
func setupLogger(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if level, err := zerolog.ParseLevel(cfg.Level); err == nil && cfg.Level != "" {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
