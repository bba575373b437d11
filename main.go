package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alexbotov/slotgate/internal/api"
	"github.com/alexbotov/slotgate/internal/audit"
	"github.com/alexbotov/slotgate/internal/auth"
	"github.com/alexbotov/slotgate/internal/catalog"
	"github.com/alexbotov/slotgate/internal/config"
	"github.com/alexbotov/slotgate/internal/control"
	"github.com/alexbotov/slotgate/internal/database"
	"github.com/alexbotov/slotgate/internal/jackpot"
	"github.com/alexbotov/slotgate/internal/ledger"
	"github.com/alexbotov/slotgate/internal/logging"
	"github.com/alexbotov/slotgate/internal/orchestrator"
	"github.com/alexbotov/slotgate/internal/ratelimit"
	"github.com/alexbotov/slotgate/internal/rng"
	"github.com/alexbotov/slotgate/internal/session"
	"github.com/alexbotov/slotgate/internal/signer"
	"github.com/alexbotov/slotgate/internal/wallet"
	"github.com/alexbotov/slotgate/pkg/provider"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("slotgate stopped", "error", err)
		os.Exit(1)
	}
}

// accountStore is the ledger store plus account opening
type accountStore interface {
	ledger.Store
	api.AccountOpener
}

func run(ctx context.Context) error {
	cfg := config.Load()
	logger := logging.SetupJSON(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Persistence: Postgres when a DSN is configured, memory otherwise
	var (
		store    accountStore
		db       *database.DB
		auditSvc *audit.Service
		catOpts  = []catalog.Option{
			catalog.WithTTL(cfg.Catalog.TTL),
			catalog.WithPageSize(cfg.Catalog.PageSize),
			catalog.WithMaxPages(cfg.Catalog.MaxPages),
			catalog.WithRefreshTimeout(cfg.Catalog.RefreshTimeout),
			catalog.WithRetryInterval(cfg.Catalog.RetryInterval),
			catalog.WithLogger(logger),
			catalog.WithRegisterer(reg),
		}
	)
	if cfg.Catalog.DiskPath != "" {
		catOpts = append(catOpts, catalog.WithDisk(catalog.NewDiskStore(cfg.Catalog.DiskPath)))
	}

	if cfg.Database.DSN != "" {
		var err error
		db, err = database.New(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()

		if cfg.Database.Migrate {
			if err := db.Migrate(); err != nil {
				return err
			}
			logger.Info("database migrated")
		}

		pool, err := database.NewPool(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		store = wallet.New(db.DB)
		auditSvc = audit.New(db.DB, logger)
		catOpts = append(catOpts, catalog.WithDatabase(catalog.NewPGStore(pool)))
	} else {
		logger.Warn("no database configured, ledger runs in memory")
		store = wallet.NewMemoryStore()
		auditSvc = audit.New(nil, logger)
	}

	// Provider access: signed requests through the rate limiter
	limiter := ratelimit.New(&http.Client{Timeout: cfg.Provider.Timeout}, ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		MaxConcurrency:    cfg.RateLimit.MaxConcurrency,
		MaxBackoff:        cfg.RateLimit.MaxBackoff,
		MaxRetries:        cfg.RateLimit.MaxRetries,
	}, ratelimit.WithLogger(logger), ratelimit.WithRegisterer(reg))
	defer limiter.Close()

	client, err := provider.NewClient(&provider.ClientConfig{
		BaseURL:     cfg.Provider.BaseURL,
		MerchantID:  cfg.Provider.MerchantID,
		MerchantKey: cfg.Provider.MerchantKey,
		Timeout:     cfg.Provider.Timeout,
	}, provider.WithExecutor(limiter))
	if err != nil {
		return fmt.Errorf("failed to create provider client: %w", err)
	}

	verifier, err := signer.NewVerifier(cfg.Provider.MerchantID, cfg.Provider.MerchantKey, cfg.Provider.MaxSkew)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}

	cache := catalog.New(catalog.NewProviderSource(client, cfg.Catalog.Kind), catOpts...)
	if err := cache.Load(ctx); err != nil {
		// the background loop keeps retrying; catalog reads report unavailable meanwhile
		logger.Warn("catalog not loaded at startup", "error", err)
	}

	// Money path
	rngSvc := rng.New()
	sessions := session.NewManager(
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
		session.WithRetention(cfg.Session.Retention),
		session.WithLogger(logger),
	)

	var sqlDB *sql.DB
	if db != nil {
		sqlDB = db.DB
	}
	ctrl := control.New(sqlDB, auditSvc, control.WithSessions(sessions), control.WithLogger(logger))
	if err := ctrl.LoadState(ctx); err != nil {
		return err
	}

	ledgerOpts := []ledger.Option{
		ledger.WithSessions(sessions),
		ledger.WithAccess(ctrl),
		ledger.WithAudit(auditSvc),
		ledger.WithLogger(logger),
		ledger.WithLargeWinThreshold(cfg.Ledger.LargeWinThreshold),
		ledger.WithRegisterer(reg),
	}
	if cfg.Ledger.Jackpots {
		ledgerOpts = append(ledgerOpts, ledger.WithJackpots(jackpot.New(rngSvc, jackpot.DefaultTiers())))
	}
	ledgerSvc := ledger.New(store, ledgerOpts...)

	orch := orchestrator.New(ledgerSvc, sessions,
		orchestrator.WithLauncher(client),
		orchestrator.WithGames(cache),
		orchestrator.WithAccess(ctrl),
		orchestrator.WithAudit(auditSvc),
		orchestrator.WithLogger(logger),
		orchestrator.WithReturnURL(cfg.Provider.ReturnURL),
	)

	handler := api.New(api.Deps{
		Ledger:          ledgerSvc,
		Sessions:        sessions,
		Orchestrator:    orch,
		Catalog:         cache,
		Lobby:           client,
		Accounts:        store,
		Auth:            auth.New(&cfg.Auth),
		Verifier:        verifier,
		Control:         ctrl,
		Audit:           auditSvc,
		RNG:             rngSvc,
		Limiter:         limiter,
		Gatherer:        reg,
		Logger:          logger,
		Version:         version,
		OpeningBalance:  cfg.Ledger.OpeningBalance,
		DefaultCurrency: cfg.Ledger.DefaultCurrency,
	})

	// Background loops stop with ctx
	go sessions.Run(ctx, cfg.Session.ReapInterval)
	go func() {
		if err := cache.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("catalog refresh loop stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler.SetupRouter(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
