package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"stakepact/config"
	"stakepact/escrow"
	"stakepact/gateway/middleware"
	"stakepact/ledger"
	"stakepact/observability/logging"
	telemetry "stakepact/observability/otel"
	"stakepact/services/escrowd"
	"stakepact/services/escrowd/models"
	"stakepact/services/escrowd/recon"
	"stakepact/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to escrowd configuration (overrides ESCROWD_CONFIG)")
	flag.Parse()

	if strings.TrimSpace(cfgPath) != "" {
		_ = os.Setenv("ESCROWD_CONFIG", cfgPath)
	}
	cfg, err := escrowd.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}

	logger := logging.SetupWith(logging.Options{
		Service:     cfg.ServiceName,
		Environment: cfg.Environment,
		Level:       cfg.Log.Level,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("escrowd terminated", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if endpoint := strings.TrimSpace(cfg.Telemetry.Endpoint); endpoint != "" {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
			Endpoint:    endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		})
		if err != nil {
			return fmt.Errorf("initialise telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	var (
		state       escrow.EngineState
		ledgerStore ledger.Store
		auditStore  ledger.AuditStore
		accounts    recon.AccountLister
	)
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if err := models.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		store := escrowd.NewStore(db)
		state, ledgerStore, auditStore, accounts = store, store, store, store
		logger.Info("state backend ready", "backend", "postgres")
	} else {
		db, err := storage.NewLevelDB(escrowd.StatePath(cfg))
		if err != nil {
			return fmt.Errorf("open state database: %w", err)
		}
		defer db.Close()
		store := storage.NewStore(db)
		state, ledgerStore, auditStore, accounts = store, store, store, store
		logger.Info("state backend ready", "backend", "leveldb", "path", escrowd.StatePath(cfg))
	}

	sidecar, err := escrowd.NewSidecar(escrowd.SidecarPath(cfg))
	if err != nil {
		return fmt.Errorf("open sidecar database: %w", err)
	}
	defer func() { _ = sidecar.Close() }()

	guard, err := escrowd.NewBoltGuard(escrowd.GuardPath(cfg))
	if err != nil {
		return fmt.Errorf("open idempotency guard: %w", err)
	}
	defer func() { _ = guard.Close() }()

	var wallet escrow.Wallet
	if endpoint := strings.TrimSpace(cfg.Wallet.Endpoint); endpoint != "" {
		apiKey := cfg.Wallet.ResolveAPIKey()
		wallet = escrowd.NewWalletClient(endpoint, apiKey, cfg.Wallet.Timeout())
		logger.Info("wallet provider configured", "endpoint", endpoint, logging.MaskField("apiKey", apiKey))
	} else {
		mock := escrowd.NewMockWallet()
		mock.SetUnlimited(true)
		wallet = mock
		logger.Warn("wallet endpoint not configured; principal holds are simulated in memory")
	}

	var schedule *escrow.Schedule
	if path := strings.TrimSpace(cfg.ScheduleFile); path != "" {
		schedule, err = escrow.LoadSchedule(path)
		if err != nil {
			return fmt.Errorf("load accrual schedule: %w", err)
		}
	} else {
		logger.Warn("no accrual schedule configured; escrows accrue at zero rate")
	}

	pauses := escrow.NewPauseSet(cfg.Pauses.Seed()...)
	journal := escrowd.NewJournal(sidecar, logger)
	recorder := ledger.NewRecorder(ledgerStore)

	engine := escrow.NewEngine()
	engine.SetState(state)
	engine.SetWallet(wallet)
	engine.SetLedger(recorder)
	engine.SetAudit(ledger.NewAuditTrail(auditStore, logger))
	engine.SetGuard(guard)
	engine.SetEmitter(journal)
	engine.SetPauses(pauses)
	engine.SetSchedule(schedule)
	engine.SetAccrualFeeBps(cfg.AccrualFeeBps)
	engine.SetSweepInterval(cfg.SweepInterval())
	engine.SetGuardTTL(cfg.GuardTTL())

	queue := escrowd.NewDeliveryQueue(
		escrowd.WithQueueCapacity(cfg.Webhooks.QueueSize),
		escrowd.WithQueueTTL(cfg.Webhooks.TTL()),
	)
	dispatcher := escrowd.NewDispatcher(escrowd.DispatcherConfig{
		Targets:     cfg.Webhooks.Targets,
		Sidecar:     sidecar,
		Queue:       queue,
		Pauses:      pauses,
		MaxAttempts: cfg.Webhooks.MaxAttempts,
		Logger:      logger,
	})
	if err := dispatcher.Resume(ctx); err != nil {
		return fmt.Errorf("resume webhook outbox: %w", err)
	}
	journal.AddSink(dispatcher.OnEvent)
	go dispatcher.Run(ctx)

	sweeper := escrowd.NewSweeper(escrowd.SweeperConfig{
		Engine:   engine,
		Interval: cfg.SweepInterval(),
		Guard:    guard,
		Logger:   logger,
	})
	go sweeper.Run(ctx)

	if cfg.Recon.Enabled {
		loc, err := cfg.Recon.Location()
		if err != nil {
			return fmt.Errorf("resolve recon timezone: %w", err)
		}
		reconciler, err := recon.NewReconciler(recon.Config{
			Engine:    engine,
			State:     state,
			Ledger:    recorder,
			Accounts:  accounts,
			Wallet:    wallet,
			ReportDir: cfg.Recon.ReportDir,
			Parquet:   cfg.Recon.Parquet,
			Retention: time.Duration(cfg.Recon.RetentionDays) * 24 * time.Hour,
			TZ:        loc,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("configure reconciler: %w", err)
		}
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			RunHour:    cfg.Recon.Hour,
			RunMinute:  cfg.Recon.Minute,
			Location:   loc,
			Logger:     logger,
		})
		go scheduler.Start(ctx)
	}

	authCfg := middleware.AuthConfig{}
	if secret, err := cfg.Auth.ResolveSecret(); err == nil {
		authCfg = middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: secret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.Skew(),
		}
	} else if strings.EqualFold(cfg.Environment, "dev") {
		logger.Warn("API authentication disabled", "reason", err)
	} else {
		return fmt.Errorf("environment %q requires auth: %w", cfg.Environment, err)
	}

	limit := middleware.RateLimit{RatePerSecond: cfg.Auth.RatePerSecond, Burst: cfg.Auth.RateBurst}
	limits := make(map[string]middleware.RateLimit)
	for class := range escrowd.DefaultRateLimits() {
		limits[class] = limit
	}

	srv := escrowd.NewServer(escrowd.ServerConfig{
		Engine:     engine,
		State:      state,
		Journal:    journal,
		Sidecar:    sidecar,
		Pauses:     pauses,
		Auth:       authCfg,
		RateLimits: limits,
		CORS: middleware.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key", "X-API-Key"},
		},
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", "addr", cfg.ListenAddress, "env", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	return nil
}
