package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"

	"github.com/projectmart/backend/internal/app"
	"github.com/projectmart/backend/internal/auth"
	"github.com/projectmart/backend/internal/config"
	"github.com/projectmart/backend/internal/db"
	"github.com/projectmart/backend/internal/execution"
	"github.com/projectmart/backend/internal/handlers"
	"github.com/projectmart/backend/internal/repository"
	"github.com/projectmart/backend/internal/router"
	"github.com/projectmart/backend/internal/services"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Check DATABASE_URL and that Postgres is running", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := db.Migrate(ctx, pool); err != nil {
		slog.Error("Migrations failed", "error", err)
		os.Exit(1)
	}

	// Notifications: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn execution.InsertNotificationFunc
	notifier := execution.NewRiverNotifier(func(ctx context.Context, args execution.NotificationArgs, opts *river.InsertOpts) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, args, opts)
	})

	escrow, err := app.NewEscrowService(cfg, pool, notifier, logger)
	if err != nil {
		slog.Error("Failed to build escrow service", "error", err)
		os.Exit(1)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewSweepExpiredWorker(escrow, logger))
	river.AddWorker(workers, execution.NewNotificationWorker(cfg.NotifyWebhookURL, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			execution.SweepPeriodicJob(cfg.SweepInterval, cfg.SweepBatchSize),
		},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = app.InsertNotification(riverClient)
	insertMu.Unlock()

	validator, err := services.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}
	if cfg.WebhookSecret == "" {
		slog.Warn("WEBHOOK_SECRET is empty; every processor event will be rejected")
	}

	scans := &services.ScanService{Listings: repository.NewListingRepo(pool), Logger: logger}
	tokens := auth.NewService(cfg.JWTSecret)

	apiRouter := router.New(router.Deps{
		Webhooks: &handlers.WebhookHandler{Events: escrow, Validator: validator, Secret: []byte(cfg.WebhookSecret), Logger: logger},
		Scans:    &handlers.ScanHandler{Scans: scans, Validator: validator, Secret: cfg.ScanSecret, Logger: logger},
		Disputes: &handlers.DisputeHandler{Escrow: escrow, Logger: logger},
		Tokens:   tokens,
		DB:       pool,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(apiRouter)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	serverAddr := "0.0.0.0:" + cfg.Port
	srv := &http.Server{Addr: serverAddr, Handler: corsHandler, ReadHeaderTimeout: 10 * time.Second}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown", "error", err)
		}
		if err := riverClient.Stop(shutdownCtx); err != nil {
			slog.Error("River stop", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	<-stopped
	slog.Info("Server stopped")
}
