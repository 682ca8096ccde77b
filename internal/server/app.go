// Package server wires the archive, recovery and retention services to
// PostgreSQL, object storage, the sweep scheduler and the metrics endpoint,
// and runs them until the process is told to stop.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wpfleet/mailvault/internal/cryptox"
	"github.com/wpfleet/mailvault/internal/logging"
	"github.com/wpfleet/mailvault/internal/server/config"
	"github.com/wpfleet/mailvault/internal/server/metrics"
	"github.com/wpfleet/mailvault/internal/server/objectstore"
	"github.com/wpfleet/mailvault/internal/server/repositories/repomanager"
	"github.com/wpfleet/mailvault/internal/server/scheduler"
	"github.com/wpfleet/mailvault/internal/server/services"
	"github.com/wpfleet/mailvault/internal/timex"
	"golang.org/x/sync/errgroup"
)

const (
	sweepTimeout    = time.Hour
	shutdownTimeout = 10 * time.Second
)

var (
	openDB = repomanager.OpenPostgres

	newObjectStore = func(ctx context.Context, s objectstore.Settings) (objectstore.Store, error) {
		return objectstore.NewS3Store(ctx, s)
	}
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	scheduler   scheduler.Scheduler

	Keys      *services.KeyService
	Archive   *services.ArchiveService
	Recovery  *services.RecoveryService
	Retention *services.RetentionService
}

// NewApp validates the secrets, connects to the database and builds the
// services. Missing secrets are reported as common.ErrConfiguration before
// anything else is touched.
func NewApp(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	deriver, err := cryptox.NewKeyDeriver(cfg.Secrets())
	if err != nil {
		return nil, err
	}

	db, err := openDB(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	var store objectstore.Store
	if cfg.S3Enabled {
		store, err = newObjectStore(ctx, objectstore.Settings{
			User:     cfg.S3RootUser,
			Password: cfg.S3RootPassword,
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3BaseEndpoint,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("object store init error: %w", err)
		}
	}

	return newApp(cfg, logger, db, repomanager.NewPostgresRepositoryManager(), store, deriver,
		scheduler.NewCronScheduler(), timex.SystemClock{}), nil
}

func newApp(cfg *config.Config, logger logging.Logger, db *sql.DB, rm repomanager.RepositoryManager,
	store objectstore.Store, deriver *cryptox.KeyDeriver, sched scheduler.Scheduler, clock timex.Clock) *App {
	keys := services.NewKeyService(db, rm, deriver, cfg.StoreTimeout)
	archive := services.NewArchiveService(db, rm, keys, cfg, clock, logger)

	return &App{
		config:      cfg,
		logger:      logger,
		db:          db,
		repomanager: rm,
		scheduler:   sched,
		Keys:        keys,
		Archive:     archive,
		Recovery:    services.NewRecoveryService(db, rm, keys, archive, store, cfg, clock, logger),
		Retention:   services.NewRetentionService(db, rm, store, cfg, clock, logger),
	}
}

// Migrate applies the embedded schema migrations.
func (app *App) Migrate(ctx context.Context) error {
	if err := app.repomanager.RunMigrations(ctx, app.db); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	return nil
}

func (app *App) Close() error {
	return app.db.Close()
}

func (app *App) Export(ctx context.Context, userID, password string) (*services.ExportResult, error) {
	return app.Recovery.Export(ctx, userID, password)
}

func (app *App) Import(ctx context.Context, exportID, password, targetUserID string) (*services.ImportResult, error) {
	return app.Recovery.Import(ctx, exportID, password, targetUserID)
}

func (app *App) ImportFile(ctx context.Context, file []byte, password, targetUserID string) (*services.ImportResult, error) {
	return app.Recovery.ImportFile(ctx, file, password, targetUserID)
}

func (app *App) Download(ctx context.Context, exportID, userID string) (*services.PackageFile, error) {
	return app.Recovery.Download(ctx, exportID, userID)
}

func (app *App) PresignedDownloadURL(ctx context.Context, exportID, userID string) (string, error) {
	return app.Recovery.PresignedDownloadURL(ctx, exportID, userID)
}

func (app *App) SweepDaily(ctx context.Context) *services.SweepReport {
	return app.Retention.Daily(ctx)
}

func (app *App) SweepWeekly(ctx context.Context) *services.SweepReport {
	return app.Retention.Weekly(ctx)
}

// registerSweeps puts the daily and weekly sweeps on the scheduler.
func (app *App) registerSweeps(ctx context.Context) error {
	daily := func(ctx context.Context) error { return app.Retention.Daily(ctx).Err }
	weekly := func(ctx context.Context) error { return app.Retention.Weekly(ctx).Err }

	if err := scheduler.Register(ctx, app.scheduler, app.logger, "daily_sweep", app.config.DailySweepSpec, sweepTimeout, daily); err != nil {
		return err
	}
	return scheduler.Register(ctx, app.scheduler, app.logger, "weekly_sweep", app.config.WeeklySweepSpec, sweepTimeout, weekly)
}

func (app *App) metricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{Addr: app.config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// Run migrates the schema, starts the sweeps and the metrics endpoint, and
// blocks until ctx is cancelled or SIGINT/SIGTERM arrives.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.logger.Info(ctx, "Starting app...")

	if err := app.Migrate(ctx); err != nil {
		return err
	}
	if err := app.registerSweeps(ctx); err != nil {
		return err
	}
	app.scheduler.Start()

	srv := app.metricsServer()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info(gctx, "metrics endpoint listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info(gctx, "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		select {
		case <-app.scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			app.logger.Warn(shutdownCtx, "sweeps still running at shutdown")
		}
		return err
	})

	return g.Wait()
}
