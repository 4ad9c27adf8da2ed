// Package app assembles the sync engine from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"example.com/pressync/internal/config"
	"example.com/pressync/internal/logging"
	"example.com/pressync/internal/media"
	"example.com/pressync/internal/queue"
	"example.com/pressync/internal/remote"
	"example.com/pressync/internal/sqliteutil"
	"example.com/pressync/internal/staging"
	"example.com/pressync/internal/store"
	"example.com/pressync/internal/terms"
	"example.com/pressync/internal/worker"
)

const sweepInterval = 10 * time.Minute

var errDrainUnsupported = errors.New("drain is only supported by the sqlite queue backend")

// App is a fully wired sync engine.
type App struct {
	Config       config.Config
	Logger       *slog.Logger
	Store        *store.Store
	Queue        queue.Queue
	Registry     *queue.Registry
	Orchestrator *worker.Orchestrator

	db       *sql.DB
	sqlQueue *queue.SQLQueue
	temporal client.Client
	logClose io.Closer
}

// New opens the store, selects the queue backend and wires every component.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logOpts := logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if cfg.Features.LogErrors && cfg.Logging.ErrorLog != "" {
		logOpts.ErrorLog = &logging.ErrorLog{
			Path:       cfg.Logging.ErrorLog,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		}
	}
	logger, logClose := logging.New(logOpts)
	a := &App{Config: cfg, Logger: logger, logClose: logClose}

	db, err := sqliteutil.Open(cfg.Database.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db

	a.Store = store.New(db)
	if err := a.Store.Init(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}

	if err := a.openQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}

	library, err := a.mediaLibrary(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	localizer, err := media.NewLocalizer(a.Store, library, media.Options{
		SiteURL:         cfg.Remote.SiteURL,
		PruneDuplicates: cfg.Features.DeleteDuplicateImages,
		Timeout:         cfg.Remote.Timeout,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	reconciler := terms.NewReconciler(a.Store, logger)
	if n, err := reconciler.Bootstrap(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("bootstrap taxonomies: %w", err)
	} else if n > 0 {
		logger.Debug("taxonomies restored", "count", n)
	}

	upserter := worker.NewUpserter(a.Store, reconciler, localizer, worker.UpsertOptions{
		SiteURL:          cfg.Remote.SiteURL,
		DefaultAuthorID:  cfg.Sync.DefaultAuthorID,
		SkipOnTitleMatch: cfg.Features.SkipOnTitleMatch,
		DownloadImages:   cfg.Features.DownloadImages,
	}, logger)
	stager := staging.NewStager(a.Store.Staging(), cfg.Sync.StagingTTL)
	remoteClient := remote.NewClient(cfg.Remote.SiteURL, cfg.Remote.Timeout)

	a.Orchestrator = worker.NewOrchestrator(cfg, a.Queue, remoteClient, stager, upserter, a.Store, logger)
	a.Registry = queue.NewRegistry()
	a.Orchestrator.RegisterHandlers(a.Registry)
	return a, nil
}

func (a *App) openQueue(ctx context.Context) error {
	cfg := a.Config.Queue
	switch cfg.Backend {
	case config.QueueTemporal:
		c, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
			Logger:    temporallog.NewStructuredLogger(a.Logger.With("component", "temporal")),
		})
		if err != nil {
			return fmt.Errorf("dial temporal %s: %w", cfg.Temporal.HostPort, err)
		}
		a.temporal = c
		a.Queue = queue.NewTemporalQueue(c, queue.TemporalOptions{
			TaskQueue:   cfg.Temporal.TaskQueue,
			MaxAttempts: cfg.MaxAttempts,
		}, a.Logger)
	default:
		q := queue.NewSQLQueue(a.db, queue.SQLOptions{MaxAttempts: cfg.MaxAttempts})
		if err := q.Init(ctx); err != nil {
			return fmt.Errorf("init queue schema: %w", err)
		}
		a.sqlQueue = q
		a.Queue = q
	}
	a.Logger.Info("task queue ready", "backend", cfg.Backend)
	return nil
}

func (a *App) mediaLibrary(ctx context.Context) (media.Library, error) {
	cfg := a.Config.Media
	if cfg.Backend != config.MediaMinio {
		return media.FSLibrary{Dir: cfg.Dir, BaseURL: cfg.BaseURL}, nil
	}
	lib, err := media.NewMinioLibrary(ctx, media.MinioOptions{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		Bucket:    cfg.Minio.Bucket,
		UseSSL:    cfg.Minio.UseSSL,
		PublicURL: cfg.Minio.PublicURL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect media bucket: %w", err)
	}
	return lib, nil
}

// Runner returns the SQLite task runner, or nil on the Temporal backend.
func (a *App) Runner() *queue.Runner {
	if a.sqlQueue == nil {
		return nil
	}
	return queue.NewRunner(a.sqlQueue, a.Registry, queue.RunnerOptions{
		Workers:      a.Config.Queue.Workers,
		PollInterval: a.Config.Queue.PollInterval,
		Sweep:        a.sweepStaging,
	}, a.Logger)
}

// RunWorkers executes queued tasks until ctx is cancelled.
func (a *App) RunWorkers(ctx context.Context) error {
	if runner := a.Runner(); runner != nil {
		return runner.Run(ctx)
	}

	w := queue.NewTemporalWorker(a.temporal, a.Config.Queue.Temporal.TaskQueue, a.Registry, a.Logger)
	if err := w.Start(); err != nil {
		return fmt.Errorf("start temporal worker: %w", err)
	}
	defer w.Stop()
	a.Logger.Info("temporal worker started", "task_queue", a.Config.Queue.Temporal.TaskQueue)
	queue.RunEvery(ctx, sweepInterval, a.sweepStaging)
	return nil
}

// Drain runs every due task once and returns how many ran. It is only
// supported by the SQLite backend; Temporal tasks run on their worker.
func (a *App) Drain(ctx context.Context) (int, error) {
	runner := a.Runner()
	if runner == nil {
		return 0, errDrainUnsupported
	}
	return runner.Drain(ctx)
}

// Stats reports task counts on the SQLite backend.
func (a *App) Stats(ctx context.Context) (queue.Stats, bool, error) {
	if a.sqlQueue == nil {
		return queue.Stats{}, false, nil
	}
	stats, err := a.sqlQueue.Stats(ctx)
	return stats, err == nil, err
}

// Handler returns the admin HTTP API.
func (a *App) Handler() http.Handler {
	errorLog := ""
	if a.Config.Features.LogErrors {
		errorLog = a.Config.Logging.ErrorLog
	}
	return worker.NewServer(a.Orchestrator, a.Store, errorLog, a.Logger).Router()
}

func (a *App) sweepStaging(ctx context.Context) {
	n, err := a.Store.Staging().PurgeExpired(ctx)
	if err != nil {
		a.Logger.Error("purge expired staging failed", "error", err)
		return
	}
	if n > 0 {
		a.Logger.Info("expired staged records purged", "count", n)
	}
}

// Close releases the database, the Temporal connection and the error log.
func (a *App) Close() error {
	var errs []error
	if a.temporal != nil {
		a.temporal.Close()
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.logClose != nil {
		errs = append(errs, a.logClose.Close())
	}
	return errors.Join(errs...)
}
