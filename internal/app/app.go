// Package app builds the long-lived services of the crawler and owns their
// lifecycle. It is the dependency injection container used by the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-price-crawler/internal/adapter"
	"github.com/JakeFAU/retail-price-crawler/internal/api"
	chromedpbrowser "github.com/JakeFAU/retail-price-crawler/internal/browser/chromedp"
	"github.com/JakeFAU/retail-price-crawler/internal/browser/static"
	"github.com/JakeFAU/retail-price-crawler/internal/clock/system"
	"github.com/JakeFAU/retail-price-crawler/internal/config"
	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
	"github.com/JakeFAU/retail-price-crawler/internal/credentials"
	"github.com/JakeFAU/retail-price-crawler/internal/discovery"
	"github.com/JakeFAU/retail-price-crawler/internal/download"
	"github.com/JakeFAU/retail-price-crawler/internal/hash/sha256"
	"github.com/JakeFAU/retail-price-crawler/internal/id/runid"
	"github.com/JakeFAU/retail-price-crawler/internal/logging"
	"github.com/JakeFAU/retail-price-crawler/internal/metrics"
	"github.com/JakeFAU/retail-price-crawler/internal/persist"
	"github.com/JakeFAU/retail-price-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/retail-price-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/retail-price-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/retail-price-crawler/internal/registry"
	"github.com/JakeFAU/retail-price-crawler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/retail-price-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/retail-price-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/retail-price-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/retail-price-crawler/internal/storage/postgres"
	"github.com/JakeFAU/retail-price-crawler/internal/supervisor"
)

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	supervisor *supervisor.Supervisor
	pipeline   *persist.Pipeline
	apiServer  *api.Server

	chrome       *chromedpbrowser.Browser
	storage      *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	ledger       *pgstore.RunStore
}

// Build creates the application's dependencies. Infrastructure created
// before a failure is released before Build returns.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("browser_engine", cfg.Browser.Engine),
		zap.Int("slots", cfg.Scheduler.Concurrency),
	)

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	clock := system.New()

	creds, err := credentials.Load(cfg.Credentials.File, cfg.Credentials.EnvVar)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	a.pipeline = persist.New(blobStore, persist.Config{
		WriteAttempts:   cfg.Storage.WriteAttempts,
		BackoffInitial:  time.Duration(cfg.Storage.BackoffInitialMs) * time.Millisecond,
		BackoffMax:      time.Duration(cfg.Storage.BackoffMaxMs) * time.Millisecond,
		ManifestTimeout: cfg.ManifestTimeout(),
	}, a.logger)

	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	downloads := download.New(download.Config{
		Concurrency: cfg.Download.Concurrency,
		Retry: crawler.RetryConfig{
			MaxAttempts: cfg.Download.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Download.BackoffInitialMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Download.BackoffMaxMs) * time.Millisecond,
		},
		FetchTimeout: time.Duration(cfg.Download.TimeoutSeconds) * time.Second,
		MaxFileBytes: cfg.Download.MaxFileBytes,
		Limiter:      ratelimit.New(ratelimit.Config{RPS: cfg.Download.HostRPS, Burst: cfg.Download.HostBurst}),
	}, sha256.New(), clock, a.pipeline, a.logger)

	runner := adapter.NewRunner(
		a.setupBrowser(),
		creds,
		discovery.New(discovery.Config{
			Patterns:       cfg.Discovery.Patterns,
			AnchorSelector: cfg.Discovery.AnchorSelector,
		}, a.logger),
		discovery.NewBinaPass(a.logger),
		downloads,
		clock,
		a.logger,
	)

	deps := supervisor.Deps{
		Registry:    registry.NewFileSource(cfg.Registry.Path),
		Persistence: a.pipeline,
		Scheduler: scheduler.New(scheduler.Config{
			Concurrency:     cfg.Scheduler.Concurrency,
			RetailerTimeout: cfg.RetailerTimeout(),
			ReleaseGrace:    cfg.ReleaseGrace(),
		}, clock, a.logger),
		Crawler:   runner,
		IDs:       runid.New(),
		Clock:     clock,
		Publisher: publisher,
	}
	if a.ledger != nil {
		deps.Ledger = a.ledger
	}
	a.supervisor = supervisor.New(supervisor.Config{
		RunTimeout: cfg.RunTimeout(),
		Topic:      cfg.PubSub.TopicName,
	}, deps, a.logger)
	a.apiServer = api.NewServer(a.supervisor, a.pipeline, cfg, a.logger)
	return nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	default:
		a.logger.Warn("using in-memory storage backend; files are lost on exit")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("no database DSN configured, run ledger disabled")
		return nil
	}
	ledger, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:            a.cfg.DB.DSN,
		RunsTable:      a.cfg.DB.RunsTable,
		RetailersTable: a.cfg.DB.RetailersTable,
		MaxConns:       a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("run ledger init failed: %w", err)
	}
	a.ledger = ledger
	a.logger.Info("run ledger initialized", zap.String("runs_table", a.cfg.DB.RunsTable))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher = gcppublisher.New(client, a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.publisher, nil
}

func (a *App) setupBrowser() crawler.Browser {
	maxBody := 0
	if a.cfg.Download.MaxFileBytes > 0 {
		maxBody = int(a.cfg.Download.MaxFileBytes) + 1
	}
	fetchTimeout := time.Duration(a.cfg.Download.TimeoutSeconds) * time.Second
	if a.cfg.Browser.Engine == config.EngineStatic {
		a.logger.Info("using static browser engine")
		return static.New(static.Config{
			UserAgent:    a.cfg.Browser.UserAgent,
			Timeout:      fetchTimeout,
			MaxBodyBytes: maxBody,
		}, a.logger)
	}
	a.logger.Info("using chromedp browser engine", zap.Bool("headless", a.cfg.Browser.Headless))
	a.chrome = chromedpbrowser.New(chromedpbrowser.Config{
		UserAgent:         a.cfg.Browser.UserAgent,
		Headless:          a.cfg.Browser.Headless,
		NavigationTimeout: time.Duration(a.cfg.Browser.NavTimeoutSeconds) * time.Second,
		Settle:            time.Duration(a.cfg.Browser.SettleMs) * time.Millisecond,
		FetchTimeout:      fetchTimeout,
		MaxBodyBytes:      maxBody,
	}, a.logger)
	return a.chrome
}

// Supervisor exposes the run supervisor.
func (a *App) Supervisor() *supervisor.Supervisor {
	return a.supervisor
}

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the HTTP API until ctx ends, then stops accepting requests and
// waits for in-flight runs, bounded by the run timeout.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			a.logger.Error("http server error", zap.Error(err))
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), a.cfg.RunTimeout())
	defer drainCancel()
	if err := a.supervisor.Shutdown(drainCtx); err != nil {
		a.logger.Warn("in-flight runs did not finish before shutdown", zap.Error(err))
	}
	return serveErr
}

// RunOnce triggers a single run and blocks until it is terminal.
func (a *App) RunOnce(ctx context.Context, req supervisor.Request) (supervisor.Snapshot, error) {
	acc, err := a.supervisor.Trigger(ctx, req)
	if err != nil {
		return supervisor.Snapshot{}, fmt.Errorf("trigger run: %w", err)
	}
	a.logger.Info("run accepted", zap.String("run_id", acc.RunID), zap.Int("retailers", acc.RetailersCount))
	if err := a.supervisor.Shutdown(ctx); err != nil {
		a.logger.Warn("run interrupted", zap.String("run_id", acc.RunID), zap.Error(err))
		_ = a.supervisor.Wait(context.Background())
	}
	snap, _ := a.supervisor.Status(acc.RunID)
	return snap, nil
}

// Close releases infrastructure clients.
func (a *App) Close() {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) closeInfrastructure() {
	if a.chrome != nil {
		a.chrome.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
}
