// Package server builds the process: storage, upstream clients, the fan-out
// pipeline, and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/worldbank-country-cache/internal/api"
	"github.com/JakeFAU/worldbank-country-cache/internal/bulk"
	"github.com/JakeFAU/worldbank-country-cache/internal/catalog"
	"github.com/JakeFAU/worldbank-country-cache/internal/clock/system"
	"github.com/JakeFAU/worldbank-country-cache/internal/config"
	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/worldbank-country-cache/internal/fetcher/colly"
	"github.com/JakeFAU/worldbank-country-cache/internal/gateway"
	"github.com/JakeFAU/worldbank-country-cache/internal/id/uuid"
	"github.com/JakeFAU/worldbank-country-cache/internal/logging"
	"github.com/JakeFAU/worldbank-country-cache/internal/orchestrator"
	"github.com/JakeFAU/worldbank-country-cache/internal/policy/ratelimit"
	"github.com/JakeFAU/worldbank-country-cache/internal/progress"
	progresssinks "github.com/JakeFAU/worldbank-country-cache/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/worldbank-country-cache/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/worldbank-country-cache/internal/publisher/pubsub"
	"github.com/JakeFAU/worldbank-country-cache/internal/resolver"
	gcsstorage "github.com/JakeFAU/worldbank-country-cache/internal/storage/gcs"
	localstorage "github.com/JakeFAU/worldbank-country-cache/internal/storage/local"
	memorystorage "github.com/JakeFAU/worldbank-country-cache/internal/storage/memory"
	pgstore "github.com/JakeFAU/worldbank-country-cache/internal/storage/postgres"
	redisstore "github.com/JakeFAU/worldbank-country-cache/internal/storage/redis"
	"github.com/JakeFAU/worldbank-country-cache/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	tracerShutdown telemetry.ShutdownFunc

	store        country.Store
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	progressHub  *progress.Hub

	catalog   *catalog.Catalog
	gateway   *gateway.Gateway
	apiServer *api.Server
}

// Options tweak Build for callers other than the HTTP server.
type Options struct {
	// Registerer receives the progress collectors (default prometheus.DefaultRegisterer).
	Registerer prometheus.Registerer
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("publisher_backend", cfg.Publisher.Backend),
	)

	app.tracerShutdown, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if err := app.setupStorage(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.setupProgress(opts.Registerer); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	app.setupPipeline(publisher)
	app.apiServer = api.NewServer(app.catalog, app.gateway, app.ready, logger.Named("api"))
	return app, nil
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Catalog returns the country catalog.
func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// Gateway returns the cache gateway.
func (a *App) Gateway() *gateway.Gateway { return a.gateway }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run serves HTTP until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close waits for pending writes, then releases every client.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.gateway != nil {
		if drainErr := a.gateway.Drain(ctx); drainErr != nil {
			a.logger.Warn("pending record writes abandoned", zap.Error(drainErr))
			err = drainErr
		}
	}
	a.closeInfrastructure(ctx)
	if a.tracerShutdown != nil {
		if shutdownErr := a.tracerShutdown(ctx); shutdownErr != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(shutdownErr))
		}
	}
	if syncErr := a.logger.Sync(); syncErr != nil {
		// stderr sync fails on some platforms; not worth surfacing.
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

// ready reports whether the store answers. A missing catalog still counts.
func (a *App) ready(ctx context.Context) error {
	_, err := a.store.LoadCatalog(ctx)
	if err != nil && !errors.Is(err, country.ErrNotFound) {
		return err
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		st, err := gcsstorage.New(client, sc.GCS)
		if err != nil {
			return fmt.Errorf("gcs store init failed: %w", err)
		}
		a.store = st
		a.logger.Info("using GCS storage backend", zap.String("bucket", sc.GCS.Bucket))
	case config.BackendLocal:
		st, err := localstorage.New(sc.Local)
		if err != nil {
			return fmt.Errorf("local store init failed: %w", err)
		}
		a.store = st
		a.logger.Info("using local storage backend", zap.String("path", sc.Local.BaseDir))
	case config.BackendPostgres:
		st, err := pgstore.New(ctx, sc.Postgres)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = st
		a.logger.Info("using postgres storage backend", zap.String("table", sc.Postgres.Table))
	case config.BackendRedis:
		st, err := redisstore.New(ctx, sc.Redis)
		if err != nil {
			return fmt.Errorf("redis store init failed: %w", err)
		}
		a.store = st
		a.logger.Info("using redis storage backend", zap.String("addr", sc.Redis.Addr))
	default:
		a.store = memorystorage.New()
		a.logger.Info("using in-memory storage backend")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (country.Publisher, error) {
	pc := a.cfg.Publisher
	switch pc.Backend {
	case config.PublisherPubSub:
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, pc.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.gcpPublisher = gcppublisher.New(a.pubsubClient, pc.TopicPrefix)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", pc.ProjectID),
			zap.String("topic_prefix", pc.TopicPrefix),
		)
		return a.gcpPublisher, nil
	case config.PublisherMemory:
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		a.logger.Info("cache notifications disabled")
		return nil, nil
	}
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return err
	}
	pc := a.cfg.Progress
	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxBatchEvents,
		MaxBatchWait:   pc.MaxBatchWait(),
		SinkTimeout:    pc.SinkTimeout(),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	a.logger.Debug("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupPipeline(publisher country.Publisher) {
	uc := a.cfg.Upstream
	res := resolver.New(resolver.Bases{
		API:    uc.APIBaseURL,
		Search: uc.SearchBaseURL,
		Data:   uc.DataBaseURL,
	})
	opener := collyfetcher.New(collyfetcher.Config{
		UserAgent:    uc.UserAgent,
		Timeout:      uc.BulkTimeout(),
		MaxBodyBytes: uc.MaxBodyBytes,
	})
	limiter := ratelimit.New(ratelimit.Config{RPS: uc.RequestsPerSecond, Burst: uc.Burst})
	a.logger.Info("upstream configured",
		zap.String("api_base", uc.APIBaseURL),
		zap.Float64("requests_per_second", uc.RequestsPerSecond),
		zap.Int("max_attempts", a.cfg.Retry.MaxAttempts),
	)

	jsonFetcher := dispatcher.New(res, dispatcher.Config{
		Timeout: uc.Timeout(),
		Policy:  dispatcher.NewLinearPolicy(a.cfg.Retry.MaxAttempts, a.cfg.Retry.BaseDelay(), a.cfg.Retry.RetryableStatuses...),
		Limiter: limiter,
		Logger:  a.logger.Named("dispatcher"),
	})
	bulkFetcher := bulk.New(res, bulk.Config{
		Timeout: uc.BulkTimeout(),
		Logger:  a.logger.Named("bulk"),
	})
	clock := system.New()
	orch := orchestrator.New(opener, jsonFetcher, bulkFetcher, orchestrator.Config{
		Emitter: a.progressHub,
		IDs:     uuid.New(),
		Clock:   clock,
		Logger:  a.logger.Named("orchestrator"),
	})

	a.catalog = catalog.New(a.store, opener, res.CatalogURL(), catalog.Config{
		Timeout: uc.Timeout(),
		Logger:  a.logger.Named("catalog"),
	})
	a.gateway = gateway.New(a.store, a.catalog, orch, gateway.Config{
		Publisher: publisher,
		Clock:     clock,
		Logger:    a.logger.Named("gateway"),
	})
}
