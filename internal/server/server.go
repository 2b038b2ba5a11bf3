// Package server builds the application from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmonitor/internal/annotation"
	"github.com/JakeFAU/webmonitor/internal/api"
	"github.com/JakeFAU/webmonitor/internal/archive"
	"github.com/JakeFAU/webmonitor/internal/clock/system"
	"github.com/JakeFAU/webmonitor/internal/config"
	"github.com/JakeFAU/webmonitor/internal/diff"
	"github.com/JakeFAU/webmonitor/internal/diffservice"
	"github.com/JakeFAU/webmonitor/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/webmonitor/internal/fetcher/colly"
	"github.com/JakeFAU/webmonitor/internal/fetcher/ratelimit"
	"github.com/JakeFAU/webmonitor/internal/hash/sha256"
	"github.com/JakeFAU/webmonitor/internal/id/uuid"
	"github.com/JakeFAU/webmonitor/internal/importer"
	"github.com/JakeFAU/webmonitor/internal/logging"
	"github.com/JakeFAU/webmonitor/internal/metrics"
	"github.com/JakeFAU/webmonitor/internal/monitor"
	"github.com/JakeFAU/webmonitor/internal/pagelock"
	memorypublisher "github.com/JakeFAU/webmonitor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/webmonitor/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/webmonitor/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/webmonitor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/webmonitor/internal/storage/local"
	memorystorage "github.com/JakeFAU/webmonitor/internal/storage/memory"
	pgstore "github.com/JakeFAU/webmonitor/internal/storage/postgres"
	s3storage "github.com/JakeFAU/webmonitor/internal/storage/s3"
	"github.com/JakeFAU/webmonitor/internal/telemetry"
	"github.com/JakeFAU/webmonitor/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	ids       monitor.IDGenerator
	clock     monitor.Clock
	telemetry *telemetry.Providers

	records     monitor.Store
	pg          *pgstore.Store
	blobs       monitor.ArchiveStore
	gcs         *storage.Client
	redis       *redis.Client
	publisher   monitor.Publisher
	pubsub      *gcppublisher.Publisher
	engine      *diff.Engine
	importer    *importer.Importer
	annotations *annotation.Service
	differ      api.Differ

	queue     *queuememory.Queue
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
}

// Build creates the application's dependencies. Nothing is started until Run.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		ids:    uuid.New(),
		clock:  system.New(),
	}
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	if a.telemetry, err = telemetry.Init(ctx, a.cfg.Telemetry, nil); err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	if err := a.setupRecords(ctx); err != nil {
		return err
	}
	if err := a.setupArchiveStore(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	locker, err := a.setupLocker(ctx)
	if err != nil {
		return err
	}
	if err := a.setupDiffer(); err != nil {
		return err
	}

	fetcher := ratelimit.Wrap(
		collyfetcher.New(collyfetcher.Config{
			UserAgent:    a.cfg.Archive.UserAgent,
			Timeout:      a.cfg.Archive.Timeout(),
			MaxRedirects: a.cfg.Archive.MaxRedirects,
			MaxBodyBytes: a.cfg.Archive.MaxBodyBytes,
		}),
		ratelimit.New(a.cfg.Archive.RateLimit),
	)
	archiver, err := archive.New(
		a.blobs,
		fetcher,
		sha256.New(),
		a.cfg.Archive.Config,
		a.logger.Named("archive"),
	)
	if err != nil {
		return fmt.Errorf("archiver init failed: %w", err)
	}

	a.engine = diff.NewEngine(a.records, a.records, a.ids, a.clock, a.logger.Named("diff"))
	a.importer, err = importer.New(importer.Deps{
		Store:     a.records,
		Engine:    a.engine,
		IDs:       a.ids,
		Clock:     a.clock,
		Archiver:  archiver,
		Locker:    locker,
		Publisher: a.publisher,
		Status:    diff.NewStatusCalculator(a.records, a.cfg.Status.Window(), a.cfg.Status.SuccessThreshold),
		Logger:    a.logger.Named("importer"),
	})
	if err != nil {
		return fmt.Errorf("importer init failed: %w", err)
	}
	a.annotations = annotation.NewService(a.records, a.engine, a.ids, a.clock, a.logger.Named("annotation")).
		WithLocker(locker)

	a.queue = queuememory.NewQueue(a.cfg.Importer.QueueDepth)
	workers := make([]*worker.Worker, 0, a.cfg.Importer.Concurrency)
	for i := 0; i < a.cfg.Importer.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.records,
			a.blobs,
			a.importer,
			a.clock,
			worker.Config{ReadAttempts: 3},
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, a.clock, workers)

	a.apiServer = api.NewServer(api.Deps{
		Store:       a.records,
		Payloads:    a.blobs,
		Submitter:   a.dispatch,
		Engine:      a.engine,
		Annotations: a.annotations,
		Differ:      a.differ,
		Ready:       a.ready,
		IDs:         a.ids,
		Clock:       a.clock,
		Logger:      a.logger.Named("api"),
	}, a.cfg)

	a.logger.Info("application built",
		zap.Int("port", a.cfg.Server.Port),
		zap.String("storage_backend", a.cfg.Storage.Backend),
		zap.Bool("postgres", a.pg != nil),
		zap.Bool("redis_locks", a.redis != nil),
		zap.Bool("pubsub", a.pubsub != nil),
		zap.Bool("diff_service", a.differ != nil),
		zap.Int("workers", a.cfg.Importer.Concurrency),
	)
	return nil
}

func (a *App) setupRecords(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, records are kept in memory")
		a.records = memorystorage.NewStore()
		return nil
	}
	store, err := pgstore.New(ctx, a.cfg.DB)
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pg = store
	a.records = store
	a.logger.Info("postgres record store initialized")
	return nil
}

func (a *App) setupArchiveStore(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.gcs, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		if a.blobs, err = gcsstorage.New(a.gcs, a.cfg.Storage.GCS); err != nil {
			return fmt.Errorf("gcs archive store init failed: %w", err)
		}
		a.logger.Info("using GCS archive store", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
	case config.BackendS3:
		client, err := s3storage.NewClient(a.cfg.Storage.S3)
		if err != nil {
			return fmt.Errorf("s3 client init failed: %w", err)
		}
		if a.blobs, err = s3storage.New(client, a.cfg.Storage.S3); err != nil {
			return fmt.Errorf("s3 archive store init failed: %w", err)
		}
		a.logger.Info("using S3 archive store",
			zap.String("bucket", a.cfg.Storage.S3.Bucket),
			zap.String("endpoint", a.cfg.Storage.S3.Endpoint),
		)
	case config.BackendLocal:
		if a.blobs, err = localstorage.New(a.cfg.Storage.Local); err != nil {
			return fmt.Errorf("local archive store init failed: %w", err)
		}
		a.logger.Info("using local archive store", zap.String("path", a.cfg.Storage.Local.BaseDir))
	default:
		a.logger.Info("using in-memory archive store")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	publisher, err := gcppublisher.Dial(ctx, a.cfg.PubSub)
	if err != nil {
		return fmt.Errorf("pubsub init failed: %w", err)
	}
	a.pubsub = publisher
	a.publisher = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupLocker(ctx context.Context) (monitor.PageLocker, error) {
	if a.cfg.Redis.Addr == "" {
		a.logger.Info("using process-local page locks")
		return pagelock.NewLocal(), nil
	}
	client, err := pagelock.NewRedisClient(ctx, a.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis init failed: %w", err)
	}
	a.redis = client
	a.logger.Info("using Redis page locks", zap.String("addr", a.cfg.Redis.Addr))
	return pagelock.NewRedis(client, a.cfg.Redis, a.logger.Named("pagelock")), nil
}

func (a *App) setupDiffer() error {
	if a.cfg.Diff.BaseURL == "" {
		a.logger.Warn("no diff service configured, diff routes are disabled")
		return nil
	}
	client, err := diffservice.New(a.cfg.Diff, a.logger.Named("diffservice"))
	if err != nil {
		return fmt.Errorf("diff service init failed: %w", err)
	}
	a.differ = client
	return nil
}

// ready backs the /readyz probe.
func (a *App) ready(ctx context.Context) error {
	if a.pg != nil {
		if err := a.pg.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Import runs one batch synchronously, recording it in the import store.
func (a *App) Import(ctx context.Context, opts monitor.ImportOptions, payload io.Reader) (monitor.Import, error) {
	id, err := a.ids.NewID()
	if err != nil {
		return monitor.Import{}, fmt.Errorf("import id: %w", err)
	}
	now := a.clock.Now()
	imp := monitor.Import{
		ID:        id,
		Status:    monitor.ImportPending,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.records.CreateImport(ctx, imp); err != nil {
		return monitor.Import{}, fmt.Errorf("create import: %w", err)
	}
	err = a.importer.Run(ctx, &imp, payload)
	return imp, err
}

// Run starts the workers and the HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
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
	a.queue.Close()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before the shutdown deadline")
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close releases every client the application opened.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}
