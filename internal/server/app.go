// Package server builds the service object graph and runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricing-webhooks/internal/api"
	"github.com/JakeFAU/pricing-webhooks/internal/clock/system"
	"github.com/JakeFAU/pricing-webhooks/internal/config"
	"github.com/JakeFAU/pricing-webhooks/internal/dispatcher"
	ftpfetcher "github.com/JakeFAU/pricing-webhooks/internal/fetcher/ftp"
	gcsfetcher "github.com/JakeFAU/pricing-webhooks/internal/fetcher/gcs"
	localfetcher "github.com/JakeFAU/pricing-webhooks/internal/fetcher/local"
	memoryfetcher "github.com/JakeFAU/pricing-webhooks/internal/fetcher/memory"
	"github.com/JakeFAU/pricing-webhooks/internal/id/uuid"
	"github.com/JakeFAU/pricing-webhooks/internal/job"
	"github.com/JakeFAU/pricing-webhooks/internal/logging"
	"github.com/JakeFAU/pricing-webhooks/internal/policy/ratelimit"
	"github.com/JakeFAU/pricing-webhooks/internal/pricing"
	"github.com/JakeFAU/pricing-webhooks/internal/progress"
	progresssinks "github.com/JakeFAU/pricing-webhooks/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/pricing-webhooks/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/pricing-webhooks/internal/queue/memory"
	memoryStorage "github.com/JakeFAU/pricing-webhooks/internal/storage/memory"
	pgstore "github.com/JakeFAU/pricing-webhooks/internal/storage/postgres"
	"github.com/JakeFAU/pricing-webhooks/internal/tracker"
	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
	"github.com/JakeFAU/pricing-webhooks/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	builtAt time.Time

	store       webhook.EventStore
	pgStore     *pgstore.EventStore
	fetcher     webhook.Fetcher
	queue       *queueMemory.Queue
	pool        *worker.Pool
	tracker     *tracker.Tracker
	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	apiServer   *api.Server

	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	gcsClient    *storage.Client
	closers      []func() error
}

// Option overrides a dependency Build would otherwise construct from config.
type Option func(*buildOptions)

type buildOptions struct {
	logger    *zap.Logger
	fetcher   webhook.Fetcher
	publisher webhook.Publisher
	registry  prometheus.Registerer
}

// WithLogger uses logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithFetcher replaces the configured fetcher backend.
func WithFetcher(f webhook.Fetcher) Option {
	return func(o *buildOptions) { o.fetcher = f }
}

// WithPublisher sends completion notifications to p regardless of pubsub config.
func WithPublisher(p webhook.Publisher) Option {
	return func(o *buildOptions) { o.publisher = p }
}

// WithRegistry registers progress metrics on reg instead of the default registry.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registry = reg }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := buildOptions{registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, logging.WithLevel(cfg.Logging.Level))
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger, builtAt: time.Now().UTC()}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("fetcher_backend", cfg.Fetcher.Backend),
		zap.String("database_driver", cfg.Database.Driver),
	)

	if err := app.build(ctx, o); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o buildOptions) error {
	if err := a.setupStore(ctx); err != nil {
		return err
	}
	if err := a.setupFetcher(ctx, o.fetcher); err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx, o.publisher)
	if err != nil {
		return err
	}
	if err := a.setupProgress(ctx, o.registry); err != nil {
		return err
	}

	normalizer, err := pricing.FromConfig(a.cfg.Pricing.Providers)
	if err != nil {
		return fmt.Errorf("pricing init failed: %w", err)
	}

	clock := system.New()
	trackerOpts := []tracker.Option{
		tracker.WithLogger(a.logger),
		tracker.WithEmitter(a.progressHub),
		tracker.WithRetryPolicy(a.cfg.Tracker.Backoff.Policy(a.cfg.Tracker.FinalizeAttempts)),
	}
	if publisher != nil {
		trackerOpts = append(trackerOpts, tracker.WithNotifier(publisher, a.cfg.PubSub.TopicName))
	}
	a.tracker = tracker.New(a.store, clock, tracker.Config{
		GracePeriod:      a.cfg.Tracker.GracePeriod,
		StaleAfter:       a.cfg.Tracker.StaleAfter,
		SweepInterval:    a.cfg.Tracker.SweepInterval,
		TombstoneTTL:     a.cfg.Tracker.TombstoneTTL,
		FinalizeAttempts: a.cfg.Tracker.FinalizeAttempts,
		MaxErrorNotes:    a.cfg.Tracker.MaxErrorNotes,
	}, trackerOpts...)

	a.queue = queueMemory.NewQueue(a.cfg.Worker.QueueDepth)
	unit := job.New(a.fetcher, normalizer, a.cfg.Worker.PriceKeys, a.logger)
	a.pool = worker.NewPool(a.queue, unit, a.tracker, worker.Config{
		Concurrency: a.cfg.Worker.Concurrency,
		JobTimeout:  a.cfg.Worker.JobTimeout,
		MaxAttempts: a.cfg.Worker.MaxAttempts,
		Backoff:     a.cfg.Worker.Backoff.Policy(a.cfg.Worker.MaxAttempts),
	}, a.logger)
	a.logger.Info("worker pool configured",
		zap.Int("concurrency", a.cfg.Worker.Concurrency),
		zap.Int("queue_depth", a.cfg.Worker.QueueDepth),
		zap.Duration("job_timeout", a.cfg.Worker.JobTimeout),
		zap.Int("max_attempts", a.cfg.Worker.MaxAttempts),
	)

	a.dispatch = dispatcher.New(a.store, a.tracker, a.pool, uuid.New(), clock, dispatcher.Config{
		SubmitAttempts: a.cfg.Dispatcher.SubmitAttempts,
		Backoff:        a.cfg.Dispatcher.Backoff.Policy(a.cfg.Dispatcher.SubmitAttempts),
		MaxResources:   a.cfg.Dispatcher.MaxResources,
		FinalWait:      a.cfg.Dispatcher.FinalWait,
	}, a.logger)

	ready := map[string]api.ReadyCheck{}
	if a.pgStore != nil {
		ready["postgres"] = a.pgStore.Ping
	}
	a.apiServer = api.NewServer(api.Deps{
		Events:  a.dispatch,
		Store:   a.store,
		Batches: a.tracker,
		Pool:    a.pool,
		Ready:   ready,
	}, a.cfg.API, a.logger)
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case config.DriverPostgres:
		store, err := pgstore.NewEventStore(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			Table:           a.cfg.Database.Table,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("event store init failed: %w", err)
		}
		a.pgStore = store
		a.store = store
		if a.cfg.Database.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("event store schema failed: %w", err)
			}
		}
		a.logger.Info("postgres event store initialized", zap.String("table", a.cfg.Database.Table))
	default:
		a.logger.Warn("using in-memory event store; events are lost on restart")
		a.store = memoryStorage.NewEventStore()
	}
	return nil
}

func (a *App) setupFetcher(ctx context.Context, override webhook.Fetcher) error {
	backend := a.cfg.Fetcher.Backend
	var fetcher webhook.Fetcher
	switch {
	case override != nil:
		backend = "override"
		fetcher = override
	case backend == config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		fetcher, err = gcsfetcher.New(client, a.cfg.Fetcher.GCS)
		if err != nil {
			return fmt.Errorf("gcs fetcher init failed: %w", err)
		}
		a.logger.Info("using GCS fetcher", zap.String("bucket", a.cfg.Fetcher.GCS.Bucket))
	case backend == config.BackendFTP:
		f, err := ftpfetcher.New(a.cfg.Fetcher.FTP, ftpfetcher.WithLogger(a.logger.Named("ftp")))
		if err != nil {
			return fmt.Errorf("ftp fetcher init failed: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		fetcher = f
		a.logger.Info("using FTP fetcher",
			zap.String("addr", a.cfg.Fetcher.FTP.Addr),
			zap.Int("max_conns", a.cfg.Fetcher.FTP.MaxConns),
		)
	case backend == config.BackendLocal:
		f, err := localfetcher.New(a.cfg.Fetcher.Local)
		if err != nil {
			return fmt.Errorf("local fetcher init failed: %w", err)
		}
		fetcher = f
		a.logger.Info("using local fetcher", zap.String("path", a.cfg.Fetcher.Local.BaseDir))
	default:
		a.logger.Warn("using in-memory fetcher; every resource resolves as not found")
		fetcher = memoryfetcher.New(nil)
	}

	if a.cfg.Fetcher.RateLimit.DefaultRPS > 0 {
		fetcher = ratelimit.Wrap(fetcher, ratelimit.New(a.cfg.Fetcher.RateLimit), backend)
		a.logger.Info("fetch rate limiter enabled",
			zap.Float64("rps", a.cfg.Fetcher.RateLimit.DefaultRPS),
			zap.Int("burst", a.cfg.Fetcher.RateLimit.DefaultBurst),
			zap.Bool("per_prefix", a.cfg.Fetcher.RateLimit.PerPrefix),
		)
	}
	a.fetcher = fetcher
	return nil
}

func (a *App) setupPublisher(ctx context.Context, override webhook.Publisher) (webhook.Publisher, error) {
	if override != nil {
		return override, nil
	}
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("completion notifications disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.gcpPublisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.gcpPublisher, nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	sinkList := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("progress_log"))}

	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if a.cfg.Progress.PersistCounts {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.store, a.logger.Named("progress_store")))
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// Handler exposes the HTTP handler (primarily for tests).
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Start fails events a previous process left unfinished, then launches the
// worker pool and the tracker sweep. The returned stop function drains
// in-flight work and blocks until both have exited.
func (a *App) Start(ctx context.Context) (stop func()) {
	a.recoverUnfinished(ctx)

	poolCtx, cancelPool := context.WithCancel(context.WithoutCancel(ctx))
	sweepCtx, cancelSweep := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.pool.Run(poolCtx)
	}()
	go func() {
		defer wg.Done()
		if err := a.tracker.Run(sweepCtx); err != nil {
			a.logger.Error("tracker sweep stopped", zap.Error(err))
		}
	}()
	a.logger.Info("workers and tracker started")

	var once sync.Once
	return func() {
		once.Do(func() {
			a.dispatch.Wait()
			a.queue.Close()
			cancelSweep()
			wg.Wait()
			cancelPool()
		})
	}
}

// recoverUnfinished hands events received before this App was built, and still
// not terminal, to the tracker. Their work items were lost with the previous
// process.
func (a *App) recoverUnfinished(ctx context.Context) {
	events, err := a.store.ListUnfinished(ctx, a.builtAt)
	if err != nil {
		a.logger.Error("listing unfinished events failed", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}
	report := a.tracker.Recover(ctx, events)
	a.logger.Warn("unfinished events from a previous run failed",
		zap.Int("recovered", report.Recovered),
		zap.Int("skipped", report.Skipped),
		zap.Int("finalize_failed", report.Failed),
	)
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	stopWorkers := a.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stopSignals()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	drained := make(chan struct{})
	go func() {
		stopWorkers()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		a.logger.Warn("worker drain timed out", zap.Any("pool", a.pool.Stats()), zap.Any("tracker", a.tracker.Stats()))
	}

	if err := a.Close(shutdownCtx); err != nil {
		return err
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
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
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("fetcher close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}
