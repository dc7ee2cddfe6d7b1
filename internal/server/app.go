// Package server builds the application's dependency graph and runs it.
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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/techevents-crawler/internal/api"
	"github.com/JakeFAU/techevents-crawler/internal/cache"
	cachemem "github.com/JakeFAU/techevents-crawler/internal/cache/memory"
	"github.com/JakeFAU/techevents-crawler/internal/cache/redis"
	"github.com/JakeFAU/techevents-crawler/internal/clock"
	"github.com/JakeFAU/techevents-crawler/internal/config"
	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/dispatcher"
	"github.com/JakeFAU/techevents-crawler/internal/id"
	"github.com/JakeFAU/techevents-crawler/internal/jobs"
	"github.com/JakeFAU/techevents-crawler/internal/logging"
	"github.com/JakeFAU/techevents-crawler/internal/orchestrator"
	"github.com/JakeFAU/techevents-crawler/internal/pipeline"
	"github.com/JakeFAU/techevents-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/techevents-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/techevents-crawler/internal/progress/sinks"
	queuemem "github.com/JakeFAU/techevents-crawler/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/techevents-crawler/internal/queue/pubsub"
	"github.com/JakeFAU/techevents-crawler/internal/scrape"
	"github.com/JakeFAU/techevents-crawler/internal/scrape/eventbrite"
	"github.com/JakeFAU/techevents-crawler/internal/scrape/luma"
	"github.com/JakeFAU/techevents-crawler/internal/scrape/managed"
	"github.com/JakeFAU/techevents-crawler/internal/scrape/web"
	gcsstorage "github.com/JakeFAU/techevents-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/techevents-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/techevents-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/techevents-crawler/internal/storage/postgres"
	"github.com/JakeFAU/techevents-crawler/internal/telemetry"
	"github.com/JakeFAU/techevents-crawler/internal/worker"
)

// Version is stamped at build time.
var Version = "dev"

// Options adjust Build for callers other than the long-running server.
type Options struct {
	// Logger replaces the configured logger when set.
	Logger *zap.Logger
	// Registerer receives the progress collectors; defaults to the global registry.
	Registerer prometheus.Registerer
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  discovery.Clock

	events    discovery.EventStore
	jobStore  discovery.JobStore
	scheduler *jobs.Scheduler
	runner    *jobs.Runner
	launcher  *jobs.Launcher
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	pgStore     *pgstore.Store
	redisCache  *redis.Cache
	memQueue    *queuemem.Queue
	pubsubQueue *queuepubsub.Queue
	gcsStore    *gcsstorage.BlobStore
	renderer    *web.Renderer
	progressHub *progress.Hub

	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	app := &App{cfg: cfg, logger: logger, clock: clock.NewSystem()}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Driver),
		zap.String("queue", cfg.Queue.Driver),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("version", Version),
	)

	// Anything opened before a later step fails is released here.
	ok := false
	defer func() {
		if !ok {
			_ = app.Close(context.Background())
		}
	}()

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     Version,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	if err := app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	sharedCache, err := app.setupCache(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := app.setupQueue(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := app.setupProgress(ctx, opts.Registerer)
	if err != nil {
		return nil, err
	}

	politeness := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Crawler.DomainRPS,
		DefaultBurst: cfg.Crawler.DomainBurst,
	})
	collector := web.NewCollector(web.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.Crawler.RequestTimeout,
	}, politeness)
	adapter, err := app.setupAdapters(collector, politeness)
	if err != nil {
		return nil, err
	}

	proc := pipeline.New(pipeline.Config{
		CompletenessThreshold: cfg.Pipeline.CompletenessThreshold,
		PastGrace:             cfg.Pipeline.PastGrace,
		FuzzyWindow:           cfg.Pipeline.FuzzyWindow,
		BackfillBelow:         cfg.Pipeline.BackfillBelow,
		BackfillTimeout:       cfg.Pipeline.BackfillTimeout,
	}, app.events, web.NewDetailFetcher(collector), app.clock, emitter, logger)

	app.runner = jobs.NewRunner(app.jobStore, adapter, proc, blobs, app.clock, emitter, logger)
	app.launcher = jobs.NewLauncher(jobs.LauncherConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		JobTimeout:    cfg.Jobs.Timeout,
	}, app.runner, app.jobStore, queue, app.clock, logger)

	retry := jobs.RetryPolicy{
		MaxAttempts: cfg.Jobs.MaxAttempts,
		BaseDelay:   cfg.Jobs.BackoffBase,
		MaxDelay:    cfg.Jobs.BackoffMax,
		Jitter:      jobs.DefaultRetryPolicy().Jitter,
	}
	workers := make([]*worker.Worker, 0, cfg.Queue.Workers)
	for i := 0; i < cfg.Queue.Workers; i++ {
		workers = append(workers, worker.New(
			queue,
			app.runner,
			retry,
			app.clock,
			worker.Config{JobTimeout: cfg.Jobs.Timeout},
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	app.dispatch = dispatcher.New(queue, workers)
	app.scheduler = jobs.NewScheduler(app.jobStore, id.NewUUIDv7(), app.clock, app.dispatch, cfg.Jobs.DefaultMaxItems)

	orch := orchestrator.New(orchestrator.Config{
		PollInterval:      cfg.Search.PollInterval,
		HeartbeatInterval: cfg.Search.HeartbeatInterval,
		Timeout:           cfg.Search.Timeout,
		CacheTTL:          cfg.Cache.SearchTTL,
	}, app.events, app.jobStore, sharedCache, app.scheduler, app.launcher, app.clock, logger)

	var limiter *api.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = api.NewRateLimiter(sharedCache, app.clock, map[api.Class]api.Rule{
			api.ClassSearch: {Limit: cfg.RateLimit.SearchPerMinute, Window: time.Minute},
			api.ClassAPI:    {Limit: cfg.RateLimit.APIPerMinute, Window: time.Minute},
			api.ClassBatch:  {Limit: cfg.RateLimit.BatchPerHour, Window: time.Hour},
		}, logger)
	}

	app.apiServer = api.NewServer(api.Deps{
		Searcher:  orch,
		Jobs:      app.jobStore,
		Events:    app.events,
		Submitter: app.scheduler,
		Limiter:   limiter,
	}, api.Options{RequestTimeout: cfg.Server.RequestTimeout}, logger.Named("api"))

	ok = true
	return app, nil
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.sweepLoop(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Crawl creates a job for spec and runs it to completion in the calling
// goroutine, bypassing the queue.
func (a *App) Crawl(ctx context.Context, spec jobs.Spec) (discovery.ScrapingJob, error) {
	job, err := a.scheduler.CreatePending(ctx, spec)
	if err != nil {
		return discovery.ScrapingJob{}, err
	}
	if a.cfg.Jobs.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Jobs.Timeout)
		defer cancel()
	}
	if err := a.runner.Execute(ctx, job.ID); err != nil {
		a.runner.Fail(context.WithoutCancel(ctx), job.ID, err)
		return discovery.ScrapingJob{}, fmt.Errorf("crawl %s: %w", job.ID, err)
	}
	return a.jobStore.GetJob(ctx, job.ID)
}

// Sweep deletes events older than the retention window.
func (a *App) Sweep(ctx context.Context) (int64, error) {
	cutoff := a.cfg.RetentionCutoff(a.clock.Now())
	n, err := a.events.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	a.logger.Info("retention sweep finished", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

func (a *App) sweepLoop(ctx context.Context) {
	interval := a.cfg.Retention.SweepInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Sweep(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("retention sweep failed", zap.Error(err))
			}
		}
	}
}

// Close gracefully shuts down the application. It is safe to call more
// than once.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		err = a.close(ctx)
	})
	return err
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.launcher != nil {
		if err := a.launcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("launcher: %w", err))
		}
	}
	a.closeInfrastructure(ctx, &errs)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context, errs *[]error) {
	if a.memQueue != nil {
		if err := a.memQueue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.pubsubQueue != nil {
		if err := a.pubsubQueue.Close(); err != nil {
			*errs = append(*errs, fmt.Errorf("pubsub queue: %w", err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync errors on a terminal stdout are expected.
	_ = a.logger.Sync()
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.Driver != "postgres" {
		a.logger.Warn("using in-memory event and job stores; data is lost on restart")
		a.events = memorystorage.NewEventStore()
		a.jobStore = memorystorage.NewJobStore(a.clock)
		return nil
	}
	store, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	}, a.clock)
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = store
	if a.cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		a.logger.Info("database schema applied")
	}
	a.events = store
	a.jobStore = store
	a.logger.Info("postgres store initialized",
		zap.Int32("max_conns", a.cfg.Database.MaxConns),
		zap.Duration("max_conn_lifetime", a.cfg.Database.MaxConnLifetime),
	)
	return nil
}

func (a *App) setupCache(ctx context.Context) (discovery.Cache, error) {
	local := cachemem.New(cachemem.Config{MaxEntries: a.cfg.Cache.LocalMaxEntries, Clock: a.clock})
	var remote discovery.Cache
	if a.cfg.Cache.RedisAddr != "" {
		rc, err := redis.New(redis.Config{
			Addr:        a.cfg.Cache.RedisAddr,
			Password:    a.cfg.Cache.RedisPassword,
			DB:          a.cfg.Cache.RedisDB,
			KeyPrefix:   a.cfg.Cache.KeyPrefix,
			DialTimeout: a.cfg.Cache.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("redis cache init failed: %w", err)
		}
		a.redisCache = rc
		remote = rc
		// An unreachable Redis at boot only degrades the cache.
		if err := rc.Ping(ctx); err != nil {
			a.logger.Warn("redis unreachable, starting on the local cache", zap.Error(err))
		} else {
			a.logger.Info("redis cache connected", zap.String("addr", a.cfg.Cache.RedisAddr))
		}
	} else {
		a.logger.Info("no redis configured, using the local cache only")
	}
	return cache.NewDual(remote, local, a.logger), nil
}

func (a *App) setupStorage(ctx context.Context) (discovery.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: a.cfg.Storage.Bucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsStore = store
		a.logger.Info("using GCS raw archive", zap.String("bucket", a.cfg.Storage.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local raw archive", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	default:
		a.logger.Info("using in-memory raw archive")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupQueue(ctx context.Context) (discovery.Queue, error) {
	if a.cfg.Queue.Driver == "pubsub" {
		q, err := queuepubsub.Open(ctx, queuepubsub.Config{
			ProjectID:      a.cfg.Queue.ProjectID,
			Topic:          a.cfg.Queue.Topic,
			Subscription:   a.cfg.Queue.Subscription,
			MaxOutstanding: a.cfg.Queue.MaxOutstanding,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.pubsubQueue = q
		a.logger.Info("using Pub/Sub job queue",
			zap.String("project", a.cfg.Queue.ProjectID),
			zap.String("topic", a.cfg.Queue.Topic),
		)
		return q, nil
	}
	a.memQueue = queuemem.NewQueue(a.cfg.Queue.Capacity)
	return a.memQueue, nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    ctx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("sinks", len(sinkList)),
	)
	return a.progressHub, nil
}

// setupAdapters routes each platform to the managed backend when a token is
// configured, falling back to direct scraping.
func (a *App) setupAdapters(collector *web.Collector, politeness *ratelimit.Limiter) (*scrape.Adapter, error) {
	lumaRoute := scrape.Route{}
	eventbriteRoute := scrape.Route{Fallback: eventbrite.New(collector, a.cfg.Crawler.EventbriteBaseURL)}

	if a.cfg.Headless.Enabled {
		renderer, err := web.NewRenderer(web.RendererConfig{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
		}, politeness)
		if err != nil {
			a.logger.Warn("headless renderer init failed, lu.ma scraping needs a managed token", zap.Error(err))
		} else {
			a.renderer = renderer
			lumaRoute.Fallback = luma.New(renderer, a.cfg.Crawler.LumaBaseURL)
			a.logger.Info("headless renderer enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	if a.cfg.Managed.Token != "" {
		client, err := managed.NewClient(managed.Config{
			BaseURL: a.cfg.Managed.BaseURL,
			Token:   a.cfg.Managed.Token,
			Timeout: a.cfg.Managed.Timeout,
			Actors: map[string]string{
				discovery.PlatformLuma:       a.cfg.Managed.LumaActor,
				discovery.PlatformEventbrite: a.cfg.Managed.EventbriteActor,
			},
		}, nil, a.logger)
		if err != nil {
			return nil, fmt.Errorf("managed scraper init failed: %w", err)
		}
		lumaBackend, err := managed.NewBackend(client, discovery.PlatformLuma)
		if err != nil {
			return nil, err
		}
		eventbriteBackend, err := managed.NewBackend(client, discovery.PlatformEventbrite)
		if err != nil {
			return nil, err
		}
		lumaRoute.Preferred = lumaBackend
		eventbriteRoute.Preferred = eventbriteBackend
		a.logger.Info("managed scraping enabled", zap.String("base_url", a.cfg.Managed.BaseURL))
	}

	return scrape.NewAdapter(map[string]scrape.Route{
		discovery.PlatformLuma:       lumaRoute,
		discovery.PlatformEventbrite: eventbriteRoute,
	}, a.logger), nil
}
