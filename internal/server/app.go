// Package server builds the process: it constructs every dependency on start,
// runs the HTTP server and the job worker, and releases everything on stop.
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
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/admission"
	"github.com/JakeFAU/ingest-crawler/internal/api"
	"github.com/JakeFAU/ingest-crawler/internal/clock/system"
	"github.com/JakeFAU/ingest-crawler/internal/config"
	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/dispatcher"
	"github.com/JakeFAU/ingest-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/ingest-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/ingest-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/ingest-crawler/internal/frontier"
	"github.com/JakeFAU/ingest-crawler/internal/hash/sha256"
	"github.com/JakeFAU/ingest-crawler/internal/headless/detector"
	"github.com/JakeFAU/ingest-crawler/internal/id/uuid"
	"github.com/JakeFAU/ingest-crawler/internal/metrics"
	"github.com/JakeFAU/ingest-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/ingest-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/ingest-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/ingest-crawler/internal/queue/memory"
	"github.com/JakeFAU/ingest-crawler/internal/sink"
	gcsstorage "github.com/JakeFAU/ingest-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/ingest-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/ingest-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/ingest-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/ingest-crawler/internal/storage/redis"
	"github.com/JakeFAU/ingest-crawler/internal/worker"
)

const (
	defaultTopic = "crawl-complete"
	// memoryEvents bounds completion events kept without Pub/Sub.
	memoryEvents = 1000
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  crawler.Clock

	redis     goredis.UniversalClient
	jobs      crawler.JobStore
	limiter   crawler.RateLimiter
	queue     *queueMemory.Queue
	sinks     *sink.Cache
	worker    *worker.Worker
	apiServer *api.Server

	headless     *headlessfetcher.Fetcher
	documents    *pgstore.DocumentStore
	storage      *storage.Client
	pubsubClient *pubsub.Client
	pubsubPub    *gcppublisher.Publisher

	workerCancel context.CancelFunc
	workerDone   chan struct{}
	closeOnce    sync.Once
}

// Build creates the application's dependencies. On error everything built
// so far is released.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	built := false
	defer func() {
		if !built {
			app.closeInfrastructure()
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("headless", cfg.Headless.Enabled),
	)

	if err := app.setupStore(ctx); err != nil {
		return nil, err
	}
	blobs, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	fetch, sitemaps, err := app.setupFetchers(ctx)
	if err != nil {
		return nil, err
	}

	app.sinks = sink.NewCache(app.sinkFactory(blobs), app.clock, cfg.Storage.SinkTTL)

	dispatch := dispatcher.New(fetch, dispatcher.NewMemorySampler(cfg.Dispatcher.MemoryLimitMB), dispatcher.Config{
		ThresholdPercent: cfg.Dispatcher.MemoryThresholdPercent,
		CheckInterval:    cfg.Dispatcher.CheckInterval,
	}, logger)
	front := frontier.New(dispatch, sitemaps, logger)

	app.queue = queueMemory.NewQueue(cfg.Jobs.QueueDepth)
	topic := cfg.PubSub.TopicName
	if topic == "" {
		topic = defaultTopic
	}
	app.worker = worker.New(
		app.queue,
		app.jobs,
		app.limiter,
		front,
		app.sinks,
		publisher,
		app.clock,
		worker.Config{Topic: topic},
		logger,
	)

	svc := admission.New(app.jobs, app.limiter, app.queue, app.clock, admission.Config{
		DefaultTenant: cfg.Jobs.DefaultTenant,
		Defaults: crawler.JobParams{
			MaxDepth:       cfg.Crawler.MaxDepthDefault,
			MaxConcurrency: cfg.Crawler.MaxConcurrencyDefault,
			ChunkSize:      cfg.Crawler.ChunkSizeDefault,
		},
		MaxConcurrencyCap: cfg.Crawler.MaxConcurrencyCap,
		ListLimit:         cfg.Jobs.ListLimit,
	}, logger)
	app.apiServer = api.NewServer(svc, app.ready, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger)

	metrics.Init()
	built = true
	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	limits := ratelimit.Config{
		MaxConcurrent: a.cfg.Limits.MaxConcurrent,
		MaxHourly:     a.cfg.Limits.MaxHourly,
		ActiveTTL:     a.cfg.Limits.ActiveTTL,
		HourlyWindow:  a.cfg.Limits.HourlyWindow,
	}
	ids := uuid.New()
	if a.cfg.Store.Backend == config.BackendMemory {
		a.logger.Warn("using in-memory job store and rate limiter; limits are per process")
		a.jobs = memoryStorage.NewJobStore(ids, a.clock, a.cfg.Jobs.Retention)
		a.limiter = ratelimit.NewMemory(a.clock, limits)
		return nil
	}

	a.redis = goredis.NewClient(&goredis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		// Admission fails closed while Redis is down, so keep starting.
		a.logger.Warn("redis ping failed", zap.String("addr", a.cfg.Redis.Addr), zap.Error(err))
	}
	a.jobs = redisstore.NewJobStore(a.redis, a.cfg.Redis.KeyPrefix, a.cfg.Jobs.Retention, ids, a.clock)
	a.limiter = ratelimit.NewRedis(a.redis, a.cfg.Redis.KeyPrefix, limits)
	a.logger.Info("redis store initialized",
		zap.String("addr", a.cfg.Redis.Addr),
		zap.String("prefix", a.cfg.Redis.KeyPrefix),
	)
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	case config.BackendNone:
		a.logger.Info("document blobs disabled")
		return nil, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Info("no database DSN configured, skipping document table")
		return nil
	}
	docs, err := pgstore.NewDocumentStore(ctx, pgstore.Config{
		DSN:      a.cfg.Database.DSN,
		Table:    a.cfg.Database.Table,
		MaxConns: a.cfg.Database.MaxConns,
		MinConns: a.cfg.Database.MinConns,
	})
	if err != nil {
		return fmt.Errorf("document store init failed: %w", err)
	}
	a.documents = docs
	a.logger.Info("document store initialized", zap.String("table", a.cfg.Database.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, completion events stay in memory")
		return memorypublisher.NewBounded(memoryEvents), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPub = gcppublisher.New(client.Topic(a.cfg.PubSub.TopicName))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPub, nil
}

func (a *App) setupFetchers(ctx context.Context) (crawler.Fetcher, crawler.SitemapSource, error) {
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.Crawler.UserAgent,
		IgnoreRobots: a.cfg.Crawler.IgnoreRobots,
		Timeout:      a.cfg.FetchTimeout(),
	})
	a.logger.Info("using colly probe fetcher", zap.String("user_agent", a.cfg.Crawler.UserAgent))
	if !a.cfg.Headless.Enabled {
		return probe, probe, nil
	}

	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: a.cfg.NavigationTimeout(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.headless = headless
	if err := headless.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("headless browser start failed: %w", err)
	}
	a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	promoting := fetcher.NewPromoting(probe, headless, detector.NewHeuristic(a.cfg.Headless.PromotionThresh), a.logger)
	return promoting, probe, nil
}

// sinkFactory builds the per-tenant storage pipeline held by the sink cache.
func (a *App) sinkFactory(blobs crawler.BlobStore) sink.Factory {
	keys := sha256.New()
	return func(_ context.Context, tenantID string) (crawler.ResultSink, error) {
		var objects *sink.BlobSink
		if blobs != nil {
			objects = sink.NewBlobSink(blobs, keys, a.cfg.Storage.Prefix, a.logger)
		}
		a.logger.Debug("built result sink",
			zap.String("tenant_id", tenantID),
			zap.Bool("blobs", objects != nil),
			zap.Bool("rows", a.documents != nil),
		)
		switch {
		case a.documents != nil:
			return sink.NewDocumentSink(a.documents, keys, a.clock).WithBlobs(objects), nil
		case objects != nil:
			return objects, nil
		default:
			return sink.Discard{}, nil
		}
	}
}

func (a *App) ready(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Start launches the job worker.
func (a *App) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	a.workerCancel = cancel
	a.workerDone = make(chan struct{})
	go func() {
		defer close(a.workerDone)
		a.logger.Info("worker started")
		a.worker.Run(workerCtx)
	}()
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Jobs.DrainTimeout+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close stops taking work, waits up to the drain timeout for running jobs,
// and releases every client.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		if a.workerCancel != nil {
			a.workerCancel()
			<-a.workerDone
		}
		a.queue.Close()
		a.abandonQueued(ctx)

		drainCtx, cancel := context.WithTimeout(ctx, a.cfg.Jobs.DrainTimeout)
		defer cancel()
		if err = a.worker.Wait(drainCtx); err != nil {
			a.logger.Warn("jobs still running at shutdown", zap.Error(err))
		}
		a.closeInfrastructure()
		a.logger.Info("shutdown complete")
	})
	return err
}

// abandonQueued fails jobs that were admitted but never started, so their
// records and concurrency slots do not wait out the store TTLs.
func (a *App) abandonQueued(ctx context.Context) {
	for {
		item, err := a.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		update := crawler.JobUpdate{Status: crawler.JobStatusFailed, Error: "service shutting down"}
		if _, err := a.jobs.Update(ctx, item.JobID, update); err != nil {
			a.logger.Warn("fail queued job", zap.String("job_id", item.JobID), zap.Error(err))
		}
		if err := a.limiter.Release(ctx, item.TenantID, item.JobID); err != nil {
			a.logger.Warn("release queued job", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}
}

func (a *App) closeInfrastructure() {
	if a.sinks != nil {
		a.sinks.Purge()
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPub != nil {
		a.pubsubPub.Stop()
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
	if a.documents != nil {
		a.documents.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}
