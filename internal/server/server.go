// Package server builds the listener's dependency graph and runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-listener/internal/api"
	"github.com/JakeFAU/indieweb-listener/internal/clock/system"
	"github.com/JakeFAU/indieweb-listener/internal/config"
	"github.com/JakeFAU/indieweb-listener/internal/dispatcher"
	"github.com/JakeFAU/indieweb-listener/internal/events"
	collyfetcher "github.com/JakeFAU/indieweb-listener/internal/fetcher/colly"
	"github.com/JakeFAU/indieweb-listener/internal/hash/sha256"
	"github.com/JakeFAU/indieweb-listener/internal/id/uuid"
	"github.com/JakeFAU/indieweb-listener/internal/linkback"
	"github.com/JakeFAU/indieweb-listener/internal/logging"
	"github.com/JakeFAU/indieweb-listener/internal/mention"
	"github.com/JakeFAU/indieweb-listener/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/indieweb-listener/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/indieweb-listener/internal/queue/memory"
	recordstorage "github.com/JakeFAU/indieweb-listener/internal/storage"
	gcsstorage "github.com/JakeFAU/indieweb-listener/internal/storage/gcs"
	localstorage "github.com/JakeFAU/indieweb-listener/internal/storage/local"
	memorystorage "github.com/JakeFAU/indieweb-listener/internal/storage/memory"
	pgstore "github.com/JakeFAU/indieweb-listener/internal/storage/postgres"
	redismirror "github.com/JakeFAU/indieweb-listener/internal/storage/redis"
	"github.com/JakeFAU/indieweb-listener/internal/vouch"
	"github.com/JakeFAU/indieweb-listener/internal/webmention"
	"github.com/JakeFAU/indieweb-listener/internal/worker"
)

const (
	// A claim issues several outbound requests (target HEAD, source GET,
	// vouch probes, source re-fetch), so it gets a multiple of the fetch timeout.
	claimBudgetFactor = 5
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Event handler names accepted in events.handlers.
const (
	handlerLog    = "log"
	handlerPubSub = "pubsub"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	recorder     *mention.Recorder
	dispatch     *dispatcher.Dispatcher
	queue        *queuememory.Queue
	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
	storage      *storage.Client
	redisClient  *goredis.Client
	mentionStore *pgstore.MentionStore
	audit        *mention.AuditLog
}

// Build creates the application's dependencies. Callers own the returned
// App and must Close it.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.File)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("site", cfg.Site.BaseURL),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("async", cfg.Webmention.Async),
	)
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	mirrors, err := a.setupMirrors(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	registry := events.NewRegistry(a.logger.Named("events"))
	if err := events.Build(registry, a.cfg.Events.Handlers, a.handlerFactory(publisher)); err != nil {
		return fmt.Errorf("events init failed: %w", err)
	}

	fetcher := a.setupFetcher()
	snippets, err := mention.NewFileSnippets(a.cfg.Site.ContentPath, a.cfg.Site.BaseURL)
	if err != nil {
		return fmt.Errorf("snippet writer init failed: %w", err)
	}
	deps := mention.Deps{
		Fetcher:  fetcher,
		Verifier: linkback.New(fetcher, a.logger.Named("linkback")),
		Vouch: vouch.NewValidator(
			vouch.NewAllowList(a.cfg.Vouch.AllowListPath),
			fetcher,
			vouch.WithNegativeCache(a.cfg.Vouch.NegativeCacheTTL),
			vouch.WithLogger(a.logger.Named("vouch")),
		),
		Records:  recordstorage.NewRecordStore(blobStore, a.cfg.Storage.Prefix),
		Snippets: snippets,
		Mirrors:  mirrors,
		Events:   registry,
		Hasher:   sha256.New(),
		Clock:    system.New(),
	}
	if a.cfg.Audit.Path != "" {
		a.audit = mention.NewFileAuditLog(a.cfg.Audit.Path)
		deps.Audit = a.audit
	} else {
		a.logger.Warn("audit.path is empty, claims will not be audited")
	}
	a.recorder, err = mention.New(mention.Config{
		SiteBaseURL:    a.cfg.Site.BaseURL,
		RequireVouch:   a.cfg.Webmention.RequireVouch,
		VouchedDefault: a.cfg.Webmention.VouchedDefault,
	}, deps, a.logger.Named("recorder"))
	if err != nil {
		return fmt.Errorf("recorder init failed: %w", err)
	}
	a.logger.Info("recorder initialized",
		zap.Bool("require_vouch", a.cfg.Webmention.RequireVouch),
		zap.String("content_path", a.cfg.Site.ContentPath),
		zap.Int("mirrors", len(mirrors)),
		zap.Strings("event_handlers", registry.Names(events.ClassWebmention)),
	)

	jobStore := memorystorage.NewJobStore()
	var enqueuer api.Enqueuer
	if a.cfg.Webmention.Async {
		a.setupDispatcher(jobStore)
		enqueuer = a.dispatch
	}

	var mentions *api.MentionHandler
	if a.redisClient != nil {
		mentions = api.NewMentionHandler(
			redismirror.New(a.redisClient, a.cfg.Redis.KeyPrefix),
			a.logger.Named("mentions"),
		)
	}
	a.apiServer = api.NewServer(
		a.recorder,
		jobStore,
		enqueuer,
		uuid.New(),
		system.New(),
		mentions,
		api.Config{
			Async:          a.cfg.Webmention.Async,
			RequestTimeout: a.ClaimTimeout(),
		},
		a.logger.Named("api"),
	)
	if a.redisClient != nil {
		client := a.redisClient
		a.apiServer.AddReadinessCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	return nil
}

// ClaimTimeout bounds the processing of a single claim.
func (a *App) ClaimTimeout() time.Duration {
	return claimBudgetFactor * a.cfg.RequestTimeout()
}

// Handler exposes the HTTP routes, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Verify runs one claim through the recorder without the HTTP layer.
func (a *App) Verify(ctx context.Context, claim webmention.Claim) (webmention.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, a.ClaimTimeout())
	defer cancel()
	outcome, err := a.recorder.Submit(ctx, claim)
	if err != nil {
		return webmention.Outcome{}, fmt.Errorf("verify claim: %w", err)
	}
	return outcome, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.dispatch != nil {
		go func() {
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Webmention.Workers))
			a.dispatch.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close()
}

// Close releases queues, clients and files held by the App.
func (a *App) Close() error {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
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
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.mentionStore != nil {
		a.mentionStore.Close()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("audit log close failed", zap.Error(err))
		}
	}
}

func (a *App) setupStorage(ctx context.Context) (webmention.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupMirrors(ctx context.Context) ([]webmention.Mirror, error) {
	var mirrors []webmention.Mirror
	if a.cfg.Redis.Enabled {
		client, err := redismirror.NewClient(ctx, redismirror.Config{
			Address:   a.cfg.Redis.Address,
			Password:  a.cfg.Redis.Password,
			DB:        a.cfg.Redis.DB,
			KeyPrefix: a.cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("redis mirror init failed: %w", err)
		}
		a.redisClient = client
		mirrors = append(mirrors, redismirror.New(client, a.cfg.Redis.KeyPrefix))
		a.logger.Info("redis mirror enabled", zap.String("address", a.cfg.Redis.Address))
	}
	if a.cfg.Database.DSN == "" {
		a.logger.Debug("no database DSN configured, postgres mirror disabled")
		return mirrors, nil
	}
	store, err := pgstore.NewMentionStore(ctx, pgstore.MentionStoreConfig{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.Table,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres mirror init failed: %w", err)
	}
	a.mentionStore = store
	a.logger.Info("postgres mirror enabled", zap.String("table", a.cfg.Database.Table))
	return append(mirrors, store), nil
}

// setupPublisher returns nil when Pub/Sub is not configured.
func (a *App) setupPublisher(ctx context.Context) (events.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, publisher disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubTopic = client.Topic(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubTopic), nil
}

func (a *App) handlerFactory(publisher events.Publisher) events.Factory {
	return func(name string) (events.Handler, error) {
		switch name {
		case handlerLog:
			return events.LogHandler(a.logger.Named("events")), nil
		case handlerPubSub:
			if publisher == nil {
				return nil, errors.New("requires pubsub.project_id and pubsub.topic_name")
			}
			return events.PublishHandler(publisher, a.cfg.PubSub.TopicName), nil
		default:
			return nil, fmt.Errorf("unknown handler")
		}
	}
}

func (a *App) setupFetcher() *collyfetcher.Fetcher {
	var limiter collyfetcher.Limiter
	if a.cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
			DefaultBurst: a.cfg.RateLimit.DefaultBurst,
		})
		a.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
		)
	}
	if a.cfg.HTTP.InsecureTLS {
		a.logger.Warn("TLS certificate verification disabled for outbound requests")
	}
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.HTTP.UserAgent,
		Timeout:      a.cfg.RequestTimeout(),
		InsecureTLS:  a.cfg.HTTP.InsecureTLS,
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
	}, limiter, a.logger.Named("fetcher"))
}

func (a *App) setupDispatcher(jobStore webmention.JobStore) {
	a.queue = queuememory.NewQueue(a.cfg.Webmention.QueueDepth)
	workerCfg := worker.Config{ClaimTimeout: a.ClaimTimeout()}
	workers := make([]*worker.Worker, 0, a.cfg.Webmention.Workers)
	for i := 0; i < a.cfg.Webmention.Workers; i++ {
		workers = append(workers, worker.New(
			i,
			a.queue,
			jobStore,
			a.recorder,
			workerCfg,
			a.logger.Named("worker"),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers)
	a.logger.Info("async processing enabled",
		zap.Int("workers", a.cfg.Webmention.Workers),
		zap.Int("queue_depth", a.cfg.Webmention.QueueDepth),
		zap.Duration("claim_timeout", workerCfg.ClaimTimeout),
	)
}
