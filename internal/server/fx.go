// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/bgm-collector/internal/api"
	"github.com/JakeFAU/bgm-collector/internal/clock/system"
	"github.com/JakeFAU/bgm-collector/internal/collector"
	"github.com/JakeFAU/bgm-collector/internal/config"
	"github.com/JakeFAU/bgm-collector/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/bgm-collector/internal/fetcher/colly"
	"github.com/JakeFAU/bgm-collector/internal/hash/sha256"
	"github.com/JakeFAU/bgm-collector/internal/id/uuid"
	"github.com/JakeFAU/bgm-collector/internal/logging"
	"github.com/JakeFAU/bgm-collector/internal/metrics"
	"github.com/JakeFAU/bgm-collector/internal/onair"
	bangumiparser "github.com/JakeFAU/bgm-collector/internal/parser/bangumi"
	"github.com/JakeFAU/bgm-collector/internal/parser/bangumidata"
	"github.com/JakeFAU/bgm-collector/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/bgm-collector/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/bgm-collector/internal/publisher/pubsub"
	"github.com/JakeFAU/bgm-collector/internal/scheduler"
	"github.com/JakeFAU/bgm-collector/internal/storage/cached"
	gcsstorage "github.com/JakeFAU/bgm-collector/internal/storage/gcs"
	localstorage "github.com/JakeFAU/bgm-collector/internal/storage/local"
	memoryStorage "github.com/JakeFAU/bgm-collector/internal/storage/memory"
	pgstore "github.com/JakeFAU/bgm-collector/internal/storage/postgres"
	"github.com/JakeFAU/bgm-collector/internal/telemetry"
	"github.com/JakeFAU/bgm-collector/internal/user"
)

// Client names under fetcher.clients.
const (
	ClientBangumi = "bangumi"
	ClientOnAir   = "onair"
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	onairJob  *onair.RefreshJob
	users     *user.Service
	catalog   *onair.Service

	pgStore         *pgstore.Store
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	tracerProvider  *sdktrace.TracerProvider

	listen func(network, addr string) (net.Listener, error)
}

// stores bundles the persistence ports the services depend on.
type stores struct {
	users   collector.UserStore
	catalog collector.CatalogStore
	kv      collector.KVStore
}

// Build creates the application's dependencies without starting anything.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	var tp *sdktrace.TracerProvider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.InitTracerProvider(ctx, telemetry.Options{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     cfg.Telemetry.Version,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}

	app, err := build(ctx, cfg, logger)
	if err != nil {
		if tp != nil {
			_ = tp.Shutdown(ctx)
		}
		return nil, err
	}
	app.tracerProvider = tp
	return app, nil
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger, listen: net.Listen}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("database", cfg.Database.DSN != ""),
		zap.String("archive", cfg.Archive.Backend),
	)

	clock := system.New()
	ids := uuid.New()

	st, err := setupStores(ctx, app, ids, clock)
	if err != nil {
		return nil, err
	}
	archive, err := setupArchive(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	bangumiFetcher, err := newFetcher(cfg, ClientBangumi)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	onairFetcher, err := newFetcher(cfg, ClientOnAir)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.dispatch = dispatcher.New(cfg.RefreshTimeout(), logger.Named("dispatcher"))

	app.users, err = setupUsers(app, st, bangumiFetcher, clock)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.catalog = onair.NewService(onair.Deps{
		Fetcher:   onairFetcher,
		Parser:    bangumidata.New(logger.Named("bangumidata")),
		Catalog:   st.catalog,
		KV:        st.kv,
		Hasher:    sha256.New(),
		Clock:     clock,
		Archive:   archive,
		Publisher: publisher,
	}, onair.Config{Mirror: cfg.Collector.OnAir.Mirror}, logger.Named("onair"))

	app.scheduler = scheduler.New(logger.Named("scheduler"), cfg.JobTimeout())
	app.onairJob = onair.NewRefreshJob(app.catalog, onair.JobConfig{
		Cron:   cfg.Scheduler.OnAir.Cron,
		Retry:  cfg.Scheduler.OnAir.Retry,
		RunNow: cfg.Scheduler.OnAir.RunNow,
	})

	var opts []api.Option
	if app.pgStore != nil {
		opts = append(opts, api.WithReadiness(app.pgStore))
	}
	app.apiServer = api.NewServer(app.users, app.catalog, logger.Named("api"), opts...)
	return app, nil
}

func setupStores(ctx context.Context, app *App, ids collector.IDGenerator, clock collector.Clock) (stores, error) {
	var st stores
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping records in memory")
		mem := memoryStorage.NewStore(ids, clock)
		st = stores{users: mem, catalog: mem, kv: mem}
	} else {
		pg, err := pgstore.New(ctx, pgstore.Config{
			DSN:             app.cfg.Database.DSN,
			MaxConns:        app.cfg.Database.MaxConns,
			MinConns:        app.cfg.Database.MinConns,
			MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
		}, ids, clock)
		if err != nil {
			return stores{}, fmt.Errorf("postgres store init failed: %w", err)
		}
		if app.cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return stores{}, fmt.Errorf("postgres migrate failed: %w", err)
			}
			app.logger.Info("database migrations applied")
		}
		app.pgStore = pg
		st = stores{users: pg, catalog: pg, kv: pg}
	}

	if app.cfg.Cache.Enabled {
		st.catalog = cached.NewCatalogStore(st.catalog, cached.Config{
			SizeMB: app.cfg.Cache.SizeMB,
			TTL:    app.cfg.Cache.TTL(),
		}, app.logger.Named("catalog_cache"))
		app.logger.Info("catalog cache enabled",
			zap.Int("size_mb", app.cfg.Cache.SizeMB),
			zap.Duration("ttl", app.cfg.Cache.TTL()),
		)
	}
	return st, nil
}

func setupArchive(ctx context.Context, app *App) (collector.BlobStore, error) {
	switch app.cfg.Archive.Backend {
	case "gcs":
		app.logger.Info("using GCS archive backend", zap.String("bucket", app.cfg.Archive.Bucket))
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Archive.Bucket,
			Prefix: app.cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		app.logger.Info("using local archive backend", zap.String("path", app.cfg.Archive.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	case "memory":
		app.logger.Info("using in-memory archive backend")
		return memoryStorage.NewBlobStore(), nil
	default:
		app.logger.Info("catalog archive disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (collector.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient, gcppublisher.Config{
		DefaultTopic: app.cfg.PubSub.TopicName,
	})
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}

func setupUsers(
	app *App,
	st stores,
	fetcher collector.Fetcher,
	clock collector.Clock,
) (*user.Service, error) {
	uc := app.cfg.Collector.User
	compass, err := user.NewCompass(uc.Origins)
	if err != nil {
		return nil, fmt.Errorf("user origins: %w", err)
	}
	parser := bangumiparser.New(clock, uc.InactiveMonths)
	walker := user.NewWalker(fetcher, parser, compass, clock, user.WalkerConfig{
		MaxPages:     uc.MaxWalkPages,
		MaxRedirects: uc.MaxRedirects,
	}, app.logger.Named("walker"))
	app.logger.Info("user service config",
		zap.Strings("origins", uc.Origins),
		zap.Int("profile_permits", uc.ProfilePermits),
		zap.Int("name_permits", uc.NamePermits),
		zap.Duration("refresh_timeout", app.cfg.RefreshTimeout()),
	)
	return user.NewService(user.Deps{
		Users:   st.users,
		Fetcher: fetcher,
		Parser:  parser,
		Compass: compass,
		Walker:  walker,
		Spawner: app.dispatch,
		Clock:   clock,
	}, user.Config{
		Policy:         app.cfg.FreshnessPolicy(),
		ProfilePermits: uc.ProfilePermits,
		NamePermits:    uc.NamePermits,
		CallTimeout:    app.cfg.RefreshTimeout(),
	}, app.logger.Named("user")), nil
}

// newFetcher builds the named outbound client with its own per-host pacer.
func newFetcher(cfg *config.Config, name string) (*collyfetcher.Fetcher, error) {
	cc := cfg.Client(name)
	fc := collyfetcher.Config{
		UserAgent:    cc.UserAgent,
		Timeout:      cc.Timeout(),
		MaxIdleConns: cc.MaxConns,
		Headers:      cc.HTTPHeaders(),
	}
	if cc.UseProxy {
		fc.ProxyURL = cfg.Fetcher.Proxy.URL()
	}
	pacer := ratelimit.New(ratelimit.Config{RPS: cc.RatePerSecond, Burst: cc.Burst})
	f, err := collyfetcher.New(fc, pacer)
	if err != nil {
		return nil, fmt.Errorf("%s fetcher init failed: %w", name, err)
	}
	return f, nil
}

// Run registers scheduled jobs, serves HTTP, and blocks until ctx is canceled
// or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.scheduler.Register(a.onairJob); err != nil {
		return fmt.Errorf("register %s: %w", a.onairJob.Name(), err)
	}
	a.scheduler.Start()

	ln, err := a.listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return errors.Join(fmt.Errorf("listen: %w", err), a.shutdown())
	}
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()
	return errors.Join(runErr, a.shutdown())
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	return a.Close(ctx)
}

// RefreshOnce runs the on-air refresh job once with its retry budget.
func (a *App) RefreshOnce(ctx context.Context) (scheduler.Status, error) {
	return a.scheduler.RunWithRetry(ctx, a.onairJob)
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Close stops background work and releases clients. Jobs and refreshes in
// flight get until ctx ends to finish.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.dispatch != nil {
		a.dispatch.Close()
		if err := a.dispatch.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain background tasks: %w", err))
		}
	}
	a.closeInfrastructure()
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerProvider = nil
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
}
