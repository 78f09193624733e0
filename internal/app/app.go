// Package app assembles the service from configuration: broker clients,
// pools, controller, pipeline, and the role entry points.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zhoudan/ecomspider/internal/api"
	"github.com/zhoudan/ecomspider/internal/blockdetect"
	"github.com/zhoudan/ecomspider/internal/config"
	"github.com/zhoudan/ecomspider/internal/extract"
	"github.com/zhoudan/ecomspider/internal/fetch/collyfetch"
	"github.com/zhoudan/ecomspider/internal/fetch/headlessfetch"
	"github.com/zhoudan/ecomspider/internal/logging"
	"github.com/zhoudan/ecomspider/internal/metrics"
	"github.com/zhoudan/ecomspider/internal/monitor"
	"github.com/zhoudan/ecomspider/internal/pipeline"
	"github.com/zhoudan/ecomspider/internal/pool"
	"github.com/zhoudan/ecomspider/internal/queue/redisqueue"
	"github.com/zhoudan/ecomspider/internal/sink/csvfile"
	"github.com/zhoudan/ecomspider/internal/sink/jsondoc"
	"github.com/zhoudan/ecomspider/internal/sink/postgres"
	"github.com/zhoudan/ecomspider/internal/spider"
	"github.com/zhoudan/ecomspider/internal/throttle"
	"github.com/zhoudan/ecomspider/internal/worker"
)

// App holds every wired service for one process. Masters and workers build
// the same App and invoke different entry points.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Queue    spider.TaskQueue
	Dedup    spider.DedupSet
	Stats    spider.StatsStore
	Throttle *throttle.Controller
	Detector *blockdetect.Classifier
	Registry *extract.Registry
	Ingestor *pipeline.Ingestor
	Fetcher  spider.Fetcher

	headless *headlessfetch.Fetcher
	pools    map[string]worker.Pools
	rdb      *redis.Client
	pg       *pgxpool.Pool
}

// New wires the full service from configuration.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	queue := redisqueue.New(rdb, cfg.Queue.VisibilityTimeout(), logger)
	dedup := redisqueue.NewDedup(rdb)
	stats := monitor.NewRedisStats(rdb)

	detector := blockdetect.New(
		cfg.Detector.BlockStatuses,
		cfg.Detector.Phrases,
		cfg.Detector.MinBodyBytes,
		cfg.Detector.MaxElapsed(),
	)

	registry := extract.NewRegistry()
	pools := make(map[string]worker.Pools, len(cfg.Sources))
	renderNeeded := false
	timeout := 15 * time.Second
	for source, sc := range cfg.Sources {
		registry.Register(source, extract.NewSite(source, extract.Options{
			MaxPages:    sc.MaxPages,
			MaxComments: sc.MaxComments,
		}))
		pools[source] = buildPools(source, sc, cfg.Pools, logger)
		if sc.RenderJS {
			renderNeeded = true
		}
		if sc.Timeout() > timeout {
			timeout = sc.Timeout()
		}
	}

	fetcher := collyfetch.New(collyfetch.Config{Timeout: timeout})

	var headless *headlessfetch.Fetcher
	if renderNeeded {
		headless, err = headlessfetch.New(headlessfetch.Config{
			MaxParallel:       2,
			NavigationTimeout: timeout + 30*time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
	}

	var (
		sinks    []spider.Sink
		rowStore spider.Sink
		pg       *pgxpool.Pool
	)
	if cfg.Postgres.DSN != "" {
		pg, err = pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := postgres.New(pg, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		rowStore = store
		sinks = append(sinks, store)
	}
	sinks = append(sinks,
		csvfile.New(cfg.Data.Dir, logger),
		jsondoc.New(cfg.Data.Dir, logger),
	)

	ingestor := pipeline.NewIngestor(pipeline.Options{
		BatchSize:     cfg.Pipeline.BatchSize,
		FlushInterval: cfg.Pipeline.FlushInterval(),
	}, sinks, rowStore, dedup, queue, stats, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Queue:    queue,
		Dedup:    dedup,
		Stats:    stats,
		Throttle: throttle.New(cfg.Sources, logger),
		Detector: detector,
		Registry: registry,
		Ingestor: ingestor,
		Fetcher:  fetcher,
		headless: headless,
		pools:    pools,
		rdb:      rdb,
		pg:       pg,
	}, nil
}

// buildPools assembles the per-source rotation pools. Identity and token
// pools mint replacements on exhaustion; the egress roster is fixed.
func buildPools(source string, sc config.SourceConfig, pc config.PoolsConfig, logger *zap.Logger) worker.Pools {
	opts := pool.Options{
		CheckoutCap:  pc.CheckoutCap,
		FailStreak:   pc.FailStreak,
		Cooldown:     pc.Cooldown(),
		HealthFloor:  pc.HealthFloor,
		SuccessGain:  pc.SuccessGain,
		FailureDecay: pc.FailureDecay,
	}

	var egress *pool.Pool[string]
	if len(pc.EgressList) > 0 {
		egress = pool.New[string]("egress-"+source, opts, logger, nil, nil)
		for _, addr := range pc.EgressList {
			egress.Add(addr, addr)
		}
	}

	identities := pool.New[pool.Identity]("identity-"+source, opts, logger, nil,
		func() (string, pool.Identity, time.Duration) {
			return uuid.NewString(), pool.NewIdentity(source, sc.MobileUAOnly), 0
		})
	for i := 0; i < pc.IdentityN; i++ {
		identities.Add(uuid.NewString(), pool.NewIdentity(source, sc.MobileUAOnly))
	}

	tokenTTL := time.Duration(pc.TokenTTLS) * time.Second
	tokens := pool.New[string]("token-"+source, opts, logger, nil,
		func() (string, string, time.Duration) {
			token := pool.NewSessionID()
			return token, token, tokenTTL
		})
	for i := 0; i < pc.TokenN; i++ {
		token := pool.NewSessionID()
		tokens.AddWithTTL(token, token, tokenTTL)
	}

	return worker.Pools{Egress: egress, Identity: identities, Token: tokens}
}

// RunMaster seeds the queue and re-seeds on the configured schedule.
func (a *App) RunMaster(ctx context.Context) error {
	master := worker.NewMaster(a.Queue, a.Config.Sources, a.Config.Master.ReseedCron, a.Logger)
	return master.Run(ctx)
}

// RunWorkers runs n worker loops per source plus one reaper per source and
// the pipeline's flush loop, until ctx is canceled.
func (a *App) RunWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Ingestor.Run(ctx)
	}()

	reapEvery := a.Config.Queue.VisibilityTimeout() / 2
	if reapEvery <= 0 {
		reapEvery = 30 * time.Second
	}

	for source, sc := range a.Config.Sources {
		wg.Add(1)
		go func(source string) {
			defer wg.Done()
			worker.RunReaper(ctx, a.Queue, source, reapEvery, a.Logger)
		}(source)

		deps := worker.Deps{
			Queue:    a.Queue,
			Throttle: a.Throttle,
			Pools:    a.pools[source],
			Detector: a.Detector,
			Fetcher:  a.Fetcher,
			Registry: a.Registry,
			Ingestor: a.Ingestor,
			Stats:    a.Stats,
			Logger:   a.Logger,
		}
		if a.headless != nil {
			deps.Headless = a.headless
		}

		for i := 0; i < n; i++ {
			w := worker.New(source, sc, a.Config.Queue, deps)
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(ctx)
			}()
		}
	}

	wg.Wait()
	return nil
}

// ServeOps runs the ops HTTP server until ctx is canceled.
func (a *App) ServeOps(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           api.NewRouter(a.Stats, a.Logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("ops server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close flushes the pipeline and releases every client connection.
func (a *App) Close(ctx context.Context) error {
	var errs error
	if err := a.Ingestor.Close(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if err := a.rdb.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}
