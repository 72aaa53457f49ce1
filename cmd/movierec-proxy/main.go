package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/throttled/throttled/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/movierec-proxy/internal/auth"
	"github.com/Sternrassler/movierec-proxy/internal/config"
	"github.com/Sternrassler/movierec-proxy/internal/server"
	"github.com/Sternrassler/movierec-proxy/internal/telemetry"
	"github.com/Sternrassler/movierec-proxy/pkg/cache"
	"github.com/Sternrassler/movierec-proxy/pkg/client"
	"github.com/Sternrassler/movierec-proxy/pkg/favorites"
	"github.com/Sternrassler/movierec-proxy/pkg/logging"
	"github.com/Sternrassler/movierec-proxy/pkg/pagination"
	"github.com/Sternrassler/movierec-proxy/pkg/policy"
	"github.com/Sternrassler/movierec-proxy/pkg/ratelimit"
)

const startupTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger := logging.NewLogger("main")
		logger.Fatal().Err(err).Msg("movierec-proxy exited with error")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Init()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(cfg.LoggingConfig())
	logger.Info().
		Str("version", config.ServiceVersion).
		Str("commit_sha", config.CommitSHA).
		Str("environment", cfg.App.Environment).
		Str("cache_backend", cfg.Cache.Backend).
		Msg("Starting movierec-proxy")

	_, shutdownTracing, err := telemetry.NewTracerProvider(cfg.App, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.HTTP.Host, strconv.FormatUint(uint64(cfg.HTTP.Port), 10)),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down HTTP server")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info().Msg("Server stopped")
	return nil
}

// app holds the wired proxy and the resources to release on exit.
type app struct {
	handler http.Handler
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.ServiceConfig, logger zerolog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	policies, err := cfg.PolicyTable()
	if err != nil {
		return nil, fmt.Errorf("build policy table: %w", err)
	}

	var (
		store        cache.Store
		limiterStore throttled.GCRAStoreCtx
	)
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(cfg.RedisOptions())
		a.closers = append(a.closers, func() { _ = rdb.Close() })

		if err := rdb.Ping(startCtx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Cache.Address, err)
		}
		logger.Info().Str("addr", cfg.Cache.Address).Msg("Connected to Redis")

		store = cache.NewRedisStore(rdb, cfg.Cache.Namespace)
		limiterStore = ratelimit.NewRedisStore(rdb, ratelimit.DefaultKeyPrefix)
	default:
		mem := cache.NewMemoryStore(cfg.Cache.SweepInterval)
		a.closers = append(a.closers, mem.Close)
		store = mem

		if limiterStore, err = ratelimit.NewMemoryStore(cfg.RateLimit.MaxKeys); err != nil {
			return nil, fmt.Errorf("create rate limit store: %w", err)
		}
	}

	upstream, err := client.New(cfg.ClientConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("create upstream client: %w", err)
	}
	a.closers = append(a.closers, func() { _ = upstream.Close() })

	sources := map[string]pagination.PageSource{
		policy.Trending:        upstream,
		policy.Recommendations: upstream,
		policy.Search:          upstream,
		policy.Popular:         upstream,
	}

	var repo *favorites.Repository
	if cfg.Database.DSN != "" {
		if repo, err = connectFavorites(startCtx, cfg.Database, logger, a); err != nil {
			return nil, err
		}
	}

	// The personalized feed reads recommendations through the service so it
	// shares the global recommendation entries.
	var svc *cache.Service
	if repo != nil {
		recs := pagination.PageSourceFunc(func(ctx context.Context, endpoint string, params map[string]string, page int) (*pagination.Page, error) {
			return svc.FetchPage(ctx, endpoint, params, page)
		})
		sources[policy.UserProfile] = favorites.NewProfileSource(repo)
		sources[policy.Personalized] = favorites.NewPersonalizedSource(repo, recs, cfg.PersonalizedConfig(), logger)
	}

	svc, err = cache.NewService(policies, store, sources, cache.ServiceConfig{
		FetchTimeout:   cfg.Cache.FetchTimeout,
		CoalesceMisses: cfg.Cache.CoalesceMisses,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create cache service: %w", err)
	}

	var verifier *auth.Verifier
	if cfg.Auth.SecretKey != "" {
		verifier, err = auth.NewVerifier(auth.Config{
			SecretKey: cfg.Auth.SecretKey,
			Issuer:    cfg.Auth.Issuer,
			Leeway:    cfg.Auth.Leeway,
		})
		if err != nil {
			return nil, fmt.Errorf("create token verifier: %w", err)
		}
	} else {
		logger.Warn().Msg("AUTH_SECRET_KEY not set, bearer tokens are rejected")
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		if limiter, err = ratelimit.NewLimiter(limiterStore, cfg.LimiterConfig(), logger); err != nil {
			return nil, fmt.Errorf("create rate limiter: %w", err)
		}
	}

	checks := map[string]server.Check{"cache": svc.Ping}
	if repo != nil {
		checks["database"] = repo.Ping
	}

	a.handler = server.NewRouter(server.RouterConfig{
		Pages:              svc,
		Details:            upstream,
		Verifier:           verifier,
		Limiter:            limiter,
		RateLimitSkipPaths: cfg.RateLimit.SkipPaths,
		ConditionalGET:     cfg.HTTP.ConditionalGET,
		TrustProxyHeaders:  cfg.HTTP.TrustProxyHeaders,
		UserRoutes:         repo != nil,
		ReadinessChecks:    checks,
		Logger:             logger,
	})

	return a, nil
}

func connectFavorites(ctx context.Context, dbCfg config.Database, logger zerolog.Logger, a *app) (*favorites.Repository, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = dbCfg.MaxConns
	poolCfg.MinConns = dbCfg.MinConns
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	repo := favorites.NewRepository(pool, logger)
	if err := repo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if dbCfg.Migrate {
		if err := repo.Migrate(ctx); err != nil {
			return nil, err
		}
		logger.Info().Msg("Favorites schema applied")
	}

	logger.Info().
		Str("host", poolCfg.ConnConfig.Host).
		Str("database", poolCfg.ConnConfig.Database).
		Msg("Connected to database")

	return repo, nil
}
