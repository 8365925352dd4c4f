package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/roastery-cart/internal/cart"
	"github.com/noah-isme/roastery-cart/internal/catalog"
	"github.com/noah-isme/roastery-cart/internal/checkout"
	"github.com/noah-isme/roastery-cart/internal/common"
	"github.com/noah-isme/roastery-cart/internal/config"
	"github.com/noah-isme/roastery-cart/internal/health"
	"github.com/noah-isme/roastery-cart/internal/obs"
	"github.com/noah-isme/roastery-cart/internal/ratelimit"
	"github.com/noah-isme/roastery-cart/internal/security"
	"github.com/noah-isme/roastery-cart/internal/session"
	"github.com/noah-isme/roastery-cart/internal/slot"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	tracingEnabled := cfg.TracingEnabled
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "roastery-cart-api",
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      cfg.TracingExporter,
			SamplingRatio: cfg.TracingSamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = mustInitRedis(ctx, cfg, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool = mustInitDatabase(ctx, cfg, logger)
		defer pool.Close()
	}

	var cartSlot slot.Slot
	switch cfg.CartStoreBackend {
	case config.BackendRedis:
		cartSlot = slot.Redis{Client: redisClient, TTL: cfg.CartTTL}
	case config.BackendPostgres:
		if cfg.MigrateOnStart {
			if err := slot.Migrate(cfg.DatabaseURL); err != nil {
				logger.Fatal().Err(err).Msg("migrate cart slots")
			}
		}
		cartSlot = slot.Postgres{Pool: pool, TTL: cfg.CartTTL}
	default:
		cartSlot = slot.NewMemory()
	}
	logger.Info().Str("backend", cfg.CartStoreBackend).Msg("cart slot ready")

	registry := &cart.Registry{
		Slot:           cartSlot,
		StorageKey:     cfg.CartStorageKey,
		PersistTimeout: cfg.CartPersistTimeout,
		Logger:         logger.With().Str("component", "cart").Logger(),
	}
	go sweepIdle(ctx, registry, cfg, logger)

	validate := common.NewValidator()
	cartHandler := &cart.Handler{
		Registry:  registry,
		Validate:  validate,
		Currency:  cfg.CurrencyCode,
		Heartbeat: cfg.CartSSEHeartbeat,
		Logger:    logger,
	}

	checkoutSvc := &checkout.Service{TaxBps: cfg.PricingTaxRateBPS, Currency: cfg.CurrencyCode}
	if pool != nil {
		breaker := &catalog.Breaker{
			MinRequests:  cfg.CatalogBreakerMinRequests,
			FailureRatio: cfg.CatalogBreakerFailureRatio,
			OpenFor:      cfg.CatalogBreakerOpenFor,
			Target:       "catalog-db",
			Logger:       logger,
		}
		checkoutSvc.Catalog = catalog.Cached{
			Source: catalog.Guarded{Source: catalog.Postgres{Pool: pool}, Breaker: breaker},
			Cache:  catalog.NewCache(redisClient, cfg.CatalogCacheTTL),
			Logger: logger,
		}
	} else {
		logger.Warn().Msg("DATABASE_URL not set; checkout quotes disabled")
	}
	checkoutHandler := &checkout.Handler{
		Svc:      checkoutSvc,
		Carts:    cartHandler,
		Validate: validate,
		Logger:   logger,
	}

	var limiter ratelimit.Allower = ratelimit.NewMemory()
	if redisClient != nil {
		limiter = ratelimit.Sliding{Client: redisClient, Prefix: "cart_ratelimit"}
	}
	rateLimit := ratelimit.Handler{
		Limiter: limiter,
		Config:  ratelimit.Config{Window: cfg.RateLimitWindow, Max: cfg.RateLimitMax},
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}
	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL, Scope: ratelimit.SessionKey}
	sessions := session.Middleware{
		CookieName:   cfg.SessionCookieName,
		CookieDomain: cfg.CookieDomain,
		CookieSecure: cfg.CookieSecure,
		SameSite:     cfg.CookieSameSite,
		MaxAge:       cfg.CartTTL,
	}

	checks := map[string]health.Pinger{"slot": cartSlot}
	if redisClient != nil {
		checks["redis"] = health.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}
	if pool != nil {
		checks["db"] = health.PingFunc(pool.Ping)
	}
	healthHandler := health.Handler{Checks: checks, Timeout: cfg.HealthCheckTimeout}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.MetricsEnabled {
		httpMetrics := obs.NewHTTPMetrics(cfg.MetricsNamespace, obs.ParseBucketsCSV(cfg.MetricsBucketsMS), nil)
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.CookieSecure}.Middleware)
	r.Use(cors.Handler(security.CORSOptions(cfg.CORSAllowedOrigins)))
	r.Use(security.OriginGuard{Allowed: cfg.CORSAllowedOrigins}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1/cart", func(c chi.Router) {
		c.Use(sessions.Handler)
		c.Get("/", cartHandler.Get)
		c.Get("/events", cartHandler.Events)
		c.Group(func(g chi.Router) {
			g.Use(rateLimit.Middleware)
			g.Use(idem.Middleware)
			g.Delete("/", cartHandler.Clear)
			g.Post("/items", cartHandler.AddItem)
			g.Patch("/items/{id}", cartHandler.UpdateItem)
			g.Delete("/items/{id}", cartHandler.RemoveItem)
			g.Post("/checkout", checkoutHandler.Quote)
			g.Post("/checkout/complete", checkoutHandler.Complete)
		})
	})

	var handler http.Handler = r
	if tracingEnabled {
		handler = otelhttp.NewHandler(r, "http.server")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
	}

	health.SetReady(false)
	logger.Info().Msg("server draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
	logger.Info().Msg("server stopped")
}

// sweepIdle evicts idle carts from memory until ctx is done.
func sweepIdle(ctx context.Context, registry *cart.Registry, cfg *config.Config, logger zerolog.Logger) {
	if cfg.CartSweepInterval <= 0 || cfg.CartIdleEvict <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.CartSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Sweep(cfg.CartIdleEvict); n > 0 {
				logger.Debug().Int("evicted", n).Int("active", registry.Len()).Msg("cart_sweep")
			}
		}
	}
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "roastery-cart-api"

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(connectCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}
