package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/keygate/pkg/api"
	"github.com/platinummonkey/keygate/pkg/audit"
	"github.com/platinummonkey/keygate/pkg/auth"
	"github.com/platinummonkey/keygate/pkg/config"
	"github.com/platinummonkey/keygate/pkg/middleware"
	"github.com/platinummonkey/keygate/pkg/observability"
	"github.com/platinummonkey/keygate/pkg/ratelimit"
	"github.com/platinummonkey/keygate/pkg/store/postgres"
	"github.com/platinummonkey/keygate/pkg/usage"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	// Metrics
	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// System of record
	store, err := postgres.New(cfg.Store)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize token store")
	}
	log.Info("Token store initialized")

	// Optional shared rate-limit counters
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = newRedisClient(cfg.Redis)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to redis")
		}
		log.Info("Redis rate-limit backend connected")
	}

	// Rate limiter. The redis counter only advances through its own Allow
	// calls, so it is consulted directly: behind the cache its INCRs would
	// never run and every replica (and every cache eviction) would mint a
	// fresh budget. The cache decorator fronts only the usage-table
	// limiter, whose durable count grows with each recorded request.
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, "keygate:ratelimit")
	} else {
		limiterOpts := []ratelimit.CachedLimiterOption{}
		if metrics != nil {
			limiterOpts = append(limiterOpts, ratelimit.WithCacheHooks(
				metrics.RateLimitCacheHitsTotal.Inc,
				metrics.RateLimitCacheMissesTotal.Inc,
			))
		}
		limiter = ratelimit.NewCachedLimiter(ratelimit.NewStoreLimiter(store), cfg.RateLimit.CacheSize, cfg.RateLimit.CacheTTL, limiterOpts...)
	}

	// Audit pipeline
	dbEmitter, err := audit.NewDBEmitter(store.GetDB())
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize audit sink")
	}
	emitter := audit.NewAsyncEmitter(dbEmitter, logger, cfg.Pipeline.AuditBufferSize)
	if metrics != nil {
		emitter.SetDropHook(metrics.AuditEventsDroppedTotal.Inc)
	}

	// Usage pipeline
	recorder := usage.NewRecorder(store, logger, cfg.Pipeline.UsageBufferSize)
	if metrics != nil {
		recorder.SetDropHook(metrics.UsageRecordsDroppedTotal.Inc)
	}

	// Engine
	managerOpts := []auth.ManagerOption{}
	verifierOpts := []auth.VerifierOption{}
	if metrics != nil {
		managerOpts = append(managerOpts, auth.WithManagerMetrics(metrics))
		verifierOpts = append(verifierOpts, auth.WithVerifierMetrics(metrics))
	}
	manager := auth.NewManager(store, emitter, logger, managerOpts...)
	verifier := auth.NewVerifier(store, limiter, recorder, emitter, logger, verifierOpts...)

	// Management API
	router := mux.NewRouter()
	tokenAPI := api.NewTokenAPI(manager, logger)
	tokenAPI.RegisterRoutes(router)

	// Forward-auth endpoint for fronting proxies (nginx auth_request and
	// the like). Scope is taken from the X-Required-Scope header so one
	// endpoint can guard routes with different requirements.
	authMW := middleware.NewAuthMiddleware(verifier)
	router.Handle("/v1/auth/check", authMW.ForwardAuth()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for k8s probes
	health := observability.NewHealthChecker(store.GetDB(), redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	if metrics != nil {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	// Scheduled maintenance: prune aged usage rows and refresh pool stats
	scheduler := cron.New()
	scheduler.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		cutoff := time.Now().UTC().Add(-cfg.Pipeline.UsageRetention)
		pruned, err := store.PruneUsageBefore(ctx, cutoff)
		if err != nil {
			log.WithError(err).Warn("Usage retention sweep failed")
			return
		}
		if pruned > 0 {
			log.WithField("rows", pruned).Info("Pruned aged usage records")
		}
	})
	if metrics != nil {
		scheduler.AddFunc("@every 15s", func() {
			metrics.CollectDBStats(store.GetDB())
		})
	}
	scheduler.Start()

	go func() {
		log.WithField("addr", healthServer.Addr).Info("Starting health server")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Health server failed")
		}
	}()

	go func() {
		log.WithField("addr", server.Addr).Info("Starting keygate server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		scheduler.Stop()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		// Drain the async pipelines before closing their store
		recorder.Close()
		return emitter.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		if redisClient != nil {
			redisClient.Close()
		}
		return store.Close()
	})

	if err := shutdown.WaitForShutdown(); err != nil {
		log.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
}

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB >= 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return client, nil
}
