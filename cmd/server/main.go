package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pairlink/session-server/internal/backend"
	"github.com/pairlink/session-server/internal/config"
	"github.com/pairlink/session-server/internal/database"
	"github.com/pairlink/session-server/internal/handler"
	"github.com/pairlink/session-server/internal/jobs"
	"github.com/pairlink/session-server/internal/metrics"
	"github.com/pairlink/session-server/internal/middleware"
	"github.com/pairlink/session-server/internal/redis"
	"github.com/pairlink/session-server/internal/service"
	"github.com/pairlink/session-server/internal/sse"
	"github.com/pairlink/session-server/internal/store"
	"github.com/pairlink/session-server/internal/token"
	"github.com/pairlink/session-server/internal/util"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := util.CheckEntropy(); err != nil {
		log.Fatal().Err(err).Msg("secure random source unavailable")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := cfg.IsProduction()
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	checks := make(map[string]handler.PingFunc)

	var db *database.DB
	if cfg.StoreBackend == config.StorePostgres {
		db, err = database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare database schema")
		}
		cancel()
		checks["database"] = db.Ping
		log.Info().Msg("database connected")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
		log.Info().Msg("redis connected")
	}

	st, err := openStore(cfg, db, redisClient)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open session store")
	}
	defer st.Close()
	log.Info().Str("backend", cfg.StoreBackend).Int("capacity", cfg.StoreCapacity).Msg("session store ready")

	codec, err := token.NewCodec(cfg.SessionSecret, token.WithMaxAge(cfg.TokenMaxAge()))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise token codec")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var adapter backend.Adapter = backend.NewUnavailable()
	if cfg.BridgeURL != "" {
		var rdb *goredis.Client
		if redisClient != nil {
			rdb = redisClient.Client
		}
		bridge := backend.NewBridgeAdapter(backend.BridgeConfig{
			BaseURL: cfg.BridgeURL,
			Token:   cfg.BridgeToken,
		}, rdb)
		if err := bridge.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to subscribe to bridge events")
		}
		defer bridge.Stop()
		adapter = bridge
		log.Info().Str("url", cfg.BridgeURL).Msg("pairing bridge configured")
	} else {
		log.Warn().Msg("BRIDGE_URL not set: pairing code and QR requests will fail")
	}

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	m := metrics.New()

	sessionService := service.NewSessionService(st, adapter, codec, broker, m, service.Config{
		SessionTTL: cfg.SessionTTL(),
		PairingTTL: cfg.PairingTTL(),
	})
	go sessionService.Run(ctx)

	var limiter middleware.Limiter = middleware.NewRateLimiter()
	if redisClient != nil {
		limiter = middleware.NewRedisRateLimiter(redisClient.Client)
	}
	createLimit := middleware.NewIPRateLimitMiddleware(limiter, cfg.CreateRateLimitPerMin, "create")
	pairingLimit := middleware.NewIPRateLimitMiddleware(limiter, cfg.CreateRateLimitPerMin, "pairing")
	codeAttempts := middleware.NewCodeAttemptLimiter(cfg.CodeAttemptsPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(config.MaxRequestBodyBytes)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	eventsHandler := handler.NewEventsHandler(broker, sessionService)
	sessionHandler := handler.NewSessionHandler(sessionService)
	pairingHandler := handler.NewPairingHandler(sessionService)
	tokenHandler := handler.NewTokenHandler(sessionService)
	systemHandler := handler.NewSystemHandler(sessionService, checks)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(m))
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", systemHandler.Health)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/api", func(r chi.Router) {
		// Event streams are long-lived and must not inherit the request timeout.
		r.Get("/sessions/{id}/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Mount("/sessions", sessionHandler.Routes(createLimit.Handler))
			r.Mount("/pairing", pairingHandler.Routes(pairingLimit.Handler, codeAttempts.Handler))
			r.Mount("/tokens", tokenHandler.Routes())
			r.Get("/stats", systemHandler.Stats)
		})
	})

	cleanupJob := jobs.NewCleanupJob(sessionService, cfg.SweepInterval())
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func openStore(cfg *config.Config, db *database.DB, redisClient *redis.Client) (store.Store, error) {
	opts := []store.Option{store.WithCapacity(cfg.StoreCapacity)}

	switch cfg.StoreBackend {
	case config.StoreFile:
		return store.NewFileStore(cfg.SessionsDir, opts...)
	case config.StorePostgres:
		return store.NewPostgresStore(db, opts...), nil
	case config.StoreRedis:
		return store.NewRedisStore(redisClient.Client, opts...), nil
	default:
		return store.NewMemoryStore(opts...), nil
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
