package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"authserver/internal/auth"
	"authserver/internal/cache"
	"authserver/internal/ciba"
	"authserver/internal/clients"
	"authserver/internal/config"
	"authserver/internal/db"
	"authserver/internal/device"
	"authserver/internal/events"
	"authserver/internal/handlers"
	"authserver/internal/logging"
	"authserver/internal/middleware"
	"authserver/internal/monitoring"
	"authserver/internal/notify"
	"authserver/internal/ratelimit"
	"authserver/internal/scopes"
	"authserver/pkg/jwt"
)

func main() {
	cfg := config.Load()

	logger := logging.New(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Configuration validation failed: %v", err)
	}

	database, err := db.NewDatabase(&cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()

	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		scheme := "http"
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			scheme = "https"
		}
		baseURL = scheme + "://" + cfg.Server.Host + ":" + cfg.Server.Port
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			cancel()
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		cancel()
		logger.InfoEvent().
			Str("host", cfg.Redis.Host).
			Str("port", cfg.Redis.Port).
			Msg("Connected to Redis")
	}

	// With Redis available, client reads and blacklist checks go through
	// the cache decorator; without it the engines hit Postgres directly.
	var store db.Store = database
	var redisCache *cache.RedisCache
	if redisClient != nil {
		redisCache = cache.NewRedisCache(redisClient)
		store = cache.NewCachedStore(database, redisCache, 5*time.Minute, logger)
		logger.Info("Client cache enabled with Redis backend")
	}

	registry := scopes.NewRegistry(store)
	seedCtx, seedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := registry.SeedDefaultScopes(seedCtx); err != nil {
		seedCancel()
		logger.WithError(err).Fatal("Failed to seed scope catalog")
	}
	seedCancel()

	metrics := monitoring.NewService()
	sink := events.Multi{events.NewLogSink(logger), metrics}

	tokenEndpoint := baseURL + "/oauth/token"
	jwtManager := jwt.NewManager(cfg.Auth.JWTSecret, baseURL)
	directory := clients.NewDirectory(store, logger)
	authenticator := clients.NewAuthenticator(store, logger, sink, tokenEndpoint)
	tokens := auth.NewService(store, jwtManager, registry, sink, logger, auth.Config{
		AccessTokenTTL:       cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL:      cfg.Auth.RefreshTokenTTL,
		AuthorizationCodeTTL: cfg.Auth.AuthorizationCodeTTL,
		ClientCredentialsTTL: cfg.Auth.ClientCredentialsTTL,
		IDTokenTTL:           cfg.Auth.IDTokenTTL,
	})
	deviceService := device.NewService(store, tokens, registry, sink, logger, device.Config{
		CodeTTL:         cfg.Device.CodeTTL,
		PollInterval:    cfg.Device.PollInterval,
		VerificationURI: baseURL + "/device",
	})
	notifier := notify.NewHTTPNotifier(logger, 10*time.Second)
	cibaService := ciba.NewService(store, tokens, registry, notifier, sink, logger, ciba.Config{
		DefaultExpiry: cfg.CIBA.DefaultExpiry,
		MinExpiry:     cfg.CIBA.MinExpiry,
		MaxExpiry:     cfg.CIBA.MaxExpiry,
		PollInterval:  cfg.CIBA.PollInterval,
	})

	var limiter ratelimit.Limiter
	switch cfg.Security.RateLimitBackend {
	case "redis":
		if redisClient == nil {
			logger.Fatal("Rate limit backend set to 'redis' but Redis is not enabled")
		}
		limiter = ratelimit.NewRedisLimiter(redisClient, ratelimit.Config{
			MaxRequests: cfg.Security.RateLimitRequests,
			Window:      cfg.Security.RateLimitWindow,
		})
	default:
		limiter = ratelimit.NewMemoryLimiter(ratelimit.Config{
			MaxRequests: cfg.Security.RateLimitRequests,
			Window:      cfg.Security.RateLimitWindow,
		})
		logger.Warn("Using in-memory rate limiter (not suitable for distributed deployments)")
	}
	defer limiter.Close()

	handler := handlers.NewHandler(store, directory, authenticator, tokens, deviceService, cibaService, registry, logger, baseURL)
	mw := middleware.New(tokens, metrics, limiter, logger)

	router := mux.NewRouter()
	router.Use(mw.Logger)
	router.Use(mw.PanicRecovery)
	router.Use(mw.CORS(cfg.Security.AllowedOrigins))
	router.Use(mw.SecurityHeaders)
	router.Use(mw.RateLimit)
	router.Use(mw.RequestSizeLimit(cfg.Security.MaxRequestSize))

	handler.RegisterRoutes(router, mw.RequireAuth, mw.RequireScope("admin"))

	healthDeps := map[string]monitoring.Pinger{"database": database}
	if redisCache != nil {
		healthDeps["redis"] = redisCache
	}
	router.HandleFunc("/health", metrics.HealthHandler(healthDeps)).Methods("GET")
	router.HandleFunc("/metrics", metrics.ServeMetrics).Methods("GET")

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go deviceService.RunSweeper(sweepCtx, cfg.Device.SweepEvery)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.InfoEvent().
			Str("host", cfg.Server.Host).
			Str("port", cfg.Server.Port).
			Str("issuer", baseURL).
			Msg("Authorization server starting")
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			if err := srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Fatal("Failed to start HTTPS server")
			}
		} else {
			logger.Warn("Serving HTTP without TLS")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Fatal("Failed to start server")
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	logger.Info("Shutting down server...")
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}
	logger.Info("Server exited")
}
