package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/neuroclinic/clinic/internal/config"
	"github.com/neuroclinic/clinic/internal/domain/doctor"
	"github.com/neuroclinic/clinic/internal/domain/episode"
	"github.com/neuroclinic/clinic/internal/platform/auth"
	"github.com/neuroclinic/clinic/internal/platform/blobstore"
	"github.com/neuroclinic/clinic/internal/platform/db"
	"github.com/neuroclinic/clinic/internal/platform/events"
	"github.com/neuroclinic/clinic/internal/platform/middleware"
)

const (
	version        = "0.1.0"
	jsonBodyLimit  = 1 << 20
	requestTimeout = 60 * time.Second
)

func blobOptions(cfg *config.Config) blobstore.Options {
	return blobstore.Options{
		Backend: cfg.BlobBackend,
		Dir:     cfg.UploadDir,
		MaxSize: cfg.MaxUploadBytes,
		S3: blobstore.S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Prefix:          "reports/",
		},
	}
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		return middleware.DefaultRateLimitConfig()
	}
	return rl
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signalContext()
	defer stop()
	ctx = logger.WithContext(ctx)

	// Database
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Report storage
	blobs, err := blobstore.Open(ctx, blobOptions(cfg))
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.BlobBackend).Msg("failed to open blob store")
	}
	logger.Info().Str("backend", cfg.BlobBackend).Msg("blob store ready")

	// Token revocation: shared through Redis when configured, per process otherwise.
	var revocations auth.RevocationStore
	if cfg.RedisURL != "" {
		rdb, err := auth.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		revocations = auth.NewRedisRevocationStore(rdb)
		logger.Info().Msg("token revocation backed by redis")
	} else {
		mem := auth.NewMemoryRevocationStore(time.Minute)
		defer mem.Close()
		revocations = mem
	}

	// Services
	txm := db.NewTxManager(pool)
	outbox := events.NewOutbox(pool)
	tokens := auth.NewTokenIssuer(cfg.SigningKey(), cfg.JWTIssuer, cfg.TokenTTL)

	doctorSvc := doctor.NewService(doctor.NewDoctorRepoPG(pool), auth.NewPasswordHasher(auth.DefaultHashParams()))
	episodeSvc := episode.NewService(episode.NewEpisodeRepoPG(pool), episode.NewStatsRepoPG(pool), txm, blobs, outbox)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID},
	}))
	e.Use(middleware.BodyLimit(jsonBodyLimit, cfg.MaxUploadBytes))
	e.Use(middleware.RequestTimeout(requestTimeout))
	e.Use(auth.JWTMiddleware(auth.JWTConfig{
		Issuer:      cfg.JWTIssuer,
		SigningKey:  cfg.SigningKey(),
		Revocations: revocations,
		Accounts:    doctorSvc,
		Skipper:     auth.AuthSkipper,
	}))

	e.GET("/health", db.HealthHandler(pool, version))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))

	doctor.NewHandler(doctorSvc, tokens, revocations).RegisterRoutes(apiV1)
	episode.NewHandler(episodeSvc).RegisterRoutes(apiV1)

	// In-process outbox relay
	if cfg.EventsEnabled() {
		pub, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create kafka publisher")
		}
		defer pub.Close()
		relay := events.NewRelay(outbox, pub, events.DefaultRelayConfig(), logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("outbox relay stopped")
			}
		}()
		logger.Info().Str("topic", pub.Topic()).Msg("outbox relay started")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
