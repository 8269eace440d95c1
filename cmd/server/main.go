package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sdko-org/linkproxy/internal/audit"
	"github.com/sdko-org/linkproxy/internal/auth"
	"github.com/sdko-org/linkproxy/internal/cache"
	"github.com/sdko-org/linkproxy/internal/config"
	"github.com/sdko-org/linkproxy/internal/database"
	"github.com/sdko-org/linkproxy/internal/feed"
	"github.com/sdko-org/linkproxy/internal/handlers"
	httpserver "github.com/sdko-org/linkproxy/internal/http"
	"github.com/sdko-org/linkproxy/internal/ratelimit"
	"github.com/sdko-org/linkproxy/internal/storage"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.FeedCookie == "" {
		logger.Warn("ROBLOX_COOKIE is not set, upstream requests will be anonymous")
	}
	if len(cfg.ValidKeys) == 0 {
		logger.Warn("VALID_KEY is not set, no access key will be accepted")
	}
	if !cfg.AdminEnabled() {
		logger.Warn("ADMIN_LOGIN or ADMIN_PASSWORD is not set, admin login is disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loginLimiter := ratelimit.NewSlidingWindow(cfg.LoginMaxAttempts, cfg.LoginWindow)
	authority := auth.NewAuthority(cfg.ValidKeys, cfg.AdminLogin, cfg.AdminPassword, loginLimiter)

	auditLog := audit.NewLog(logger, cfg.AuditCapacity)
	if cfg.ArchiveEnabled() {
		db, err := database.NewPostgresDB(logger, database.PostgresConfig{
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			DBName:   cfg.PostgresDatabase,
			SSLMode:  cfg.PostgresSSLMode,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		auditLog.SetSink(database.NewConnectionArchive(db))
	}

	refresher := cache.NewRefresher(logger, feed.NewClient(logger, cfg), cache.Options{
		TTL:             cfg.CacheTTL,
		MaxPages:        cfg.MaxPages,
		UpstreamTimeout: cfg.UpstreamTimeout,
		RefreshTimeout:  cfg.RefreshTimeout,
	})
	if cfg.PublishEnabled() {
		publisher, err := storage.NewS3Publisher(logger, cfg)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize S3 publisher")
		}
		refresher.SetPublisher(publisher)
	}

	throttle := handlers.NewClientRateLimiter(cfg.RateLimit, cfg.RateLimitWindow, cfg.TrustProxy)
	h := handlers.NewHandler(logger, authority, refresher, auditLog, cfg.TrustProxy)
	router := handlers.NewRouter(logger, h, throttle, cfg.AllowedOrigins)

	go refresher.Start(ctx)
	go loginLimiter.Start(ctx, logger, time.Minute)
	go throttle.Start(ctx, 3*cfg.RateLimitWindow)

	logger.WithFields(logrus.Fields{
		"port":       cfg.Port,
		"tls_port":   cfg.TLSPort,
		"cache_ttl":  cfg.CacheTTL,
		"max_pages":  cfg.MaxPages,
		"valid_keys": authority.ValidKeyCount(),
		"archive":    cfg.ArchiveEnabled(),
		"publish":    cfg.PublishEnabled(),
	}).Info("Starting link proxy")

	runErr := httpserver.Run(ctx, logger, httpserver.Options{Port: cfg.Port, TLSPort: cfg.TLSPort}, router)

	stop()
	refresher.Stop()
	auditLog.Flush()

	if runErr != nil {
		logger.WithError(runErr).Error("Server failed")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
