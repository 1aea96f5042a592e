package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/signature-relay/backend/api/handlers"
	"github.com/signature-relay/backend/internal/auth"
	"github.com/signature-relay/backend/internal/config"
	"github.com/signature-relay/backend/internal/db"
	"github.com/signature-relay/backend/internal/events"
	"github.com/signature-relay/backend/internal/repository"
	"github.com/signature-relay/backend/internal/session"
	"github.com/signature-relay/backend/internal/ws"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatal().Err(err).Msg("failed to create database directory")
		}
	}

	database, err := db.InitDB(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.CloseDB()

	deviceRepo := repository.NewDeviceRepository(database)
	signatureRepo := repository.NewSignatureRepository(database)
	auditRepo := repository.NewAuditRepository(database)

	publicKey, err := auth.LoadPublicKey(cfg.JWTPublicKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load JWT public key")
	}
	authenticator := auth.NewAuthenticator(publicKey, cfg.JWTIssuer, deviceRepo)

	registry := ws.NewRegistry(auditRepo, logger)
	wsHandler := ws.NewHandler(registry, authenticator, auditRepo, logger)

	publisher := events.NewPublisher(cfg.EventQueueSize, cfg.EventHistorySize, logger)
	defer publisher.Close()

	sessionManager := session.NewManager(signatureRepo, auditRepo, wsHandler, publisher, session.Config{
		SessionTTL:    cfg.SessionTTLDuration(),
		SweepInterval: cfg.SweepIntervalDuration(),
	}, logger)
	wsHandler.SetSubmissionHandler(sessionManager)

	if err := sessionManager.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start session manager")
	}

	liveness := ws.NewLivenessMonitor(registry, cfg.PingIntervalDuration(), cfg.SweepIntervalDuration(), cfg.StaleAfterDuration(), logger)
	if err := liveness.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start liveness monitor")
	}

	signatureHandler := handlers.NewSignatureHandler(sessionManager)
	socketHandler := handlers.NewWebSocketHandler(wsHandler)
	healthHandler := handlers.NewHealthHandler(registry, sessionManager, publisher)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", healthHandler.Check)

	api := r.Group("/api")
	{
		signatureHandler.RegisterRoutes(api)
	}
	wsGroup := r.Group("/ws")
	{
		socketHandler.RegisterRoutes(wsGroup)
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down server")

		if err := liveness.Stop(); err != nil {
			logger.Warn().Err(err).Msg("liveness monitor stop")
		}
		if err := sessionManager.Stop(); err != nil {
			logger.Warn().Err(err).Msg("session manager stop")
		}
		registry.CloseAll()
		publisher.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
		db.CloseDB()
	}()

	logger.Info().Str("addr", cfg.HTTPAddr).Msg("starting server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("failed to start server")
	}
}
