package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blogauth/blogauth/internal/audit"
	"github.com/blogauth/blogauth/internal/auth"
	"github.com/blogauth/blogauth/internal/config"
	"github.com/blogauth/blogauth/internal/database"
	"github.com/blogauth/blogauth/internal/email"
	"github.com/blogauth/blogauth/internal/handler"
	"github.com/blogauth/blogauth/internal/logger"
	"github.com/blogauth/blogauth/internal/middleware"
	"github.com/blogauth/blogauth/internal/model"
	"github.com/blogauth/blogauth/internal/ratelimit"
	"github.com/blogauth/blogauth/internal/repository"
	"github.com/blogauth/blogauth/internal/router"
	"github.com/blogauth/blogauth/internal/service"
	"github.com/blogauth/blogauth/internal/session"
	"github.com/blogauth/blogauth/internal/tokens"
	"github.com/blogauth/blogauth/internal/twofactor"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", handler.Version).Str("app", cfg.App.Name).Msg("starting auth server")

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Connect to Redis
	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("connected to Redis")

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	resetTokenRepo := repository.NewResetTokenRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	var attempts ratelimit.AttemptStore
	switch cfg.Security.RateLimiting.Backend {
	case "redis":
		attempts = ratelimit.NewRedisAttemptStore(rdb.Client, cfg.Security.RateLimiting.AttemptRetention)
	default:
		attempts = repository.NewLoginAttemptRepository(db)
	}
	log.Info().Str("backend", cfg.Security.RateLimiting.Backend).Str("scope", cfg.Security.RateLimiting.Scope).Msg("login limiter initialized")

	// Core components
	hasher, err := auth.NewHasher(auth.ParamsFromConfig(cfg.Security.Password))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize password hasher")
	}
	limiter := ratelimit.New(attempts, cfg.Security.RateLimiting, log)
	totp := twofactor.NewEngine(cfg.MFA.TOTP)
	recorder := audit.NewRecorder(auditRepo, log)
	sessions := session.NewRedisStore(rdb.Client)
	cookies := session.NewCookieCodec(cfg.Session)

	resetTokens := tokens.NewManager(resetTokenRepo, model.PurposePasswordReset, cfg.Security.Tokens.PasswordResetTTL, log)
	twofaTokens := tokens.NewManager(resetTokenRepo, model.PurposeTwoFactorReset, cfg.Security.Tokens.TwoFactorResetTTL, log)

	sender, err := email.NewSender(context.Background(), cfg.Email, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize email sender")
	}
	log.Info().Str("provider", cfg.Email.Provider).Msg("email sender initialized")

	// Initialize services
	svc := handler.Services{
		Auth:     service.NewAuthService(userRepo, sessions, limiter, totp, hasher, recorder, cfg.Session, log),
		Accounts: service.NewAccountService(userRepo, sessions, limiter, hasher, recorder, cfg, log),
		MFA:      service.NewMFAService(userRepo, sessions, totp, hasher, recorder, cfg, log),
		Resets: service.NewPasswordResetService(userRepo, resetTokens, limiter, hasher, sender, recorder,
			cfg.App.Name, cfg.App.BaseURL, cfg.Security.Password.MinLength, log),
		TwoFAResets: service.NewTwoFactorResetService(userRepo, twofaTokens, sender, recorder, cfg.App.Name, cfg.App.BaseURL, log),
	}

	// Background cleanup
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if cfg.Maintenance.Enabled {
		maint := service.NewMaintenance(limiter, cfg.Security.Tokens.Retention, cfg.Security.RateLimiting.AttemptRetention, log, resetTokens, twofaTokens)
		go maint.Start(ctx, cfg.Maintenance.Interval)
		log.Info().Dur("interval", cfg.Maintenance.Interval).Msg("maintenance loop started")
	}

	// Initialize handlers
	h := handler.New(db, rdb, log, cfg, svc, cookies)

	// Initialize middleware
	mw := middleware.New(rdb, sessions, cookies, log, cfg)

	// Set up router
	r := router.New(h, mw, cfg)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Bool("tls", cfg.Server.TLS.Enabled).Msg("HTTP server listening")
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")
	stop()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
