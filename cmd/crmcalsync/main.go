package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/crmcalsync/internal/activity"
	"github.com/macjediwizard/crmcalsync/internal/auth"
	"github.com/macjediwizard/crmcalsync/internal/caldav"
	"github.com/macjediwizard/crmcalsync/internal/config"
	"github.com/macjediwizard/crmcalsync/internal/credential"
	"github.com/macjediwizard/crmcalsync/internal/crypto"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/engine"
	"github.com/macjediwizard/crmcalsync/internal/logging"
	"github.com/macjediwizard/crmcalsync/internal/notify"
	"github.com/macjediwizard/crmcalsync/internal/oauth"
	"github.com/macjediwizard/crmcalsync/internal/provider"
	"github.com/macjediwizard/crmcalsync/internal/provider/google"
	"github.com/macjediwizard/crmcalsync/internal/retry"
	"github.com/macjediwizard/crmcalsync/internal/scheduler"
	"github.com/macjediwizard/crmcalsync/internal/validator"
	"github.com/macjediwizard/crmcalsync/internal/web"
	"github.com/macjediwizard/crmcalsync/internal/websocket"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.Setup(cfg.Log.Level)
	logger.Info("starting crmcalsync", "environment", cfg.Server.Environment)

	ctx := context.Background()
	if err := cfg.Validate(ctx); err != nil {
		return err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
	}()

	encryptor, err := crypto.NewEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	// Calendar providers
	googleAuth := oauth.NewGoogle(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	var googleOpts []google.Option
	if cfg.Google.Endpoint != "" {
		googleOpts = append(googleOpts, google.WithEndpoint(cfg.Google.Endpoint))
	}
	if cfg.Sync.TimeZone != "" {
		googleOpts = append(googleOpts, google.WithTimeZone(cfg.Sync.TimeZone))
	}
	appleAdapter := caldav.NewAdapter(cfg.Apple.CalDAVURL, nil)
	registry := provider.NewRegistry(google.New(googleAuth, googleOpts...), appleAdapter)

	credentials := credential.NewStore(database, encryptor, registry, cfg.Sync.RefreshBuffer)
	executor := retry.NewExecutor(database, credentials, cfg.Sync.MaxAttempts, cfg.Sync.RetryBaseDelay)
	syncEngine := engine.New(database, registry, executor, engine.Options{
		WindowDays: cfg.Sync.WindowDays,
		TimeZone:   cfg.Sync.TimeZone,
		Keywords:   cfg.Sync.AppointmentKeywords,
	})

	// Live activity and alerts observe every sync
	hub := websocket.NewHub(logger)
	tracker := activity.NewTracker(hub)
	syncEngine.AddObserver(tracker)

	notifyCfg := &notify.Config{
		WebhookEnabled: cfg.Alerts.WebhookEnabled,
		WebhookURL:     cfg.Alerts.WebhookURL,
		EmailEnabled:   cfg.Alerts.EmailEnabled,
		SMTPHost:       cfg.Alerts.SMTPHost,
		SMTPPort:       cfg.Alerts.SMTPPort,
		SMTPUsername:   cfg.Alerts.SMTPUsername,
		SMTPPassword:   cfg.Alerts.SMTPPassword,
		SMTPFrom:       cfg.Alerts.SMTPFrom,
		SMTPTo:         cfg.Alerts.SMTPTo,
		SMTPTLS:        cfg.Alerts.SMTPTLS,
		CooldownPeriod: cfg.Alerts.Cooldown,
	}
	if notifyCfg.WebhookEnabled || notifyCfg.EmailEnabled {
		if err := notify.ValidateConfig(notifyCfg, validator.New()); err != nil {
			return fmt.Errorf("invalid alert configuration: %w", err)
		}
	}
	notifier := notify.New(notifyCfg, database)
	if notifier.IsEnabled() {
		syncEngine.AddObserver(notifier)
		logger.Info("alert notifications enabled",
			"webhook", cfg.Alerts.WebhookEnabled, "email", cfg.Alerts.EmailEnabled, "cooldown", cfg.Alerts.Cooldown)
	}

	sched := scheduler.New(database, syncEngine, cfg.Sync.LogRetentionDays)

	oidcProvider, err := auth.NewOIDCProvider(ctx,
		cfg.OIDC.Issuer,
		cfg.OIDC.ClientID,
		cfg.OIDC.ClientSecret,
		cfg.OIDC.RedirectURL,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize OIDC provider: %w", err)
	}
	sessionManager := auth.NewSessionManager(cfg.Security.SessionSecret, cfg.IsProduction())

	handlers := web.NewHandlers(web.Deps{
		Config:         cfg,
		DB:             database,
		Identity:       oidcProvider,
		Session:        sessionManager,
		Credentials:    credentials,
		Authenticators: map[db.Provider]oauth.Authenticator{db.ProviderGoogle: googleAuth},
		States:         oauth.NewStateSigner(cfg.Security.StateSecret),
		Apple:          appleAdapter,
		Scheduler:      sched,
		Activity:       tracker,
		Notifier:       notifier,
		Hub:            hub,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())
	web.SetupRoutes(router, handlers, sessionManager)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		sched.Stop()
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down server")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	notifier.Wait()

	logger.Info("server stopped")
	return nil
}
