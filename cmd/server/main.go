// Counsel - AI career counseling server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/counsel-labs/internal/api"
	"github.com/ashureev/counsel-labs/internal/config"
	"github.com/ashureev/counsel-labs/internal/convai"
	"github.com/ashureev/counsel-labs/internal/counseling"
	"github.com/ashureev/counsel-labs/internal/identity"
	"github.com/ashureev/counsel-labs/internal/middleware"
	"github.com/ashureev/counsel-labs/internal/notify"
	"github.com/ashureev/counsel-labs/internal/realtime"
	"github.com/ashureev/counsel-labs/internal/reports"
	"github.com/ashureev/counsel-labs/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "db_driver", cfg.DB.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := openStore(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected")

	storage, err := openReportStorage(cfg)
	if err != nil {
		slog.Error("Failed to initialize report storage", "error", err)
		os.Exit(1)
	}

	vendor := convai.NewClient(convai.Config{
		APIKey:         cfg.Vendor.APIKey,
		AgentID:        cfg.Vendor.AgentID,
		BaseURL:        cfg.Vendor.WSURL,
		ReceiveTimeout: cfg.Vendor.ReceiveTimeout,
	}, logger.With("component", "convai"))
	if !vendor.Configured() {
		slog.Warn("Vendor credentials not configured, replies will be placeholders")
	}

	notifier := notify.New(notify.SMTPConfig{
		Host:            cfg.Email.Host,
		Port:            cfg.Email.Port,
		Sender:          cfg.Email.Sender,
		Password:        cfg.Email.Password,
		ReminderMinutes: cfg.Email.ReminderMinutes,
	}, logger.With("component", "notify"))

	// Initialize services.
	orch := counseling.NewOrchestrator(repo, vendor, notifier, logger.With("component", "counseling"))
	conns := realtime.NewConnManager(logger)
	issuer := identity.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMin)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, logger)
	healthHandler := api.NewHealthHandler(repo)
	userHandler := api.NewUserHandler(baseHandler, issuer)
	sessionHandler := api.NewSessionHandler(baseHandler, notifier, conns)
	wsHandler := realtime.NewHandler(orch, conns, cfg.AllowedOrigins, logger.With("component", "realtime"))
	counselingHandler := api.NewCounselingHandler(baseHandler, orch, conns, wsHandler, limiter.Handler)
	reportHandler := api.NewReportHandler(baseHandler, storage, cfg.Reports.MaxUploadBytes)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	userHandler.RegisterPublicRoutes(r)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(issuer, repo))
		userHandler.RegisterRoutes(r)
		sessionHandler.RegisterRoutes(r)
		counselingHandler.RegisterRoutes(r)
		reportHandler.RegisterRoutes(r)
	})

	// Create server.
	// Realtime connections are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start reminder worker.
	if cfg.RemindersEnabled {
		lead := time.Duration(cfg.Email.ReminderMinutes) * time.Minute
		notify.NewReminderWorker(repo, notifier, lead, logger.With("component", "reminders")).Start(ctx)
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully", "open_realtime_connections", conns.Count())
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.SQLStore, error) {
	storeLogger := logger.With("component", "store")
	if cfg.DB.Driver == "pgx" {
		return store.NewPostgres(ctx, cfg.DB.URL, storeLogger)
	}
	return store.NewSQLite(ctx, cfg.DB.Path, storeLogger)
}

func openReportStorage(cfg *config.Config) (reports.Storage, error) {
	if cfg.Reports.S3Bucket != "" {
		slog.Info("Storing reports in S3", "bucket", cfg.Reports.S3Bucket, "endpoint", cfg.Reports.S3Endpoint)
		return reports.NewS3Storage(reports.S3Config{
			Bucket:    cfg.Reports.S3Bucket,
			Region:    cfg.Reports.S3Region,
			Endpoint:  cfg.Reports.S3Endpoint,
			AccessKey: cfg.Reports.S3AccessKey,
			SecretKey: cfg.Reports.S3SecretKey,
		}), nil
	}
	slog.Info("Storing reports on disk", "dir", cfg.Reports.Dir)
	return reports.NewLocalStorage(cfg.Reports.Dir)
}
