// linkgate - chat host login and employee account linking service
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/linkgate/internal/api"
	"github.com/ashureev/linkgate/internal/config"
	"github.com/ashureev/linkgate/internal/directory"
	"github.com/ashureev/linkgate/internal/hostsdk/line"
	"github.com/ashureev/linkgate/internal/identity"
	"github.com/ashureev/linkgate/internal/middleware"
	"github.com/ashureev/linkgate/internal/pages"
	"github.com/ashureev/linkgate/internal/store"
	"github.com/ashureev/linkgate/web"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())
	if cfg.LIFFID == "" {
		slog.Warn("LIFF_ID is not set, every page will report a configuration error")
	}

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	publicBase, err := url.Parse(cfg.PublicBaseURL)
	if err != nil {
		slog.Error("Invalid public base URL", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	lineClient := line.NewClient(line.Config{
		ChannelID:     cfg.LINE.ChannelID,
		ChannelSecret: cfg.LINE.ChannelSecret,
		APIBaseURL:    cfg.LINE.APIBaseURL,
		AuthBaseURL:   cfg.LINE.AuthBaseURL,
		CallbackURL:   cfg.CallbackURL(),
	}, repo, &http.Client{Timeout: 15 * time.Second})
	dir := directory.NewService(repo, logger)
	registry := pages.NewRegistry(cfg.PageIdleTTL, logger)
	defer registry.CloseAll()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, registry, publicBase, cfg.IsDevelopment())
	healthHandler := api.NewHealthHandler(baseHandler)
	pageHandler := api.NewPageHandler(baseHandler, api.NewMachineBuilder(cfg.LIFFID, lineClient, dir, logger))
	pageHandler.SetLinkLimiter(middleware.NewRateLimiter(cfg.LinkRatePerMinute, cfg.LinkRateBurst).Handler)
	authHandler := api.NewAuthHandler(baseHandler, lineClient, cfg.HostSessionTTL)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	authHandler.RegisterRoutes(r)

	// Page routes resolve the caller's host session first.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		pageHandler.RegisterRoutes(r)
	})

	// Serve the embedded shell for everything else.
	r.Handle("/*", web.ShellHandler())

	// WriteTimeout stays 0 so page event streams are not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start TTL worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pages.StartTTLWorker(ctx, registry, repo, pages.DefaultSweepInterval, line.LoginAttemptTTL)

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

	// Closing pages ends their event streams.
	registry.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
