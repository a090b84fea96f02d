// SensAI - Terminal Output Recommendation Engine Server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/ninjasquad/sensai/internal/analysis"
	"github.com/ninjasquad/sensai/internal/api"
	"github.com/ninjasquad/sensai/internal/config"
	"github.com/ninjasquad/sensai/internal/events"
	"github.com/ninjasquad/sensai/internal/middleware"
	"github.com/ninjasquad/sensai/internal/sensai"
	"github.com/ninjasquad/sensai/internal/store"
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

	// Initialize the analysis client.
	clientCfg := analysis.DefaultClientConfig()
	clientCfg.AnalyzeURL = cfg.Analysis.URL
	clientCfg.APIKey = cfg.Analysis.APIKey
	clientCfg.RequestTimeout = cfg.Analysis.RequestTimeout
	clientCfg.MaxRetries = cfg.Analysis.MaxRetries
	client := analysis.NewClient(clientCfg, logger)

	// Initialize the engine.
	emitter := events.NewEmitter(0, logger)
	defer emitter.Close()

	engine := sensai.New(client, repo, emitter, logger)
	defer engine.Stop()

	engine.SetDebounceInterval(cfg.DebounceInterval)

	// Recreate sessions whose configuration survived the last run.
	if err := engine.Restore(context.Background()); err != nil {
		slog.Error("Failed to restore sessions", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	baseHandler := api.NewHandler(engine, cfg)
	healthHandler := api.NewHealthHandler(repo, cfg)
	streamHandler := api.NewStreamHandler(emitter, cfg)
	defer streamHandler.Close()
	wsHandler := api.NewWSHandler(engine, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.FrontendURL, cfg.IsDevelopment()))

	// Routes.
	healthHandler.RegisterHealth(r)
	baseHandler.RegisterRoutes(r)
	streamHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	// Keepalive runs every 10s to maintain connection
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	// Open SSE connections would hold Shutdown until the deadline; closing
	// the stream handler ends them so the server can drain.
	streamHandler.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
