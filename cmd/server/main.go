/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the benefits application engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env overlay (if present), parse flags
  2. Configure structured logging (slog)
  3. Initialize SQLite store
  4. Create API handler with dependencies
  5. Configure HTTP router, start the deadline monitor
  6. Start server with graceful shutdown

CONFIGURATION:
  Flags override environment variables:
    -port       HTTP server port          (env PORT, default 8080)
    -db         SQLite database path      (env DB_PATH, default benefits.db)
                Use ":memory:" for an in-memory database
    -log-level  debug|info|warn|error     (env LOG_LEVEL, default info)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/benefits.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port with debug logging
  ./server -port=3000 -log-level=debug

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/benefits-engine/api"
	"github.com/warp/benefits-engine/store/sqlite"
)

func main() {
	// Optional .env overlay; missing file is fine.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DB_PATH", "benefits.db"), "SQLite database path")
	logLevel := flag.String("log-level", envStr("LOG_LEVEL", "info"), "log level (debug|info|warn|error)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	handler := api.NewHandler(store, logger)
	router := api.NewRouter(handler)

	monitor := api.NewDeadlineMonitor(store, logger)
	monitor.Start()
	defer monitor.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", fmt.Sprintf("http://localhost:%d", *port), "db", *dbPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
