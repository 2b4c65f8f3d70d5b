// Command ashiato runs the reference span collector: an HTTP sink for the
// SDK's batching exporter, backed by SQLite or Postgres, with optional
// bearer-token ingest auth and an MCP inspection surface.
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

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/ashiato/internal/auth"
	"github.com/ashita-ai/ashiato/internal/config"
	"github.com/ashita-ai/ashiato/internal/mcp"
	"github.com/ashita-ai/ashiato/internal/server"
	"github.com/ashita-ai/ashiato/internal/telemetry"
	"github.com/ashita-ai/ashiato/store"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("ASHIATO_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("ashiato starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry for the collector's own telemetry.
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the span store: Postgres when DATABASE_URL is set, otherwise the
	// embedded SQLite file.
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Ingest auth: exchange configured keys for short-lived JWTs. Disabled
	// entirely when no keys are configured, for local development.
	var jwtMgr *auth.JWTManager
	var keyring *auth.Keyring
	if cfg.AuthEnabled() {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTSecret, cfg.TokenExpiration)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		keyring, err = auth.NewKeyring(cfg.IngestKeys)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		logger.Info("ingest auth: enabled", "keys", len(cfg.IngestKeys))
	} else {
		logger.Info("ingest auth: disabled (no ASHIATO_INGEST_KEYS)")
	}

	// MCP trace-inspection server, mounted on the HTTP mux at /mcp.
	var mcpSrv *mcpserver.MCPServer
	if cfg.MCPEnabled {
		mcpSrv = mcp.New(st, logger, version).MCPServer()
	}

	srv := server.New(server.ServerConfig{
		Store:               st,
		JWTMgr:              jwtMgr,
		Keyring:             keyring,
		Logger:              logger,
		MCPServer:           mcpSrv,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: stop accepting new HTTP
	// requests and drain in-flight ingests, then close the store, then flush
	// the collector's own telemetry (deferred).
	slog.Info("ashiato shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownHTTPTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("ashiato stopped")
	return nil
}

// openStore connects the configured backend and ensures its schema exists.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := pg.EnsureSchema(schemaCtx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		logger.Info("store: postgres")
		return pg, nil
	}

	sq, err := store.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	if err := sq.EnsureSchema(ctx); err != nil {
		_ = sq.Close()
		return nil, err
	}
	logger.Info("store: sqlite", "path", cfg.SQLitePath)
	return sq, nil
}
