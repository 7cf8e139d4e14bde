// Command backend runs the Runloom Backend: the user-facing API over
// sessions, messages, and the run queue, plus the WebSocket gateway.
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

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/backend/api"
	"github.com/runloom/runloom/internal/backend/callback"
	"github.com/runloom/runloom/internal/backend/managerclient"
	"github.com/runloom/runloom/internal/backend/repository/sqlite"
	"github.com/runloom/runloom/internal/backend/runqueue"
	"github.com/runloom/runloom/internal/backend/session"
	"github.com/runloom/runloom/internal/backend/skillimport"
	"github.com/runloom/runloom/internal/backend/userinput"
	"github.com/runloom/runloom/internal/backend/ws"
	"github.com/runloom/runloom/internal/common/config"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/common/tracing"
	"github.com/runloom/runloom/internal/db"
	"github.com/runloom/runloom/internal/events/bus"
	"github.com/runloom/runloom/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "backend: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus := newEventBus(cfg, log)
	defer eventBus.Close()

	writer, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	reader, err := db.OpenSQLiteReader(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database reader: %w", err)
	}
	repo, err := sqlite.New(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer func() { _ = repo.Close() }()

	blobs, err := newBlobStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	var manager *managerclient.Client
	if cfg.Services.ExecutorManagerURL != "" {
		manager = managerclient.New(cfg.Services.ExecutorManagerURL, cfg.Services.InternalAPIToken, log)
	}

	sessions := session.New(repo, blobs, log)
	var trigger runqueue.PullTrigger
	if manager != nil {
		trigger = manager
	}
	queue := runqueue.New(repo, eventBus, trigger, cfg.Pull.ClaimLeaseSeconds, log)
	callbacks := callback.New(repo, eventBus, cfg.Pull.ClaimLeaseSeconds, log)
	userInput := userinput.New(repo, eventBus, 0, log)
	skillImports := skillimport.New(repo, blobs, eventBus, log)

	registry := ws.NewRegistry()
	wsHandler := ws.NewHandler(registry, sessions, userInput, log)
	notifier := ws.NewNotifier(registry, eventBus, log)
	if err := notifier.Start(); err != nil {
		return fmt.Errorf("failed to start ws notifier: %w", err)
	}
	defer notifier.Stop()

	queue.StartRecoveryLoop(ctx, 0)
	if cfg.Pull.ScheduledTasksEnabled {
		queue.StartScheduledDispatchLoop(ctx,
			time.Duration(cfg.Pull.ScheduledDispatchIntervalSecs)*time.Second,
			cfg.Pull.ScheduledDispatchBatchSize)
	}
	skillImports.StartWorker(ctx, 0)

	server := api.NewServer(sessions, queue, callbacks, userInput, skillImports,
		repo, manager, wsHandler, cfg.Services.InternalAPIToken, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("backend listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	_ = tracing.Shutdown(shutdownCtx)
	return nil
}

// newEventBus connects to NATS when configured and falls back to the
// in-process bus otherwise.
func newEventBus(cfg *config.Config, log *logger.Logger) bus.EventBus {
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err == nil {
			return natsBus
		}
		log.WithError(err).Warn("NATS unavailable, using in-memory event bus")
	}
	return bus.NewMemoryEventBus(log)
}

// newBlobStore uses S3 when an endpoint is configured. Without one the
// in-memory store keeps single-node deployments working, at the cost
// of losing exports on restart.
func newBlobStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.BlobStore, error) {
	if cfg.S3.Endpoint == "" {
		log.Warn("no S3 endpoint configured, using in-memory blob store")
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.NewS3Store(ctx, cfg.S3, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to blob store: %w", err)
	}
	return store, nil
}
