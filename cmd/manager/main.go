// Command manager runs the Executor Manager: it pulls queued runs from
// the Backend, stages workspaces, drives executor containers, and
// relays executor callbacks back upstream.
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

	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/common/config"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/common/tracing"
	"github.com/runloom/runloom/internal/manager/api"
	"github.com/runloom/runloom/internal/manager/backendclient"
	"github.com/runloom/runloom/internal/manager/callback"
	"github.com/runloom/runloom/internal/manager/dispatch"
	"github.com/runloom/runloom/internal/manager/executorclient"
	"github.com/runloom/runloom/internal/manager/export"
	"github.com/runloom/runloom/internal/manager/pool"
	"github.com/runloom/runloom/internal/manager/pull"
	"github.com/runloom/runloom/internal/manager/resolver"
	"github.com/runloom/runloom/internal/manager/schedule"
	"github.com/runloom/runloom/internal/manager/staging"
	"github.com/runloom/runloom/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "manager: %v\n", err)
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

	blobs, err := newBlobStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	backend := backendclient.New(cfg.Services.BackendURL, cfg.Services.InternalAPIToken, log)
	executor := executorclient.New(log)

	provisioner, cleanup, err := newProvisioner(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	containerPool := pool.New(provisioner, executor, log)
	if cfg.Docker.Enabled {
		if err := containerPool.Recover(ctx); err != nil {
			log.WithError(err).Warn("container recovery failed")
		}
	}
	containerPool.StartSweep(ctx, 0)

	workerID := pull.DefaultWorkerID()
	stager := staging.New(blobs, cfg.Workspace.Root, log)
	configResolver := resolver.New(backend, log)
	dispatcher := dispatch.New(backend, executor, containerPool, configResolver, stager, dispatch.Config{
		CallbackURL:     cfg.Services.CallbackBaseURL + "/api/v1/callback",
		CallbackToken:   cfg.Services.CallbackToken,
		CallbackBaseURL: cfg.Services.CallbackBaseURL,
	}, workerID, log)

	rules, err := loadSchedules(cfg, log)
	if err != nil {
		return err
	}
	loop := pull.New(backend, dispatcher, rules, workerID,
		cfg.Pull.MaxConcurrentTasks, cfg.Pull.ClaimLeaseSeconds, log)

	exporter := export.New(blobs, backend, cfg.Workspace.Root,
		cfg.Workspace.ExportIgnore, cfg.Workspace.IncludeHidden,
		cfg.Workspace.ArchiveEnabled, cfg.Workspace.CleanupEnabled, log)
	pipeline := callback.New(backend, exporter, containerPool, loop,
		cfg.Workspace.ExportIgnore, cfg.Workspace.IncludeHidden, log)

	server := api.NewServer(pipeline, loop, containerPool, exporter, backend,
		cfg.Services.InternalAPIToken, cfg.Services.CallbackToken, log)

	loop.Start(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("manager listening",
			zap.String("addr", httpServer.Addr),
			zap.String("worker_id", workerID))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("manager shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	loop.Drain()
	_ = tracing.Shutdown(shutdownCtx)
	return nil
}

// newProvisioner picks Docker when enabled, otherwise the static
// single-executor mode used in development.
func newProvisioner(ctx context.Context, cfg *config.Config, log *logger.Logger) (pool.Provisioner, func(), error) {
	if !cfg.Docker.Enabled {
		log.Info("docker disabled, using static executor",
			zap.String("url", cfg.Services.ExecutorURL))
		return pool.NewStaticProvisioner(cfg.Services.ExecutorURL), func() {}, nil
	}
	docker, err := pool.NewDockerProvisioner(cfg.Docker, cfg.Workspace.Root, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create docker provisioner: %w", err)
	}
	if err := docker.Ping(ctx); err != nil {
		_ = docker.Close()
		return nil, nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return docker, func() { _ = docker.Close() }, nil
}

func loadSchedules(cfg *config.Config, log *logger.Logger) (schedule.PullScheduleConfig, error) {
	if cfg.Pull.ScheduleConfigPath == "" {
		return schedule.Default(), nil
	}
	rules, err := schedule.Load(cfg.Pull.ScheduleConfigPath)
	if err != nil {
		return schedule.PullScheduleConfig{}, fmt.Errorf("failed to load schedule config: %w", err)
	}
	log.Info("loaded pull schedules",
		zap.String("path", cfg.Pull.ScheduleConfigPath),
		zap.Int("rules", len(rules.Rules)))
	return rules, nil
}

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
