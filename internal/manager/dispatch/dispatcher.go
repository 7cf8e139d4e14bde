// Package dispatch turns a claimed run into a running task on an
// executor: resolve config, stage the workspace, acquire a container,
// and hand the prompt to the executor.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/manager/staging"
	"github.com/runloom/runloom/internal/protocol"
)

// BackendAPI is the slice of the Backend client the dispatcher uses.
type BackendAPI interface {
	StartRun(ctx context.Context, runID, workerID string) error
	FailRun(ctx context.Context, runID, workerID, message string) error
}

// ExecutorAPI starts tasks on executor containers.
type ExecutorAPI interface {
	Execute(ctx context.Context, baseURL string, req *protocol.ExecuteRequest) (*protocol.ExecuteResponse, error)
}

// ContainerPool provides and releases executor containers.
type ContainerPool interface {
	GetOrCreate(ctx context.Context, sessionID, userID, mode, containerID string) (string, string, error)
	OnTaskComplete(ctx context.Context, sessionID string)
}

// ConfigResolver expands a run's config snapshot.
type ConfigResolver interface {
	Resolve(ctx context.Context, userID string, snapshot map[string]any) (map[string]any, error)
}

// WorkspaceStager prepares the session workspace on disk.
type WorkspaceStager interface {
	StageSkills(ctx context.Context, userID, sessionID string, skillFiles map[string]any) error
	StageAttachments(ctx context.Context, userID, sessionID string, attachments []staging.Attachment) error
	StageSlashCommands(ctx context.Context, userID, sessionID string, commands map[string]any) error
}

// Config carries the callback coordinates handed to executors.
type Config struct {
	CallbackURL     string
	CallbackToken   string
	CallbackBaseURL string
}

// Dispatcher executes claimed runs.
type Dispatcher struct {
	backend  BackendAPI
	executor ExecutorAPI
	pool     ContainerPool
	resolver ConfigResolver
	stager   WorkspaceStager
	cfg      Config
	workerID string
	log      *logger.Logger
}

// New creates a dispatcher reporting transitions under workerID.
func New(backend BackendAPI, executor ExecutorAPI, pool ContainerPool, resolver ConfigResolver, stager WorkspaceStager, cfg Config, workerID string, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		backend:  backend,
		executor: executor,
		pool:     pool,
		resolver: resolver,
		stager:   stager,
		cfg:      cfg,
		workerID: workerID,
		log:      log.WithFields(zap.String("component", "dispatcher")),
	}
}

// Dispatch runs the dispatch sequence for one claimed run. Failures
// mark the run failed in the Backend and release the container; a lost
// lease aborts silently because another worker owns the run by then.
func (d *Dispatcher) Dispatch(ctx context.Context, run *protocol.ClaimedRun) {
	log := d.log.WithSessionID(run.SessionID).WithRunID(run.RunID)
	started := time.Now()

	step := func(name string, fn func() error) error {
		stepStart := time.Now()
		err := fn()
		log.Info("timing",
			zap.String("step", name),
			zap.Int64("duration_ms", time.Since(stepStart).Milliseconds()),
			zap.String("task_id", run.RunID),
			zap.String("session_id", run.SessionID))
		return err
	}

	var resolved map[string]any
	err := step("resolve_config", func() error {
		var rerr error
		resolved, rerr = d.resolver.Resolve(ctx, run.UserID, run.ConfigSnapshot)
		return rerr
	})
	if err != nil {
		d.fail(ctx, run, log, "config resolution failed", err)
		return
	}

	if err := step("stage_skills", func() error {
		skills, _ := resolved["skill_files"].(map[string]any)
		return d.stager.StageSkills(ctx, run.UserID, run.SessionID, skills)
	}); err != nil {
		d.fail(ctx, run, log, "skill staging failed", err)
		return
	}

	if err := step("stage_attachments", func() error {
		return d.stager.StageAttachments(ctx, run.UserID, run.SessionID,
			staging.ParseAttachments(resolved["attachments"]))
	}); err != nil {
		d.fail(ctx, run, log, "attachment staging failed", err)
		return
	}

	if err := step("stage_commands", func() error {
		commands, _ := resolved["slash_commands"].(map[string]any)
		return d.stager.StageSlashCommands(ctx, run.UserID, run.SessionID, commands)
	}); err != nil {
		d.fail(ctx, run, log, "slash command staging failed", err)
		return
	}

	var executorURL, containerID string
	if err := step("acquire_container", func() error {
		mode, _ := resolved["container_mode"].(string)
		pinned, _ := resolved["container_id"].(string)
		var perr error
		executorURL, containerID, perr = d.pool.GetOrCreate(ctx, run.SessionID, run.UserID, mode, pinned)
		return perr
	}); err != nil {
		d.fail(ctx, run, log, "container provisioning failed", err)
		return
	}
	log = log.WithFields(zap.String("container_id", containerID))

	if err := step("execute", func() error {
		_, xerr := d.executor.Execute(ctx, executorURL, &protocol.ExecuteRequest{
			SessionID:       run.SessionID,
			RunID:           run.RunID,
			Prompt:          run.Prompt,
			CallbackURL:     d.cfg.CallbackURL,
			CallbackToken:   d.cfg.CallbackToken,
			CallbackBaseURL: d.cfg.CallbackBaseURL,
			Config:          resolved,
			SDKSessionID:    run.SDKSessionID,
		})
		return xerr
	}); err != nil {
		d.fail(ctx, run, log, "executor rejected the task", err)
		return
	}

	if err := step("start_run", func() error {
		return d.backend.StartRun(ctx, run.RunID, d.workerID)
	}); err != nil {
		if errors.Is(err, apperr.New(apperr.CodeLeaseLost, "")) {
			log.Warn("lease lost before start, aborting dispatch")
			return
		}
		d.fail(ctx, run, log, "failed to mark run running", err)
		return
	}

	log.Info("run dispatched",
		zap.String("executor_url", executorURL),
		zap.Int64("duration_ms", time.Since(started).Milliseconds()))
}

// fail reports the failure to the Backend and releases the container
// binding. A lost lease means another worker owns the run; nothing to
// report in that case.
func (d *Dispatcher) fail(ctx context.Context, run *protocol.ClaimedRun, log *logger.Logger, msg string, cause error) {
	log.WithError(cause).Error("dispatch failed", zap.String("reason", msg))
	d.pool.OnTaskComplete(ctx, run.SessionID)

	if errors.Is(cause, apperr.New(apperr.CodeLeaseLost, "")) {
		return
	}
	if err := d.backend.FailRun(ctx, run.RunID, d.workerID, msg+": "+cause.Error()); err != nil {
		log.WithError(err).Error("failed to report run failure")
	}
}
