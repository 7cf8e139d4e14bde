// Package runqueue implements the Backend's durable run queue: task
// creation, the claim/lease protocol for Manager workers, and lease
// expiry recovery.
package runqueue

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/backend/events"
	"github.com/runloom/runloom/internal/backend/models"
	"github.com/runloom/runloom/internal/backend/repository/sqlite"
	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/events/bus"
	"github.com/runloom/runloom/internal/protocol"
)

const (
	defaultLeaseSeconds = 30
	maxLeaseSeconds     = 300
	maxTitleRunes       = 80
	textPreviewRunes    = 500
)

// PullTrigger nudges the Manager's pull loop. Triggering is best effort;
// runs stay durable in the queue either way.
type PullTrigger interface {
	TriggerPull(ctx context.Context, modes []string, reason string) error
}

// Service owns the run queue.
type Service struct {
	repo    *sqlite.Repository
	bus     bus.EventBus
	trigger PullTrigger
	log     *logger.Logger

	defaultLease time.Duration
}

// New creates the run queue service. trigger may be nil when no Manager
// is wired (tests).
func New(repo *sqlite.Repository, eventBus bus.EventBus, trigger PullTrigger, leaseSeconds int, log *logger.Logger) *Service {
	if leaseSeconds <= 0 {
		leaseSeconds = defaultLeaseSeconds
	}
	return &Service{
		repo:         repo,
		bus:          eventBus,
		trigger:      trigger,
		log:          log,
		defaultLease: time.Duration(leaseSeconds) * time.Second,
	}
}

// CreateTaskRequest creates a task: a new or existing session plus one
// queued run.
type CreateTaskRequest struct {
	UserID       string         `json:"-"`
	SessionID    string         `json:"session_id,omitempty"`
	Prompt       string         `json:"prompt"`
	ScheduleMode string         `json:"schedule_mode,omitempty"`
	ScheduledAt  *time.Time     `json:"scheduled_at,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// CreateTask validates the request, resolves or creates the session,
// persists the user message, enqueues the run, and nudges the Manager.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Session, *models.Run, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, nil, apperr.New(apperr.CodeInvalidInput, "prompt is required")
	}

	mode := req.ScheduleMode
	if mode == "" {
		mode = protocol.ScheduleImmediate
	}
	switch mode {
	case protocol.ScheduleImmediate:
		// scheduled_at ignored for immediate runs
	case protocol.ScheduleScheduled:
		if req.ScheduledAt == nil {
			return nil, nil, apperr.New(apperr.CodeInvalidInput, "scheduled_at is required for scheduled tasks")
		}
	default:
		return nil, nil, apperr.Newf(apperr.CodeInvalidInput, "unknown schedule_mode %q", mode)
	}

	var session *models.Session
	if req.SessionID != "" {
		existing, err := s.repo.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, nil, err
		}
		if existing == nil {
			return nil, nil, apperr.Newf(apperr.CodeNotFound, "session %s not found", req.SessionID)
		}
		if existing.UserID != req.UserID {
			return nil, nil, apperr.New(apperr.CodeForbidden, "session belongs to another user")
		}
		session = existing
	} else {
		session = &models.Session{
			UserID:         req.UserID,
			Title:          deriveTitle(prompt),
			ConfigSnapshot: models.MarshalJSONMap(req.Config),
		}
		if err := s.repo.CreateSession(ctx, session); err != nil {
			return nil, nil, apperr.Wrap(apperr.CodeSessionCreateFailed, "failed to create session", err)
		}
	}

	msg := &models.Message{
		SessionID:   session.ID,
		Role:        models.RoleUser,
		Content:     models.MarshalJSONMap(map[string]any{"_type": "UserMessage", "text": prompt}),
		TextPreview: truncateRunes(prompt, textPreviewRunes),
	}
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return nil, nil, err
	}

	run := &models.Run{
		SessionID:    session.ID,
		Prompt:       prompt,
		ScheduleMode: mode,
		ScheduledAt:  req.ScheduledAt,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeTaskSchedulingFailed, "failed to enqueue run", err)
	}

	s.log.WithContext(ctx).Info("task created",
		zap.String("session_id", session.ID),
		zap.String("run_id", run.ID),
		zap.String("schedule_mode", mode))

	s.publishSessionEvent(ctx, session.UserID, session.ID, events.TypeMessageNew, map[string]any{
		"id":           msg.ID,
		"role":         msg.Role,
		"text_preview": msg.TextPreview,
		"timestamp":    msg.CreatedAt,
	})
	s.publishSessionEvent(ctx, session.UserID, session.ID, events.TypeSessionStatus, map[string]any{
		"status": session.Status,
		"run_id": run.ID,
	})

	s.nudge(ctx, mode, "task_created")
	return session, run, nil
}

// Claim hands the oldest eligible queued run to a Manager worker.
// Returns nil when the queue has nothing eligible.
func (s *Service) Claim(ctx context.Context, req protocol.ClaimRequest) (*protocol.ClaimedRun, error) {
	if req.WorkerID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "worker_id is required")
	}
	modes := req.ScheduleModes
	if len(modes) == 0 {
		modes = []string{protocol.ScheduleImmediate}
	}
	lease := s.defaultLease
	if req.LeaseSeconds > 0 {
		if req.LeaseSeconds > maxLeaseSeconds {
			req.LeaseSeconds = maxLeaseSeconds
		}
		lease = time.Duration(req.LeaseSeconds) * time.Second
	}

	run, err := s.repo.ClaimRun(ctx, req.WorkerID, lease, modes)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}

	session, err := s.repo.GetSession(ctx, run.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		// Session vanished under the run; fail it so it does not loop.
		_ = s.repo.FailRun(ctx, run.ID, req.WorkerID, "session no longer exists")
		return nil, apperr.Newf(apperr.CodeNotFound, "session %s not found for run %s", run.SessionID, run.ID)
	}

	s.log.WithContext(ctx).Info("run claimed",
		zap.String("run_id", run.ID),
		zap.String("session_id", run.SessionID),
		zap.String("worker_id", req.WorkerID))

	claimed := &protocol.ClaimedRun{
		RunID:          run.ID,
		SessionID:      run.SessionID,
		UserID:         session.UserID,
		Prompt:         run.Prompt,
		ScheduleMode:   run.ScheduleMode,
		ConfigSnapshot: session.Config(),
		LeaseExpiresAt: *run.LeaseExpiresAt,
	}
	if session.SDKSessionID != nil {
		claimed.SDKSessionID = *session.SDKSessionID
	}
	return claimed, nil
}

// Start moves a claimed run to running and marks the session running.
func (s *Service) Start(ctx context.Context, runID, workerID string) error {
	if err := s.repo.StartRun(ctx, runID, workerID, s.defaultLease); err != nil {
		return err
	}
	s.syncSessionStatus(ctx, runID, models.SessionRunning, "")
	return nil
}

// Complete moves a run to completed.
func (s *Service) Complete(ctx context.Context, runID, workerID string) error {
	if err := s.repo.CompleteRun(ctx, runID, workerID); err != nil {
		return err
	}
	s.syncSessionStatus(ctx, runID, models.SessionCompleted, "")
	return nil
}

// Fail moves a run to failed with an error message.
func (s *Service) Fail(ctx context.Context, runID, workerID, errorMessage string) error {
	if err := s.repo.FailRun(ctx, runID, workerID, errorMessage); err != nil {
		return err
	}
	s.syncSessionStatus(ctx, runID, models.SessionFailed, errorMessage)
	return nil
}

// Cancel stops a run on the user's behalf. Queued runs cancel cleanly;
// active runs fail with a cancellation message since the executor side
// is torn down separately.
func (s *Service) Cancel(ctx context.Context, userID, runID string) error {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return apperr.Newf(apperr.CodeTaskNotFound, "run %s not found", runID)
	}
	session, err := s.repo.GetSession(ctx, run.SessionID)
	if err != nil {
		return err
	}
	if session == nil || session.UserID != userID {
		return apperr.New(apperr.CodeForbidden, "run belongs to another user")
	}

	switch run.Status {
	case models.RunQueued:
		return s.cancelQueued(ctx, run.ID)
	case models.RunClaimed, models.RunRunning:
		if err := s.repo.AdvanceActiveRun(ctx, run.ID, models.RunFailed, run.Progress, "canceled by user", s.defaultLease); err != nil {
			return err
		}
		s.syncSessionStatus(ctx, run.ID, models.SessionFailed, "canceled by user")
		return nil
	default:
		return apperr.Newf(apperr.CodeBadRequest, "run %s is already %s", run.ID, run.Status)
	}
}

func (s *Service) cancelQueued(ctx context.Context, runID string) error {
	_, err := s.repo.DB().ExecContext(ctx, `
		UPDATE runs SET status = 'canceled', finished_at = ?, error_message = 'canceled by user', updated_at = ?
		WHERE id = ? AND status = 'queued'
	`, time.Now().UTC(), time.Now().UTC(), runID)
	return err
}

// ListRuns returns a session's runs for the owning user.
func (s *Service) ListRuns(ctx context.Context, userID, sessionID string) ([]*models.Run, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "session %s not found", sessionID)
	}
	if session.UserID != userID {
		return nil, apperr.New(apperr.CodeForbidden, "session belongs to another user")
	}
	return s.repo.ListRuns(ctx, sessionID)
}

// RunRecoverySweep requeues runs whose lease expired and nudges the
// Manager when anything moved.
func (s *Service) RunRecoverySweep(ctx context.Context) (int, error) {
	ids, err := s.repo.RequeueExpiredRuns(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		s.log.Warn("requeued runs with expired leases", zap.Strings("run_ids", ids))
		s.nudge(ctx, "", "lease_recovery")
	}
	return len(ids), nil
}

// StartRecoveryLoop runs the lease sweep until the context is canceled.
func (s *Service) StartRecoveryLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunRecoverySweep(ctx); err != nil {
					s.log.WithError(err).Error("lease recovery sweep failed")
				}
			}
		}
	}()
}

// StartScheduledDispatchLoop periodically checks for scheduled runs
// that have come due and nudges the Manager with the scheduled mode, so
// due work is picked up between the Manager's own polls.
func (s *Service) StartScheduledDispatchLoop(ctx context.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				due, err := s.repo.CountDueScheduledRuns(ctx, batchSize)
				if err != nil {
					s.log.WithError(err).Error("scheduled dispatch check failed")
					continue
				}
				if due > 0 {
					s.log.Debug("scheduled runs due", zap.Int("count", due))
					s.nudge(ctx, protocol.ScheduleScheduled, "scheduled_due")
				}
			}
		}
	}()
}

func (s *Service) nudge(ctx context.Context, mode, reason string) {
	if s.trigger == nil {
		return
	}
	var modes []string
	if mode != "" {
		modes = []string{mode}
	}
	go func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.trigger.TriggerPull(tctx, modes, reason); err != nil {
			s.log.WithError(err).Debug("pull trigger failed", zap.String("reason", reason))
		}
	}()
}

// syncSessionStatus mirrors a run transition onto its session and
// notifies subscribers.
func (s *Service) syncSessionStatus(ctx context.Context, runID, status, errorMessage string) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil || run == nil {
		return
	}
	if err := s.repo.UpdateSessionStatus(ctx, run.SessionID, status); err != nil {
		s.log.WithError(err).Warn("failed to sync session status", zap.String("session_id", run.SessionID))
		return
	}
	session, err := s.repo.GetSession(ctx, run.SessionID)
	if err != nil || session == nil {
		return
	}
	data := map[string]any{
		"status":   status,
		"run_id":   run.ID,
		"progress": run.Progress,
	}
	if errorMessage != "" {
		data["error"] = errorMessage
	}
	s.publishSessionEvent(ctx, session.UserID, session.ID, events.TypeSessionStatus, data)
}

func (s *Service) publishSessionEvent(ctx context.Context, userID, sessionID, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{"session_id": sessionID, "user_id": userID}
	for k, v := range data {
		payload[k] = v
	}
	event := bus.NewEvent(eventType, "backend.runqueue", payload)
	if err := s.bus.Publish(ctx, events.SessionSubject(sessionID), event); err != nil {
		s.log.WithError(err).Debug("failed to publish session event", zap.String("type", eventType))
	}
}

func deriveTitle(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	return truncateRunes(title, maxTitleRunes)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
