// Package userinput manages mid-run questions from executors to users.
// Requests are short-lived; expiry is applied lazily on read.
package userinput

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/backend/events"
	"github.com/runloom/runloom/internal/backend/models"
	"github.com/runloom/runloom/internal/backend/repository/sqlite"
	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/events/bus"
)

// DefaultTTL bounds how long a question waits for the user before the
// executor falls back to a default answer.
const DefaultTTL = 60 * time.Second

// Service owns user input requests.
type Service struct {
	repo *sqlite.Repository
	bus  bus.EventBus
	log  *logger.Logger
	ttl  time.Duration
}

// New creates the user input service.
func New(repo *sqlite.Repository, eventBus bus.EventBus, ttl time.Duration, log *logger.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{repo: repo, bus: eventBus, log: log, ttl: ttl}
}

// Create registers a pending question for a session and notifies
// connected clients.
func (s *Service) Create(ctx context.Context, sessionID, toolName, toolInputJSON string) (*models.UserInputRequest, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		session, err = s.repo.GetSessionBySDKID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}
	if session == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "session %s not found", sessionID)
	}

	req := &models.UserInputRequest{
		SessionID: session.ID,
		ToolName:  toolName,
		ToolInput: toolInputJSON,
		ExpiresAt: time.Now().UTC().Add(s.ttl),
	}
	if err := s.repo.CreateUserInputRequest(ctx, req); err != nil {
		return nil, err
	}

	s.log.WithContext(ctx).WithSessionID(session.ID).Info("user input requested",
		zap.String("request_id", req.ID), zap.String("tool", toolName))
	s.broadcast(ctx, session)
	return req, nil
}

// Get returns a request, lazily expiring it when its deadline passed
// while still pending.
func (s *Service) Get(ctx context.Context, id string) (*models.UserInputRequest, error) {
	req, err := s.repo.GetUserInputRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "user input request %s not found", id)
	}
	return s.lazyExpire(ctx, req)
}

// Answer records the user's answers. Only pending, unexpired requests
// accept answers.
func (s *Service) Answer(ctx context.Context, userID, id, answersJSON string) (*models.UserInputRequest, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	session, err := s.repo.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.UserID != userID {
		return nil, apperr.New(apperr.CodeForbidden, "request belongs to another user")
	}

	if answersJSON == "" {
		answersJSON = "{}"
	}
	applied, err := s.repo.AnswerUserInputRequest(ctx, id, answersJSON)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, apperr.Newf(apperr.CodeBadRequest, "request %s is %s", id, req.Status)
	}

	req, err = s.repo.GetUserInputRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	s.broadcast(ctx, session)
	return req, nil
}

// ListPending returns a session's pending requests after lazy expiry.
func (s *Service) ListPending(ctx context.Context, sessionID string) ([]*models.UserInputRequest, error) {
	reqs, err := s.repo.ListPendingUserInputRequests(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	alive := reqs[:0]
	for _, req := range reqs {
		req, err := s.lazyExpire(ctx, req)
		if err != nil {
			return nil, err
		}
		if req.Status == models.InputPending {
			alive = append(alive, req)
		}
	}
	return alive, nil
}

func (s *Service) lazyExpire(ctx context.Context, req *models.UserInputRequest) (*models.UserInputRequest, error) {
	if req.Status != models.InputPending || time.Now().UTC().Before(req.ExpiresAt) {
		return req, nil
	}
	expired, err := s.repo.ExpireUserInputRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if expired {
		req.Status = models.InputExpired
		if session, err := s.repo.GetSession(ctx, req.SessionID); err == nil && session != nil {
			s.broadcast(ctx, session)
		}
	}
	return req, nil
}

// broadcast publishes the session's current pending requests. The
// payload carries the same requests array clients receive on connect,
// so subscribers replace their pending set instead of merging deltas.
func (s *Service) broadcast(ctx context.Context, session *models.Session) {
	if s.bus == nil {
		return
	}
	pending, err := s.repo.ListPendingUserInputRequests(ctx, session.ID)
	if err != nil {
		s.log.WithError(err).Debug("failed to list pending input for broadcast")
		return
	}
	event := bus.NewEvent(events.TypeUserInputUpdate, "backend.userinput", map[string]any{
		"session_id": session.ID,
		"user_id":    session.UserID,
		"requests":   pending,
	})
	if err := s.bus.Publish(ctx, events.SessionSubject(session.ID), event); err != nil {
		s.log.WithError(err).Debug("failed to publish user input event")
	}
}
