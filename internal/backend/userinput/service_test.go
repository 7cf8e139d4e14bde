package userinput

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/backend/events"
	"github.com/runloom/runloom/internal/backend/models"
	"github.com/runloom/runloom/internal/backend/repository/sqlite"
	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/db"
	"github.com/runloom/runloom/internal/events/bus"
)

func newTestService(t *testing.T, ttl time.Duration) (*Service, *sqlite.Repository) {
	t.Helper()

	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	repo, err := sqlite.New(sqlx.NewDb(writer, "sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return New(repo, bus.NewMemoryEventBus(logger.Default()), ttl, logger.Default()), repo
}

func TestAnswerLifecycle(t *testing.T) {
	svc, repo := newTestService(t, time.Minute)
	ctx := context.Background()

	session := &models.Session{UserID: "user-1"}
	require.NoError(t, repo.CreateSession(ctx, session))

	req, err := svc.Create(ctx, session.ID, "AskUser", `{"question":"deploy?"}`)
	require.NoError(t, err)
	assert.Equal(t, models.InputPending, req.Status)

	// Wrong user is rejected.
	_, err = svc.Answer(ctx, "user-2", req.ID, `{"choice":"yes"}`)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	answered, err := svc.Answer(ctx, "user-1", req.ID, `{"choice":"yes"}`)
	require.NoError(t, err)
	assert.Equal(t, models.InputAnswered, answered.Status)
	require.NotNil(t, answered.Answers)
	assert.JSONEq(t, `{"choice":"yes"}`, *answered.Answers)

	// Answering twice is a bad request.
	_, err = svc.Answer(ctx, "user-1", req.ID, `{"choice":"no"}`)
	assert.Equal(t, apperr.CodeBadRequest, apperr.CodeOf(err))
}

func TestLazyExpiry(t *testing.T) {
	svc, repo := newTestService(t, time.Millisecond)
	ctx := context.Background()

	session := &models.Session{UserID: "user-1"}
	require.NoError(t, repo.CreateSession(ctx, session))

	req, err := svc.Create(ctx, session.ID, "AskUser", `{}`)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	got, err := svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InputExpired, got.Status)

	_, err = svc.Answer(ctx, "user-1", req.ID, `{}`)
	assert.Equal(t, apperr.CodeBadRequest, apperr.CodeOf(err))

	pending, err := svc.ListPending(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBroadcastCarriesPendingList(t *testing.T) {
	svc, repo := newTestService(t, time.Minute)
	ctx := context.Background()

	session := &models.Session{UserID: "user-1"}
	require.NoError(t, repo.CreateSession(ctx, session))

	got := make(chan *bus.Event, 8)
	_, err := svc.bus.Subscribe(events.SessionSubject(session.ID), func(_ context.Context, e *bus.Event) error {
		got <- e
		return nil
	})
	require.NoError(t, err)

	first, err := svc.Create(ctx, session.ID, "AskUser", `{"question":"deploy?"}`)
	require.NoError(t, err)
	second, err := svc.Create(ctx, session.ID, "AskUser", `{"question":"region?"}`)
	require.NoError(t, err)

	_, err = svc.Answer(ctx, "user-1", first.ID, `{"choice":"yes"}`)
	require.NoError(t, err)

	// Every update carries the full pending list, the same requests
	// array clients get on connect. After the answer the list holds
	// only the still-pending second request.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-got:
			reqs, ok := e.Data["requests"].([]*models.UserInputRequest)
			require.True(t, ok, "payload missing requests list")
			assert.Equal(t, session.UserID, e.Data["user_id"])
			if len(reqs) == 1 && reqs[0].ID == second.ID {
				return
			}
		case <-deadline:
			t.Fatal("no update carrying the pending list")
		}
	}
}

func TestCreateResolvesSDKSessionID(t *testing.T) {
	svc, repo := newTestService(t, time.Minute)
	ctx := context.Background()

	session := &models.Session{UserID: "user-1"}
	require.NoError(t, repo.CreateSession(ctx, session))
	_, err := repo.AssignSDKSessionID(ctx, session.ID, "sdk-9")
	require.NoError(t, err)

	req, err := svc.Create(ctx, "sdk-9", "AskUser", `{}`)
	require.NoError(t, err)
	assert.Equal(t, session.ID, req.SessionID)

	_, err = svc.Create(ctx, "missing", "AskUser", `{}`)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}
