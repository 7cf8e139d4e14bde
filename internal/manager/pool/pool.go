// Package pool manages the session to executor-container bindings for
// the Manager. Containers are either ephemeral (one per run, deleted on
// completion) or persistent (reused across sessions until explicitly
// deleted).
package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
)

// Container modes.
const (
	ModeEphemeral  = "ephemeral"
	ModePersistent = "persistent"
)

// Container states tracked by the pool.
const (
	StateActive   = "active"
	StateIdle     = "idle"
	StateDeleting = "deleting"
)

// Container is one provisioned executor container.
type Container struct {
	ID        string    `json:"container_id"`
	URL       string    `json:"executor_url"`
	Mode      string    `json:"mode"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// ProvisionRequest asks a provisioner for a new container.
type ProvisionRequest struct {
	SessionID string
	UserID    string
	Mode      string
}

// Provisioner creates and destroys executor containers.
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (*Container, error)
	Delete(ctx context.Context, containerID string) error
	Recover(ctx context.Context) ([]*Container, error)
}

// TaskCanceler stops the running task on an executor.
type TaskCanceler interface {
	Cancel(ctx context.Context, baseURL, sessionID string) error
}

// binding pairs a container with the lock serializing its I/O. The pool
// mutex protects the maps; provision and delete calls happen under the
// per-binding lock only.
type binding struct {
	mu        sync.Mutex
	container *Container
}

// Stats is the pool snapshot served by the load endpoint.
type Stats struct {
	TotalActive     int         `json:"total_active"`
	PersistentCount int         `json:"persistent_count"`
	EphemeralCount  int         `json:"ephemeral_count"`
	Containers      []Container `json:"containers"`
}

// Pool tracks at most one container binding per session.
type Pool struct {
	provisioner Provisioner
	canceler    TaskCanceler
	log         *logger.Logger

	mu             sync.Mutex
	bySession      map[string]*binding
	byContainer    map[string]*binding
	pendingDeletes map[string]time.Time
}

// New creates a pool over the given provisioner.
func New(provisioner Provisioner, canceler TaskCanceler, log *logger.Logger) *Pool {
	return &Pool{
		provisioner:    provisioner,
		canceler:       canceler,
		log:            log.WithFields(zap.String("component", "container_pool")),
		bySession:      make(map[string]*binding),
		byContainer:    make(map[string]*binding),
		pendingDeletes: make(map[string]time.Time),
	}
}

// GetOrCreate returns the executor URL and container id bound to the
// session, provisioning when needed. Persistent mode with a known
// container id reuses the registered container; ephemeral mode always
// provisions a fresh one.
func (p *Pool) GetOrCreate(ctx context.Context, sessionID, userID, mode, containerID string) (string, string, error) {
	if mode == "" {
		mode = ModeEphemeral
	}

	for {
		p.mu.Lock()
		if b, ok := p.bySession[sessionID]; ok {
			p.mu.Unlock()
			// The binding may still be provisioning; its lock is held
			// for the duration, so this blocks until the container is
			// ready (or the provision failed and the slot was cleared).
			b.mu.Lock()
			p.mu.Lock()
			if p.bySession[sessionID] != b || b.container == nil {
				p.mu.Unlock()
				b.mu.Unlock()
				continue
			}
			url, id := b.container.URL, b.container.ID
			b.container.State = StateActive
			p.mu.Unlock()
			b.mu.Unlock()
			return url, id, nil
		}
		if mode == ModePersistent && containerID != "" {
			b, ok := p.byContainer[containerID]
			if !ok || b.container == nil {
				p.mu.Unlock()
				return "", "", apperr.Newf(apperr.CodeNotFound, "container %s is not registered", containerID)
			}
			b.container.SessionID = sessionID
			b.container.State = StateActive
			p.bySession[sessionID] = b
			url := b.container.URL
			p.mu.Unlock()
			return url, containerID, nil
		}
		break
	}

	// Reserve the session slot before the provisioning I/O. The slot is
	// inserted locked, so a concurrent dispatch for the same session
	// waits on it above instead of provisioning a second container.
	b := &binding{}
	b.mu.Lock()
	p.bySession[sessionID] = b
	p.mu.Unlock()

	ctr, err := p.provisioner.Provision(ctx, ProvisionRequest{SessionID: sessionID, UserID: userID, Mode: mode})
	if err != nil {
		p.mu.Lock()
		if p.bySession[sessionID] == b {
			delete(p.bySession, sessionID)
		}
		p.mu.Unlock()
		b.mu.Unlock()
		return "", "", apperr.Wrap(apperr.CodeExternalService, "failed to provision container", err)
	}

	ctr.SessionID = sessionID
	ctr.UserID = userID
	ctr.Mode = mode
	ctr.State = StateActive
	if ctr.CreatedAt.IsZero() {
		ctr.CreatedAt = time.Now().UTC()
	}

	p.mu.Lock()
	b.container = ctr
	p.byContainer[ctr.ID] = b
	p.mu.Unlock()
	b.mu.Unlock()

	p.log.Info("container bound",
		zap.String("session_id", sessionID),
		zap.String("container_id", ctr.ID),
		zap.String("mode", mode))
	return ctr.URL, ctr.ID, nil
}

// CancelTask stops the session's running task on its executor. Ephemeral
// containers are deleted afterwards.
func (p *Pool) CancelTask(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	b, ok := p.bySession[sessionID]
	p.mu.Unlock()
	if !ok || b.container == nil {
		return apperr.Newf(apperr.CodeNotFound, "no container bound to session %s", sessionID)
	}

	if p.canceler != nil {
		if err := p.canceler.Cancel(ctx, b.container.URL, sessionID); err != nil {
			p.log.Warn("executor cancel failed",
				zap.String("session_id", sessionID),
				zap.String("container_id", b.container.ID),
				zap.Error(err))
		}
	}

	if b.container.Mode == ModeEphemeral {
		p.releaseSession(ctx, sessionID)
	}
	return nil
}

// OnTaskComplete releases the session's binding. Ephemeral containers
// are scheduled for deletion; persistent ones go idle and stay
// registered for reuse.
func (p *Pool) OnTaskComplete(ctx context.Context, sessionID string) {
	p.mu.Lock()
	b, ok := p.bySession[sessionID]
	if !ok || b.container == nil {
		p.mu.Unlock()
		return
	}
	if b.container.Mode == ModePersistent {
		b.container.State = StateIdle
		b.container.SessionID = ""
		delete(p.bySession, sessionID)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.releaseSession(ctx, sessionID)
}

// DeleteContainer force-deletes a container and drops its bindings.
func (p *Pool) DeleteContainer(ctx context.Context, containerID string) error {
	p.mu.Lock()
	b, ok := p.byContainer[containerID]
	if !ok || b.container == nil {
		p.mu.Unlock()
		return apperr.Newf(apperr.CodeNotFound, "container %s is not registered", containerID)
	}
	b.container.State = StateDeleting
	if b.container.SessionID != "" {
		delete(p.bySession, b.container.SessionID)
	}
	delete(p.byContainer, containerID)
	p.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := p.provisioner.Delete(ctx, containerID); err != nil {
		p.deferDelete(containerID, err)
		return apperr.Wrap(apperr.CodeExternalService, "failed to delete container", err)
	}
	return nil
}

// releaseSession unbinds and deletes the session's ephemeral container.
// Delete failures are queued for the background sweep so they never
// block dispatch.
func (p *Pool) releaseSession(ctx context.Context, sessionID string) {
	p.mu.Lock()
	b, ok := p.bySession[sessionID]
	if !ok || b.container == nil {
		p.mu.Unlock()
		return
	}
	containerID := b.container.ID
	b.container.State = StateDeleting
	delete(p.bySession, sessionID)
	delete(p.byContainer, containerID)
	p.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := p.provisioner.Delete(ctx, containerID); err != nil {
		p.deferDelete(containerID, err)
		return
	}
	p.log.Info("container released",
		zap.String("session_id", sessionID),
		zap.String("container_id", containerID))
}

func (p *Pool) deferDelete(containerID string, cause error) {
	p.mu.Lock()
	p.pendingDeletes[containerID] = time.Now().UTC()
	p.mu.Unlock()
	p.log.Warn("container delete failed, queued for retry",
		zap.String("container_id", containerID),
		zap.Error(cause))
}

// Stats returns a snapshot of the registered containers.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Containers: make([]Container, 0, len(p.byContainer))}
	for _, b := range p.byContainer {
		if b.container == nil {
			continue
		}
		stats.Containers = append(stats.Containers, *b.container)
		if b.container.State == StateActive {
			stats.TotalActive++
		}
		switch b.container.Mode {
		case ModePersistent:
			stats.PersistentCount++
		case ModeEphemeral:
			stats.EphemeralCount++
		}
	}
	return stats
}

// Recover re-registers containers that survived a Manager restart.
func (p *Pool) Recover(ctx context.Context) error {
	containers, err := p.provisioner.Recover(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ctr := range containers {
		b := &binding{container: ctr}
		p.byContainer[ctr.ID] = b
		if ctr.SessionID != "" {
			p.bySession[ctr.SessionID] = b
		}
		p.log.Info("recovered container",
			zap.String("container_id", ctr.ID),
			zap.String("session_id", ctr.SessionID),
			zap.String("mode", ctr.Mode))
	}
	return nil
}

// StartSweep retries failed deletes until ctx is canceled.
func (p *Pool) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.retryDeletes(ctx)
			}
		}
	}()
}

func (p *Pool) retryDeletes(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.pendingDeletes))
	for id := range p.pendingDeletes {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.provisioner.Delete(ctx, id); err != nil {
			p.log.Warn("container delete retry failed",
				zap.String("container_id", id),
				zap.Error(err))
			continue
		}
		p.mu.Lock()
		delete(p.pendingDeletes, id)
		p.mu.Unlock()
		p.log.Info("container deleted on retry", zap.String("container_id", id))
	}
}
