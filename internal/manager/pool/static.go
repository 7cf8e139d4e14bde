package pool

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StaticProvisioner serves a single pre-deployed executor at a fixed
// URL. Used when Docker provisioning is disabled; delete and recover
// are no-ops because the executor's lifecycle is external.
type StaticProvisioner struct {
	executorURL string
}

// NewStaticProvisioner creates a provisioner pinned to executorURL.
func NewStaticProvisioner(executorURL string) *StaticProvisioner {
	return &StaticProvisioner{executorURL: executorURL}
}

func (s *StaticProvisioner) Provision(_ context.Context, req ProvisionRequest) (*Container, error) {
	return &Container{
		ID:        "static-" + uuid.New().String()[:8],
		URL:       s.executorURL,
		Mode:      req.Mode,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *StaticProvisioner) Delete(context.Context, string) error {
	return nil
}

func (s *StaticProvisioner) Recover(context.Context) ([]*Container, error) {
	return nil, nil
}
