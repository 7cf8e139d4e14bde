package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Pull.MaxConcurrentTasks)
	assert.Equal(t, 30*time.Second, cfg.Pull.ClaimLease())
	assert.Equal(t, "", cfg.NATS.URL)
	assert.True(t, cfg.S3.ForcePathStyle)
	assert.Contains(t, cfg.Workspace.ExportIgnore, ".git")
	assert.Contains(t, cfg.Workspace.ExportIgnore, "node_modules")
}

func TestFlatEnvBindings(t *testing.T) {
	t.Setenv("BACKEND_URL", "http://backend:9000")
	t.Setenv("MAX_CONCURRENT_TASKS", "3")
	t.Setenv("TASK_CLAIM_LEASE_SECONDS", "45")
	t.Setenv("S3_BUCKET", "exports")
	t.Setenv("INTERNAL_API_TOKEN", "secret")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "http://backend:9000", cfg.Services.BackendURL)
	assert.Equal(t, 3, cfg.Pull.MaxConcurrentTasks)
	assert.Equal(t, 45, cfg.Pull.ClaimLeaseSeconds)
	assert.Equal(t, "exports", cfg.S3.Bucket)
	assert.Equal(t, "secret", cfg.Services.InternalAPIToken)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_TASKS", "0")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxConcurrentTasks")
}
