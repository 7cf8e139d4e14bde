package pool

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/common/config"
	"github.com/runloom/runloom/internal/common/logger"
)

// Container labels used for restart recovery.
const (
	labelManaged   = "runloom.managed"
	labelSessionID = "runloom.session_id"
	labelUserID    = "runloom.user_id"
	labelMode      = "runloom.mode"
)

// DockerProvisioner runs executors as Docker containers with the
// session workspace bind-mounted at /workspace.
type DockerProvisioner struct {
	cli           *client.Client
	cfg           config.DockerConfig
	workspaceRoot string
	log           *logger.Logger
}

// NewDockerProvisioner connects to the Docker daemon.
func NewDockerProvisioner(cfg config.DockerConfig, workspaceRoot string, log *logger.Logger) (*DockerProvisioner, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerProvisioner{
		cli:           cli,
		cfg:           cfg,
		workspaceRoot: workspaceRoot,
		log:           log.WithFields(zap.String("provisioner", "docker")),
	}, nil
}

// Close releases the Docker client.
func (d *DockerProvisioner) Close() error {
	return d.cli.Close()
}

// Ping checks that the daemon is reachable.
func (d *DockerProvisioner) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker not reachable: %w", err)
	}
	return nil
}

// Provision creates and starts one executor container.
func (d *DockerProvisioner) Provision(ctx context.Context, req ProvisionRequest) (*Container, error) {
	name := "runloom-executor-" + uuid.New().String()[:8]
	hostWorkspace := filepath.Join(d.workspaceRoot, req.UserID, req.SessionID)

	containerCfg := &container.Config{
		Image: d.cfg.Image,
		Env: []string{
			fmt.Sprintf("EXECUTOR_PORT=%d", d.cfg.ExecutorPort),
			"SESSION_ID=" + req.SessionID,
		},
		Labels: map[string]string{
			labelManaged:   "true",
			labelSessionID: req.SessionID,
			labelUserID:    req.UserID,
			labelMode:      req.Mode,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.cfg.DefaultNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: hostWorkspace,
			Target: "/workspace",
		}},
	}

	created, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	ip, err := d.containerIP(ctx, created.ID)
	if err != nil {
		_ = d.Delete(ctx, created.ID)
		return nil, err
	}

	d.log.Info("executor container started",
		zap.String("container_id", created.ID),
		zap.String("name", name),
		zap.String("ip", ip))

	return &Container{
		ID:        created.ID,
		URL:       fmt.Sprintf("http://%s:%d", ip, d.cfg.ExecutorPort),
		Mode:      req.Mode,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Delete stops and removes a container.
func (d *DockerProvisioner) Delete(ctx context.Context, containerID string) error {
	timeout := int((10 * time.Second).Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		d.log.Debug("container stop failed, forcing removal",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// Recover finds running labeled containers left over from a previous
// Manager process and rebuilds their bindings from labels.
func (d *DockerProvisioner) Recover(ctx context.Context) ([]*Container, error) {
	args := filters.NewArgs()
	args.Add("label", labelManaged+"=true")
	listed, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var recovered []*Container
	for _, ctr := range listed {
		if ctr.State != "running" {
			d.log.Debug("skipping non-running container",
				zap.String("container_id", ctr.ID),
				zap.String("state", ctr.State))
			continue
		}
		ip, err := d.containerIP(ctx, ctr.ID)
		if err != nil {
			d.log.Warn("failed to resolve container IP",
				zap.String("container_id", ctr.ID),
				zap.Error(err))
			continue
		}
		mode := ctr.Labels[labelMode]
		if mode == "" {
			mode = ModeEphemeral
		}
		recovered = append(recovered, &Container{
			ID:        ctr.ID,
			URL:       fmt.Sprintf("http://%s:%d", ip, d.cfg.ExecutorPort),
			Mode:      mode,
			SessionID: ctr.Labels[labelSessionID],
			UserID:    ctr.Labels[labelUserID],
			State:     StateActive,
			CreatedAt: time.Unix(ctr.Created, 0).UTC(),
		})
	}
	return recovered, nil
}

func (d *DockerProvisioner) containerIP(ctx context.Context, containerID string) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("no network settings for container %s", containerID)
	}
	if inspect.NetworkSettings.IPAddress != "" {
		return inspect.NetworkSettings.IPAddress, nil
	}
	for _, net := range inspect.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return "", fmt.Errorf("no IP address found for container %s", containerID)
}
