// Package docker wraps the Docker SDK with the container lifecycle
// operations the supervisor needs to drive taskrunner containers.
package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	"github.com/kilnci/kiln/internal/common/config"
	"github.com/kilnci/kiln/internal/common/logger"
)

// MountConfig holds one bind mount.
type MountConfig struct {
	Source   string // host path
	Target   string // container path
	ReadOnly bool
}

// ContainerConfig holds configuration for creating a container.
type ContainerConfig struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Mounts     []MountConfig
	AutoRemove bool
	Labels     map[string]string
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Debug("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)
	return &Client{cli: cli, logger: log}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping verifies the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// RunContainer creates and starts a detached container, returning its ID.
func (c *Client) RunContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
	}
	hostCfg := &container.HostConfig{
		Mounts:     mounts,
		AutoRemove: cfg.AutoRemove,
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", cfg.Name, err)
	}

	c.logger.Info("Container started",
		zap.String("name", cfg.Name),
		zap.String("id", resp.ID))
	return resp.ID, nil
}

// KillContainer sends a signal to a container by name or ID.
func (c *Client) KillContainer(ctx context.Context, nameOrID, signal string) error {
	if err := c.cli.ContainerKill(ctx, nameOrID, signal); err != nil {
		return fmt.Errorf("failed to kill container %s: %w", nameOrID, err)
	}
	c.logger.Info("Signalled container",
		zap.String("container", nameOrID),
		zap.String("signal", signal))
	return nil
}

// RemoveContainer force-removes a container.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string) error {
	err := c.cli.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", nameOrID, err)
	}
	return nil
}

// IsNotRunning reports whether err means the container is gone or not
// running — the cue for the supervisor to mark a run failed by hand.
func IsNotRunning(err error) bool {
	if err == nil {
		return false
	}
	if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "is not running") || strings.Contains(msg, "No such container")
}
