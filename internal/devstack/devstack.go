// Package devstack manages the local Postgres and Redis containers behind
// `inkwell infra`. The containers carry the ports and credentials the default
// configuration points at, so `inkwell infra up` followed by `inkwell serve`
// works without editing anything.
package devstack

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	PostgresImage         = "postgres:16-alpine"
	PostgresContainerName = "inkwell-postgres"
	// PostgresHostPort avoids the standard 5432 so a system Postgres can
	// coexist with the dev stack. The default database.url matches.
	PostgresHostPort = "5433"

	RedisImage         = "redis:7-alpine"
	RedisContainerName = "inkwell-redis"
	// RedisHostPort avoids the standard 6379 for the same reason.
	RedisHostPort = "6380"

	// Label marks every container the stack creates, so cleanup can find
	// them even after a rename.
	Label = "inkwell-devstack"

	postgresUser = "inkwell"
	postgresDB   = "inkwell"
)

// Status is the lifecycle state of one container.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusNotFound Status = "not_found"
	StatusStarting Status = "starting"
)

// service describes one container of the stack.
type service struct {
	name          string
	image         string
	containerPort nat.Port
	hostPort      string
	env           []string
	cmd           []string
	mountTarget   string
	dataPath      string
	healthcheck   *container.HealthConfig
}

// Config holds the stack's host-side settings.
type Config struct {
	// PostgresDataPath and RedisDataPath are host directories mounted as
	// the containers' data volumes. Empty skips the mount and the data
	// dies with the container.
	PostgresDataPath string
	RedisDataPath    string

	// PostgresPort and RedisPort override the host ports.
	PostgresPort string
	RedisPort    string

	// NamePrefix overrides the "inkwell" container name prefix. Tests
	// use it to keep their containers apart from a real dev stack.
	NamePrefix string

	// Labels are added to every container, used by tests for cleanup.
	Labels map[string]string
}

// Manager drives the dev stack through the Docker API.
type Manager struct {
	cli      *client.Client
	services []service
	prefix   string
	labels   map[string]string
}

// NewManager creates a Manager talking to the local Docker daemon.
func NewManager(cfg Config) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	pgPort := cfg.PostgresPort
	if pgPort == "" {
		pgPort = PostgresHostPort
	}
	redisPort := cfg.RedisPort
	if redisPort == "" {
		redisPort = RedisHostPort
	}
	prefix := cfg.NamePrefix
	if prefix == "" {
		prefix = "inkwell"
	}

	labels := map[string]string{Label: "true"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &Manager{
		cli:    cli,
		prefix: prefix,
		labels: labels,
		services: []service{
			{
				name:          prefix + "-postgres",
				image:         PostgresImage,
				containerPort: "5432/tcp",
				hostPort:      pgPort,
				env: []string{
					"POSTGRES_USER=" + postgresUser,
					"POSTGRES_PASSWORD=" + postgresUser,
					"POSTGRES_DB=" + postgresDB,
				},
				mountTarget: "/var/lib/postgresql/data",
				dataPath:    cfg.PostgresDataPath,
				healthcheck: &container.HealthConfig{
					Test:        []string{"CMD-SHELL", "pg_isready -U " + postgresUser + " -d " + postgresDB},
					Interval:    2 * time.Second,
					Timeout:     5 * time.Second,
					Retries:     15,
					StartPeriod: 3 * time.Second,
				},
			},
			{
				name:          prefix + "-redis",
				image:         RedisImage,
				containerPort: "6379/tcp",
				hostPort:      redisPort,
				cmd:           []string{"redis-server", "--appendonly", "yes"},
				mountTarget:   "/data",
				dataPath:      cfg.RedisDataPath,
				healthcheck: &container.HealthConfig{
					Test:        []string{"CMD", "redis-cli", "ping"},
					Interval:    2 * time.Second,
					Timeout:     5 * time.Second,
					Retries:     15,
					StartPeriod: 1 * time.Second,
				},
			},
		},
	}, nil
}

// Close closes the Docker client.
func (m *Manager) Close() error {
	return m.cli.Close()
}

// Up starts both containers, creating them on first use, and waits until
// their healthchecks pass.
func (m *Manager) Up(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}

	for _, svc := range m.services {
		if err := m.startService(ctx, svc); err != nil {
			return fmt.Errorf("%s: %w", svc.name, err)
		}
	}
	return m.WaitReady(ctx, 60*time.Second)
}

// Down stops both containers. Data directories are preserved.
func (m *Manager) Down(ctx context.Context) error {
	for _, svc := range m.services {
		status, id, err := m.containerStatus(ctx, svc.name)
		if err != nil {
			return err
		}
		if status == StatusNotFound || status == StatusStopped {
			continue
		}
		timeout := 10
		if err := m.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
			return fmt.Errorf("failed to stop %s: %w", svc.name, err)
		}
	}
	return nil
}

// Remove stops and removes both containers. Host data directories are not
// touched.
func (m *Manager) Remove(ctx context.Context) error {
	if err := m.Down(ctx); err != nil {
		return err
	}
	for _, svc := range m.services {
		status, id, err := m.containerStatus(ctx, svc.name)
		if err != nil {
			return err
		}
		if status == StatusNotFound {
			continue
		}
		if err := m.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("failed to remove %s: %w", svc.name, err)
		}
	}
	return nil
}

// ServiceStatus pairs a container name with its state.
type ServiceStatus struct {
	Name   string
	Status Status
	Addr   string
}

// Status reports the state of each container in the stack.
func (m *Manager) Status(ctx context.Context) ([]ServiceStatus, error) {
	out := make([]ServiceStatus, 0, len(m.services))
	for _, svc := range m.services {
		status, _, err := m.containerStatus(ctx, svc.name)
		if err != nil {
			return nil, err
		}
		out = append(out, ServiceStatus{
			Name:   svc.name,
			Status: status,
			Addr:   "127.0.0.1:" + svc.hostPort,
		})
	}
	return out, nil
}

// Logs returns the tail of one container's logs. Name matching accepts the
// short service name ("postgres", "redis") or the full container name.
func (m *Manager) Logs(ctx context.Context, name, tail string) (string, error) {
	svc, err := m.findService(name)
	if err != nil {
		return "", err
	}
	status, id, err := m.containerStatus(ctx, svc.name)
	if err != nil {
		return "", err
	}
	if status == StatusNotFound {
		return "", fmt.Errorf("container %s not found", svc.name)
	}

	logs, err := m.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer logs.Close()

	data, err := io.ReadAll(logs)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(data), nil
}

// WaitReady blocks until every container's healthcheck reports healthy.
func (m *Manager) WaitReady(ctx context.Context, timeout time.Duration) error {
	for _, svc := range m.services {
		if err := m.waitHealthy(ctx, svc.name, timeout); err != nil {
			return fmt.Errorf("%s: %w", svc.name, err)
		}
	}
	return nil
}

func (m *Manager) startService(ctx context.Context, svc service) error {
	status, id, err := m.containerStatus(ctx, svc.name)
	if err != nil {
		return err
	}

	switch status {
	case StatusRunning:
		return nil
	case StatusStopped:
		return m.cli.ContainerStart(ctx, id, container.StartOptions{})
	case StatusNotFound:
		return m.createAndStart(ctx, svc)
	default:
		return fmt.Errorf("container in unexpected state: %s", status)
	}
}

func (m *Manager) createAndStart(ctx context.Context, svc service) error {
	if err := m.ensureImage(ctx, svc.image); err != nil {
		return err
	}

	containerConfig := &container.Config{
		Image:        svc.image,
		Env:          svc.env,
		Cmd:          svc.cmd,
		Labels:       m.labels,
		ExposedPorts: nat.PortSet{svc.containerPort: struct{}{}},
		Healthcheck:  svc.healthcheck,
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			svc.containerPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: svc.hostPort},
			},
		},
	}
	if svc.dataPath != "" {
		hostConfig.Mounts = []mount.Mount{
			{Type: mount.TypeBind, Source: svc.dataPath, Target: svc.mountTarget},
		}
	}

	resp, err := m.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, svc.name)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (m *Manager) containerStatus(ctx context.Context, name string) (Status, string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("name", name)

	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return StatusNotFound, "", nil
	}

	c := containers[0]
	switch c.State {
	case "running":
		return StatusRunning, c.ID, nil
	case "exited", "dead":
		return StatusStopped, c.ID, nil
	case "created", "restarting":
		return StatusStarting, c.ID, nil
	default:
		return Status(c.State), c.ID, nil
	}
}

// waitHealthy polls the container's healthcheck state. The docker daemon
// runs the probes; this only reads the result.
func (m *Manager) waitHealthy(ctx context.Context, name string, timeout time.Duration) error {
	return retry.Do(
		func() error {
			_, id, err := m.containerStatus(ctx, name)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if id == "" {
				return retry.Unrecoverable(fmt.Errorf("container disappeared"))
			}
			info, err := m.cli.ContainerInspect(ctx, id)
			if err != nil {
				return err
			}
			if info.State == nil || !info.State.Running {
				return fmt.Errorf("not running")
			}
			if info.State.Health == nil {
				return nil
			}
			if info.State.Health.Status != "healthy" {
				return fmt.Errorf("health: %s", info.State.Health.Status)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(timeout.Seconds())),
		retry.Delay(1*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func (m *Manager) findService(name string) (service, error) {
	for _, svc := range m.services {
		if svc.name == name || svc.name == m.prefix+"-"+name {
			return svc, nil
		}
	}
	return service{}, fmt.Errorf("unknown service %q (postgres or redis)", name)
}

func (m *Manager) ensureImage(ctx context.Context, name string) error {
	if _, err := m.cli.ImageInspect(ctx, name); err == nil {
		return nil
	}

	reader, err := m.cli.ImagePull(ctx, name, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", name, err)
	}
	defer reader.Close()

	// The pull completes when the stream is drained.
	_, err = io.Copy(io.Discard, reader)
	return err
}
