package cluster

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// engine narrows the docker SDK to the swarm calls used here.
type engine interface {
	Ping(ctx context.Context) error
	SwarmActive(ctx context.Context) (bool, error)
	NetworkExists(ctx context.Context, name string) (bool, error)
	CreateOverlayNetwork(ctx context.Context, name string) error
	CreateService(ctx context.Context, spec swarm.ServiceSpec) (string, error)
	InspectService(ctx context.Context, id string) (swarm.Service, error)
	UpdateService(ctx context.Context, id string, version swarm.Version, spec swarm.ServiceSpec) error
	RemoveService(ctx context.Context, id string) error
	ListTasks(ctx context.Context, serviceID string) ([]swarm.Task, error)
	ListServices(ctx context.Context, label string) ([]swarm.Service, error)
	ServiceLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

type dockerEngine struct {
	cli *client.Client
}

func newDockerEngine(host string) (*dockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &dockerEngine{cli: cli}, nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrNotFound(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%w: %v", errConflict, err)
	default:
		return err
	}
}

func (e *dockerEngine) Ping(ctx context.Context) error {
	ping, err := e.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

func (e *dockerEngine) SwarmActive(ctx context.Context) (bool, error) {
	info, err := e.cli.Info(ctx)
	if err != nil {
		return false, err
	}
	return info.Swarm.LocalNodeState == swarm.LocalNodeStateActive, nil
}

func (e *dockerEngine) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := e.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *dockerEngine) CreateOverlayNetwork(ctx context.Context, name string) error {
	_, err := e.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "overlay", Attachable: true})
	return translate(err)
}

func (e *dockerEngine) CreateService(ctx context.Context, spec swarm.ServiceSpec) (string, error) {
	resp, err := e.cli.ServiceCreate(ctx, spec, types.ServiceCreateOptions{})
	if err != nil {
		return "", translate(err)
	}
	return resp.ID, nil
}

func (e *dockerEngine) InspectService(ctx context.Context, id string) (swarm.Service, error) {
	svc, _, err := e.cli.ServiceInspectWithRaw(ctx, id, types.ServiceInspectOptions{})
	return svc, translate(err)
}

func (e *dockerEngine) UpdateService(ctx context.Context, id string, version swarm.Version, spec swarm.ServiceSpec) error {
	_, err := e.cli.ServiceUpdate(ctx, id, version, spec, types.ServiceUpdateOptions{})
	return translate(err)
}

func (e *dockerEngine) RemoveService(ctx context.Context, id string) error {
	return translate(e.cli.ServiceRemove(ctx, id))
}

func (e *dockerEngine) ListTasks(ctx context.Context, serviceID string) ([]swarm.Task, error) {
	tasks, err := e.cli.TaskList(ctx, types.TaskListOptions{Filters: filters.NewArgs(filters.Arg("service", serviceID))})
	return tasks, translate(err)
}

func (e *dockerEngine) ListServices(ctx context.Context, label string) ([]swarm.Service, error) {
	services, err := e.cli.ServiceList(ctx, types.ServiceListOptions{Filters: filters.NewArgs(filters.Arg("label", label))})
	return services, translate(err)
}

func (e *dockerEngine) ServiceLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	rc, err := e.cli.ServiceLogs(ctx, id, opts)
	return rc, translate(err)
}

func (e *dockerEngine) Close() error {
	return e.cli.Close()
}
