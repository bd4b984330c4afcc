package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/go-connections/nat"
)

const (
	// ContainerPort is the fixed port every product image listens on.
	ContainerPort = nat.Port("8000/tcp")

	managedByLabel = "managed_by"
	managedByValue = "cortex-orchestrator"
	servicePrefix  = "product-"
	maxRestarts    = uint64(3)
)

// ServiceRequest describes the replicated service for one product.
type ServiceRequest struct {
	ProductID int64
	Name      string
	Slug      string
	Port      int
	Replicas  int
	Image     string
	Env       map[string]string
}

// TaskStatus summarises one scheduled task.
type TaskStatus struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	DesiredState string `json:"desired_state"`
	NodeID       string `json:"node_id"`
	Message      string `json:"message,omitempty"`
}

// ServiceStatus is a point-in-time snapshot of a service.
type ServiceStatus struct {
	ServiceID string       `json:"service_id"`
	Desired   int          `json:"replicas_desired"`
	Running   int          `json:"replicas_running"`
	Tasks     []TaskStatus `json:"tasks"`
}

// ManagedService identifies a service created by this orchestrator.
type ManagedService struct {
	ID        string
	Name      string
	ProductID string
}

// ServiceName derives the cluster service name for a product slug.
func ServiceName(slug string) string {
	return servicePrefix + slug
}

func (c *Client) buildSpec(req ServiceRequest) (swarm.ServiceSpec, error) {
	if strings.TrimSpace(req.Slug) == "" {
		return swarm.ServiceSpec{}, fmt.Errorf("service slug cannot be empty")
	}
	if strings.TrimSpace(req.Image) == "" {
		return swarm.ServiceSpec{}, fmt.Errorf("service image cannot be empty")
	}
	if req.Port <= 0 || req.Port > 65535 {
		return swarm.ServiceSpec{}, fmt.Errorf("invalid published port %d", req.Port)
	}
	if req.Replicas < 0 {
		return swarm.ServiceSpec{}, fmt.Errorf("invalid replica count %d", req.Replicas)
	}

	env := make([]string, 0, len(req.Env)+1)
	env = append(env, "PORT="+strconv.Itoa(req.Port))
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		if k == "PORT" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}

	replicas := uint64(req.Replicas)
	restarts := maxRestarts
	return swarm.ServiceSpec{
		Annotations: swarm.Annotations{
			Name: ServiceName(req.Slug),
			Labels: map[string]string{
				"product_id":   strconv.FormatInt(req.ProductID, 10),
				"product_name": req.Name,
				"product_slug": req.Slug,
				managedByLabel: managedByValue,
			},
		},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image: req.Image,
				Env:   env,
			},
			RestartPolicy: &swarm.RestartPolicy{
				Condition:   swarm.RestartPolicyConditionOnFailure,
				MaxAttempts: &restarts,
			},
			Networks: []swarm.NetworkAttachmentConfig{{Target: c.network}},
		},
		Mode: swarm.ServiceMode{
			Replicated: &swarm.ReplicatedService{Replicas: &replicas},
		},
		EndpointSpec: &swarm.EndpointSpec{
			Ports: []swarm.PortConfig{{
				Protocol:      swarm.PortConfigProtocol(ContainerPort.Proto()),
				TargetPort:    uint32(ContainerPort.Int()),
				PublishedPort: uint32(req.Port),
				PublishMode:   swarm.PortConfigPublishModeIngress,
			}},
		},
	}, nil
}

// CreateService deploys a replicated service and returns its identifier.
// No service exists when an error is returned.
func (c *Client) CreateService(ctx context.Context, req ServiceRequest) (string, error) {
	spec, err := c.buildSpec(req)
	if err != nil {
		return "", &APIError{Op: "create service", Err: err}
	}
	id, err := c.engine.CreateService(ctx, spec)
	if err != nil {
		return "", apiError("create service", err)
	}
	c.logger.Info("service created", "service_id", id, "service", spec.Name, "replicas", req.Replicas, "port", req.Port)
	return id, nil
}

// RemoveService deletes a service. A missing service yields ErrNotFound.
func (c *Client) RemoveService(ctx context.Context, serviceID string) error {
	if strings.TrimSpace(serviceID) == "" {
		return fmt.Errorf("service id cannot be empty")
	}
	if err := c.engine.RemoveService(ctx, serviceID); err != nil {
		return apiError("remove service", err)
	}
	c.logger.Info("service removed", "service_id", serviceID)
	return nil
}

// ScaleService updates the desired replica count without waiting for convergence.
func (c *Client) ScaleService(ctx context.Context, serviceID string, replicas int) error {
	if replicas < 0 {
		return fmt.Errorf("invalid replica count %d", replicas)
	}
	svc, err := c.engine.InspectService(ctx, serviceID)
	if err != nil {
		return apiError("inspect service", err)
	}
	spec := svc.Spec
	if spec.Mode.Replicated == nil {
		return &APIError{Op: "scale service", Err: errors.New("service is not replicated")}
	}
	count := uint64(replicas)
	spec.Mode.Replicated.Replicas = &count
	if err := c.engine.UpdateService(ctx, serviceID, svc.Version, spec); err != nil {
		return apiError("scale service", err)
	}
	c.logger.Info("service scaled", "service_id", serviceID, "replicas", replicas)
	return nil
}

// ServiceStatus reports desired and running replicas plus every known task.
func (c *Client) ServiceStatus(ctx context.Context, serviceID string) (ServiceStatus, error) {
	svc, err := c.engine.InspectService(ctx, serviceID)
	if err != nil {
		return ServiceStatus{}, apiError("inspect service", err)
	}
	tasks, err := c.engine.ListTasks(ctx, serviceID)
	if err != nil {
		return ServiceStatus{}, apiError("list tasks", err)
	}
	status := ServiceStatus{ServiceID: serviceID, Tasks: make([]TaskStatus, 0, len(tasks))}
	for _, task := range tasks {
		if task.Status.State == swarm.TaskStateRunning {
			status.Running++
		}
		message := task.Status.Err
		if message == "" {
			message = task.Status.Message
		}
		status.Tasks = append(status.Tasks, TaskStatus{
			ID:           task.ID,
			State:        string(task.Status.State),
			DesiredState: string(task.DesiredState),
			NodeID:       task.NodeID,
			Message:      message,
		})
	}
	if svc.Spec.Mode.Replicated != nil && svc.Spec.Mode.Replicated.Replicas != nil {
		status.Desired = int(*svc.Spec.Mode.Replicated.Replicas)
	} else {
		status.Desired = len(tasks)
	}
	return status, nil
}

// ListManagedServices returns services labelled as owned by this orchestrator.
func (c *Client) ListManagedServices(ctx context.Context) ([]ManagedService, error) {
	services, err := c.engine.ListServices(ctx, managedByLabel+"="+managedByValue)
	if err != nil {
		return nil, apiError("list services", err)
	}
	out := make([]ManagedService, 0, len(services))
	for _, svc := range services {
		out = append(out, ManagedService{
			ID:        svc.ID,
			Name:      svc.Spec.Name,
			ProductID: svc.Spec.Labels["product_id"],
		})
	}
	return out, nil
}
