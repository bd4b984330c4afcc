package product

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/habitio/habit-cortex-orchestrator/internal/cluster"
	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
)

// ScaleResult reports an accepted scale request.
type ScaleResult struct {
	ProductID   int64
	ProductName string
	Replicas    int
}

// StatusView pairs the stored product with a live cluster snapshot when one exists.
type StatusView struct {
	Product domain.Product
	Cluster *cluster.ServiceStatus
}

// Start provisions the product's cluster service.
func (s *Service) Start(ctx context.Context, id int64) (*domain.Product, error) {
	product, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if product.Status == domain.StatusRunning {
		return nil, &domain.Error{
			Kind:    domain.KindInvalid,
			Message: fmt.Sprintf("Product '%s' is already running", product.Name),
			Err:     domain.ErrAlreadyRunning,
		}
	}
	// A start that died before the service was created may be retried.
	if product.Status == domain.StatusStarting && product.HasService() {
		return nil, domain.Conflictf("Product '%s' is already starting", product.Name)
	}
	previous := product.Status
	if err := s.transition(ctx, product, domain.StatusStarting, nil, nil); err != nil {
		return nil, err
	}

	image := product.ImageName
	if image == "" {
		image = s.defaultImage
	}
	serviceID, err := s.cluster.CreateService(ctx, cluster.ServiceRequest{
		ProductID: product.ID,
		Name:      product.Name,
		Slug:      product.Slug,
		Port:      product.Port,
		Replicas:  product.Replicas,
		Image:     image,
		Env:       product.EnvVars,
	})
	if err != nil {
		return nil, s.startFailed(ctx, product, previous, err)
	}

	deployedAt := s.now().UTC()
	if err := s.transition(ctx, product, domain.StatusRunning, &serviceID, &deployedAt); err != nil {
		if rmErr := s.cluster.RemoveService(ctx, serviceID); rmErr != nil && !errors.Is(rmErr, cluster.ErrNotFound) {
			s.logger.Error("orphaned service after failed state write", "product_id", product.ID, "service_id", serviceID, "error", rmErr)
		}
		return nil, s.startFailed(ctx, product, previous, err)
	}
	s.logger.Info("product started", "product_id", product.ID, "service_id", serviceID, "replicas", product.Replicas)
	s.emit(ctx, product, "product_started", domain.SeverityInfo, product.Name+" started",
		map[string]any{"service_id": serviceID, "replicas": product.Replicas},
		"start_product", map[string]domain.Change{"status": {Old: string(previous), New: string(domain.StatusRunning)}}, nil)
	return product, nil
}

func (s *Service) startFailed(ctx context.Context, product *domain.Product, previous domain.Status, cause error) error {
	if err := s.transition(ctx, product, domain.StatusFailed, nil, nil); err != nil {
		s.logger.Error("record failed start", "product_id", product.ID, "error", err)
	}
	s.logger.Error("product start failed", "product_id", product.ID, "error", cause)
	s.emit(ctx, product, "product_start_failed", domain.SeverityError,
		fmt.Sprintf("%s failed to start: %s", product.Name, truncate(cause.Error(), 100)),
		nil, "start_product", map[string]domain.Change{"status": {Old: string(previous), New: string(domain.StatusFailed)}}, cause)
	return domain.Internalf(cause, "Failed to deploy service: %v", cause)
}

// Stop removes the product's cluster service. A service that is already gone counts as stopped.
func (s *Service) Stop(ctx context.Context, id int64) (*domain.Product, error) {
	product, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if product.Status == domain.StatusStopped {
		return nil, domain.Invalidf("Product '%s' is already stopped", product.Name)
	}
	previous := product.Status
	changes := map[string]domain.Change{"status": {Old: string(previous), New: string(domain.StatusStopped)}}

	if !product.HasService() {
		if err := s.transition(ctx, product, domain.StatusStopped, nil, nil); err != nil {
			return nil, err
		}
		s.emit(ctx, product, "product_stopped", domain.SeverityInfo, product.Name+" stopped", nil, "stop_product", changes, nil)
		return product, nil
	}

	serviceID := *product.ServiceID
	if err := s.transition(ctx, product, domain.StatusStopping, product.ServiceID, product.DeployedAt); err != nil {
		return nil, err
	}
	metadata := map[string]any{"service_id": serviceID}
	if err := s.cluster.RemoveService(ctx, serviceID); err != nil {
		if !errors.Is(err, cluster.ErrNotFound) {
			s.logger.Error("product stop failed", "product_id", product.ID, "service_id", serviceID, "error", err)
			s.emit(ctx, product, "product_stop_failed", domain.SeverityError,
				fmt.Sprintf("%s failed to stop: %s", product.Name, truncate(err.Error(), 100)),
				metadata, "stop_product", nil, err)
			return nil, domain.Internalf(err, "Failed to remove service: %v", err)
		}
		metadata["already_removed"] = true
	}
	if err := s.transition(ctx, product, domain.StatusStopped, nil, nil); err != nil {
		return nil, err
	}
	s.logger.Info("product stopped", "product_id", product.ID, "service_id", serviceID)
	s.emit(ctx, product, "product_stopped", domain.SeverityInfo, product.Name+" stopped", metadata, "stop_product", changes, nil)
	return product, nil
}

// Scale changes the replica count of a running product. Convergence is asynchronous.
func (s *Service) Scale(ctx context.Context, id int64, replicas int) (*ScaleResult, error) {
	if err := validateReplicas(replicas); err != nil {
		return nil, err
	}
	product, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if product.Status != domain.StatusRunning || !product.HasService() {
		return nil, domain.Invalidf("Cannot scale product in '%s' state. Must be running.", product.Status)
	}
	old := product.Replicas
	if err := s.cluster.ScaleService(ctx, *product.ServiceID, replicas); err != nil {
		if errors.Is(err, cluster.ErrNotFound) {
			s.reconcile(ctx, product, "scale")
			return nil, domain.Invalidf("Service for product '%s' no longer exists; product marked stopped", product.Name)
		}
		s.emit(ctx, product, "product_scale_failed", domain.SeverityError,
			fmt.Sprintf("%s failed to scale: %s", product.Name, truncate(err.Error(), 100)),
			map[string]any{"old_replicas": old, "new_replicas": replicas},
			"scale_product", map[string]domain.Change{"replicas": {Old: old, New: replicas}}, err)
		return nil, domain.Internalf(err, "Failed to scale service: %v", err)
	}
	if err := s.products.UpdateProductReplicas(ctx, product.ID, replicas); err != nil {
		s.logger.Error("record scaled replicas", "product_id", product.ID, "service_id", *product.ServiceID, "replicas", replicas, "error", err)
		s.emit(ctx, product, "product_scale_failed", domain.SeverityError,
			fmt.Sprintf("%s scaled in cluster but replica count not saved: %s", product.Name, truncate(err.Error(), 100)),
			map[string]any{"old_replicas": old, "new_replicas": replicas, "cluster_scaled": true},
			"scale_product", map[string]domain.Change{"replicas": {Old: old, New: replicas}}, err)
		return nil, fmt.Errorf("update replicas: %w", err)
	}
	product.Replicas = replicas
	s.logger.Info("product scaled", "product_id", product.ID, "from", old, "to", replicas)
	s.emit(ctx, product, "product_scaled", domain.SeverityInfo,
		fmt.Sprintf("%s scaled from %d to %d replicas", product.Name, old, replicas),
		map[string]any{"old_replicas": old, "new_replicas": replicas},
		"scale_product", map[string]domain.Change{"replicas": {Old: old, New: replicas}}, nil)
	return &ScaleResult{ProductID: product.ID, ProductName: product.Name, Replicas: replicas}, nil
}

// Status returns the stored product plus the live service snapshot. When the
// cluster no longer knows the service, the product is reconciled to stopped.
func (s *Service) Status(ctx context.Context, id int64) (*StatusView, error) {
	product, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot, _, err := s.Observe(ctx, product)
	if err != nil {
		return nil, err
	}
	return &StatusView{Product: *product, Cluster: snapshot}, nil
}

// ListDeployed returns products that record a cluster service.
func (s *Service) ListDeployed(ctx context.Context) ([]domain.Product, error) {
	products, err := s.products.ListDeployedProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deployed products: %w", err)
	}
	return products, nil
}

// Observe reads the live service for product, reconciling it to stopped when
// the service has vanished. product is updated in place.
func (s *Service) Observe(ctx context.Context, product *domain.Product) (*cluster.ServiceStatus, bool, error) {
	if !product.HasService() {
		return nil, false, nil
	}
	snapshot, err := s.cluster.ServiceStatus(ctx, *product.ServiceID)
	if err != nil {
		if errors.Is(err, cluster.ErrNotFound) {
			return nil, s.reconcile(ctx, product, "status"), nil
		}
		return nil, false, domain.Internalf(err, "Failed to read service status: %v", err)
	}
	return &snapshot, false, nil
}

// reconcile records that the cluster lost product's service.
func (s *Service) reconcile(ctx context.Context, product *domain.Product, source string) bool {
	previous := product.Status
	serviceID := *product.ServiceID
	if previous != domain.StatusStopped {
		if err := domain.ValidateTransition(previous, domain.StatusStopped); err != nil {
			s.logger.Error("reconcile product", "product_id", product.ID, "error", err)
			return false
		}
	}
	// Only clear the service that was observed missing. A concurrent stop and
	// start may already have moved the product to a new service.
	cleared, err := s.products.ClearProductService(ctx, product.ID, serviceID)
	if err != nil {
		s.logger.Error("reconcile product", "product_id", product.ID, "service_id", serviceID, "error", err)
		return false
	}
	if !cleared {
		s.logger.Info("product moved on before reconcile", "product_id", product.ID, "stale_service_id", serviceID)
		if fresh, err := s.products.GetProduct(ctx, product.ID); err == nil {
			*product = *fresh
		}
		return false
	}
	product.Status = domain.StatusStopped
	product.ServiceID = nil
	product.DeployedAt = nil
	if previous == domain.StatusStopped {
		return true
	}
	s.metrics.Transition(string(previous), string(domain.StatusStopped))
	s.metrics.Reconciled()
	s.logger.Warn("service missing from cluster, product marked stopped", "product_id", product.ID, "service_id", serviceID, "source", source)
	s.emit(ctx, product, "product_reconciled", domain.SeverityWarning,
		fmt.Sprintf("%s service no longer exists; marked stopped", product.Name),
		map[string]any{"service_id": serviceID, "source": source},
		"reconcile_product", map[string]domain.Change{"status": {Old: string(previous), New: string(domain.StatusStopped)}}, nil)
	return true
}

// transition validates and persists a status change, updating product in place.
func (s *Service) transition(ctx context.Context, product *domain.Product, next domain.Status, serviceID *string, deployedAt *time.Time) error {
	if err := domain.ValidateTransition(product.Status, next); err != nil {
		return err
	}
	if err := s.products.UpdateProductState(ctx, product.ID, next, serviceID, deployedAt); err != nil {
		return fmt.Errorf("update product state: %w", err)
	}
	s.metrics.Transition(string(product.Status), string(next))
	product.Status = next
	product.ServiceID = serviceID
	product.DeployedAt = deployedAt
	return nil
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
