// Package reconcile periodically aligns stored product state with the cluster.
package reconcile

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/habitio/habit-cortex-orchestrator/internal/cluster"
	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
)

const iterationTimeout = 15 * time.Second

// Lifecycle is the product surface the reconciler drives.
type Lifecycle interface {
	ListDeployed(ctx context.Context) ([]domain.Product, error)
	Observe(ctx context.Context, product *domain.Product) (*cluster.ServiceStatus, bool, error)
}

// Inventory lists services carrying the orchestrator's ownership label.
type Inventory interface {
	ListManagedServices(ctx context.Context) ([]cluster.ManagedService, error)
}

// Controller runs the reconciliation loop.
type Controller struct {
	lifecycle Lifecycle
	inventory Inventory
	interval  time.Duration
	logger    *slog.Logger
}

// New returns a controller, or nil when interval disables reconciliation.
func New(lifecycle Lifecycle, inventory Inventory, interval time.Duration, logger *slog.Logger) *Controller {
	if lifecycle == nil || interval <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		lifecycle: lifecycle,
		inventory: inventory,
		interval:  interval,
		logger:    logger.With("component", "reconcile"),
	}
}

// Run reconciles once immediately and then every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("reconciler started", "interval", c.interval)
	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs one pass and returns how many products were snapped to stopped.
func (c *Controller) RunOnce(parent context.Context) int {
	timeout := iterationTimeout
	if c.interval < timeout {
		timeout = c.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	products, err := c.lifecycle.ListDeployed(ctx)
	if err != nil {
		c.logger.Warn("list deployed products", "error", err)
		return 0
	}
	reconciled := 0
	known := make(map[string]struct{}, len(products))
	for i := range products {
		p := &products[i]
		if p.ServiceID != nil {
			known[*p.ServiceID] = struct{}{}
		}
		_, changed, err := c.lifecycle.Observe(ctx, p)
		if err != nil {
			c.logger.Warn("observe product", "product_id", p.ID, "error", err)
			continue
		}
		if changed {
			reconciled++
		}
	}
	c.reportOrphans(ctx, known)
	return reconciled
}

// reportOrphans logs managed services that no product records.
func (c *Controller) reportOrphans(ctx context.Context, known map[string]struct{}) {
	if c.inventory == nil {
		return
	}
	services, err := c.inventory.ListManagedServices(ctx)
	if err != nil {
		c.logger.Warn("list managed services", "error", err)
		return
	}
	for _, svc := range services {
		if _, ok := known[svc.ID]; ok {
			continue
		}
		productID, _ := strconv.ParseInt(svc.ProductID, 10, 64)
		c.logger.Warn("managed service has no owning product", "service_id", svc.ID, "service", svc.Name, "product_id", productID)
	}
}
