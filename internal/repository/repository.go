package repository

import (
	"context"
	"time"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
)

// ProductRepository persists products and their lifecycle fields.
type ProductRepository interface {
	CreateProduct(ctx context.Context, product *domain.Product) error
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListDeployedProducts(ctx context.Context) ([]domain.Product, error)
	UpdateProduct(ctx context.Context, product *domain.Product) error
	UpdateProductState(ctx context.Context, id int64, status domain.Status, serviceID *string, deployedAt *time.Time) error
	UpdateProductReplicas(ctx context.Context, id int64, replicas int) error
	// ClearProductService marks the product stopped only while it still
	// records serviceID. It reports false when the product has moved on.
	ClearProductService(ctx context.Context, id int64, serviceID string) (bool, error)
	DeleteProduct(ctx context.Context, id int64) error
	ProductConflicts(ctx context.Context, slug string, port int, excludeID int64) (slugTaken bool, portTaken bool, err error)
	SharedKeyExists(ctx context.Context, key string) (bool, error)
}

// ImageRepository persists image build records.
type ImageRepository interface {
	CreateImage(ctx context.Context, image *domain.DockerImage) error
	GetImage(ctx context.Context, id int64) (*domain.DockerImage, error)
	FindImage(ctx context.Context, name, tag string) (*domain.DockerImage, error)
	ListImages(ctx context.Context, status domain.BuildStatus) ([]domain.DockerImage, error)
	SetBuildStatus(ctx context.Context, id int64, status domain.BuildStatus) error
	AppendBuildLog(ctx context.Context, id int64, line string) error
	CompleteBuild(ctx context.Context, id int64, status domain.BuildStatus, log string, buildErr *string, builtAt *time.Time) error
	DeleteImage(ctx context.Context, id int64) error
}

// ActivityFilter narrows activity listings.
type ActivityFilter struct {
	ProductID *int64
	Limit     int
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	ResourceType string
	ResourceID   *int64
	Action       string
	Limit        int
}

// EventRepository stores append-only activity and audit entries.
type EventRepository interface {
	InsertActivity(ctx context.Context, activity *domain.Activity) error
	InsertAudit(ctx context.Context, audit *domain.Audit) error
	ListActivity(ctx context.Context, filter ActivityFilter) ([]domain.Activity, error)
	ListAudit(ctx context.Context, filter AuditFilter) ([]domain.Audit, error)
}

// InstanceRepository serves product-scoped configuration consumed by running instances.
type InstanceRepository interface {
	ListSubscriptions(ctx context.Context, productID int64) ([]domain.EventSubscription, error)
	CopySubscriptions(ctx context.Context, fromProductID, toProductID int64) error
	ListActiveWorkflows(ctx context.Context, productID int64) ([]domain.Workflow, error)
	ListRulesByIDs(ctx context.Context, productID int64, ids []int64) ([]domain.BusinessRule, error)
	GetActivePricingTemplate(ctx context.Context, productID, templateID int64) (*domain.PricingTemplate, error)
	ListActivePricingTemplates(ctx context.Context, productID int64, strategy string) ([]domain.PricingTemplate, error)
}

// SettingsRepository stores the single orchestrator settings row.
type SettingsRepository interface {
	GetSettings(ctx context.Context) (*domain.Settings, error)
	UpsertSettings(ctx context.Context, settings *domain.Settings) error
}
