// Package product owns product definitions and drives their lifecycle on the cluster.
package product

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/habitio/habit-cortex-orchestrator/internal/cluster"
	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/events"
	"github.com/habitio/habit-cortex-orchestrator/internal/metrics"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
)

// Validation bounds for product definitions.
const (
	MinPort       = 1024
	MaxPort       = 65535
	MinReplicas   = 1
	MaxReplicas   = 10
	maxSlugLength = 100
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Cluster is the subset of the cluster client the lifecycle needs.
type Cluster interface {
	CreateService(ctx context.Context, req cluster.ServiceRequest) (string, error)
	RemoveService(ctx context.Context, serviceID string) error
	ScaleService(ctx context.Context, serviceID string, replicas int) error
	ServiceStatus(ctx context.Context, serviceID string) (cluster.ServiceStatus, error)
}

// Dependencies wires a Service.
type Dependencies struct {
	Products     repository.ProductRepository
	Images       repository.ImageRepository
	Instance     repository.InstanceRepository
	Cluster      Cluster
	Events       events.Emitter
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	DefaultImage string
}

// Service manages products.
type Service struct {
	products     repository.ProductRepository
	images       repository.ImageRepository
	instance     repository.InstanceRepository
	cluster      Cluster
	events       events.Emitter
	metrics      *metrics.Metrics
	logger       *slog.Logger
	defaultImage string
	now          func() time.Time
	randRead     func([]byte) (int, error)
}

// New returns a product service.
func New(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := deps.Events
	if emitter == nil {
		emitter = events.Discard
	}
	image := strings.TrimSpace(deps.DefaultImage)
	if image == "" {
		image = "bre-payments:latest"
	}
	return &Service{
		products:     deps.Products,
		images:       deps.Images,
		instance:     deps.Instance,
		cluster:      deps.Cluster,
		events:       emitter,
		metrics:      deps.Metrics,
		logger:       logger.With("component", "lifecycle"),
		defaultImage: image,
		now:          time.Now,
		randRead:     randRead,
	}
}

// CreateInput carries the fields of a new product.
type CreateInput struct {
	Name     string
	Slug     string
	Port     int
	Replicas int
	EnvVars  map[string]string
	ImageID  *int64
}

// UpdateInput carries optional field changes. Nil fields are left untouched.
type UpdateInput struct {
	Name     *string
	Replicas *int
	EnvVars  map[string]string
	ImageID  *int64
}

// DuplicateInput names the copy of a product.
type DuplicateInput struct {
	Name string
	Slug string
	Port int
}

// DuplicateResult describes a created copy.
type DuplicateResult struct {
	Product             domain.Product
	SourceID            int64
	SourceName          string
	SubscriptionsCopied int
}

// Get returns one product.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Product, error) {
	return s.get(ctx, id)
}

// List returns every product.
func (s *Service) List(ctx context.Context) ([]domain.Product, error) {
	products, err := s.products.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// Create validates and stores a stopped product.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Product, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Slug = strings.TrimSpace(input.Slug)
	if input.Replicas == 0 {
		input.Replicas = MinReplicas
	}
	if err := validateDefinition(input.Name, input.Slug, input.Port, input.Replicas); err != nil {
		return nil, err
	}
	if err := s.ensureAvailable(ctx, input.Slug, input.Port, 0); err != nil {
		return nil, err
	}
	imageName := s.defaultImage
	if input.ImageID != nil {
		ref, err := s.resolveImage(ctx, *input.ImageID)
		if err != nil {
			return nil, err
		}
		imageName = ref
	}
	env := domain.CopyEnv(input.EnvVars)
	delete(env, domain.SharedKeyEnv)

	product := &domain.Product{
		Name:      input.Name,
		Slug:      input.Slug,
		Port:      input.Port,
		Replicas:  input.Replicas,
		Status:    domain.StatusStopped,
		EnvVars:   env,
		ImageID:   input.ImageID,
		ImageName: imageName,
	}
	if err := s.products.CreateProduct(ctx, product); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, domain.Conflictf("product slug or port already in use")
		}
		return nil, fmt.Errorf("create product: %w", err)
	}
	s.logger.Info("product created", "product_id", product.ID, "slug", product.Slug)
	s.emit(ctx, product, "product_created", domain.SeverityInfo, product.Name+" created", nil, "create_product", map[string]domain.Change{
		"name":     {New: product.Name},
		"slug":     {New: product.Slug},
		"port":     {New: product.Port},
		"replicas": {New: product.Replicas},
	}, nil)
	return product, nil
}

// Update applies operator edits. Replicas of a running product change only through Scale.
func (s *Service) Update(ctx context.Context, id int64, input UpdateInput) (*domain.Product, error) {
	product, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	changes := map[string]domain.Change{}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, domain.Invalidf("name is required")
		}
		if name != product.Name {
			changes["name"] = domain.Change{Old: product.Name, New: name}
			product.Name = name
		}
	}
	if input.Replicas != nil && *input.Replicas != product.Replicas {
		if err := validateReplicas(*input.Replicas); err != nil {
			return nil, err
		}
		if product.Status == domain.StatusRunning {
			return nil, domain.Invalidf("Product '%s' is running; use scale to change replicas", product.Name)
		}
		changes["replicas"] = domain.Change{Old: product.Replicas, New: *input.Replicas}
		product.Replicas = *input.Replicas
	}
	if input.EnvVars != nil {
		env := domain.CopyEnv(input.EnvVars)
		delete(env, domain.SharedKeyEnv)
		if key := product.ConfiguredSharedKey(); key != "" {
			env[domain.SharedKeyEnv] = key
		}
		if !sameEnv(product.EnvVars, env) {
			changes["env_vars"] = domain.Change{Old: envKeys(product.PublicEnv()), New: envKeys(withoutKey(env))}
			product.EnvVars = env
		}
	}
	if input.ImageID != nil && (product.ImageID == nil || *product.ImageID != *input.ImageID) {
		ref, err := s.resolveImage(ctx, *input.ImageID)
		if err != nil {
			return nil, err
		}
		changes["image_name"] = domain.Change{Old: product.ImageName, New: ref}
		product.ImageID = input.ImageID
		product.ImageName = ref
	}
	if len(changes) == 0 {
		return product, nil
	}
	if err := s.products.UpdateProduct(ctx, product); err != nil {
		return nil, fmt.Errorf("update product: %w", err)
	}
	s.logger.Info("product updated", "product_id", product.ID)
	s.emit(ctx, product, "product_updated", domain.SeverityInfo, product.Name+" updated", map[string]any{"fields": changedFields(changes)}, "update_product", changes, nil)
	return product, nil
}

// Delete removes a stopped product together with its activity and child rows.
func (s *Service) Delete(ctx context.Context, id int64) error {
	product, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if product.Status != domain.StatusStopped {
		return domain.Invalidf("Cannot delete product in '%s' state. Stop it first.", product.Status)
	}
	if err := s.products.DeleteProduct(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NotFoundf("Product %d not found", id)
		}
		return fmt.Errorf("delete product: %w", err)
	}
	s.logger.Info("product deleted", "product_id", id)
	actor := domain.ActorFromContext(ctx)
	s.events.Emit(events.NewActivity(nil, "product_deleted", domain.SeverityInfo, product.Name+" deleted", map[string]any{"product_id": id}))
	s.events.Emit(events.NewAudit(actor, "delete_product", "product", &id, product.Name, nil, nil))
	return nil
}

// Duplicate copies a product's configuration and subscriptions into a new stopped product.
// The shared key is not copied.
func (s *Service) Duplicate(ctx context.Context, sourceID int64, input DuplicateInput) (*DuplicateResult, error) {
	source, err := s.products.GetProduct(ctx, sourceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NotFoundf("Source product %d not found", sourceID)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	input.Name = strings.TrimSpace(input.Name)
	input.Slug = strings.TrimSpace(input.Slug)
	if err := validateDefinition(input.Name, input.Slug, input.Port, source.Replicas); err != nil {
		return nil, err
	}
	if err := s.ensureAvailable(ctx, input.Slug, input.Port, 0); err != nil {
		return nil, err
	}
	copyProduct := &domain.Product{
		Name:      input.Name,
		Slug:      input.Slug,
		Port:      input.Port,
		Replicas:  source.Replicas,
		Status:    domain.StatusStopped,
		EnvVars:   source.PublicEnv(),
		ImageID:   source.ImageID,
		ImageName: source.ImageName,
	}
	if err := s.products.CreateProduct(ctx, copyProduct); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, domain.Conflictf("product slug or port already in use")
		}
		return nil, fmt.Errorf("create product: %w", err)
	}
	subs, err := s.instance.ListSubscriptions(ctx, source.ID)
	if err == nil && len(subs) > 0 {
		err = s.instance.CopySubscriptions(ctx, source.ID, copyProduct.ID)
	}
	if err != nil {
		if cleanupErr := s.products.DeleteProduct(ctx, copyProduct.ID); cleanupErr != nil {
			s.logger.Error("duplicate cleanup failed", "product_id", copyProduct.ID, "error", cleanupErr)
		}
		return nil, fmt.Errorf("copy subscriptions: %w", err)
	}
	s.logger.Info("product duplicated", "source_id", source.ID, "product_id", copyProduct.ID)
	s.emit(ctx, copyProduct, "product_duplicated", domain.SeverityInfo,
		fmt.Sprintf("%s duplicated from %s", copyProduct.Name, source.Name),
		map[string]any{"source_product_id": source.ID, "subscriptions_copied": len(subs)},
		"duplicate_product", map[string]domain.Change{
			"source_product_id":   {New: source.ID},
			"source_product_name": {New: source.Name},
			"name":                {New: copyProduct.Name},
			"slug":                {New: copyProduct.Slug},
			"port":                {New: copyProduct.Port},
		}, nil)
	return &DuplicateResult{
		Product:             *copyProduct,
		SourceID:            source.ID,
		SourceName:          source.Name,
		SubscriptionsCopied: len(subs),
	}, nil
}

func (s *Service) get(ctx context.Context, id int64) (*domain.Product, error) {
	product, err := s.products.GetProduct(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NotFoundf("Product %d not found", id)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return product, nil
}

func (s *Service) ensureAvailable(ctx context.Context, slug string, port int, excludeID int64) error {
	slugTaken, portTaken, err := s.products.ProductConflicts(ctx, slug, port, excludeID)
	if err != nil {
		return fmt.Errorf("check product conflicts: %w", err)
	}
	if slugTaken {
		return domain.Conflictf("Product with slug '%s' already exists", slug)
	}
	if portTaken {
		return domain.Conflictf("Port %d is already in use", port)
	}
	return nil
}

func (s *Service) resolveImage(ctx context.Context, imageID int64) (string, error) {
	image, err := s.images.GetImage(ctx, imageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", domain.NotFoundf("Docker image %d not found", imageID)
		}
		return "", fmt.Errorf("get image: %w", err)
	}
	if image.BuildStatus != domain.BuildSuccess {
		return "", domain.Invalidf("Docker image %s build status is '%s', not 'success'", image.Reference(), image.BuildStatus)
	}
	return image.Reference(), nil
}

// emit sends the activity and audit pair for one operation on product.
func (s *Service) emit(ctx context.Context, product *domain.Product, eventType, severity, message string, metadata map[string]any, action string, changes map[string]domain.Change, opErr error) {
	id := product.ID
	s.events.Emit(events.NewActivity(&id, eventType, severity, message, metadata))
	s.events.Emit(events.NewAudit(domain.ActorFromContext(ctx), action, "product", &id, product.Name, changes, opErr))
}

func validateDefinition(name, slug string, port, replicas int) error {
	if name == "" {
		return domain.Invalidf("name is required")
	}
	if slug == "" || len(slug) > maxSlugLength || !slugPattern.MatchString(slug) {
		return domain.Invalidf("slug must match ^[a-z0-9-]+$ and be at most %d characters", maxSlugLength)
	}
	if port < MinPort || port > MaxPort {
		return domain.Invalidf("port must be between %d and %d", MinPort, MaxPort)
	}
	return validateReplicas(replicas)
}

func validateReplicas(replicas int) error {
	if replicas < MinReplicas || replicas > MaxReplicas {
		return domain.Invalidf("replicas must be between %d and %d", MinReplicas, MaxReplicas)
	}
	return nil
}

func sameEnv(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if other, ok := b[k]; !ok || other != v {
			return false
		}
	}
	return true
}

func withoutKey(env map[string]string) map[string]string {
	return domain.Product{EnvVars: env}.PublicEnv()
}

func envKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func changedFields(changes map[string]domain.Change) []string {
	fields := make([]string, 0, len(changes))
	for k := range changes {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}
