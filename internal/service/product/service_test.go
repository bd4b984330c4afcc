package product

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/habitio/habit-cortex-orchestrator/internal/cluster"
	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/events"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
)

type stubProducts struct {
	mu       sync.Mutex
	nextID   int64
	products map[int64]*domain.Product
	states   []domain.Status

	replicasErr error
}

func newStubProducts() *stubProducts {
	return &stubProducts{products: map[int64]*domain.Product{}}
}

func clone(p *domain.Product) *domain.Product {
	cp := *p
	cp.EnvVars = domain.CopyEnv(p.EnvVars)
	return &cp
}

func (s *stubProducts) CreateProduct(_ context.Context, p *domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.products[p.ID] = clone(p)
	return nil
}

func (s *stubProducts) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(p), nil
}

func (s *stubProducts) ListProducts(context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Product, 0, len(s.products))
	for id := int64(1); id <= s.nextID; id++ {
		if p, ok := s.products[id]; ok {
			out = append(out, *clone(p))
		}
	}
	return out, nil
}

func (s *stubProducts) ListDeployedProducts(ctx context.Context) ([]domain.Product, error) {
	all, _ := s.ListProducts(ctx)
	var out []domain.Product
	for _, p := range all {
		if p.HasService() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubProducts) UpdateProduct(_ context.Context, p *domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ID]; !ok {
		return repository.ErrNotFound
	}
	s.products[p.ID] = clone(p)
	return nil
}

func (s *stubProducts) UpdateProductState(_ context.Context, id int64, status domain.Status, serviceID *string, deployedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = status
	p.ServiceID = serviceID
	p.DeployedAt = deployedAt
	s.states = append(s.states, status)
	return nil
}

func (s *stubProducts) ClearProductService(_ context.Context, id int64, serviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok || p.ServiceID == nil || *p.ServiceID != serviceID {
		return false, nil
	}
	p.Status = domain.StatusStopped
	p.ServiceID = nil
	p.DeployedAt = nil
	s.states = append(s.states, domain.StatusStopped)
	return true, nil
}

func (s *stubProducts) UpdateProductReplicas(_ context.Context, id int64, replicas int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replicasErr != nil {
		return s.replicasErr
	}
	p, ok := s.products[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Replicas = replicas
	return nil
}

func (s *stubProducts) DeleteProduct(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *stubProducts) ProductConflicts(_ context.Context, slug string, port int, excludeID int64) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var slugTaken, portTaken bool
	for id, p := range s.products {
		if id == excludeID {
			continue
		}
		slugTaken = slugTaken || p.Slug == slug
		portTaken = portTaken || p.Port == port
	}
	return slugTaken, portTaken, nil
}

func (s *stubProducts) SharedKeyExists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.products {
		if p.SharedKey != nil && *p.SharedKey == key {
			return true, nil
		}
	}
	return false, nil
}

type stubImages struct {
	images map[int64]*domain.DockerImage
}

func (s *stubImages) CreateImage(context.Context, *domain.DockerImage) error { return nil }
func (s *stubImages) GetImage(_ context.Context, id int64) (*domain.DockerImage, error) {
	img, ok := s.images[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *img
	return &cp, nil
}
func (s *stubImages) FindImage(context.Context, string, string) (*domain.DockerImage, error) {
	return nil, repository.ErrNotFound
}
func (s *stubImages) ListImages(context.Context, domain.BuildStatus) ([]domain.DockerImage, error) {
	return nil, nil
}
func (s *stubImages) SetBuildStatus(context.Context, int64, domain.BuildStatus) error { return nil }
func (s *stubImages) AppendBuildLog(context.Context, int64, string) error             { return nil }
func (s *stubImages) CompleteBuild(context.Context, int64, domain.BuildStatus, string, *string, *time.Time) error {
	return nil
}
func (s *stubImages) DeleteImage(context.Context, int64) error { return nil }

type stubInstance struct {
	subs   map[int64][]domain.EventSubscription
	copied [][2]int64
}

func (s *stubInstance) ListSubscriptions(_ context.Context, productID int64) ([]domain.EventSubscription, error) {
	return s.subs[productID], nil
}
func (s *stubInstance) CopySubscriptions(_ context.Context, from, to int64) error {
	s.copied = append(s.copied, [2]int64{from, to})
	return nil
}
func (s *stubInstance) ListActiveWorkflows(context.Context, int64) ([]domain.Workflow, error) {
	return nil, nil
}
func (s *stubInstance) ListRulesByIDs(context.Context, int64, []int64) ([]domain.BusinessRule, error) {
	return nil, nil
}
func (s *stubInstance) GetActivePricingTemplate(context.Context, int64, int64) (*domain.PricingTemplate, error) {
	return nil, repository.ErrNotFound
}
func (s *stubInstance) ListActivePricingTemplates(context.Context, int64, string) ([]domain.PricingTemplate, error) {
	return nil, nil
}

type fakeCluster struct {
	createErr error
	removeErr error
	scaleErr  error
	statusErr error
	requests  []cluster.ServiceRequest
	removed   []string
	scaled    map[string]int
}

func (f *fakeCluster) CreateService(_ context.Context, req cluster.ServiceRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.createErr != nil {
		return "", f.createErr
	}
	return "svc-" + req.Slug, nil
}

func (f *fakeCluster) RemoveService(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeCluster) ScaleService(_ context.Context, id string, replicas int) error {
	if f.scaleErr != nil {
		return f.scaleErr
	}
	if f.scaled == nil {
		f.scaled = map[string]int{}
	}
	f.scaled[id] = replicas
	return nil
}

func (f *fakeCluster) ServiceStatus(_ context.Context, id string) (cluster.ServiceStatus, error) {
	if f.statusErr != nil {
		return cluster.ServiceStatus{}, f.statusErr
	}
	return cluster.ServiceStatus{ServiceID: id, Desired: 2, Running: 2}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) activities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Activity != nil {
			out = append(out, ev.Activity.EventType)
		}
	}
	return out
}

func (r *recorder) audits() []domain.Audit {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Audit
	for _, ev := range r.events {
		if ev.Audit != nil {
			out = append(out, *ev.Audit)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	products *stubProducts
	cluster  *fakeCluster
	instance *stubInstance
	events   *recorder
}

func newFixture() *fixture {
	f := &fixture{
		products: newStubProducts(),
		cluster:  &fakeCluster{},
		instance: &stubInstance{subs: map[int64][]domain.EventSubscription{}},
		events:   &recorder{},
	}
	images := &stubImages{images: map[int64]*domain.DockerImage{
		1: {ID: 1, Name: "pet-ins", Tag: "v1", BuildStatus: domain.BuildSuccess},
		2: {ID: 2, Name: "pet-ins", Tag: "v2", BuildStatus: domain.BuildBuilding},
	}}
	f.svc = New(Dependencies{
		Products:     f.products,
		Images:       images,
		Instance:     f.instance,
		Cluster:      f.cluster,
		Events:       f.events,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		DefaultImage: "cortex-instance:latest",
	})
	f.svc.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return f
}

func (f *fixture) create(t *testing.T, slug string, port int) *domain.Product {
	t.Helper()
	p, err := f.svc.Create(context.Background(), CreateInput{
		Name:     "Pet Insurance",
		Slug:     slug,
		Port:     port,
		Replicas: 2,
		EnvVars:  map[string]string{"MQTT_HOST": "broker"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return p
}

func TestCreateDefaultsAndValidation(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	if p.Status != domain.StatusStopped {
		t.Fatalf("expected stopped, got %s", p.Status)
	}
	if p.ImageName != "cortex-instance:latest" {
		t.Fatalf("expected default image, got %q", p.ImageName)
	}

	cases := []struct {
		name  string
		input CreateInput
		kind  domain.Kind
	}{
		{"bad slug", CreateInput{Name: "x", Slug: "Pet_Ins", Port: 9002}, domain.KindInvalid},
		{"low port", CreateInput{Name: "x", Slug: "a", Port: 80}, domain.KindInvalid},
		{"too many replicas", CreateInput{Name: "x", Slug: "a", Port: 9002, Replicas: 11}, domain.KindInvalid},
		{"duplicate slug", CreateInput{Name: "x", Slug: "pet-ins", Port: 9002}, domain.KindConflict},
		{"duplicate port", CreateInput{Name: "x", Slug: "other", Port: 9001}, domain.KindConflict},
		{"missing image", CreateInput{Name: "x", Slug: "b", Port: 9003, ImageID: int64Ptr(9)}, domain.KindNotFound},
		{"unbuilt image", CreateInput{Name: "x", Slug: "c", Port: 9004, ImageID: int64Ptr(2)}, domain.KindInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tc.input)
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := domain.KindOf(err); got != tc.kind {
				t.Fatalf("expected kind %v, got %v (%v)", tc.kind, got, err)
			}
		})
	}
}

func TestCreateResolvesImageReference(t *testing.T) {
	f := newFixture()
	p, err := f.svc.Create(context.Background(), CreateInput{Name: "x", Slug: "x", Port: 9010, ImageID: int64Ptr(1)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ImageName != "pet-ins:v1" || p.Replicas != 1 {
		t.Fatalf("unexpected product %+v", p)
	}
}

func TestStartRunsService(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)

	started, err := f.svc.Start(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.StatusRunning || !started.HasService() || started.DeployedAt == nil {
		t.Fatalf("unexpected product %+v", started)
	}
	req := f.cluster.requests[0]
	if req.Port != 9001 || req.Replicas != 2 || req.Image != "cortex-instance:latest" || req.Env["MQTT_HOST"] != "broker" {
		t.Fatalf("unexpected request %+v", req)
	}
	stored, _ := f.products.GetProduct(context.Background(), p.ID)
	if *stored.ServiceID != "svc-pet-ins" {
		t.Fatalf("service id not persisted")
	}
	if got := f.products.states; len(got) != 2 || got[0] != domain.StatusStarting || got[1] != domain.StatusRunning {
		t.Fatalf("unexpected state sequence %v", got)
	}

	_, err = f.svc.Start(context.Background(), p.ID)
	if !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %v", err)
	}
	if !strings.Contains(err.Error(), "Pet Insurance") {
		t.Fatalf("expected product name in %q", err.Error())
	}
}

func TestStartFailureMarksFailed(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	f.events.events = nil
	f.cluster.createErr = &cluster.APIError{Op: "create service", Err: errors.New("port 9001 is already in use")}

	_, err := f.svc.Start(context.Background(), p.ID)
	if err == nil || !strings.Contains(err.Error(), "Failed to deploy service") {
		t.Fatalf("expected deploy failure, got %v", err)
	}
	var apiErr *cluster.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected wrapped cluster error")
	}
	stored, _ := f.products.GetProduct(context.Background(), p.ID)
	if stored.Status != domain.StatusFailed || stored.HasService() {
		t.Fatalf("expected failed without service, got %+v", stored)
	}
	audits := f.events.audits()
	if len(audits) != 1 || audits[0].Success || audits[0].Action != "start_product" || audits[0].ErrorMessage == "" {
		t.Fatalf("expected one failed audit, got %+v", audits)
	}
	if acts := f.events.activities(); len(acts) != 1 || acts[0] != "product_start_failed" {
		t.Fatalf("unexpected activities %v", acts)
	}

	f.cluster.createErr = nil
	if _, err := f.svc.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("restart from failed: %v", err)
	}
}

func TestStartRejectsTransitionalState(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	_ = f.products.UpdateProductState(context.Background(), p.ID, domain.StatusStopping, strPtr("svc"), nil)

	_, err := f.svc.Start(context.Background(), p.ID)
	if domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(f.cluster.requests) != 0 {
		t.Fatalf("cluster should not be called")
	}
}

func TestStartRetriesInterruptedStart(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	_ = f.products.UpdateProductState(context.Background(), p.ID, domain.StatusStarting, nil, nil)

	res, err := f.svc.Start(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Status != domain.StatusRunning || res.ServiceID == nil || *res.ServiceID != "svc-pet-ins" {
		t.Fatalf("unexpected start result %+v", res)
	}
	if len(f.cluster.requests) != 1 {
		t.Fatalf("expected one create call, got %d", len(f.cluster.requests))
	}
}

func TestStartRejectsStartingWithService(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	_ = f.products.UpdateProductState(context.Background(), p.ID, domain.StatusStarting, strPtr("svc"), nil)

	_, err := f.svc.Start(context.Background(), p.ID)
	if domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(f.cluster.requests) != 0 {
		t.Fatalf("cluster should not be called")
	}
}

func TestStopWithoutService(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	_ = f.products.UpdateProductState(context.Background(), p.ID, domain.StatusFailed, nil, nil)

	stopped, err := f.svc.Stop(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != domain.StatusStopped || len(f.cluster.removed) != 0 {
		t.Fatalf("expected stop without cluster call")
	}
	if _, err := f.svc.Stop(context.Background(), p.ID); domain.KindOf(err) != domain.KindInvalid {
		t.Fatalf("expected already stopped error, got %v", err)
	}
}

func TestStopTreatsMissingServiceAsStopped(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	if _, err := f.svc.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.cluster.removeErr = cluster.ErrNotFound

	stopped, err := f.svc.Stop(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != domain.StatusStopped || stopped.HasService() || stopped.DeployedAt != nil {
		t.Fatalf("unexpected product %+v", stopped)
	}
}

func TestStopFailureKeepsStopping(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	if _, err := f.svc.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.cluster.removeErr = &cluster.APIError{Op: "remove service", Err: errors.New("daemon down")}

	if _, err := f.svc.Stop(context.Background(), p.ID); err == nil {
		t.Fatalf("expected error")
	}
	stored, _ := f.products.GetProduct(context.Background(), p.ID)
	if stored.Status != domain.StatusStopping || !stored.HasService() {
		t.Fatalf("expected stopping with service, got %+v", stored)
	}

	f.cluster.removeErr = nil
	if _, err := f.svc.Stop(context.Background(), p.ID); err != nil {
		t.Fatalf("retry stop: %v", err)
	}
}

func TestScale(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	if _, err := f.svc.Scale(context.Background(), p.ID, 3); domain.KindOf(err) != domain.KindInvalid {
		t.Fatalf("expected scale of stopped product to fail, got %v", err)
	}
	if _, err := f.svc.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.Scale(context.Background(), p.ID, 0); domain.KindOf(err) != domain.KindInvalid {
		t.Fatalf("expected out-of-range error, got %v", err)
	}

	res, err := f.svc.Scale(context.Background(), p.ID, 4)
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	if res.Replicas != 4 || f.cluster.scaled["svc-pet-ins"] != 4 {
		t.Fatalf("unexpected scale result %+v", res)
	}
	stored, _ := f.products.GetProduct(context.Background(), p.ID)
	if stored.Replicas != 4 {
		t.Fatalf("replicas not persisted")
	}
}

func TestScaleReplicaSaveFailure(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	if _, err := f.svc.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.products.replicasErr = errors.New("db down")

	if _, err := f.svc.Scale(context.Background(), p.ID, 4); err == nil {
		t.Fatalf("expected replica save error")
	}
	acts := f.events.activities()
	if len(acts) == 0 || acts[len(acts)-1] != "product_scale_failed" {
		t.Fatalf("expected product_scale_failed, got %v", acts)
	}
}

func TestStatusReconcilesMissingService(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)

	view, err := f.svc.Status(context.Background(), p.ID)
	if err != nil || view.Cluster != nil {
		t.Fatalf("expected no cluster status for stopped product, got %+v %v", view, err)
	}

	if _, err := f.svc.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	view, err = f.svc.Status(context.Background(), p.ID)
	if err != nil || view.Cluster == nil || view.Cluster.Running != 2 {
		t.Fatalf("expected live status, got %+v %v", view, err)
	}

	f.cluster.statusErr = cluster.ErrNotFound
	view, err = f.svc.Status(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Product.Status != domain.StatusStopped || view.Product.HasService() || view.Cluster != nil {
		t.Fatalf("expected reconciled product, got %+v", view)
	}
	stored, _ := f.products.GetProduct(context.Background(), p.ID)
	if stored.Status != domain.StatusStopped {
		t.Fatalf("reconciliation not persisted")
	}
}

func TestReconcileSkipsProductThatMovedOn(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	if _, err := f.svc.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	stale, _ := f.products.GetProduct(context.Background(), p.ID)
	stale.ServiceID = strPtr("svc-old")
	before := len(f.events.activities())

	if f.svc.reconcile(context.Background(), stale, "status") {
		t.Fatalf("stale copy should not reconcile")
	}
	stored, _ := f.products.GetProduct(context.Background(), p.ID)
	if stored.Status != domain.StatusRunning || stored.ServiceID == nil || *stored.ServiceID != "svc-pet-ins" {
		t.Fatalf("live service was cleared: %+v", stored)
	}
	if stale.ServiceID == nil || *stale.ServiceID != "svc-pet-ins" {
		t.Fatalf("stale copy not refreshed: %+v", stale)
	}
	if len(f.events.activities()) != before {
		t.Fatalf("no reconcile event expected")
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	f.events.events = nil

	same := "Pet Insurance"
	if _, err := f.svc.Update(context.Background(), p.ID, UpdateInput{Name: &same}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("no-op update should not emit")
	}

	name := "Pets"
	replicas := 3
	updated, err := f.svc.Update(context.Background(), p.ID, UpdateInput{
		Name:     &name,
		Replicas: &replicas,
		EnvVars:  map[string]string{"A": "1", domain.SharedKeyEnv: "injected"},
		ImageID:  int64Ptr(1),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Pets" || updated.Replicas != 3 || updated.ImageName != "pet-ins:v1" {
		t.Fatalf("unexpected product %+v", updated)
	}
	if _, ok := updated.EnvVars[domain.SharedKeyEnv]; ok {
		t.Fatalf("reserved key must not be settable")
	}
	audits := f.events.audits()
	if len(audits) != 1 || audits[0].Action != "update_product" || len(audits[0].Changes) != 4 {
		t.Fatalf("unexpected audits %+v", audits)
	}
}

func TestUpdatePreservesSharedKey(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	res, err := f.svc.GenerateSharedKey(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	updated, err := f.svc.Update(context.Background(), p.ID, UpdateInput{EnvVars: map[string]string{"B": "2"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.EnvVars[domain.SharedKeyEnv] != res.SharedKey {
		t.Fatalf("shared key lost on env update")
	}
}

func TestDeleteRequiresStopped(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	if _, err := f.svc.Start(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := f.svc.Delete(context.Background(), p.ID)
	if domain.KindOf(err) != domain.KindInvalid || !strings.Contains(err.Error(), "Stop it first") {
		t.Fatalf("expected delete refusal, got %v", err)
	}
	if _, err := f.svc.Stop(context.Background(), p.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := f.svc.Delete(context.Background(), p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.Get(context.Background(), p.ID); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestGenerateSharedKey(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)

	first, err := f.svc.GenerateSharedKey(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(first.SharedKey) != 128 || first.PreviousKeyMasked != nil {
		t.Fatalf("unexpected result %+v", first)
	}
	second, err := f.svc.GenerateSharedKey(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if second.PreviousKeyMasked == nil || *second.PreviousKeyMasked != first.SharedKey[:16]+"..." {
		t.Fatalf("unexpected masked key %v", second.PreviousKeyMasked)
	}
	stored, _ := f.products.GetProduct(context.Background(), p.ID)
	if *stored.SharedKey != second.SharedKey || stored.ConfiguredSharedKey() != second.SharedKey {
		t.Fatalf("key not stored in column and env")
	}
	for _, a := range f.events.audits() {
		if a.Action != "generate_shared_key" {
			continue
		}
		if a.Changes["shared_key"].New != "generated" {
			t.Fatalf("audit must not carry the key")
		}
	}
}

func TestGenerateSharedKeyGivesUp(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	taken := strings.Repeat("00", sharedKeyBytes)
	other := f.create(t, "other", 9002)
	other.SharedKey = &taken
	_ = f.products.UpdateProduct(context.Background(), other)
	f.svc.randRead = func(b []byte) (int, error) {
		for i := range b {
			b[i] = 0
		}
		return len(b), nil
	}

	_, err := f.svc.GenerateSharedKey(context.Background(), p.ID)
	if err == nil || !strings.Contains(err.Error(), "after multiple attempts") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
}

func TestDuplicate(t *testing.T) {
	f := newFixture()
	p := f.create(t, "pet-ins", 9001)
	if _, err := f.svc.GenerateSharedKey(context.Background(), p.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}
	f.instance.subs[p.ID] = []domain.EventSubscription{{ID: 1}, {ID: 2}}

	res, err := f.svc.Duplicate(context.Background(), p.ID, DuplicateInput{Name: "Copy", Slug: "pet-ins-copy", Port: 9002})
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if res.SubscriptionsCopied != 2 || res.SourceName != "Pet Insurance" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Product.Replicas != 2 || res.Product.EnvVars["MQTT_HOST"] != "broker" || res.Product.Status != domain.StatusStopped {
		t.Fatalf("unexpected copy %+v", res.Product)
	}
	if res.Product.SharedKey != nil || res.Product.ConfiguredSharedKey() != "" {
		t.Fatalf("shared key must not be copied")
	}
	if len(f.instance.copied) != 1 || f.instance.copied[0] != [2]int64{p.ID, res.Product.ID} {
		t.Fatalf("subscriptions not copied: %v", f.instance.copied)
	}

	if _, err := f.svc.Duplicate(context.Background(), 99, DuplicateInput{Name: "x", Slug: "x", Port: 9003}); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.Duplicate(context.Background(), p.ID, DuplicateInput{Name: "x", Slug: "y", Port: 9001}); domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected port conflict, got %v", err)
	}
}

func int64Ptr(v int64) *int64 { return &v }
func strPtr(v string) *string { return &v }
