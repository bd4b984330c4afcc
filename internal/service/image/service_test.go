package image

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/habitio/habit-cortex-orchestrator/internal/build"
	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/metrics"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
	"github.com/habitio/habit-cortex-orchestrator/internal/source"
	"github.com/habitio/habit-cortex-orchestrator/pkg/crypto"
)

type stubImages struct {
	mu     sync.Mutex
	nextID int64
	images map[int64]*domain.DockerImage
	logs   map[int64][]string

	// missOnce hides existing rows from the next FindImage, as when another
	// writer inserts between the lookup and the insert.
	missOnce bool
}

func newStubImages() *stubImages {
	return &stubImages{images: map[int64]*domain.DockerImage{}, logs: map[int64][]string{}}
}

func (s *stubImages) CreateImage(_ context.Context, img *domain.DockerImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.images {
		if existing.Name == img.Name && existing.Tag == img.Tag {
			return repository.ErrConflict
		}
	}
	s.nextID++
	img.ID = s.nextID
	cp := *img
	s.images[img.ID] = &cp
	return nil
}

func (s *stubImages) GetImage(_ context.Context, id int64) (*domain.DockerImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *img
	return &cp, nil
}

func (s *stubImages) FindImage(_ context.Context, name, tag string) (*domain.DockerImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missOnce {
		s.missOnce = false
		return nil, repository.ErrNotFound
	}
	for _, img := range s.images {
		if img.Name == name && img.Tag == tag {
			cp := *img
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubImages) ListImages(_ context.Context, status domain.BuildStatus) ([]domain.DockerImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DockerImage
	for id := s.nextID; id > 0; id-- {
		img, ok := s.images[id]
		if ok && (status == "" || img.BuildStatus == status) {
			out = append(out, *img)
		}
	}
	return out, nil
}

func (s *stubImages) SetBuildStatus(_ context.Context, id int64, status domain.BuildStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[id].BuildStatus = status
	return nil
}

func (s *stubImages) AppendBuildLog(_ context.Context, id int64, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = append(s.logs[id], line)
	return nil
}

func (s *stubImages) CompleteBuild(_ context.Context, id int64, status domain.BuildStatus, log string, buildErr *string, builtAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := s.images[id]
	img.BuildStatus = status
	img.BuildLog = log
	img.BuildError = buildErr
	img.BuiltAt = builtAt
	return nil
}

func (s *stubImages) DeleteImage(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.images, id)
	return nil
}

type stubSettings struct {
	settings *domain.Settings
}

func (s *stubSettings) GetSettings(context.Context) (*domain.Settings, error) {
	if s.settings == nil {
		return nil, repository.ErrNotFound
	}
	cp := *s.settings
	return &cp, nil
}

func (s *stubSettings) UpsertSettings(_ context.Context, settings *domain.Settings) error {
	cp := *settings
	s.settings = &cp
	return nil
}

type fakeRunner struct {
	mu     sync.Mutex
	result build.Result
	lines  []string
	got    []build.Request
}

func (f *fakeRunner) Run(_ context.Context, req build.Request, sink build.LineSink) build.Result {
	f.mu.Lock()
	f.got = append(f.got, req)
	f.mu.Unlock()
	for _, line := range f.lines {
		sink(line)
	}
	return f.result
}

// inlinePool runs jobs on the caller's goroutine.
type inlinePool struct {
	err error
}

func (p inlinePool) Submit(job build.Job) error {
	if p.err != nil {
		return p.err
	}
	job.Run(context.Background())
	return nil
}

type fakeInspector struct {
	details build.ImageDetails
	err     error
	refs    []string
}

func (f *fakeInspector) Inspect(_ context.Context, ref string) (build.ImageDetails, error) {
	f.refs = append(f.refs, ref)
	return f.details, f.err
}

type fakeTags struct {
	token string
	repo  string
	err   error
}

func (f *fakeTags) ListTags(_ context.Context, repo string) ([]source.Tag, error) {
	f.repo = repo
	if f.err != nil {
		return nil, f.err
	}
	return []source.Tag{{Name: "v1.0.0"}}, nil
}

type fixture struct {
	svc       *Service
	images    *stubImages
	settings  *stubSettings
	runner    *fakeRunner
	inspector *fakeInspector
	tags      *fakeTags
	registry  *prometheus.Registry
}

func newFixture(pool Submitter) *fixture {
	f := &fixture{
		images:    newStubImages(),
		settings:  &stubSettings{},
		runner:    &fakeRunner{},
		inspector: &fakeInspector{},
		tags:      &fakeTags{},
		registry:  prometheus.NewRegistry(),
	}
	f.svc = New(Dependencies{
		Images:    f.images,
		Settings:  f.settings,
		Runner:    f.runner,
		Inspector: f.inspector,
		Pool:      pool,
		Tags: func(token string) TagLister {
			f.tags.token = token
			return f.tags
		},
		Metrics: metrics.New(f.registry),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Token:   "env-token",
	})
	return f
}

func validRequest() BuildRequest {
	return BuildRequest{Repo: "habitio/bre-cortex", Tag: "v1.2.0", CommitSHA: "abc123"}
}

func TestRequestBuildSuccess(t *testing.T) {
	f := newFixture(inlinePool{})
	f.runner.lines = []string{"Building Docker image: bre-payments:v1.2.0", "Step 1/3"}
	f.runner.result = build.Result{ImageID: "sha256:1", Log: f.runner.lines}

	img, err := f.svc.RequestBuild(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("request build: %v", err)
	}
	if img.Name != DefaultImageName || img.GitHubRef != "refs/tags/v1.2.0" || img.BuildStatus != domain.BuildPending {
		t.Fatalf("unexpected record %+v", img)
	}

	stored, _ := f.images.GetImage(context.Background(), img.ID)
	if stored.BuildStatus != domain.BuildSuccess || stored.BuiltAt == nil || stored.BuildError != nil {
		t.Fatalf("unexpected final record %+v", stored)
	}
	if stored.BuildLog != strings.Join(f.runner.lines, "\n") {
		t.Fatalf("unexpected log %q", stored.BuildLog)
	}
	if len(f.images.logs[img.ID]) != 2 {
		t.Fatalf("expected streamed log lines, got %v", f.images.logs[img.ID])
	}
	req := f.runner.got[0]
	if req.Dockerfile != build.DefaultDockerfile || req.Ref != "v1.2.0" || req.Token != "env-token" || req.Reference() != "bre-payments:v1.2.0" {
		t.Fatalf("unexpected build request %+v", req)
	}
	if n, err := testutil.GatherAndCount(f.registry, "cortex_build_results_total"); err != nil || n != 1 {
		t.Fatalf("expected one build outcome series, got %d (%v)", n, err)
	}
}

func TestRequestBuildFailureRecorded(t *testing.T) {
	f := newFixture(inlinePool{})
	f.runner.result = build.Result{Error: "Docker build failed: boom", Log: []string{"Docker build failed: boom"}}

	img, err := f.svc.RequestBuild(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("request build: %v", err)
	}
	stored, _ := f.images.GetImage(context.Background(), img.ID)
	if stored.BuildStatus != domain.BuildFailed || stored.BuildError == nil || *stored.BuildError != "Docker build failed: boom" || stored.BuiltAt != nil {
		t.Fatalf("unexpected final record %+v", stored)
	}
}

func TestRequestBuildRejectsDuplicate(t *testing.T) {
	f := newFixture(inlinePool{})
	first, err := f.svc.RequestBuild(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	_, err = f.svc.RequestBuild(context.Background(), validRequest())
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.ExistingID != first.ID {
		t.Fatalf("expected conflict, got %v", err)
	}
	want := "Image bre-payments:v1.2.0 already exists with ID 1"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestRequestBuildInsertConflictReportsExistingID(t *testing.T) {
	f := newFixture(inlinePool{})
	first, err := f.svc.RequestBuild(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	f.images.missOnce = true

	_, err = f.svc.RequestBuild(context.Background(), validRequest())
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.ExistingID != first.ID {
		t.Fatalf("expected conflict with existing id %d, got %v", first.ID, err)
	}
}

func TestRequestBuildConcurrentDuplicates(t *testing.T) {
	f := newFixture(inlinePool{})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RequestBuild(context.Background(), validRequest())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one accepted build, got %d", ok)
	}
}

func TestRequestBuildQueueFull(t *testing.T) {
	f := newFixture(inlinePool{err: build.ErrQueueFull})
	_, err := f.svc.RequestBuild(context.Background(), validRequest())
	if domain.KindOf(err) != domain.KindUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	img, _ := f.images.FindImage(context.Background(), DefaultImageName, "v1.2.0")
	if img.BuildStatus != domain.BuildFailed || img.BuildError == nil || *img.BuildError != "build queue full" {
		t.Fatalf("unexpected record %+v", img)
	}
}

func TestRequestBuildValidation(t *testing.T) {
	f := newFixture(inlinePool{})
	cases := []BuildRequest{
		{Tag: "v1", CommitSHA: "a"},
		{Repo: "not a repo", Tag: "v1", CommitSHA: "a"},
		{Repo: "a/b", CommitSHA: "a"},
		{Repo: "a/b", Tag: "v1"},
	}
	for _, req := range cases {
		if _, err := f.svc.RequestBuild(context.Background(), req); domain.KindOf(err) != domain.KindInvalid {
			t.Fatalf("expected invalid for %+v, got %v", req, err)
		}
	}
}

func TestInspect(t *testing.T) {
	f := newFixture(inlinePool{})
	_ = f.images.CreateImage(context.Background(), &domain.DockerImage{Name: "bre", Tag: "v1", BuildStatus: domain.BuildSuccess})
	_ = f.images.CreateImage(context.Background(), &domain.DockerImage{Name: "bre", Tag: "v2", BuildStatus: domain.BuildBuilding})
	f.inspector.details = build.ImageDetails{
		Env: []string{"PORT=8000"},
		Labels: map[string]string{
			"io.habit.cortex.env.ZETA.required":           "true",
			"io.habit.cortex.env.ALPHA.description":       "optional thing",
			"io.habit.cortex.env.APPLICATION_ID.required": "True",
			"io.habit.cortex.env.BROKEN":                  "x",
			"maintainer":                                  "habit",
		},
		Created: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	out, err := f.svc.Inspect(context.Background(), 1)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if out.ImageName != "bre:v1" || f.inspector.refs[0] != "bre:v1" || out.Created == nil {
		t.Fatalf("unexpected inspection %+v", out)
	}
	var names []string
	for _, m := range out.EnvMetadata {
		names = append(names, m.Name())
	}
	if strings.Join(names, ",") != "APPLICATION_ID,ZETA,ALPHA" {
		t.Fatalf("unexpected metadata order %v", names)
	}
	if out.EnvMetadata[0]["required"] != true {
		t.Fatalf("expected boolean conversion, got %#v", out.EnvMetadata[0]["required"])
	}

	if _, err := f.svc.Inspect(context.Background(), 2); domain.KindOf(err) != domain.KindInvalid {
		t.Fatalf("expected invalid for unbuilt image, got %v", err)
	}
	f.inspector.err = build.ErrImageNotFound
	if _, err := f.svc.Inspect(context.Background(), 1); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	f := newFixture(inlinePool{})
	_ = f.images.CreateImage(context.Background(), &domain.DockerImage{Name: "a", Tag: "1", BuildStatus: domain.BuildSuccess})
	_ = f.images.CreateImage(context.Background(), &domain.DockerImage{Name: "a", Tag: "2", BuildStatus: domain.BuildFailed})

	all, err := f.svc.List(context.Background(), "")
	if err != nil || len(all) != 2 || all[0].Tag != "2" {
		t.Fatalf("unexpected list %+v %v", all, err)
	}
	failed, _ := f.svc.List(context.Background(), "failed")
	if len(failed) != 1 {
		t.Fatalf("expected one failed image, got %d", len(failed))
	}
	if _, err := f.svc.List(context.Background(), "bogus"); domain.KindOf(err) != domain.KindInvalid {
		t.Fatalf("expected invalid filter error")
	}
	if err := f.svc.Delete(context.Background(), 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.svc.Delete(context.Background(), 1); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestSettingsAndTokenPrecedence(t *testing.T) {
	f := newFixture(inlinePool{})

	view, err := f.svc.Settings(context.Background())
	if err != nil || view.GitHubTokenConfigured || view.GitHubDefaultRepo != DefaultRepo {
		t.Fatalf("unexpected default view %+v %v", view, err)
	}
	if _, err := f.svc.ListTags(context.Background(), ""); err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if f.tags.token != "env-token" || f.tags.repo != DefaultRepo {
		t.Fatalf("expected env token and default repo, got %q %q", f.tags.token, f.tags.repo)
	}

	token := "ghp_1234567890abcd"
	repo := "habitio/other"
	view, err = f.svc.UpdateSettings(context.Background(), SettingsInput{GitHubToken: &token, GitHubDefaultRepo: &repo})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if !view.GitHubTokenConfigured || view.GitHubTokenMasked != "ghp_****abcd" || view.GitHubDefaultRepo != repo {
		t.Fatalf("unexpected view %+v", view)
	}
	if _, err := f.svc.ListTags(context.Background(), ""); err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if f.tags.token != token || f.tags.repo != repo {
		t.Fatalf("stored settings should win, got %q %q", f.tags.token, f.tags.repo)
	}

	bad := "nope"
	if _, err := f.svc.UpdateSettings(context.Background(), SettingsInput{GitHubDefaultRepo: &bad}); domain.KindOf(err) != domain.KindInvalid {
		t.Fatalf("expected invalid repo error, got %v", err)
	}
}

func TestListTagsErrors(t *testing.T) {
	f := newFixture(inlinePool{})
	f.tags.err = source.ErrNotFound
	if _, err := f.svc.ListTags(context.Background(), "a/b"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	f.tags.err = errors.New("rate limited")
	_, err := f.svc.ListTags(context.Background(), "a/b")
	if domain.KindOf(err) != domain.KindInternal || !strings.Contains(err.Error(), "Failed to fetch GitHub tags") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSettingsTokenSealedAtRest(t *testing.T) {
	f := newFixture(inlinePool{})
	sealer, err := crypto.NewSealer("settings-key")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	f.svc.sealer = sealer

	token := "ghp_1234567890abcd"
	view, err := f.svc.UpdateSettings(context.Background(), SettingsInput{GitHubToken: &token})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if view.GitHubTokenMasked != "ghp_****abcd" {
		t.Fatalf("view should mask the plaintext token, got %q", view.GitHubTokenMasked)
	}
	stored := f.settings.settings.GitHubToken
	if stored == nil || !crypto.IsSealed(*stored) {
		t.Fatalf("token stored in plaintext: %v", stored)
	}
	if _, err := f.svc.ListTags(context.Background(), ""); err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if f.tags.token != token {
		t.Fatalf("expected decrypted token for GitHub calls, got %q", f.tags.token)
	}

	// Without the key the sealed value is ignored and the env token applies.
	f.svc.sealer = nil
	if _, err := f.svc.ListTags(context.Background(), ""); err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if f.tags.token != "env-token" {
		t.Fatalf("expected env token fallback, got %q", f.tags.token)
	}
}
