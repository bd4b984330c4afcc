// Package image records image builds and runs them on the build pool.
package image

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/habitio/habit-cortex-orchestrator/internal/build"
	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/metrics"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
	"github.com/habitio/habit-cortex-orchestrator/internal/source"
)

// Defaults applied to build requests.
const (
	DefaultImageName = "bre-payments"
	DefaultRepo      = "habitio/bre-cortex"
	envLabelPrefix   = "io.habit.cortex.env."
	queueFullMessage = "build queue full"
)

// Runner executes one build.
type Runner interface {
	Run(ctx context.Context, req build.Request, sink build.LineSink) build.Result
}

// Inspector reads metadata of a local image.
type Inspector interface {
	Inspect(ctx context.Context, ref string) (build.ImageDetails, error)
}

// Submitter queues build jobs.
type Submitter interface {
	Submit(job build.Job) error
}

// TagLister lists source tags.
type TagLister interface {
	ListTags(ctx context.Context, repo string) ([]source.Tag, error)
}

// ConflictError reports that name:tag was already recorded.
type ConflictError struct {
	Reference  string
	ExistingID int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("Image %s already exists with ID %d", e.Reference, e.ExistingID)
}

// Sealer encrypts the stored GitHub token.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(value string) (string, error)
}

// Dependencies wires a Service.
type Dependencies struct {
	Images      repository.ImageRepository
	Settings    repository.SettingsRepository
	Runner      Runner
	Inspector   Inspector
	Pool        Submitter
	Tags        func(token string) TagLister
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Sealer      Sealer
	Token       string
	DefaultRepo string
}

// Service manages image build records.
type Service struct {
	images      repository.ImageRepository
	settings    repository.SettingsRepository
	runner      Runner
	inspector   Inspector
	pool        Submitter
	tags        func(token string) TagLister
	metrics     *metrics.Metrics
	logger      *slog.Logger
	sealer      Sealer
	envToken    string
	defaultRepo string
	now         func() time.Time

	// mu serialises the duplicate check with the insert.
	mu sync.Mutex
}

// New returns an image service.
func New(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	repo := strings.TrimSpace(deps.DefaultRepo)
	if repo == "" {
		repo = DefaultRepo
	}
	return &Service{
		images:      deps.Images,
		settings:    deps.Settings,
		runner:      deps.Runner,
		inspector:   deps.Inspector,
		pool:        deps.Pool,
		tags:        deps.Tags,
		metrics:     deps.Metrics,
		logger:      logger.With("component", "images"),
		sealer:      deps.Sealer,
		envToken:    strings.TrimSpace(deps.Token),
		defaultRepo: repo,
		now:         time.Now,
	}
}

// BuildRequest asks for repo@tag to be built into ImageName:Tag.
type BuildRequest struct {
	Repo           string
	Tag            string
	CommitSHA      string
	ImageName      string
	DockerfilePath string
}

// RequestBuild records a pending build and queues it. It returns once the job is queued.
func (s *Service) RequestBuild(ctx context.Context, req BuildRequest) (*domain.DockerImage, error) {
	req.Repo = strings.TrimSpace(req.Repo)
	req.Tag = strings.TrimSpace(req.Tag)
	req.CommitSHA = strings.TrimSpace(req.CommitSHA)
	req.ImageName = strings.TrimSpace(req.ImageName)
	if req.ImageName == "" {
		req.ImageName = DefaultImageName
	}
	if strings.TrimSpace(req.DockerfilePath) == "" {
		req.DockerfilePath = build.DefaultDockerfile
	}
	switch {
	case req.Repo == "":
		return nil, domain.Invalidf("repo is required")
	case !source.IsRepoSlug(req.Repo) && !source.IsCloneURL(req.Repo):
		return nil, domain.Invalidf("repo must be owner/name or a clone URL")
	case req.Tag == "":
		return nil, domain.Invalidf("tag is required")
	case req.CommitSHA == "":
		return nil, domain.Invalidf("commit_sha is required")
	}

	image, err := s.record(ctx, req)
	if err != nil {
		return nil, err
	}

	token := s.token(ctx)
	job := build.Job{
		ImageID: image.ID,
		Run: func(ctx context.Context) {
			s.runBuild(ctx, *image, build.Request{
				Repo:       req.Repo,
				Ref:        req.Tag,
				CommitSHA:  req.CommitSHA,
				ImageName:  req.ImageName,
				Tag:        req.Tag,
				Dockerfile: req.DockerfilePath,
				Token:      token,
			})
		},
	}
	if err := s.pool.Submit(job); err != nil {
		reason := err.Error()
		if errors.Is(err, build.ErrQueueFull) {
			reason = queueFullMessage
		}
		if cerr := s.images.CompleteBuild(context.WithoutCancel(ctx), image.ID, domain.BuildFailed, "", &reason, nil); cerr != nil {
			s.logger.Error("mark rejected build", "image_id", image.ID, "error", cerr)
		}
		s.metrics.BuildFinished("rejected", 0)
		s.logger.Warn("build rejected", "image_id", image.ID, "reference", image.Reference(), "error", err)
		if errors.Is(err, build.ErrQueueFull) {
			return nil, domain.Unavailablef("Build queue is full; try again later")
		}
		return nil, domain.Unavailablef("Build pool is not accepting work")
	}
	s.logger.Info("build queued", "image_id", image.ID, "reference", image.Reference())
	return image, nil
}

func (s *Service) record(ctx context.Context, req BuildRequest) (*domain.DockerImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.images.FindImage(ctx, req.ImageName, req.Tag)
	switch {
	case err == nil:
		return nil, &ConflictError{Reference: existing.Reference(), ExistingID: existing.ID}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("find image: %w", err)
	}
	image := &domain.DockerImage{
		Name:        req.ImageName,
		Tag:         req.Tag,
		GitHubRepo:  req.Repo,
		GitHubRef:   "refs/tags/" + req.Tag,
		CommitSHA:   req.CommitSHA,
		BuildStatus: domain.BuildPending,
	}
	if err := s.images.CreateImage(ctx, image); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			conflict := &ConflictError{Reference: image.Reference()}
			// Another replica inserted the row between the lookup and the insert.
			if winner, ferr := s.images.FindImage(ctx, req.ImageName, req.Tag); ferr == nil {
				conflict.ExistingID = winner.ID
			}
			return nil, conflict
		}
		return nil, fmt.Errorf("create image: %w", err)
	}
	return image, nil
}

func (s *Service) runBuild(ctx context.Context, image domain.DockerImage, req build.Request) {
	started := s.now()
	store := context.WithoutCancel(ctx)
	if err := s.images.SetBuildStatus(store, image.ID, domain.BuildBuilding); err != nil {
		s.logger.Error("mark build started", "image_id", image.ID, "error", err)
	}
	s.logger.Info("build started", "image_id", image.ID, "reference", image.Reference())

	sink := func(line string) {
		if err := s.images.AppendBuildLog(store, image.ID, line); err != nil {
			s.logger.Warn("append build log", "image_id", image.ID, "error", err)
		}
	}
	res := s.runner.Run(ctx, req, sink)

	status := domain.BuildSuccess
	var buildErr *string
	var builtAt *time.Time
	if res.Failed() {
		status = domain.BuildFailed
		msg := res.Error
		buildErr = &msg
	} else {
		t := s.now().UTC()
		builtAt = &t
	}
	if err := s.images.CompleteBuild(store, image.ID, status, strings.Join(res.Log, "\n"), buildErr, builtAt); err != nil {
		s.logger.Error("record build result", "image_id", image.ID, "error", err)
	}
	took := s.now().Sub(started)
	s.metrics.BuildFinished(string(status), took)
	s.logger.Info("build finished", "image_id", image.ID, "status", status, "duration_ms", took.Milliseconds())
}

// Get returns one image record.
func (s *Service) Get(ctx context.Context, id int64) (*domain.DockerImage, error) {
	image, err := s.images.GetImage(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NotFoundf("Image %d not found", id)
		}
		return nil, fmt.Errorf("get image: %w", err)
	}
	return image, nil
}

// List returns image records, newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string) ([]domain.DockerImage, error) {
	filter := domain.BuildStatus(strings.ToLower(strings.TrimSpace(status)))
	if filter != "" && !filter.Valid() {
		return nil, domain.Invalidf("unknown build status %q", status)
	}
	images, err := s.images.ListImages(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images, nil
}

// Delete removes the record only. The built image stays in the local engine.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.images.DeleteImage(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NotFoundf("Image %d not found", id)
		}
		return fmt.Errorf("delete image: %w", err)
	}
	s.logger.Info("image record deleted", "image_id", id)
	return nil
}

// EnvVarMeta describes one variable declared through image labels.
type EnvVarMeta map[string]any

// Name returns the variable name.
func (m EnvVarMeta) Name() string {
	name, _ := m["name"].(string)
	return name
}

// Required reports whether the variable is marked required.
func (m EnvVarMeta) Required() bool {
	required, _ := m["required"].(bool)
	return required
}

// Inspection is the operator view of a built image.
type Inspection struct {
	ImageName   string
	EnvVars     []string
	EnvMetadata []EnvVarMeta
	Labels      map[string]string
	Created     *time.Time
}

// Inspect reads the built image from the local engine.
func (s *Service) Inspect(ctx context.Context, id int64) (*Inspection, error) {
	image, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if image.BuildStatus != domain.BuildSuccess {
		return nil, domain.Invalidf("Image build status is '%s', must be 'success' to inspect", image.BuildStatus)
	}
	ref := image.Reference()
	details, err := s.inspector.Inspect(ctx, ref)
	if err != nil {
		if errors.Is(err, build.ErrImageNotFound) {
			return nil, domain.NotFoundf("Docker image '%s' not found on host. The image may have been removed.", ref)
		}
		return nil, domain.Internalf(err, "Failed to inspect image: %v", err)
	}
	out := &Inspection{
		ImageName:   ref,
		EnvVars:     details.Env,
		EnvMetadata: ParseEnvMetadata(details.Labels),
		Labels:      details.Labels,
	}
	if !details.Created.IsZero() {
		created := details.Created
		out.Created = &created
	}
	return out, nil
}

// ParseEnvMetadata groups labels of the form io.habit.cortex.env.<VAR>.<attr>
// by variable. Required variables sort first, then by name.
func ParseEnvMetadata(labels map[string]string) []EnvVarMeta {
	byName := map[string]EnvVarMeta{}
	for key, value := range labels {
		rest, ok := strings.CutPrefix(key, envLabelPrefix)
		if !ok {
			continue
		}
		name, attr, ok := strings.Cut(rest, ".")
		if !ok || name == "" || attr == "" {
			continue
		}
		meta, ok := byName[name]
		if !ok {
			meta = EnvVarMeta{"name": name}
			byName[name] = meta
		}
		switch strings.ToLower(value) {
		case "true":
			meta[attr] = true
		case "false":
			meta[attr] = false
		default:
			meta[attr] = value
		}
	}
	out := make([]EnvVarMeta, 0, len(byName))
	for _, meta := range byName {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Required() != out[j].Required() {
			return out[i].Required()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// ListTags lists tags of repo, enriched with commit details.
func (s *Service) ListTags(ctx context.Context, repo string) ([]source.Tag, error) {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		repo = s.DefaultRepo(ctx)
	}
	if !source.IsRepoSlug(repo) {
		return nil, domain.Invalidf("repo must be owner/name")
	}
	tags, err := s.tags(s.token(ctx)).ListTags(ctx, repo)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return nil, domain.NotFoundf("Repository %s not found", repo)
		}
		return nil, domain.Internalf(err, "Failed to fetch GitHub tags: %v", err)
	}
	return tags, nil
}
