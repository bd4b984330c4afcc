// Package build turns a pinned source revision into a tagged container image.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/habitio/habit-cortex-orchestrator/internal/source"
	"github.com/habitio/habit-cortex-orchestrator/internal/workspace"
)

// Downloader fetches a source archive for repo at ref.
type Downloader interface {
	Download(ctx context.Context, repo, ref string, w io.Writer) (int64, error)
}

// Builder runs an image build.
type Builder interface {
	Build(ctx context.Context, spec Spec, sink LineSink) (string, error)
}

// Request is one build of repo@ref into name:tag.
type Request struct {
	Repo       string
	Ref        string
	CommitSHA  string
	ImageName  string
	Tag        string
	Dockerfile string
	Token      string
}

// Reference returns name:tag.
func (r Request) Reference() string {
	return r.ImageName + ":" + r.Tag
}

// Result is the outcome of a pipeline run. Error is empty on success.
type Result struct {
	ImageID string
	Log     []string
	Error   string
}

// Failed reports whether the build did not produce an image.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Pipeline downloads, extracts, resolves and builds.
type Pipeline struct {
	source    func(token string) Downloader
	clone     func(ctx context.Context, repoURL, ref, dest string) error
	builder   Builder
	workspace *workspace.Manager
	logger    *slog.Logger
}

// NewPipeline wires a pipeline. sourceFor returns a downloader authenticated with the given token.
func NewPipeline(sourceFor func(token string) Downloader, builder Builder, ws *workspace.Manager, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		source:    sourceFor,
		clone:     source.Clone,
		builder:   builder,
		workspace: ws,
		logger:    logger.With("component", "build"),
	}
}

// Run executes every step, sending each log line to sink as it is produced.
// Temporary files are removed before Run returns.
func (p *Pipeline) Run(ctx context.Context, req Request, sink LineSink) (res Result) {
	logf := func(format string, args ...any) {
		line := fmt.Sprintf(format, args...)
		res.Log = append(res.Log, line)
		if sink != nil {
			sink(line)
		}
	}
	fail := func(msg string) Result {
		res.Error = msg
		logf("%s", msg)
		p.logger.Warn("image build failed", "image", req.Reference(), "error", msg)
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			res = fail(fmt.Sprintf("Unexpected error: %v", r))
		}
	}()

	ws, err := p.workspace.Acquire("build-" + req.Tag)
	if err != nil {
		return fail(fmt.Sprintf("Unexpected error: %v", err))
	}
	defer func() {
		if err := ws.Release(); err != nil {
			p.logger.Warn("workspace cleanup failed", "dir", ws.Dir, "error", err)
		}
	}()

	root, msg := p.fetch(ctx, req, ws, logf)
	if msg != "" {
		return fail(msg)
	}

	target, err := ResolveBuildFile(root, req.Dockerfile)
	if err != nil {
		return fail(err.Error())
	}
	rel, err := filepath.Rel(root, target.ContextDir)
	if err != nil {
		rel = target.ContextDir
	}
	logf("Building Docker image: %s", req.Reference())
	logf("Build context: %s", filepath.ToSlash(rel))
	logf("Dockerfile: %s", target.Dockerfile)

	imageID, err := p.builder.Build(ctx, Spec{
		Target: target,
		Tags:   []string{req.Reference()},
		Labels: sourceLabels(req),
	}, func(line string) { logf("%s", line) })
	if err != nil {
		return fail(buildFailure(err))
	}
	res.ImageID = imageID
	logf("Successfully built image: %s", req.Reference())
	if imageID != "" {
		logf("Image ID: %s", imageID)
	}
	return res
}

func (p *Pipeline) fetch(ctx context.Context, req Request, ws *workspace.Workspace, logf func(string, ...any)) (string, string) {
	dest := ws.Path("source")
	if source.IsCloneURL(req.Repo) {
		logf("Cloning %s@%s...", req.Repo, req.Ref)
		if err := p.clone(ctx, req.Repo, req.Ref, dest); err != nil {
			return "", fmt.Sprintf("Failed to download source: %v", err)
		}
		return dest, ""
	}

	logf("Downloading %s@%s from GitHub...", req.Repo, req.Ref)
	archivePath := ws.Path("source.tar.gz")
	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Sprintf("Failed to download source: %v", err)
	}
	_, err = p.source(req.Token).Download(ctx, req.Repo, req.Ref, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Sprintf("Failed to download source: %v", err)
	}

	logf("Extracting repository...")
	f, err = os.Open(archivePath)
	if err != nil {
		return "", fmt.Sprintf("Failed to extract source: %v", err)
	}
	defer f.Close()
	root, err := Extract(f, dest)
	if err != nil {
		return "", fmt.Sprintf("Failed to extract source: %v", err)
	}
	return root, ""
}

func buildFailure(err error) string {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return "Docker build failed: " + engineErr.Message
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return "Docker API error: " + apiErr.Error()
	}
	return "Unexpected error: " + err.Error()
}

func sourceLabels(req Request) map[string]string {
	labels := map[string]string{
		"io.habit.cortex.source.repo": req.Repo,
		"io.habit.cortex.source.ref":  req.Ref,
	}
	if sha := strings.TrimSpace(req.CommitSHA); sha != "" {
		labels["io.habit.cortex.source.commit"] = sha
	}
	return labels
}
