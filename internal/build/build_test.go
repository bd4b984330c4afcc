package build

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	"github.com/habitio/habit-cortex-orchestrator/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type tarEntry struct {
	name string
	body string
	dir  bool
}

func tarball(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg, ModTime: time.Now()}
		if e.dir {
			hdr = &tar.Header{Name: e.name, Mode: 0o755, Typeflag: tar.TypeDir, ModTime: time.Now()}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if !e.dir {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("tar body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("FROM scratch\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestExtractReturnsFirstDirectory(t *testing.T) {
	data := tarball(t,
		tarEntry{name: "habitio-bre-cortex-abc123/", dir: true},
		tarEntry{name: "habitio-bre-cortex-abc123/Dockerfile", body: "FROM scratch\n"},
	)
	dest := t.TempDir()
	root, err := Extract(bytes.NewReader(data), dest)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if filepath.Base(root) != "habitio-bre-cortex-abc123" {
		t.Fatalf("unexpected root %q", root)
	}
	if _, err := os.Stat(filepath.Join(root, "Dockerfile")); err != nil {
		t.Fatalf("expected Dockerfile extracted: %v", err)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	parent := t.TempDir()
	dest := filepath.Join(parent, "out")
	data := tarball(t, tarEntry{name: "../evil.txt", body: "x"})
	if _, err := Extract(bytes.NewReader(data), dest); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, err := os.Stat(filepath.Join(parent, "evil.txt")); !os.IsNotExist(err) {
		t.Fatalf("file escaped extraction dir")
	}
}

func TestExtractWithoutDirectory(t *testing.T) {
	data := tarball(t, tarEntry{name: "README.md", body: "x"})
	if _, err := Extract(bytes.NewReader(data), t.TempDir()); err == nil {
		t.Fatalf("expected error when archive has no directory")
	}
}

func TestResolveBuildFileRoot(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "Dockerfile")
	target, err := ResolveBuildFile(root, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target.ContextDir != root || target.Dockerfile != "Dockerfile" {
		t.Fatalf("unexpected target %+v", target)
	}
}

func TestResolveBuildFileNested(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "cortex-orchestrator/Dockerfile.prod")
	target, err := ResolveBuildFile(root, "cortex-orchestrator/Dockerfile.prod")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target.ContextDir != filepath.Join(root, "cortex-orchestrator") || target.Dockerfile != "Dockerfile.prod" {
		t.Fatalf("unexpected target %+v", target)
	}
}

func TestResolveBuildFileListsCandidates(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "b/Dockerfile", "a/Dockerfile.dev", "a/notes.txt")
	_, err := ResolveBuildFile(root, "Dockerfile")
	var missing *MissingBuildFileError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingBuildFileError, got %v", err)
	}
	want := "Dockerfile not found at Dockerfile. Found Dockerfiles at: a/Dockerfile.dev, b/Dockerfile"
	if err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestResolveBuildFileNoneFound(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "src/main.py")
	_, err := ResolveBuildFile(root, "app/Dockerfile")
	if err == nil || err.Error() != "Dockerfile not found at app/Dockerfile. No Dockerfiles found in repository." {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestResolveBuildFileRejectsEscape(t *testing.T) {
	if _, err := ResolveBuildFile(t.TempDir(), "../Dockerfile"); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
}

type fakeImageAPI struct {
	stream  string
	err     error
	opts    types.ImageBuildOptions
	inspect types.ImageInspect
}

func (f *fakeImageAPI) ImageBuild(_ context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	f.opts = options
	_, _ = io.Copy(io.Discard, buildContext)
	if f.err != nil {
		return types.ImageBuildResponse{}, f.err
	}
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.stream))}, nil
}

func (f *fakeImageAPI) ImageInspectWithRaw(context.Context, string) (types.ImageInspect, []byte, error) {
	return f.inspect, nil, nil
}

func TestEngineBuildStreamsLines(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, "Dockerfile")
	api := &fakeImageAPI{stream: `{"stream":"Step 1/2 : FROM python\n"}
{"status":"Pulling from library/python","id":"3.12"}
{"status":"Downloading","progressDetail":{"current":5,"total":10},"id":"abc"}
{"aux":{"ID":"sha256:feed"}}
{"stream":"Successfully tagged bre-payments:v1\n"}
`}
	engine := &Engine{api: api}
	var lines []string
	id, err := engine.Build(context.Background(), Spec{Target: Target{ContextDir: dir, Dockerfile: "Dockerfile"}, Tags: []string{"bre-payments:v1"}}, func(l string) { lines = append(lines, l) })
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if id != "sha256:feed" {
		t.Fatalf("unexpected image id %q", id)
	}
	want := []string{"Step 1/2 : FROM python", "STATUS: 3.12 Pulling from library/python", "image id: sha256:feed", "Successfully tagged bre-payments:v1"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected lines %q", lines)
	}
	if !api.opts.Remove || !api.opts.ForceRemove || !api.opts.PullParent || api.opts.Dockerfile != "Dockerfile" {
		t.Fatalf("unexpected build options %+v", api.opts)
	}
}

func TestEngineBuildStreamError(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, "Dockerfile")
	api := &fakeImageAPI{stream: `{"stream":"Step 1/1 : RUN false\n"}
{"error":"The command '/bin/sh -c false' returned a non-zero code: 1","errorDetail":{"message":"x"}}
`}
	var lines []string
	_, err := (&Engine{api: api}).Build(context.Background(), Spec{Target: Target{ContextDir: dir, Dockerfile: "Dockerfile"}, Tags: []string{"a:b"}}, func(l string) { lines = append(lines, l) })
	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected EngineError, got %v", err)
	}
	if lines[len(lines)-1] != "ERROR: The command '/bin/sh -c false' returned a non-zero code: 1" {
		t.Fatalf("unexpected last line %q", lines[len(lines)-1])
	}
}

func TestEngineBuildTransportError(t *testing.T) {
	dir := t.TempDir()
	api := &fakeImageAPI{err: errors.New("connection refused")}
	_, err := (&Engine{api: api}).Build(context.Background(), Spec{Target: Target{ContextDir: dir, Dockerfile: "Dockerfile"}, Tags: []string{"a:b"}}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestEngineInspect(t *testing.T) {
	api := &fakeImageAPI{inspect: types.ImageInspect{
		ID:      "sha256:1",
		Created: "2024-05-01T10:00:00Z",
		Size:    42,
		Os:      "linux",
		Config: &container.Config{
			Labels: map[string]string{"io.habit.cortex.env.MQTT_HOST.required": "true"},
			Env:    []string{"PATH=/usr/bin"},
		},
	}}
	details, err := (&Engine{api: api}).Inspect(context.Background(), "bre-payments:v1")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if details.ID != "sha256:1" || details.Size != 42 || details.Created.IsZero() || details.Labels["io.habit.cortex.env.MQTT_HOST.required"] != "true" {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestPoolRejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	pool := NewPool(1, 1, time.Second, testLogger(), nil)

	if err := pool.Submit(Job{ImageID: 1, Run: func(context.Context) { close(started); <-release }}); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	<-started
	if err := pool.Submit(Job{ImageID: 2, Run: func(context.Context) {}}); err != nil {
		t.Fatalf("submit 2 should queue: %v", err)
	}
	if err := pool.Submit(Job{ImageID: 3, Run: func(context.Context) {}}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(release)
	if err := pool.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := pool.Submit(Job{ImageID: 4, Run: func(context.Context) {}}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolCloseDrainsQueue(t *testing.T) {
	pool := NewPool(2, 8, time.Second, testLogger(), nil)
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 6; i++ {
		if err := pool.Submit(Job{ImageID: int64(i), Run: func(context.Context) {
			mu.Lock()
			ran++
			mu.Unlock()
		}}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := pool.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ran != 6 {
		t.Fatalf("expected 6 jobs to run, got %d", ran)
	}
}

func TestPoolSurvivesPanicAndAppliesTimeout(t *testing.T) {
	pool := NewPool(1, 2, 50*time.Millisecond, testLogger(), nil)
	_ = pool.Submit(Job{ImageID: 1, Run: func(context.Context) { panic("boom") }})
	var deadline bool
	_ = pool.Submit(Job{ImageID: 2, Run: func(ctx context.Context) {
		_, deadline = ctx.Deadline()
	}})
	if err := pool.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !deadline {
		t.Fatalf("expected job context to carry a deadline")
	}
}

func TestPoolCloseCancelsRunningJobsAtDeadline(t *testing.T) {
	pool := NewPool(1, 1, time.Hour, testLogger(), nil)
	started := make(chan struct{})
	var cancelled bool
	_ = pool.Submit(Job{ImageID: 1, Run: func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled = true
	}})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !cancelled {
		t.Fatalf("expected running job to be cancelled")
	}
}

type fakeDownloader struct {
	data []byte
	err  error
	repo string
	ref  string
}

func (f *fakeDownloader) Download(_ context.Context, repo, ref string, w io.Writer) (int64, error) {
	f.repo, f.ref = repo, ref
	if f.err != nil {
		return 0, f.err
	}
	n, err := w.Write(f.data)
	return int64(n), err
}

type fakeBuilder struct {
	spec  Spec
	calls int
	lines []string
	err   error
}

func (f *fakeBuilder) Build(_ context.Context, spec Spec, sink LineSink) (string, error) {
	f.calls++
	f.spec = spec
	for _, l := range f.lines {
		sink(l)
	}
	if f.err != nil {
		return "", f.err
	}
	return "sha256:abc", nil
}

func newTestPipeline(t *testing.T, dl *fakeDownloader, b *fakeBuilder) (*Pipeline, *workspace.Manager, *string) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	var token string
	p := NewPipeline(func(tok string) Downloader { token = tok; return dl }, b, ws, testLogger())
	return p, ws, &token
}

func TestPipelineSuccess(t *testing.T) {
	dl := &fakeDownloader{data: tarball(t,
		tarEntry{name: "repo-sha/", dir: true},
		tarEntry{name: "repo-sha/svc/Dockerfile", body: "FROM scratch\n"},
	)}
	b := &fakeBuilder{lines: []string{"Step 1/1 : FROM scratch"}}
	p, ws, token := newTestPipeline(t, dl, b)

	var streamed []string
	res := p.Run(context.Background(), Request{
		Repo: "habitio/bre-cortex", Ref: "v1", CommitSHA: "abc", ImageName: "bre-payments", Tag: "v1",
		Dockerfile: "svc/Dockerfile", Token: "tok",
	}, func(l string) { streamed = append(streamed, l) })

	if res.Failed() {
		t.Fatalf("unexpected failure %q", res.Error)
	}
	if *token != "tok" || dl.ref != "v1" {
		t.Fatalf("downloader not called as expected: token=%q ref=%q", *token, dl.ref)
	}
	if filepath.Base(b.spec.Target.ContextDir) != "svc" || b.spec.Tags[0] != "bre-payments:v1" {
		t.Fatalf("unexpected build spec %+v", b.spec)
	}
	if b.spec.Labels["io.habit.cortex.source.commit"] != "abc" {
		t.Fatalf("expected source labels, got %v", b.spec.Labels)
	}
	if len(streamed) != len(res.Log) || !strings.Contains(strings.Join(res.Log, "\n"), "Step 1/1 : FROM scratch") {
		t.Fatalf("sink and log diverged: %v vs %v", streamed, res.Log)
	}
	if res.Log[len(res.Log)-1] != "Image ID: sha256:abc" {
		t.Fatalf("unexpected last log line %q", res.Log[len(res.Log)-1])
	}
	entries, _ := os.ReadDir(ws.Root())
	if len(entries) != 0 {
		t.Fatalf("expected workspace cleaned up, found %d entries", len(entries))
	}
}

func TestPipelineMissingBuildFile(t *testing.T) {
	dl := &fakeDownloader{data: tarball(t,
		tarEntry{name: "repo-sha/", dir: true},
		tarEntry{name: "repo-sha/main.py", body: "print()\n"},
	)}
	b := &fakeBuilder{}
	p, ws, _ := newTestPipeline(t, dl, b)

	res := p.Run(context.Background(), Request{Repo: "a/b", Ref: "v1", ImageName: "bre-payments", Tag: "v1", Dockerfile: "Dockerfile"}, nil)
	if res.Error != "Dockerfile not found at Dockerfile. No Dockerfiles found in repository." {
		t.Fatalf("unexpected error %q", res.Error)
	}
	if b.calls != 0 {
		t.Fatalf("builder must not run")
	}
	entries, _ := os.ReadDir(ws.Root())
	if len(entries) != 0 {
		t.Fatalf("expected workspace cleaned up after failure")
	}
}

func TestPipelineFailureMessages(t *testing.T) {
	good := tarball(t, tarEntry{name: "r/", dir: true}, tarEntry{name: "r/Dockerfile", body: "FROM scratch\n"})
	cases := []struct {
		name   string
		dl     *fakeDownloader
		b      *fakeBuilder
		prefix string
	}{
		{"download", &fakeDownloader{err: errors.New("status 404")}, &fakeBuilder{}, "Failed to download source: "},
		{"extract", &fakeDownloader{data: []byte("not a tarball")}, &fakeBuilder{}, "Failed to extract source: "},
		{"engine", &fakeDownloader{data: good}, &fakeBuilder{err: &EngineError{Message: "step failed"}}, "Docker build failed: step failed"},
		{"api", &fakeDownloader{data: good}, &fakeBuilder{err: &APIError{Err: errors.New("daemon down")}}, "Docker API error: daemon down"},
		{"other", &fakeDownloader{data: good}, &fakeBuilder{err: errors.New("odd")}, "Unexpected error: odd"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _, _ := newTestPipeline(t, tc.dl, tc.b)
			res := p.Run(context.Background(), Request{Repo: "a/b", Ref: "v1", ImageName: "n", Tag: "v1"}, nil)
			if !strings.HasPrefix(res.Error, tc.prefix) {
				t.Fatalf("expected prefix %q, got %q", tc.prefix, res.Error)
			}
			if res.Log[len(res.Log)-1] != res.Error {
				t.Fatalf("expected error to be the last log line")
			}
		})
	}
}

func TestPipelineRecoversPanic(t *testing.T) {
	good := tarball(t, tarEntry{name: "r/", dir: true}, tarEntry{name: "r/Dockerfile", body: "FROM scratch\n"})
	ws, _ := workspace.New(t.TempDir())
	p := NewPipeline(func(string) Downloader { return &fakeDownloader{data: good} }, panicBuilder{}, ws, testLogger())
	res := p.Run(context.Background(), Request{Repo: "a/b", Ref: "v1", ImageName: "n", Tag: "v1"}, nil)
	if res.Error != "Unexpected error: kaboom" {
		t.Fatalf("unexpected error %q", res.Error)
	}
}

type panicBuilder struct{}

func (panicBuilder) Build(context.Context, Spec, LineSink) (string, error) { panic("kaboom") }

func TestPipelineClonesFullURLs(t *testing.T) {
	b := &fakeBuilder{}
	p, _, _ := newTestPipeline(t, &fakeDownloader{err: errors.New("must not download")}, b)
	var clonedRef string
	p.clone = func(_ context.Context, repoURL, ref, dest string) error {
		clonedRef = ref
		writeTree(t, dest, "Dockerfile")
		return nil
	}
	res := p.Run(context.Background(), Request{Repo: "https://example.com/a/b.git", Ref: "v2", ImageName: "n", Tag: "v2"}, nil)
	if res.Failed() {
		t.Fatalf("unexpected failure %q", res.Error)
	}
	if clonedRef != "v2" || b.calls != 1 {
		t.Fatalf("expected clone then build, ref=%q calls=%d", clonedRef, b.calls)
	}
}
