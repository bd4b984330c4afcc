package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
)

// ErrImageNotFound is returned by Inspect for an unknown reference.
var ErrImageNotFound = errors.New("build: image not found")

// EngineError is a failure reported by the build itself, such as a failing step.
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string { return e.Message }

// APIError is a transport or daemon failure talking to the engine.
type APIError struct {
	Err error
}

func (e *APIError) Error() string { return e.Err.Error() }

func (e *APIError) Unwrap() error { return e.Err }

// LineSink receives rendered build output, one line at a time.
type LineSink func(string)

// imageAPI is the slice of the docker SDK the build engine needs.
type imageAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
}

// Engine builds and inspects images on a docker daemon.
type Engine struct {
	api imageAPI
}

// NewEngine wraps an SDK client. The cluster's shared client is passed in here.
func NewEngine(cli *client.Client) *Engine {
	return &Engine{api: cli}
}

// Spec describes one image build.
type Spec struct {
	Target Target
	Tags   []string
	Labels map[string]string
}

// Build tars the context directory and runs the image build, sending each
// output line to sink. Error messages in the stream fail the build.
func (e *Engine) Build(ctx context.Context, spec Spec, sink LineSink) (string, error) {
	if spec.Target.ContextDir == "" {
		return "", fmt.Errorf("build context cannot be empty")
	}
	if len(spec.Tags) == 0 {
		return "", fmt.Errorf("image tag cannot be empty")
	}
	if sink == nil {
		sink = func(string) {}
	}
	buildCtx, err := archive.TarWithOptions(spec.Target.ContextDir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        spec.Tags,
		Dockerfile:  spec.Target.Dockerfile,
		Labels:      spec.Labels,
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	}
	resp, err := e.api.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return "", &APIError{Err: err}
	}
	defer resp.Body.Close()

	var imageID string
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", &APIError{Err: fmt.Errorf("decode build output: %w", err)}
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			sink("ERROR: " + errMsg)
			return "", &EngineError{Message: errMsg}
		}
		if id := msg.imageID(); id != "" {
			imageID = id
		}
		if line := msg.render(); line != "" {
			sink(line)
		}
	}
	return imageID, nil
}

// ImageDetails is the subset of image metadata surfaced to operators.
type ImageDetails struct {
	ID           string
	Created      time.Time
	Size         int64
	Architecture string
	OS           string
	Labels       map[string]string
	Env          []string
	ExposedPorts []string
}

// Inspect reads metadata of a local image by reference.
func (e *Engine) Inspect(ctx context.Context, ref string) (ImageDetails, error) {
	info, _, err := e.api.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ImageDetails{}, fmt.Errorf("%w: %s", ErrImageNotFound, ref)
		}
		return ImageDetails{}, &APIError{Err: err}
	}
	details := ImageDetails{
		ID:           info.ID,
		Size:         info.Size,
		Architecture: info.Architecture,
		OS:           info.Os,
		Labels:       map[string]string{},
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		details.Created = created
	}
	if cfg := info.Config; cfg != nil {
		for k, v := range cfg.Labels {
			details.Labels[k] = v
		}
		details.Env = append(details.Env, cfg.Env...)
		for port := range cfg.ExposedPorts {
			details.ExposedPorts = append(details.ExposedPorts, string(port))
		}
	}
	return details, nil
}

type buildMessage struct {
	Stream         string         `json:"stream"`
	Status         string         `json:"status"`
	ID             string         `json:"id"`
	Progress       string         `json:"progress"`
	ProgressDetail progressDetail `json:"progressDetail"`
	Error          string         `json:"error"`
	ErrorDetail    struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux map[string]any `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

func (m buildMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m buildMessage) imageID() string {
	if id, ok := m.Aux["ID"].(string); ok {
		return id
	}
	return ""
}

func (m buildMessage) render() string {
	if line := strings.TrimSpace(m.Stream); line != "" {
		return line
	}
	if status := strings.TrimSpace(m.Status); status != "" {
		// layer progress ticks would flood the persisted log
		if m.Progress != "" || m.ProgressDetail.Total > 0 {
			return ""
		}
		if id := strings.TrimSpace(m.ID); id != "" {
			return "STATUS: " + id + " " + status
		}
		return "STATUS: " + status
	}
	if id := m.imageID(); id != "" {
		return "image id: " + id
	}
	return ""
}
