package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/service/image"
)

func imageView(img domain.DockerImage) map[string]any {
	return map[string]any{
		"id":           img.ID,
		"name":         img.Name,
		"tag":          img.Tag,
		"github_repo":  img.GitHubRepo,
		"github_ref":   img.GitHubRef,
		"commit_sha":   img.CommitSHA,
		"build_status": string(img.BuildStatus),
		"build_log":    img.BuildLog,
		"build_error":  img.BuildError,
		"built_at":     img.BuiltAt,
		"created_at":   img.CreatedAt,
	}
}

func (r *Router) handleListImages(w http.ResponseWriter, req *http.Request) {
	images, err := r.images.List(req.Context(), req.URL.Query().Get("status"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]map[string]any, 0, len(images))
	for _, img := range images {
		out = append(out, imageView(img))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleBuildImage(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Repo           string `json:"repo"`
		Tag            string `json:"tag"`
		CommitSHA      string `json:"commit_sha"`
		ImageName      string `json:"image_name"`
		DockerfilePath string `json:"dockerfile_path"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	img, err := r.images.RequestBuild(req.Context(), image.BuildRequest{
		Repo:           payload.Repo,
		Tag:            payload.Tag,
		CommitSHA:      payload.CommitSHA,
		ImageName:      payload.ImageName,
		DockerfilePath: payload.DockerfilePath,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, imageView(*img))
}

func (r *Router) handleGetImage(w http.ResponseWriter, req *http.Request) {
	id, ok := r.imageID(w, req)
	if !ok {
		return
	}
	img, err := r.images.Get(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, imageView(*img))
}

func (r *Router) handleDeleteImage(w http.ResponseWriter, req *http.Request) {
	id, ok := r.imageID(w, req)
	if !ok {
		return
	}
	if err := r.images.Delete(req.Context(), id); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleInspectImage(w http.ResponseWriter, req *http.Request) {
	id, ok := r.imageID(w, req)
	if !ok {
		return
	}
	inspection, err := r.images.Inspect(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	var created *string
	if inspection.Created != nil {
		v := inspection.Created.UTC().Format(time.RFC3339Nano)
		created = &v
	}
	envVars := inspection.EnvVars
	if envVars == nil {
		envVars = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"image_name":   inspection.ImageName,
		"env_vars":     envVars,
		"env_metadata": inspection.EnvMetadata,
		"labels":       inspection.Labels,
		"created":      created,
	})
}

func (r *Router) handleGitHubTags(w http.ResponseWriter, req *http.Request) {
	tags, err := r.images.ListTags(req.Context(), req.URL.Query().Get("repo"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]map[string]any, 0, len(tags))
	for _, tag := range tags {
		commit := map[string]any{
			"sha": tag.CommitSHA,
			"url": tag.CommitURL,
		}
		if tag.Date != "" {
			commit["date"] = tag.Date
			commit["author"] = tag.Author
			commit["message"] = tag.Message
		}
		out = append(out, map[string]any{
			"name":        tag.Name,
			"commit":      commit,
			"zipball_url": tag.ZipballURL,
			"tarball_url": tag.TarballURL,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleGetSettings(w http.ResponseWriter, req *http.Request) {
	view, err := r.images.Settings(req.Context())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsView(view))
}

func (r *Router) handleUpdateSettings(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		GitHubToken       *string `json:"github_token"`
		GitHubDefaultRepo *string `json:"github_default_repo"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	view, err := r.images.UpdateSettings(req.Context(), image.SettingsInput{
		GitHubToken:       payload.GitHubToken,
		GitHubDefaultRepo: payload.GitHubDefaultRepo,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsView(view))
}

func settingsView(v *image.SettingsView) map[string]any {
	return map[string]any{
		"github_token_configured": v.GitHubTokenConfigured,
		"github_token_masked":     v.GitHubTokenMasked,
		"github_default_repo":     v.GitHubDefaultRepo,
	}
}

func (r *Router) imageID(w http.ResponseWriter, req *http.Request) (int64, bool) {
	id, ok := pathID(req, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid image id")
	}
	return id, ok
}
