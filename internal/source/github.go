// Package source fetches pinned source revisions for image builds.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

const (
	maxEnrichedTags   = 20
	maxCommitMessage  = 100
	acceptHeader      = "application/vnd.github.v3+json"
	defaultAPITimeout = 30 * time.Second
)

// ErrNotFound is returned when the repository or reference does not exist.
var ErrNotFound = errors.New("source: not found")

// StatusError reports an unexpected GitHub response.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("github %s: status %d", e.URL, e.Code)
	}
	return fmt.Sprintf("github %s: status %d: %s", e.URL, e.Code, e.Body)
}

// Tag is a repository tag, optionally enriched with commit details.
type Tag struct {
	Name       string
	CommitSHA  string
	CommitURL  string
	TarballURL string
	ZipballURL string
	Date       string
	Author     string
	Message    string
}

// Commit describes a single commit.
type Commit struct {
	SHA     string
	Message string
	Author  string
	Date    string
	HTMLURL string
}

// GitHub talks to the GitHub REST API.
type GitHub struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
	logger  *slog.Logger
}

// NewGitHub returns a client for baseURL. An empty token means anonymous access.
func NewGitHub(baseURL, token string, logger *slog.Logger) *GitHub {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultAPIURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	g := &GitHub{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		client:  rc,
		logger:  logger.With("component", "github"),
	}
	rc.Logger = g.logger
	return g
}

// WithToken returns a copy of g authenticating with token. An empty token keeps the current one.
func (g *GitHub) WithToken(token string) *GitHub {
	token = strings.TrimSpace(token)
	if token == "" {
		return g
	}
	clone := *g
	clone.token = token
	return &clone
}

// Download streams the tarball of repo at ref into w.
func (g *GitHub) Download(ctx context.Context, repo, ref string, w io.Writer) (int64, error) {
	if err := validateRepo(repo); err != nil {
		return 0, err
	}
	if strings.TrimSpace(ref) == "" {
		return 0, fmt.Errorf("reference cannot be empty")
	}
	endpoint := fmt.Sprintf("%s/repos/%s/tarball/%s", g.baseURL, repo, url.PathEscape(ref))
	resp, err := g.get(ctx, endpoint)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read tarball: %w", err)
	}
	g.logger.Info("source downloaded", "repo", repo, "ref", ref, "bytes", n)
	return n, nil
}

// ListTags returns the repository tags. The first tags are enriched with
// commit details; enrichment failures are logged and leave the tag as is.
func (g *GitHub) ListTags(ctx context.Context, repo string) ([]Tag, error) {
	if err := validateRepo(repo); err != nil {
		return nil, err
	}
	var payload []struct {
		Name   string `json:"name"`
		Commit struct {
			SHA string `json:"sha"`
			URL string `json:"url"`
		} `json:"commit"`
		ZipballURL string `json:"zipball_url"`
		TarballURL string `json:"tarball_url"`
	}
	if err := g.getJSON(ctx, fmt.Sprintf("%s/repos/%s/tags", g.baseURL, repo), &payload); err != nil {
		return nil, err
	}
	if len(payload) > maxEnrichedTags {
		payload = payload[:maxEnrichedTags]
	}
	tags := make([]Tag, 0, len(payload))
	for _, item := range payload {
		tag := Tag{
			Name:       item.Name,
			CommitSHA:  item.Commit.SHA,
			CommitURL:  item.Commit.URL,
			TarballURL: item.TarballURL,
			ZipballURL: item.ZipballURL,
		}
		if tag.CommitSHA != "" {
			commit, err := g.Commit(ctx, repo, tag.CommitSHA)
			if err != nil {
				g.logger.Warn("commit details unavailable", "repo", repo, "tag", tag.Name, "error", err)
			} else {
				tag.Date = commit.Date
				tag.Author = commit.Author
				tag.Message = truncate(commit.Message, maxCommitMessage)
			}
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// Commit fetches details of a single commit.
func (g *GitHub) Commit(ctx context.Context, repo, sha string) (Commit, error) {
	var payload struct {
		SHA     string `json:"sha"`
		HTMLURL string `json:"html_url"`
		Commit  struct {
			Message string `json:"message"`
			Author  struct {
				Name string `json:"name"`
				Date string `json:"date"`
			} `json:"author"`
		} `json:"commit"`
	}
	if err := g.getJSON(ctx, fmt.Sprintf("%s/repos/%s/commits/%s", g.baseURL, repo, url.PathEscape(sha)), &payload); err != nil {
		return Commit{}, err
	}
	return Commit{
		SHA:     payload.SHA,
		Message: payload.Commit.Message,
		Author:  payload.Commit.Author.Name,
		Date:    payload.Commit.Author.Date,
		HTMLURL: payload.HTMLURL,
	}, nil
}

func (g *GitHub) getJSON(ctx context.Context, endpoint string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultAPITimeout)
	defer cancel()
	resp, err := g.get(ctx, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func (g *GitHub) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	if g.token != "" {
		req.Header.Set("Authorization", "token "+g.token)
	}
	resp, err := g.client.Do(req)
	if resp == nil {
		if err == nil {
			err = errors.New("empty response")
		}
		return nil, fmt.Errorf("github request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{URL: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, statusErr)
	}
	return nil, statusErr
}

// IsRepoSlug reports whether repo has the owner/name form.
func IsRepoSlug(repo string) bool {
	return validateRepo(repo) == nil
}

func validateRepo(repo string) error {
	owner, name, ok := strings.Cut(strings.TrimSpace(repo), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") || strings.ContainsAny(repo, " ?#:") {
		return fmt.Errorf("repository must be in owner/name form, got %q", repo)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
