package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the orchestrator operator API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the operator bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8004"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Product mirrors the product view returned by the API.
type Product struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	Slug       string            `json:"slug"`
	Port       int               `json:"port"`
	Replicas   int               `json:"replicas"`
	Status     string            `json:"status"`
	EnvVars    map[string]string `json:"env_vars"`
	ImageID    *int64            `json:"image_id"`
	ImageName  string            `json:"image_name"`
	ServiceID  *string           `json:"service_id"`
	DeployedAt *time.Time        `json:"deployed_at"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ListProducts returns every product.
func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	var products []Product
	if err := c.do(ctx, http.MethodGet, "/api/v1/products", nil, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// GetProduct fetches one product.
func (c *Client) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/products/%d", id), nil, &p); err != nil {
		return Product{}, err
	}
	return p, nil
}

// StartProduct deploys the product's service.
func (c *Client) StartProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/products/%d/start", id), nil, &p); err != nil {
		return Product{}, err
	}
	return p, nil
}

// StopProduct removes the product's service.
func (c *Client) StopProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/products/%d/stop", id), nil, &p); err != nil {
		return Product{}, err
	}
	return p, nil
}

// ScaleResult is the accepted scale request.
type ScaleResult struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	Replicas    int    `json:"replicas"`
	Status      string `json:"status"`
}

// ScaleProduct changes the running replica count.
func (c *Client) ScaleProduct(ctx context.Context, id int64, replicas int) (ScaleResult, error) {
	var res ScaleResult
	body := map[string]int{"replicas": replicas}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/products/%d/scale", id), body, &res); err != nil {
		return ScaleResult{}, err
	}
	return res, nil
}

// Task is one scheduled replica.
type Task struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	DesiredState string `json:"desired_state"`
	NodeID       string `json:"node_id"`
	Message      string `json:"message"`
}

// ProductStatus is the live status of a product.
type ProductStatus struct {
	ProductID   int64   `json:"product_id"`
	ProductName string  `json:"product_name"`
	Status      string  `json:"status"`
	Replicas    int     `json:"replicas"`
	ServiceID   *string `json:"service_id"`
	Cluster     *struct {
		ServiceID string `json:"service_id"`
		Desired   int    `json:"replicas_desired"`
		Running   int    `json:"replicas_running"`
		Tasks     []Task `json:"tasks"`
	} `json:"cluster"`
}

// ProductStatus reads the product's status, reconciled against the cluster.
func (c *Client) ProductStatus(ctx context.Context, id int64) (ProductStatus, error) {
	var st ProductStatus
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/products/%d/status", id), nil, &st); err != nil {
		return ProductStatus{}, err
	}
	return st, nil
}

// SharedKey carries a freshly generated instance key.
type SharedKey struct {
	ProductID         int64   `json:"product_id"`
	ProductName       string  `json:"product_name"`
	SharedKey         string  `json:"shared_key"`
	PreviousKeyMasked *string `json:"previous_key_masked"`
}

// GenerateSharedKey rotates the product's shared key. The key is only returned here.
func (c *Client) GenerateSharedKey(ctx context.Context, id int64) (SharedKey, error) {
	var key SharedKey
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/products/%d/generate-shared-key", id), nil, &key); err != nil {
		return SharedKey{}, err
	}
	return key, nil
}

// Image mirrors the image build record.
type Image struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Tag         string     `json:"tag"`
	GitHubRepo  string     `json:"github_repo"`
	GitHubRef   string     `json:"github_ref"`
	CommitSHA   string     `json:"commit_sha"`
	BuildStatus string     `json:"build_status"`
	BuildLog    *string    `json:"build_log"`
	BuildError  *string    `json:"build_error"`
	BuiltAt     *time.Time `json:"built_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ListImages returns image records, optionally filtered by build status.
func (c *Client) ListImages(ctx context.Context, status string) ([]Image, error) {
	path := "/api/v1/images"
	if s := strings.TrimSpace(status); s != "" {
		path += "?status=" + url.QueryEscape(s)
	}
	var images []Image
	if err := c.do(ctx, http.MethodGet, path, nil, &images); err != nil {
		return nil, err
	}
	return images, nil
}

// GetImage fetches one image record.
func (c *Client) GetImage(ctx context.Context, id int64) (Image, error) {
	var img Image
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/images/%d", id), nil, &img); err != nil {
		return Image{}, err
	}
	return img, nil
}

// BuildInput requests an image build.
type BuildInput struct {
	Repo           string `json:"repo"`
	Tag            string `json:"tag"`
	CommitSHA      string `json:"commit_sha"`
	ImageName      string `json:"image_name,omitempty"`
	DockerfilePath string `json:"dockerfile_path,omitempty"`
}

// BuildImage queues a build and returns its pending record.
func (c *Client) BuildImage(ctx context.Context, input BuildInput) (Image, error) {
	var img Image
	if err := c.do(ctx, http.MethodPost, "/api/v1/images", input, &img); err != nil {
		return Image{}, err
	}
	return img, nil
}
