package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
	"github.com/habitio/habit-cortex-orchestrator/internal/service/gateway"
	"github.com/habitio/habit-cortex-orchestrator/internal/service/image"
	"github.com/habitio/habit-cortex-orchestrator/internal/service/logs"
	"github.com/habitio/habit-cortex-orchestrator/internal/service/product"
	"github.com/habitio/habit-cortex-orchestrator/internal/source"
	"github.com/habitio/habit-cortex-orchestrator/internal/ws"
)

// ProductService is the operator-facing product lifecycle.
type ProductService interface {
	List(ctx context.Context) ([]domain.Product, error)
	Get(ctx context.Context, id int64) (*domain.Product, error)
	Create(ctx context.Context, input product.CreateInput) (*domain.Product, error)
	Update(ctx context.Context, id int64, input product.UpdateInput) (*domain.Product, error)
	Delete(ctx context.Context, id int64) error
	Duplicate(ctx context.Context, sourceID int64, input product.DuplicateInput) (*product.DuplicateResult, error)
	Start(ctx context.Context, id int64) (*domain.Product, error)
	Stop(ctx context.Context, id int64) (*domain.Product, error)
	Scale(ctx context.Context, id int64, replicas int) (*product.ScaleResult, error)
	Status(ctx context.Context, id int64) (*product.StatusView, error)
	GenerateSharedKey(ctx context.Context, id int64) (*product.SharedKeyResult, error)
}

// ImageService manages image builds and orchestrator settings.
type ImageService interface {
	RequestBuild(ctx context.Context, req image.BuildRequest) (*domain.DockerImage, error)
	Get(ctx context.Context, id int64) (*domain.DockerImage, error)
	List(ctx context.Context, status string) ([]domain.DockerImage, error)
	Delete(ctx context.Context, id int64) error
	Inspect(ctx context.Context, id int64) (*image.Inspection, error)
	ListTags(ctx context.Context, repo string) ([]source.Tag, error)
	Settings(ctx context.Context) (*image.SettingsView, error)
	UpdateSettings(ctx context.Context, input image.SettingsInput) (*image.SettingsView, error)
}

// LogReader pulls and follows product logs.
type LogReader interface {
	Fetch(ctx context.Context, product domain.Product, ch logs.Channel, tail int) (*logs.Result, error)
	Stream(ctx context.Context, product domain.Product, ch logs.Channel, tail int, sink logs.EventSink) error
}

// InstanceGateway authenticates instances and serves their scoped configuration.
type InstanceGateway interface {
	Verify(ctx context.Context, productID int64, presented string) (gateway.Verified, error)
	Subscriptions(ctx context.Context, v gateway.Verified) (*gateway.SubscriptionSet, error)
	LegacyMQTTConfig(ctx context.Context, v gateway.Verified) (*gateway.LegacyConfig, error)
	Workflows(ctx context.Context, v gateway.Verified) ([]gateway.Workflow, error)
	RulesByIDs(ctx context.Context, v gateway.Verified, ids []int64) ([]gateway.Rule, error)
	PricingTemplate(ctx context.Context, v gateway.Verified, templateID int64) (*gateway.PricingTemplate, error)
	PricingTemplates(ctx context.Context, v gateway.Verified, strategy string) ([]gateway.PricingTemplate, error)
}

// EventReader lists persisted activity and audit records.
type EventReader interface {
	ListActivity(ctx context.Context, filter repository.ActivityFilter) ([]domain.Activity, error)
	ListAudit(ctx context.Context, filter repository.AuditFilter) ([]domain.Audit, error)
}

// Dependencies wires a Router.
type Dependencies struct {
	Logger            *slog.Logger
	Products          ProductService
	Images            ImageService
	Logs              LogReader
	Gateway           InstanceGateway
	Events            EventReader
	Hub               *ws.Hub
	Limiter           RateLimiter
	Registerer        prometheus.Registerer
	Gatherer          prometheus.Gatherer
	JWTSecret         string
	InstanceRateLimit int
	DBHealth          func(context.Context) error
	ClusterHealth     func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux               *http.ServeMux
	logger            *slog.Logger
	products          ProductService
	images            ImageService
	logs              LogReader
	gateway           InstanceGateway
	events            EventReader
	hub               *ws.Hub
	upgrader          websocket.Upgrader
	limiter           RateLimiter
	metrics           *httpMetrics
	gatherer          prometheus.Gatherer
	jwtSecret         string
	instanceRateLimit int
	dbHealth          func(context.Context) error
	clusterHealth     func(context.Context) error
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitOperator   = 300
	rateLimitStreams    = 30
	defaultInstanceRate = 120
	healthCheckTimeout  = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(deps Dependencies) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger.With("component", "http"),
		products: deps.Products,
		images:   deps.Images,
		logs:     deps.Logs,
		gateway:  deps.Gateway,
		events:   deps.Events,
		hub:      deps.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:           deps.Limiter,
		metrics:           newHTTPMetrics(deps.Registerer),
		gatherer:          deps.Gatherer,
		jwtSecret:         strings.TrimSpace(deps.JWTSecret),
		instanceRateLimit: deps.InstanceRateLimit,
		dbHealth:          deps.DBHealth,
		clusterHealth:     deps.ClusterHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.instanceRateLimit == 0 {
		r.instanceRateLimit = defaultInstanceRate
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		_ = r.limiter.Close()
	}
}

func (r *Router) register() {
	r.handle("GET /healthz", r.handleHealthz)
	if r.gatherer != nil {
		metricsHandler := promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
		r.mux.Handle("GET /metrics", metricsHandler)
	}

	r.operator("GET /api/v1/products", r.handleListProducts)
	r.operator("POST /api/v1/products", r.handleCreateProduct)
	r.operator("GET /api/v1/products/{id}", r.handleGetProduct)
	r.operator("PUT /api/v1/products/{id}", r.handleUpdateProduct)
	r.operator("PATCH /api/v1/products/{id}", r.handleUpdateProduct)
	r.operator("DELETE /api/v1/products/{id}", r.handleDeleteProduct)
	r.operator("POST /api/v1/products/{id}/start", r.handleStartProduct)
	r.operator("POST /api/v1/products/{id}/stop", r.handleStopProduct)
	r.operator("POST /api/v1/products/{id}/scale", r.handleScaleProduct)
	r.operator("GET /api/v1/products/{id}/status", r.handleProductStatus)
	r.operator("POST /api/v1/products/{id}/generate-shared-key", r.handleGenerateSharedKey)
	r.operator("POST /api/v1/products/{id}/duplicate", r.handleDuplicateProduct)
	r.operator("GET /api/v1/products/{id}/logs", r.handleProductLogs)
	r.operator("GET /api/v1/products/{id}/logs/{channel}", r.handleProductLogs)
	r.stream("GET /api/v1/products/{id}/logs/stream", r.handleProductLogStream)
	r.stream("GET /api/v1/products/{id}/logs/{channel}/stream", r.handleProductLogStream)

	r.operator("GET /api/v1/images", r.handleListImages)
	r.operator("POST /api/v1/images", r.handleBuildImage)
	r.operator("GET /api/v1/images/github-tags", r.handleGitHubTags)
	r.operator("GET /api/v1/images/{id}", r.handleGetImage)
	r.operator("DELETE /api/v1/images/{id}", r.handleDeleteImage)
	r.operator("GET /api/v1/images/{id}/inspect", r.handleInspectImage)

	r.operator("GET /api/v1/settings", r.handleGetSettings)
	r.operator("PUT /api/v1/settings", r.handleUpdateSettings)

	r.operator("GET /api/v1/activity", r.handleListActivity)
	r.stream("GET /api/v1/activity/ws", r.handleActivityWS)
	r.operator("GET /api/v1/audit", r.handleListAudit)

	r.instance("GET /api/v1/instance/products/{id}/subscriptions", r.handleInstanceSubscriptions)
	r.instance("GET /api/v1/instance/products/{id}/mqtt-config", r.handleInstanceMQTTConfig)
	r.instance("GET /api/v1/instance/products/{id}/workflows", r.handleInstanceWorkflows)
	r.instance("GET /api/v1/instance/products/{id}/rules", r.handleInstanceRules)
	r.instance("GET /api/v1/instance/products/{id}/pricing-templates", r.handleInstancePricingTemplates)
	r.instance("GET /api/v1/instance/products/{id}/pricing-templates/{tid}", r.handleInstancePricingTemplate)
}

func (r *Router) handle(pattern string, next http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(routeOf(pattern), next))
}

func (r *Router) operator(pattern string, next http.HandlerFunc) {
	policy := ratePolicy{name: "operator", scope: "user", limit: rateLimitOperator, window: rateWindowDefault, subject: operatorSubject}
	r.handle(pattern, r.requireOperator(r.withRateLimit(routeOf(pattern), policy, next)))
}

func (r *Router) stream(pattern string, next http.HandlerFunc) {
	policy := ratePolicy{name: "stream", scope: "user", limit: rateLimitStreams, window: rateWindowRealtime, subject: operatorSubject}
	r.handle(pattern, r.requireOperator(r.withRateLimit(routeOf(pattern), policy, next)))
}

// instance routes never consult operator credentials; the shared key is
// checked by each handler through the gateway.
func (r *Router) instance(pattern string, next http.HandlerFunc) {
	policy := ratePolicy{name: "instance", scope: "product", limit: r.instanceRateLimit, window: rateWindowDefault, subject: productSubject}
	r.handle(pattern, r.withRateLimit(routeOf(pattern), policy, next))
}

// routeOf strips the method from a mux pattern for metric labels.
func routeOf(pattern string) string {
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	check := func(name string, ping func(context.Context) error) {
		if ping == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	check("database", r.dbHealth)
	check("cluster", r.clusterHealth)

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		ctx, state := withRequestState(req.Context())
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if ua := req.UserAgent(); ua != "" {
			fields = append(fields, "user_agent", ua)
		}
		if state.operator != nil {
			actor = "operator"
			fields = append(fields, "user_id", state.operator.Subject)
		} else if strings.HasPrefix(req.URL.Path, "/api/v1/instance/") {
			actor = "instance"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// pathID parses a positive integer path value.
func pathID(req *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(req.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// queryInt returns fallback when the parameter is absent; ok is false when present but malformed.
func queryInt(req *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(req.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
