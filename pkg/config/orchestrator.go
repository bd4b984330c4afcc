package config

import "time"

// OrchestratorConfig holds runtime configuration for the orchestrator service.
type OrchestratorConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	LogFormat          string
	DatabaseURL        string
	DockerHost         string
	DockerNetwork      string
	InstanceImage      string
	BuildWorkdir       string
	BuildWorkers       int
	BuildQueue         int
	BuildTimeout       time.Duration
	GitHubAPIURL       string
	GitHubToken        string
	GitHubDefaultRepo  string
	JWTSecret          string
	SettingsKey        string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	InstanceRateLimit  int
	NATSURL            string
	EventWebhookURL    string
	EventBuffer        int
	ReconcileInterval  time.Duration
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":8004"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		LogFormat:          GetString("LOG_FORMAT", "json"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://cortex:cortex@db:5432/cortex?sslmode=disable"),
		DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		DockerNetwork:      GetString("DOCKER_NETWORK", "insurance-network"),
		InstanceImage:      GetString("INSTANCE_IMAGE", "bre-payments:latest"),
		BuildWorkdir:       GetString("BUILD_WORKDIR", "/tmp/cortex-builds"),
		BuildWorkers:       GetInt("BUILD_WORKERS", 2),
		BuildQueue:         GetInt("BUILD_QUEUE", 16),
		BuildTimeout:       GetSeconds("BUILD_TIMEOUT_SECONDS", 1800),
		GitHubAPIURL:       GetString("GITHUB_API_URL", "https://api.github.com"),
		GitHubToken:        GetString("GITHUB_TOKEN", ""),
		GitHubDefaultRepo:  GetString("GITHUB_DEFAULT_REPO", "habitio/bre-cortex"),
		JWTSecret:          GetString("JWT_SECRET", ""),
		SettingsKey:        GetString("SETTINGS_ENCRYPTION_KEY", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		InstanceRateLimit:  GetInt("INSTANCE_RATE_LIMIT", 120),
		NATSURL:            GetString("NATS_URL", ""),
		EventWebhookURL:    GetString("EVENT_WEBHOOK_URL", ""),
		EventBuffer:        GetInt("EVENT_BUFFER", 256),
		ReconcileInterval:  GetSeconds("RECONCILE_INTERVAL_SECONDS", 30),
	}
}
