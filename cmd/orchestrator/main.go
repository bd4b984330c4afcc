package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/habitio/habit-cortex-orchestrator/internal/app/migrate"
	"github.com/habitio/habit-cortex-orchestrator/internal/build"
	"github.com/habitio/habit-cortex-orchestrator/internal/cluster"
	"github.com/habitio/habit-cortex-orchestrator/internal/events"
	httpx "github.com/habitio/habit-cortex-orchestrator/internal/http"
	"github.com/habitio/habit-cortex-orchestrator/internal/metrics"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository/postgres"
	"github.com/habitio/habit-cortex-orchestrator/internal/service/gateway"
	"github.com/habitio/habit-cortex-orchestrator/internal/service/image"
	"github.com/habitio/habit-cortex-orchestrator/internal/service/logs"
	"github.com/habitio/habit-cortex-orchestrator/internal/service/product"
	"github.com/habitio/habit-cortex-orchestrator/internal/service/reconcile"
	"github.com/habitio/habit-cortex-orchestrator/internal/source"
	"github.com/habitio/habit-cortex-orchestrator/internal/workspace"
	"github.com/habitio/habit-cortex-orchestrator/internal/ws"
	"github.com/habitio/habit-cortex-orchestrator/pkg/config"
	"github.com/habitio/habit-cortex-orchestrator/pkg/crypto"
	jwtpkg "github.com/habitio/habit-cortex-orchestrator/pkg/jwt"
	"github.com/habitio/habit-cortex-orchestrator/pkg/logger"
)

var buildVersion = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "cortex-orchestrator",
		Usage:   "Control plane for Habit Cortex product instances.",
		Version: buildVersion,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the orchestrator API",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "HTTP listen address (overrides API_ADDR)"},
					&cli.StringFlag{Name: "database-url", Usage: "Postgres DSN (overrides DATABASE_URL)"},
				},
				Action: runServe,
			},
			{
				Name:  "migrate",
				Usage: "Manage the database schema",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "database-url", Usage: "Postgres DSN (overrides DATABASE_URL)"},
					&cli.DurationFlag{Name: "timeout", Value: time.Minute, Usage: "command timeout"},
				},
				Commands: []*cli.Command{
					{Name: "up", Usage: "Apply pending migrations", Action: migrateAction("up")},
					{Name: "status", Usage: "Print migration status", Action: migrateAction("status")},
					{Name: "version", Usage: "Print the current schema version", Action: migrateAction("version")},
					{
						Name:  "down",
						Usage: "Roll back migrations",
						Flags: []cli.Flag{
							&cli.Int64Flag{Name: "target", Usage: "target version (rolls back one step when unset)"},
						},
						Action: migrateAction("down"),
					},
				},
			},
			{
				Name:  "token",
				Usage: "Mint an operator bearer token signed with JWT_SECRET",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Required: true, Usage: "operator id recorded in audit entries"},
					&cli.StringFlag{Name: "email", Usage: "operator email"},
					&cli.DurationFlag{Name: "ttl", Value: 12 * time.Hour, Usage: "token lifetime"},
				},
				Action: runToken,
			},
			productsCommand(),
			imagesCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cli.Command) config.OrchestratorConfig {
	cfg := config.LoadOrchestratorConfig()
	if addr := strings.TrimSpace(cmd.String("addr")); addr != "" {
		cfg.Addr = addr
	}
	if dsn := strings.TrimSpace(cmd.String("database-url")); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	return cfg
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)
	log := logger.New(os.Stdout, "cortex-orchestrator", logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set; operator routes are unauthenticated", "environment", cfg.Environment)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, log)
	if err != nil {
		return fmt.Errorf("configure migrations: %w", err)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// One engine client for the whole process.
	clusterClient, err := cluster.New(ctx, cfg.DockerHost, cfg.DockerNetwork, log)
	if err != nil {
		return fmt.Errorf("connect cluster: %w", err)
	}
	defer clusterClient.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	repo := postgres.New(pool)
	hub := ws.NewHub()
	defer hub.Close()

	sinks := []events.Sink{events.NewStoreSink(repo), events.NewHubSink(hub)}
	if url := strings.TrimSpace(cfg.NATSURL); url != "" {
		nc, err := nats.Connect(url, nats.Name("cortex-orchestrator"), nats.MaxReconnects(-1))
		if err != nil {
			log.Warn("nats unavailable; lifecycle events will not be published", "error", err)
		} else {
			defer nc.Drain()
			sinks = append(sinks, events.NewNATSSink(nc))
			log.Info("publishing lifecycle events to nats", "url", nc.ConnectedUrlRedacted())
		}
	}
	if url := strings.TrimSpace(cfg.EventWebhookURL); url != "" {
		rc := retryablehttp.NewClient()
		rc.RetryMax = 2
		rc.Logger = nil
		webhook, err := events.NewWebhookSink(url, rc.StandardClient())
		if err != nil {
			return fmt.Errorf("configure event webhook: %w", err)
		}
		sinks = append(sinks, webhook)
	}
	bus := events.NewBus(cfg.EventBuffer, log, m, sinks...)
	defer bus.Close()

	workspaces, err := workspace.New(cfg.BuildWorkdir)
	if err != nil {
		return fmt.Errorf("prepare build workdir: %w", err)
	}
	github := source.NewGitHub(cfg.GitHubAPIURL, cfg.GitHubToken, log)
	engine := build.NewEngine(clusterClient.Inner())
	pipeline := build.NewPipeline(func(token string) build.Downloader {
		return github.WithToken(token)
	}, engine, workspaces, log)
	buildPool := build.NewPool(cfg.BuildWorkers, cfg.BuildQueue, cfg.BuildTimeout, log, m)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := buildPool.Close(ctx); err != nil {
			log.Warn("build pool shutdown", "error", err)
		}
	}()

	var sealer image.Sealer
	if cfg.SettingsKey != "" {
		s, err := crypto.NewSealer(cfg.SettingsKey)
		if err != nil {
			return fmt.Errorf("configure settings encryption: %w", err)
		}
		sealer = s
	} else {
		log.Warn("SETTINGS_ENCRYPTION_KEY not set; github token is stored unencrypted")
	}

	productSvc := product.New(product.Dependencies{
		Products:     repo,
		Images:       repo,
		Instance:     repo,
		Cluster:      clusterClient,
		Events:       bus,
		Metrics:      m,
		Logger:       log,
		DefaultImage: cfg.InstanceImage,
	})
	imageSvc := image.New(image.Dependencies{
		Images:    repo,
		Settings:  repo,
		Runner:    pipeline,
		Inspector: engine,
		Pool:      buildPool,
		Tags: func(token string) image.TagLister {
			return github.WithToken(token)
		},
		Metrics:     m,
		Logger:      log,
		Sealer:      sealer,
		Token:       cfg.GitHubToken,
		DefaultRepo: cfg.GitHubDefaultRepo,
	})
	logReader := logs.NewReader(clusterClient, log)
	instanceGateway := gateway.New(repo, repo, log)

	if ctl := reconcile.New(productSvc, clusterClient, cfg.ReconcileInterval, log); ctl != nil {
		go ctl.Run(ctx)
	}

	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Dependencies{
		Logger:            log,
		Products:          productSvc,
		Images:            imageSvc,
		Logs:              logReader,
		Gateway:           instanceGateway,
		Events:            repo,
		Hub:               hub,
		Limiter:           limiter,
		Registerer:        registry,
		Gatherer:          registry,
		JWTSecret:         cfg.JWTSecret,
		InstanceRateLimit: cfg.InstanceRateLimit,
		DBHealth:          pool.Ping,
		ClusterHealth:     clusterClient.Health,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator starting", "addr", cfg.Addr, "version", buildVersion, "network", clusterClient.Network())
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("orchestrator stopped")
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}
}

func migrateAction(command string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg := loadConfig(cmd)
		log := logger.New(os.Stderr, "migrate", logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)

		ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
		defer cancel()

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		runner, err := migrate.New(pool, log)
		if err != nil {
			return fmt.Errorf("configure migration runner: %w", err)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			return err
		}

		switch command {
		case "up":
			err = runner.Ensure(ctx)
		case "status":
			var listed []migrate.Migration
			listed, err = runner.Status(ctx)
			for _, m := range listed {
				state := "pending"
				if m.Applied {
					state = "applied " + m.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.Root().Writer, "%05d\t%s\t%s\n", m.Version, m.Path, state)
			}
		case "down":
			err = runner.Down(ctx, cmd.Int64("target"))
		case "version":
			var version int64
			version, err = runner.Version(ctx)
			if err == nil {
				fmt.Fprintln(cmd.Root().Writer, version)
			}
		default:
			err = fmt.Errorf("unsupported command %q", command)
		}
		if err != nil {
			return fmt.Errorf("migrate %s: %w", command, err)
		}
		log.Info("migration command completed", "command", command)
		return nil
	}
}

func runToken(_ context.Context, cmd *cli.Command) error {
	cfg := config.LoadOrchestratorConfig()
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set to mint tokens")
	}
	token, err := jwtpkg.GenerateToken(cmd.String("subject"), cmd.String("email"), cfg.JWTSecret, cmd.Duration("ttl"))
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	fmt.Fprintln(cmd.Root().Writer, token)
	return nil
}
