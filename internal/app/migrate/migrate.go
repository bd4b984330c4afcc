package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var migrations embed.FS

const (
	migrationsDir = "sql"
	pingTimeout   = 5 * time.Second
)

// Migration is one embedded migration and whether it is applied.
type Migration struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// Runner applies the embedded schema through a goose provider.
type Runner struct {
	pool     *pgxpool.Pool
	db       *sql.DB
	provider *goose.Provider
	log      *slog.Logger
}

// Sources lists the embedded migration files in version order.
func Sources() (fs.FS, error) {
	return fs.Sub(migrations, migrationsDir)
}

// New opens a database/sql handle over pool for goose.
func New(pool *pgxpool.Pool, log *slog.Logger) (*Runner, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	if log == nil {
		log = slog.Default()
	}
	fsys, err := Sources()
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	return &Runner{pool: pool, db: db, provider: provider, log: log.With("component", "migrate")}, nil
}

// Ping checks the pool before any migration runs.
func (r *Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Ensure applies every pending migration.
func (r *Runner) Ensure(ctx context.Context) error {
	results, err := r.provider.Up(ctx)
	r.report(results...)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if len(results) == 0 {
		r.log.Info("schema up to date")
	}
	return nil
}

// Down rolls back one migration, or down to target when it is positive.
func (r *Runner) Down(ctx context.Context, target int64) error {
	if target > 0 {
		results, err := r.provider.DownTo(ctx, target)
		r.report(results...)
		if err != nil {
			return fmt.Errorf("rollback to version %d: %w", target, err)
		}
		return nil
	}
	result, err := r.provider.Down(ctx)
	if result != nil {
		r.report(result)
	}
	if err != nil {
		return fmt.Errorf("rollback latest migration: %w", err)
	}
	return nil
}

// Status reports every embedded migration.
func (r *Runner) Status(ctx context.Context) ([]Migration, error) {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]Migration, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, Migration{
			Version:   st.Source.Version,
			Path:      st.Source.Path,
			Applied:   st.State == goose.StateApplied,
			AppliedAt: st.AppliedAt,
		})
	}
	return out, nil
}

// Version reports the applied schema version.
func (r *Runner) Version(ctx context.Context) (int64, error) {
	v, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Close releases the sql handle. The pool stays owned by the caller.
func (r *Runner) Close() error {
	return r.provider.Close()
}

func (r *Runner) report(results ...*goose.MigrationResult) {
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		attrs := []any{
			"version", res.Source.Version,
			"path", res.Source.Path,
			"direction", res.Direction,
			"duration_ms", res.Duration.Milliseconds(),
		}
		if res.Error != nil {
			r.log.Error("migration failed", append(attrs, "error", res.Error)...)
			continue
		}
		r.log.Info("migration applied", attrs...)
	}
}
