package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
)

const imageColumns = `id, name, tag, github_repo, github_ref, commit_sha, build_status, build_log, build_error, built_at, created_at`

// CreateImage inserts a build record.
func (r *Repository) CreateImage(ctx context.Context, image *domain.DockerImage) error {
	if image == nil {
		return fmt.Errorf("image required")
	}
	const query = `INSERT INTO docker_images (name, tag, github_repo, github_ref, commit_sha, build_status, build_log)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query,
		image.Name,
		image.Tag,
		image.GitHubRepo,
		image.GitHubRef,
		image.CommitSHA,
		string(image.BuildStatus),
		image.BuildLog,
	).Scan(&image.ID, &image.CreatedAt)
	return mapError(err)
}

// GetImage fetches a build record by identifier.
func (r *Repository) GetImage(ctx context.Context, id int64) (*domain.DockerImage, error) {
	query := `SELECT ` + imageColumns + ` FROM docker_images WHERE id = $1`
	image, err := scanImage(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return image, nil
}

// FindImage returns the oldest record for name and tag.
func (r *Repository) FindImage(ctx context.Context, name, tag string) (*domain.DockerImage, error) {
	query := `SELECT ` + imageColumns + ` FROM docker_images WHERE name = $1 AND tag = $2 ORDER BY id LIMIT 1`
	image, err := scanImage(r.pool.QueryRow(ctx, query, name, tag))
	if err != nil {
		return nil, mapError(err)
	}
	return image, nil
}

// ListImages returns build records newest first, optionally filtered by status.
func (r *Repository) ListImages(ctx context.Context, status domain.BuildStatus) ([]domain.DockerImage, error) {
	query := `SELECT ` + imageColumns + ` FROM docker_images
		WHERE ($1 = '' OR build_status = $1)
		ORDER BY created_at DESC, id DESC`
	rows, err := r.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	images := make([]domain.DockerImage, 0)
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, *image)
	}
	return images, rows.Err()
}

// SetBuildStatus moves a record to status.
func (r *Repository) SetBuildStatus(ctx context.Context, id int64, status domain.BuildStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE docker_images SET build_status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendBuildLog appends one line to the persisted build log.
func (r *Repository) AppendBuildLog(ctx context.Context, id int64, line string) error {
	const query = `UPDATE docker_images
		SET build_log = CASE WHEN build_log = '' THEN $2 ELSE build_log || E'\n' || $2 END
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, line)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CompleteBuild stores the terminal status, full log, and error of a build.
func (r *Repository) CompleteBuild(ctx context.Context, id int64, status domain.BuildStatus, log string, buildErr *string, builtAt *time.Time) error {
	const query = `UPDATE docker_images
		SET build_status = $2, build_log = $3, build_error = $4, built_at = $5
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, string(status), log, buildErr, builtAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteImage removes the build record only; the engine image is untouched.
func (r *Repository) DeleteImage(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM docker_images WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanImage(row pgx.Row) (*domain.DockerImage, error) {
	var (
		img    domain.DockerImage
		status string
	)
	if err := row.Scan(
		&img.ID,
		&img.Name,
		&img.Tag,
		&img.GitHubRepo,
		&img.GitHubRef,
		&img.CommitSHA,
		&status,
		&img.BuildLog,
		&img.BuildError,
		&img.BuiltAt,
		&img.CreatedAt,
	); err != nil {
		return nil, err
	}
	img.BuildStatus = domain.BuildStatus(status)
	return &img, nil
}
