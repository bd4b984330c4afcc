package postgres

import (
	"context"
	"fmt"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
)

// GetSettings returns the settings row, or repository.ErrNotFound before the first write.
func (r *Repository) GetSettings(ctx context.Context) (*domain.Settings, error) {
	const query = `SELECT github_token, github_default_repo, updated_at FROM orchestrator_settings WHERE id = 1`
	var s domain.Settings
	if err := r.pool.QueryRow(ctx, query).Scan(&s.GitHubToken, &s.GitHubDefaultRepo, &s.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

// UpsertSettings writes the single settings row.
func (r *Repository) UpsertSettings(ctx context.Context, settings *domain.Settings) error {
	if settings == nil {
		return fmt.Errorf("settings required")
	}
	const query = `INSERT INTO orchestrator_settings (id, github_token, github_default_repo, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET
			github_token = EXCLUDED.github_token,
			github_default_repo = EXCLUDED.github_default_repo,
			updated_at = NOW()
		RETURNING updated_at`
	err := r.pool.QueryRow(ctx, query, settings.GitHubToken, settings.GitHubDefaultRepo).Scan(&settings.UpdatedAt)
	return mapError(err)
}
