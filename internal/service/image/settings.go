package image

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
	"github.com/habitio/habit-cortex-orchestrator/internal/source"
	"github.com/habitio/habit-cortex-orchestrator/pkg/crypto"
)

// SettingsView is the operator view of stored settings. The token is never returned.
type SettingsView struct {
	GitHubTokenConfigured bool
	GitHubTokenMasked     string
	GitHubDefaultRepo     string
}

// SettingsInput changes stored settings. Nil fields are left untouched; an
// empty token clears it.
type SettingsInput struct {
	GitHubToken       *string
	GitHubDefaultRepo *string
}

// Settings returns the current settings.
func (s *Service) Settings(ctx context.Context) (*SettingsView, error) {
	stored, err := s.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	return s.view(stored), nil
}

// UpdateSettings stores new settings.
func (s *Service) UpdateSettings(ctx context.Context, input SettingsInput) (*SettingsView, error) {
	stored, err := s.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	if input.GitHubToken != nil {
		token := strings.TrimSpace(*input.GitHubToken)
		if token == "" {
			stored.GitHubToken = nil
		} else {
			stored.GitHubToken = &token
		}
	}
	if input.GitHubDefaultRepo != nil {
		repo := strings.TrimSpace(*input.GitHubDefaultRepo)
		if repo != "" && !source.IsRepoSlug(repo) {
			return nil, domain.Invalidf("github_default_repo must be owner/name")
		}
		stored.GitHubDefaultRepo = repo
	}
	record := *stored
	if s.sealer != nil && record.GitHubToken != nil {
		sealed, err := s.sealer.Seal(*record.GitHubToken)
		if err != nil {
			return nil, domain.Internalf(err, "Failed to encrypt GitHub token")
		}
		record.GitHubToken = &sealed
	}
	if err := s.settings.UpsertSettings(ctx, &record); err != nil {
		return nil, fmt.Errorf("store settings: %w", err)
	}
	s.logger.Info("settings updated", "github_token_configured", stored.GitHubToken != nil)
	return s.view(stored), nil
}

// DefaultRepo returns the stored default repository, falling back to configuration.
func (s *Service) DefaultRepo(ctx context.Context) string {
	stored, err := s.loadSettings(ctx)
	if err == nil && stored.GitHubDefaultRepo != "" {
		return stored.GitHubDefaultRepo
	}
	return s.defaultRepo
}

// token returns the stored token, or the configured one when none is stored.
func (s *Service) token(ctx context.Context) string {
	stored, err := s.loadSettings(ctx)
	if err != nil {
		s.logger.Warn("read settings", "error", err)
		return s.envToken
	}
	if stored.GitHubToken != nil && *stored.GitHubToken != "" {
		return *stored.GitHubToken
	}
	return s.envToken
}

func (s *Service) loadSettings(ctx context.Context) (*domain.Settings, error) {
	if s.settings == nil {
		return &domain.Settings{}, nil
	}
	stored, err := s.settings.GetSettings(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &domain.Settings{}, nil
		}
		return nil, fmt.Errorf("get settings: %w", err)
	}
	if stored.GitHubToken != nil && crypto.IsSealed(*stored.GitHubToken) {
		out := *stored
		out.GitHubToken = nil
		if s.sealer == nil {
			s.logger.Warn("stored github token is encrypted but no settings key is configured")
			return &out, nil
		}
		plain, err := s.sealer.Open(*stored.GitHubToken)
		if err != nil {
			s.logger.Warn("stored github token could not be decrypted", "error", err)
			return &out, nil
		}
		out.GitHubToken = &plain
		return &out, nil
	}
	return stored, nil
}

func (s *Service) view(stored *domain.Settings) *SettingsView {
	out := &SettingsView{GitHubDefaultRepo: stored.GitHubDefaultRepo}
	if out.GitHubDefaultRepo == "" {
		out.GitHubDefaultRepo = s.defaultRepo
	}
	if stored.GitHubToken != nil && *stored.GitHubToken != "" {
		out.GitHubTokenConfigured = true
		out.GitHubTokenMasked = maskToken(*stored.GitHubToken)
	}
	return out
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
