package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
)

// InsertActivity appends an activity entry.
func (r *Repository) InsertActivity(ctx context.Context, activity *domain.Activity) error {
	if activity == nil {
		return fmt.Errorf("activity required")
	}
	var metadata []byte
	if len(activity.Metadata) > 0 {
		encoded, err := json.Marshal(activity.Metadata)
		if err != nil {
			return fmt.Errorf("encode activity metadata: %w", err)
		}
		metadata = encoded
	}
	const query = `INSERT INTO activity_log (product_id, event_type, message, severity, event_metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		RETURNING id, created_at`
	var createdAt any
	if !activity.CreatedAt.IsZero() {
		createdAt = activity.CreatedAt
	}
	err := r.pool.QueryRow(ctx, query,
		activity.ProductID,
		activity.EventType,
		activity.Message,
		activity.Severity,
		metadata,
		createdAt,
	).Scan(&activity.ID, &activity.CreatedAt)
	return mapError(err)
}

// InsertAudit appends an audit entry.
func (r *Repository) InsertAudit(ctx context.Context, audit *domain.Audit) error {
	if audit == nil {
		return fmt.Errorf("audit required")
	}
	var changes []byte
	if len(audit.Changes) > 0 {
		encoded, err := json.Marshal(audit.Changes)
		if err != nil {
			return fmt.Errorf("encode audit changes: %w", err)
		}
		changes = encoded
	}
	const query = `INSERT INTO audit_log (action, resource_type, resource_id, resource_name, changes, user_id, ip_address, user_agent, success, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, NOW()))
		RETURNING id, created_at`
	var createdAt any
	if !audit.CreatedAt.IsZero() {
		createdAt = audit.CreatedAt
	}
	err := r.pool.QueryRow(ctx, query,
		audit.Action,
		audit.ResourceType,
		audit.ResourceID,
		nilIfEmpty(audit.ResourceName),
		changes,
		nilIfEmpty(audit.UserID),
		nilIfEmpty(audit.IPAddress),
		nilIfEmpty(audit.UserAgent),
		audit.Success,
		nilIfEmpty(audit.ErrorMessage),
		createdAt,
	).Scan(&audit.ID, &audit.CreatedAt)
	return mapError(err)
}

// ListActivity returns activity entries newest first.
func (r *Repository) ListActivity(ctx context.Context, filter repository.ActivityFilter) ([]domain.Activity, error) {
	const query = `SELECT id, product_id, event_type, message, severity, event_metadata, created_at
		FROM activity_log
		WHERE ($1::BIGINT IS NULL OR product_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, filter.ProductID, limitOrDefault(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.Activity, 0)
	for rows.Next() {
		var (
			a        domain.Activity
			metadata []byte
		)
		if err := rows.Scan(&a.ID, &a.ProductID, &a.EventType, &a.Message, &a.Severity, &metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode activity metadata: %w", err)
			}
		}
		entries = append(entries, a)
	}
	return entries, rows.Err()
}

// ListAudit returns audit entries newest first.
func (r *Repository) ListAudit(ctx context.Context, filter repository.AuditFilter) ([]domain.Audit, error) {
	const query = `SELECT id, action, resource_type, resource_id, COALESCE(resource_name, ''), changes,
			COALESCE(user_id, ''), COALESCE(ip_address, ''), COALESCE(user_agent, ''), success, COALESCE(error_message, ''), created_at
		FROM audit_log
		WHERE ($1 = '' OR resource_type = $1)
			AND ($2::BIGINT IS NULL OR resource_id = $2)
			AND ($3 = '' OR action = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`
	rows, err := r.pool.Query(ctx, query, filter.ResourceType, filter.ResourceID, filter.Action, limitOrDefault(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.Audit, 0)
	for rows.Next() {
		var (
			a       domain.Audit
			changes []byte
		)
		if err := rows.Scan(&a.ID, &a.Action, &a.ResourceType, &a.ResourceID, &a.ResourceName, &changes,
			&a.UserID, &a.IPAddress, &a.UserAgent, &a.Success, &a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, err
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &a.Changes); err != nil {
				return nil, fmt.Errorf("decode audit changes: %w", err)
			}
		}
		entries = append(entries, a)
	}
	return entries, rows.Err()
}
