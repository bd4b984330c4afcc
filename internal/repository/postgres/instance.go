package postgres

import (
	"context"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
)

// ListSubscriptions returns a product's subscriptions ordered by event type.
func (r *Repository) ListSubscriptions(ctx context.Context, productID int64) ([]domain.EventSubscription, error) {
	const query = `SELECT id, product_id, event_type, enabled, description, actions, messages_received,
			last_message_at, actions_executed, actions_failed, created_at, updated_at
		FROM event_subscriptions WHERE product_id = $1 ORDER BY event_type, id`
	rows, err := r.pool.Query(ctx, query, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]domain.EventSubscription, 0)
	for rows.Next() {
		var (
			s       domain.EventSubscription
			actions []byte
		)
		if err := rows.Scan(&s.ID, &s.ProductID, &s.EventType, &s.Enabled, &s.Description, &actions, &s.MessagesReceived,
			&s.LastMessageAt, &s.ActionsExecuted, &s.ActionsFailed, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Actions = rawOrDefault(actions, "[]")
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// CopySubscriptions clones subscription definitions, without stats, onto another product.
func (r *Repository) CopySubscriptions(ctx context.Context, fromProductID, toProductID int64) error {
	const query = `INSERT INTO event_subscriptions (product_id, event_type, enabled, description, actions)
		SELECT $2, event_type, enabled, description, actions
		FROM event_subscriptions WHERE product_id = $1`
	_, err := r.pool.Exec(ctx, query, fromProductID, toProductID)
	return mapError(err)
}

// ListActiveWorkflows returns active workflows ordered by endpoint.
func (r *Repository) ListActiveWorkflows(ctx context.Context, productID int64) ([]domain.Workflow, error) {
	const query = `SELECT id, product_id, name, endpoint, description, workflow_definition, is_active, created_at, updated_at
		FROM product_workflows WHERE product_id = $1 AND is_active ORDER BY endpoint`
	rows, err := r.pool.Query(ctx, query, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workflows := make([]domain.Workflow, 0)
	for rows.Next() {
		var (
			w          domain.Workflow
			definition []byte
		)
		if err := rows.Scan(&w.ID, &w.ProductID, &w.Name, &w.Endpoint, &w.Description, &definition, &w.IsActive, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Definition = rawOrDefault(definition, "{}")
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// ListRulesByIDs returns the requested rules that belong to productID, ordered by priority.
func (r *Repository) ListRulesByIDs(ctx context.Context, productID int64, ids []int64) ([]domain.BusinessRule, error) {
	if len(ids) == 0 {
		return []domain.BusinessRule{}, nil
	}
	const query = `SELECT id, product_id, name, rule_type, stage, priority, expression, is_active, created_at, updated_at
		FROM business_rules WHERE product_id = $1 AND id = ANY($2) ORDER BY priority, id`
	rows, err := r.pool.Query(ctx, query, productID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]domain.BusinessRule, 0)
	for rows.Next() {
		var (
			rule       domain.BusinessRule
			expression []byte
		)
		if err := rows.Scan(&rule.ID, &rule.ProductID, &rule.Name, &rule.RuleType, &rule.Stage, &rule.Priority, &expression, &rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		rule.Expression = rawOrDefault(expression, "{}")
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

const pricingColumns = `id, product_id, name, strategy, description, config, is_active, created_at, updated_at`

// GetActivePricingTemplate fetches an active template owned by productID.
func (r *Repository) GetActivePricingTemplate(ctx context.Context, productID, templateID int64) (*domain.PricingTemplate, error) {
	query := `SELECT ` + pricingColumns + ` FROM pricing_templates WHERE id = $1 AND product_id = $2 AND is_active`
	var (
		t      domain.PricingTemplate
		config []byte
	)
	err := r.pool.QueryRow(ctx, query, templateID, productID).Scan(&t.ID, &t.ProductID, &t.Name, &t.Strategy, &t.Description, &config, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	t.Config = rawOrDefault(config, "{}")
	return &t, nil
}

// ListActivePricingTemplates returns active templates ordered by name, optionally by strategy.
func (r *Repository) ListActivePricingTemplates(ctx context.Context, productID int64, strategy string) ([]domain.PricingTemplate, error) {
	query := `SELECT ` + pricingColumns + ` FROM pricing_templates
		WHERE product_id = $1 AND is_active AND ($2 = '' OR strategy = $2)
		ORDER BY name`
	rows, err := r.pool.Query(ctx, query, productID, strategy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	templates := make([]domain.PricingTemplate, 0)
	for rows.Next() {
		var (
			t      domain.PricingTemplate
			config []byte
		)
		if err := rows.Scan(&t.ID, &t.ProductID, &t.Name, &t.Strategy, &t.Description, &config, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Config = rawOrDefault(config, "{}")
		templates = append(templates, t)
	}
	return templates, rows.Err()
}
