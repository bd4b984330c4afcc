package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
)

// Workflow is the instance view of an active workflow.
type Workflow struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	Name        string          `json:"name"`
	Endpoint    string          `json:"endpoint"`
	Description *string         `json:"description"`
	Definition  json.RawMessage `json:"definition"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Rule is the instance view of a business rule.
type Rule struct {
	ID         int64           `json:"id"`
	ProductID  int64           `json:"product_id"`
	Name       string          `json:"name"`
	RuleType   string          `json:"rule_type"`
	Stage      string          `json:"stage"`
	Priority   int             `json:"priority"`
	Expression json.RawMessage `json:"expression"`
	IsActive   bool            `json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PricingTemplate is the instance view of a pricing template.
type PricingTemplate struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	Name        string          `json:"name"`
	Strategy    string          `json:"strategy"`
	Description *string         `json:"description"`
	Config      json.RawMessage `json:"config"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Workflows returns the product's active workflows ordered by endpoint.
func (g *Gateway) Workflows(ctx context.Context, v Verified) ([]Workflow, error) {
	rows, err := g.instance.ListActiveWorkflows(ctx, v.product.ID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]Workflow, 0, len(rows))
	for _, w := range rows {
		out = append(out, Workflow{
			ID:          w.ID,
			ProductID:   w.ProductID,
			Name:        w.Name,
			Endpoint:    w.Endpoint,
			Description: w.Description,
			Definition:  rawOr(w.Definition, "{}"),
			IsActive:    w.IsActive,
			CreatedAt:   w.CreatedAt,
			UpdatedAt:   w.UpdatedAt,
		})
	}
	return out, nil
}

// ParseIDs parses a comma separated id list such as "1,2,3". Blank entries are skipped.
func ParseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, domain.Invalidf("Invalid rule_ids format")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RulesByIDs returns the requested rules that belong to the product, ordered by priority.
func (g *Gateway) RulesByIDs(ctx context.Context, v Verified, ids []int64) ([]Rule, error) {
	if len(ids) == 0 {
		return []Rule{}, nil
	}
	rows, err := g.instance.ListRulesByIDs(ctx, v.product.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out := make([]Rule, 0, len(rows))
	for _, r := range rows {
		out = append(out, Rule{
			ID:         r.ID,
			ProductID:  r.ProductID,
			Name:       r.Name,
			RuleType:   r.RuleType,
			Stage:      r.Stage,
			Priority:   r.Priority,
			Expression: rawOr(r.Expression, "{}"),
			IsActive:   r.IsActive,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		})
	}
	return out, nil
}

// PricingTemplate returns one active template of the product.
func (g *Gateway) PricingTemplate(ctx context.Context, v Verified, templateID int64) (*PricingTemplate, error) {
	row, err := g.instance.GetActivePricingTemplate(ctx, v.product.ID, templateID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NotFoundf("Pricing template not found or inactive")
		}
		return nil, fmt.Errorf("get pricing template: %w", err)
	}
	t := pricingView(*row)
	return &t, nil
}

// PricingTemplates returns active templates ordered by name, optionally for one strategy.
func (g *Gateway) PricingTemplates(ctx context.Context, v Verified, strategy string) ([]PricingTemplate, error) {
	rows, err := g.instance.ListActivePricingTemplates(ctx, v.product.ID, strings.TrimSpace(strategy))
	if err != nil {
		return nil, fmt.Errorf("list pricing templates: %w", err)
	}
	out := make([]PricingTemplate, 0, len(rows))
	for _, row := range rows {
		out = append(out, pricingView(row))
	}
	return out, nil
}

func pricingView(t domain.PricingTemplate) PricingTemplate {
	return PricingTemplate{
		ID:          t.ID,
		ProductID:   t.ProductID,
		Name:        t.Name,
		Strategy:    t.Strategy,
		Description: t.Description,
		Config:      rawOr(t.Config, "{}"),
		IsActive:    t.IsActive,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func rawOr(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}
