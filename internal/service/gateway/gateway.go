// Package gateway authenticates running instances by shared key and serves
// the configuration scoped to the verified product.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
)

// HeaderName carries the shared key on instance requests.
const HeaderName = "X-Cortex-Shared-Key"

// Verification failures.
var (
	ErrMissingKey       = &domain.Error{Kind: domain.KindUnauthenticated, Message: "Missing X-Cortex-Shared-Key header"}
	ErrProductNotFound  = &domain.Error{Kind: domain.KindNotFound, Message: "product not found"}
	ErrKeyNotConfigured = &domain.Error{Kind: domain.KindInternal, Message: "Product shared key not configured"}
	ErrKeyMismatch      = &domain.Error{Kind: domain.KindForbidden, Message: "Invalid shared key"}
)

// Products loads products by id.
type Products interface {
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
}

// Gateway verifies instances and serves their configuration.
type Gateway struct {
	products Products
	instance repository.InstanceRepository
	logger   *slog.Logger
}

// New returns a gateway.
func New(products Products, instance repository.InstanceRepository, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{products: products, instance: instance, logger: logger.With("component", "gateway")}
}

// Verified is a product whose shared key has been checked. Scoped reads only accept this.
type Verified struct {
	product domain.Product
}

// Product returns the verified product.
func (v Verified) Product() domain.Product { return v.product }

// Verify checks presented against the product's shared key.
func (g *Gateway) Verify(ctx context.Context, productID int64, presented string) (Verified, error) {
	if strings.TrimSpace(presented) == "" {
		return Verified{}, ErrMissingKey
	}
	product, err := g.products.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Verified{}, &domain.Error{Kind: domain.KindNotFound, Message: fmt.Sprintf("Product %d not found", productID), Err: ErrProductNotFound}
		}
		return Verified{}, fmt.Errorf("get product: %w", err)
	}
	expected := product.ConfiguredSharedKey()
	if expected == "" && product.SharedKey != nil {
		expected = *product.SharedKey
	}
	if expected == "" {
		g.logger.Error("product has no shared key configured", "product_id", productID)
		return Verified{}, ErrKeyNotConfigured
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		g.logger.Warn("invalid shared key attempt", "product_id", productID)
		return Verified{}, ErrKeyMismatch
	}
	return Verified{product: *product}, nil
}

// MQTTConfig is the messaging configuration derived from product env.
type MQTTConfig struct {
	Host        *string `json:"host"`
	Port        int     `json:"port"`
	UseTLS      bool    `json:"use_tls"`
	Username    *string `json:"username"`
	Password    *string `json:"password"`
	TopicPrefix string  `json:"topic_prefix"`
	SharedGroup string  `json:"shared_group"`
}

// Subscription is the instance view of an event subscription.
type Subscription struct {
	ID          int64             `json:"id"`
	ProductID   int64             `json:"product_id"`
	EventType   string            `json:"event_type"`
	Enabled     bool              `json:"enabled"`
	Description *string           `json:"description"`
	Actions     json.RawMessage   `json:"actions"`
	Stats       SubscriptionStats `json:"stats"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SubscriptionStats are the delivery counters reported back by instances.
type SubscriptionStats struct {
	MessagesReceived int        `json:"messages_received"`
	LastMessageAt    *time.Time `json:"last_message_at"`
	ActionsExecuted  int        `json:"actions_executed"`
	ActionsFailed    int        `json:"actions_failed"`
}

// SubscriptionSet is everything an instance needs to start consuming events.
type SubscriptionSet struct {
	ProductID            int64          `json:"product_id"`
	ProductName          string         `json:"product_name"`
	MQTTConfig           MQTTConfig     `json:"mqtt_config"`
	ApplicationID        *string        `json:"application_id"`
	Subscriptions        []Subscription `json:"subscriptions"`
	TotalSubscriptions   int            `json:"total_subscriptions"`
	EnabledSubscriptions int            `json:"enabled_subscriptions"`
}

// Subscriptions returns the product's subscriptions ordered by event type.
func (g *Gateway) Subscriptions(ctx context.Context, v Verified) (*SubscriptionSet, error) {
	p := v.product
	subs, err := g.instance.ListSubscriptions(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	out := &SubscriptionSet{
		ProductID:     p.ID,
		ProductName:   p.Name,
		MQTTConfig:    mqttConfig(p.EnvVars),
		ApplicationID: optional(p.EnvVars, "APPLICATION_ID"),
		Subscriptions: make([]Subscription, 0, len(subs)),
	}
	for _, s := range subs {
		actions := s.Actions
		if len(actions) == 0 {
			actions = json.RawMessage("[]")
		}
		out.Subscriptions = append(out.Subscriptions, Subscription{
			ID:          s.ID,
			ProductID:   s.ProductID,
			EventType:   s.EventType,
			Enabled:     s.Enabled,
			Description: s.Description,
			Actions:     actions,
			Stats: SubscriptionStats{
				MessagesReceived: s.MessagesReceived,
				LastMessageAt:    s.LastMessageAt,
				ActionsExecuted:  s.ActionsExecuted,
				ActionsFailed:    s.ActionsFailed,
			},
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		})
		if s.Enabled {
			out.EnabledSubscriptions++
		}
	}
	out.TotalSubscriptions = len(out.Subscriptions)
	g.logger.Info("instance fetched subscriptions", "product_id", p.ID, "count", out.TotalSubscriptions)
	return out, nil
}

func mqttConfig(env map[string]string) MQTTConfig {
	cfg := MQTTConfig{
		Host:        optional(env, "MQTT_HOST"),
		Port:        1883,
		UseTLS:      strings.EqualFold(env["MQTT_USE_TLS"], "true"),
		Username:    optional(env, "MQTT_USERNAME"),
		Password:    optional(env, "MQTT_PASSWORD"),
		TopicPrefix: "/v3/applications",
		SharedGroup: "bre",
	}
	if port, err := strconv.Atoi(strings.TrimSpace(env["MQTT_PORT"])); err == nil && port > 0 {
		cfg.Port = port
	}
	if v, ok := env["MQTT_TOPIC_PREFIX"]; ok {
		cfg.TopicPrefix = v
	}
	if v, ok := env["MQTT_SHARED_GROUP"]; ok {
		cfg.SharedGroup = v
	}
	return cfg
}

func optional(env map[string]string, key string) *string {
	v, ok := env[key]
	if !ok {
		return nil
	}
	return &v
}
