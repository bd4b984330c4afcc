package domain

import (
	"encoding/json"
	"time"
)

// EventSubscription binds a business event type to a list of actions.
type EventSubscription struct {
	ID               int64
	ProductID        int64
	EventType        string
	Enabled          bool
	Description      *string
	Actions          json.RawMessage
	MessagesReceived int
	LastMessageAt    *time.Time
	ActionsExecuted  int
	ActionsFailed    int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Workflow is an endpoint-bound step definition executed by an instance.
type Workflow struct {
	ID          int64
	ProductID   int64
	Name        string
	Endpoint    string
	Description *string
	Definition  json.RawMessage
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BusinessRule is an evaluable rule owned by a product.
type BusinessRule struct {
	ID         int64
	ProductID  int64
	Name       string
	RuleType   string
	Stage      string
	Priority   int
	Expression json.RawMessage
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PricingTemplate holds a strategy configuration consumed by instances.
type PricingTemplate struct {
	ID          int64
	ProductID   int64
	Name        string
	Strategy    string
	Description *string
	Config      json.RawMessage
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
