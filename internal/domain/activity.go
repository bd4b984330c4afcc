package domain

import (
	"context"
	"time"
)

// Severity levels for activity entries.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Activity is an operator-facing operational event.
type Activity struct {
	ID        int64
	ProductID *int64
	EventType string
	Message   string
	Severity  string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Change captures the before and after value of one field.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Audit is a compliance-facing record of an attempted change.
type Audit struct {
	ID           int64
	Action       string
	ResourceType string
	ResourceID   *int64
	ResourceName string
	Changes      map[string]Change
	UserID       string
	IPAddress    string
	UserAgent    string
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}

// Actor identifies who triggered an operation.
type Actor struct {
	UserID    string
	IPAddress string
	UserAgent string
}

type actorKey struct{}

// WithActor stores request attribution on ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the stored actor, defaulting the user to "system".
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey{}).(Actor)
	if actor.UserID == "" {
		actor.UserID = "system"
	}
	return actor
}
