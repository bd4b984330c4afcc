// Package events carries activity and audit records away from control
// operations. Emission is fire-and-forget: Emit never blocks and never fails.
package events

import (
	"time"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
)

// Event is either an activity entry or an audit entry.
type Event struct {
	Activity *domain.Activity
	Audit    *domain.Audit
}

// Emitter accepts events for asynchronous delivery.
type Emitter interface {
	Emit(Event)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// NewActivity builds an activity event.
func NewActivity(productID *int64, eventType, severity, message string, metadata map[string]any) Event {
	if severity == "" {
		severity = domain.SeverityInfo
	}
	return Event{Activity: &domain.Activity{
		ProductID: productID,
		EventType: eventType,
		Message:   message,
		Severity:  severity,
		Metadata:  metadata,
	}}
}

// NewAudit builds an audit event attributed to actor. A non-nil opErr marks it unsuccessful.
func NewAudit(actor domain.Actor, action, resourceType string, resourceID *int64, resourceName string, changes map[string]domain.Change, opErr error) Event {
	audit := &domain.Audit{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ResourceName: resourceName,
		Changes:      changes,
		UserID:       actor.UserID,
		IPAddress:    actor.IPAddress,
		UserAgent:    actor.UserAgent,
		Success:      opErr == nil,
	}
	if opErr != nil {
		audit.ErrorMessage = opErr.Error()
	}
	return Event{Audit: audit}
}

// ActivityView renders an activity entry for JSON APIs and live feeds.
func ActivityView(a domain.Activity) map[string]any {
	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"id":         a.ID,
		"product_id": a.ProductID,
		"event_type": a.EventType,
		"message":    a.Message,
		"severity":   a.Severity,
		"metadata":   metadata,
		"created_at": a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// AuditView renders an audit entry for JSON APIs.
func AuditView(a domain.Audit) map[string]any {
	changes := a.Changes
	if changes == nil {
		changes = map[string]domain.Change{}
	}
	view := map[string]any{
		"id":            a.ID,
		"action":        a.Action,
		"resource_type": a.ResourceType,
		"resource_id":   a.ResourceID,
		"resource_name": a.ResourceName,
		"changes":       changes,
		"user_id":       a.UserID,
		"ip_address":    a.IPAddress,
		"user_agent":    a.UserAgent,
		"success":       a.Success,
		"error_message": nil,
		"created_at":    a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.ErrorMessage != "" {
		view["error_message"] = a.ErrorMessage
	}
	return view
}
