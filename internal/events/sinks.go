package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
	"github.com/habitio/habit-cortex-orchestrator/internal/ws"
)

// StoreSink persists events to the activity and audit tables.
type StoreSink struct {
	repo repository.EventRepository
}

// NewStoreSink wraps repo.
func NewStoreSink(repo repository.EventRepository) *StoreSink {
	return &StoreSink{repo: repo}
}

// Name implements Sink.
func (s *StoreSink) Name() string { return "store" }

// Handle implements Sink.
func (s *StoreSink) Handle(ctx context.Context, event Event) error {
	var errs []error
	if event.Activity != nil {
		if err := s.repo.InsertActivity(ctx, event.Activity); err != nil {
			errs = append(errs, fmt.Errorf("insert activity: %w", err))
		}
	}
	if event.Audit != nil {
		if err := s.repo.InsertAudit(ctx, event.Audit); err != nil {
			errs = append(errs, fmt.Errorf("insert audit: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Hub topic keys.
const (
	TopicActivity      = "activity"
	productTopicPrefix = "product:"
)

// ProductTopic is the hub key for one product's activity.
func ProductTopic(productID int64) string {
	return productTopicPrefix + strconv.FormatInt(productID, 10)
}

// HubSink broadcasts activity entries to live subscribers.
type HubSink struct {
	hub *ws.Hub
}

// NewHubSink wraps hub.
func NewHubSink(hub *ws.Hub) *HubSink {
	return &HubSink{hub: hub}
}

// Name implements Sink.
func (s *HubSink) Name() string { return "hub" }

// Handle implements Sink. Audit entries are not broadcast.
func (s *HubSink) Handle(_ context.Context, event Event) error {
	if event.Activity == nil {
		return nil
	}
	payload, err := json.Marshal(ActivityView(*event.Activity))
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	s.hub.Broadcast(TopicActivity, payload)
	if event.Activity.ProductID != nil {
		s.hub.Broadcast(ProductTopic(*event.Activity.ProductID), payload)
	}
	return nil
}

// Publisher is the subset of *nats.Conn used for event publishing.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS subject prefixes.
const (
	SubjectActivityPrefix = "cortex.activity."
	SubjectAuditPrefix    = "cortex.audit."
)

// NATSSink publishes events as JSON on per-type subjects.
type NATSSink struct {
	pub Publisher
}

// NewNATSSink wraps a NATS connection.
func NewNATSSink(pub Publisher) *NATSSink {
	return &NATSSink{pub: pub}
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Handle implements Sink.
func (s *NATSSink) Handle(_ context.Context, event Event) error {
	var errs []error
	if event.Activity != nil {
		errs = append(errs, s.publish(SubjectActivityPrefix+subjectToken(event.Activity.EventType), ActivityView(*event.Activity)))
	}
	if event.Audit != nil {
		errs = append(errs, s.publish(SubjectAuditPrefix+subjectToken(event.Audit.Action), AuditView(*event.Audit)))
	}
	return errors.Join(errs...)
}

func (s *NATSSink) publish(subject string, view map[string]any) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

const (
	webhookTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// WebhookSink posts events as JSON to an HTTP collector.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink targets url. A nil client gets a default with a short timeout.
func NewWebhookSink(url string, client *http.Client) (*WebhookSink, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errors.New("event webhook url required")
	}
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = webhookTimeout
	}
	return &WebhookSink{url: trimmed, client: client}, nil
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Handle implements Sink.
func (s *WebhookSink) Handle(ctx context.Context, event Event) error {
	payload := map[string]any{}
	if event.Activity != nil {
		payload["kind"] = "activity"
		payload["activity"] = ActivityView(*event.Activity)
	}
	if event.Audit != nil {
		if _, ok := payload["kind"]; !ok {
			payload["kind"] = "audit"
		}
		payload["audit"] = AuditView(*event.Audit)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		summary := strings.TrimSpace(string(buf))
		if summary == "" {
			summary = resp.Status
		}
		return fmt.Errorf("webhook rejected event: %s", summary)
	}
	return nil
}
