// Package logs reads product service output and filters it into channels.
package logs

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/habitio/habit-cortex-orchestrator/internal/cluster"
	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
)

// Channel selects a filtered view of the service log.
type Channel string

// Log channels.
const (
	General Channel = "general"
	MQTT    Channel = "mqtt"
	Events  Channel = "events"
	Console Channel = "console"
)

type channelSpec struct {
	defaultTail int
	maxTail     int
	include     *regexp.Regexp
	exclude     *regexp.Regexp
}

var channels = map[Channel]channelSpec{
	General: {defaultTail: 100, maxTail: 1000},
	MQTT: {
		defaultTail: 500,
		maxTail:     2000,
		include:     regexp.MustCompile(`(?i)(MQTT|mqtt|Connected|Subscribed|Received.*event|Starting MQTT listener)`),
	},
	Events: {
		defaultTail: 500,
		maxTail:     2000,
		include:     regexp.MustCompile(`(?i)(event.*received|Executing action|action.*executed|Error executing action|Processing.*event)`),
	},
	Console: {
		defaultTail: 200,
		maxTail:     2000,
		exclude:     regexp.MustCompile(`(?i)(GET /health|GET /metrics|GET /readiness|GET /liveness|Starting gunicorn|Booting worker)`),
	},
}

// ParseChannel resolves a channel name. An empty name is the general channel.
func ParseChannel(name string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(name)))
	if ch == "" {
		return General, nil
	}
	if _, ok := channels[ch]; !ok {
		return "", domain.Invalidf("unknown log channel %q", name)
	}
	return ch, nil
}

// Tail returns the effective line count for ch: the default when requested
// is not positive, capped at the channel maximum.
func (ch Channel) Tail(requested int) int {
	spec := channels[ch]
	if requested <= 0 {
		return spec.defaultTail
	}
	if requested > spec.maxTail {
		return spec.maxTail
	}
	return requested
}

// Match reports whether line belongs to ch.
func (ch Channel) Match(line string) bool {
	spec := channels[ch]
	if spec.include != nil && !spec.include.MatchString(line) {
		return false
	}
	if spec.exclude != nil && spec.exclude.MatchString(line) {
		return false
	}
	return true
}

// Source reads service logs.
type Source interface {
	ServiceLogs(ctx context.Context, serviceID string, tail int) ([]string, error)
	StreamServiceLogs(ctx context.Context, serviceID string, tail int) (<-chan string, <-chan error, error)
}

// EventSink receives streamed lines. ws.SSEClient satisfies it.
type EventSink interface {
	Send(payload []byte) error
	SendEvent(name string, payload []byte) error
}

// Reader serves filtered product logs.
type Reader struct {
	source Source
	logger *slog.Logger
}

// NewReader returns a log reader.
func NewReader(source Source, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{source: source, logger: logger.With("component", "logs")}
}

// Result is one pulled log window.
type Result struct {
	Lines []string
	Tail  int
}

// Fetch returns the last tail lines of the product's service that match ch.
func (r *Reader) Fetch(ctx context.Context, product domain.Product, ch Channel, tail int) (*Result, error) {
	if !product.HasService() {
		return nil, domain.Invalidf("Product '%s' is not deployed", product.Name)
	}
	tail = ch.Tail(tail)
	lines, err := r.source.ServiceLogs(ctx, *product.ServiceID, tail)
	if err != nil {
		if errors.Is(err, cluster.ErrNotFound) {
			return nil, domain.NotFoundf("Service not found (may have been removed)")
		}
		return nil, domain.Internalf(err, "Failed to read service logs: %v", err)
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if ch.Match(line) {
			out = append(out, line)
		}
	}
	return &Result{Lines: out, Tail: tail}, nil
}

// Stream follows the product's service log and forwards matching lines to
// sink until the stream ends, ctx is cancelled or the sink fails. A stream
// that ends in error sends one terminal error event.
func (r *Reader) Stream(ctx context.Context, product domain.Product, ch Channel, tail int, sink EventSink) error {
	if !product.HasService() {
		return domain.Invalidf("Product '%s' is not deployed", product.Name)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines, errs, err := r.source.StreamServiceLogs(ctx, *product.ServiceID, ch.Tail(tail))
	if err != nil {
		r.sendError(sink, err)
		return nil
	}
	for line := range lines {
		if !ch.Match(line) {
			continue
		}
		if err := sink.Send([]byte(line)); err != nil {
			r.logger.Debug("log stream client gone", "product_id", product.ID, "error", err)
			return nil
		}
	}
	if err, ok := <-errs; ok && err != nil {
		r.logger.Error("log stream failed", "product_id", product.ID, "error", err)
		r.sendError(sink, err)
	}
	return nil
}

func (r *Reader) sendError(sink EventSink, err error) {
	msg := err.Error()
	if errors.Is(err, cluster.ErrNotFound) {
		msg = "Service not found"
	}
	_ = sink.SendEvent("error", []byte(msg))
}
