package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/habitio/habit-cortex-orchestrator/internal/metrics"
)

const sinkTimeout = 5 * time.Second

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Handle(ctx context.Context, event Event) error
}

// Bus buffers events and delivers them to every sink from a single goroutine.
type Bus struct {
	events  chan Event
	sinks   []Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewBus starts a bus with room for buffer pending events.
func NewBus(buffer int, logger *slog.Logger, m *metrics.Metrics, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		events:  make(chan Event, buffer),
		sinks:   sinks,
		logger:  logger.With("component", "events"),
		metrics: m,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Emit queues event. A full buffer or a closed bus drops it.
func (b *Bus) Emit(event Event) {
	if event.Activity == nil && event.Audit == nil {
		return
	}
	now := b.now().UTC()
	if event.Activity != nil && event.Activity.CreatedAt.IsZero() {
		event.Activity.CreatedAt = now
	}
	if event.Audit != nil && event.Audit.CreatedAt.IsZero() {
		event.Audit.CreatedAt = now
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.drop(event, "closed")
		return
	}
	select {
	case b.events <- event:
	default:
		b.drop(event, "buffer full")
	}
}

func (b *Bus) drop(event Event, reason string) {
	b.metrics.EventDropped()
	b.logger.Warn("event dropped", "reason", reason, "kind", kind(event))
}

// Close stops accepting events and waits until the buffer is delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for event := range b.events {
		for _, sink := range b.sinks {
			b.deliver(sink, event)
		}
	}
}

func (b *Bus) deliver(sink Sink, event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event sink panicked", "sink", sink.Name(), "panic", r)
		}
	}()
	if err := sink.Handle(ctx, event); err != nil {
		b.logger.Warn("event sink failed", "sink", sink.Name(), "kind", kind(event), "error", err)
	}
}

func kind(event Event) string {
	if event.Activity != nil {
		return "activity:" + event.Activity.EventType
	}
	if event.Audit != nil {
		return "audit:" + event.Audit.Action
	}
	return "empty"
}
