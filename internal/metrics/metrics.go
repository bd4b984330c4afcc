// Package metrics holds the orchestrator's domain collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cortex"

var buildBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800}

// Metrics groups the lifecycle, build and event collectors. A nil *Metrics is a no-op.
type Metrics struct {
	buildsTotal   *prometheus.CounterVec
	buildDuration prometheus.Histogram
	buildQueue    prometheus.Gauge
	transitions   *prometheus.CounterVec
	eventsDropped prometheus.Counter
	reconciled    prometheus.Counter
}

// New creates the collectors and registers them on reg. Collectors that are
// already registered are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		buildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "results_total",
			Help:      "Image builds by outcome",
		}, []string{"outcome"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Wall time of image builds",
			Buckets:   buildBuckets,
		}),
		buildQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "queue_depth",
			Help:      "Builds waiting for a worker",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Product status transitions",
		}, []string{"from", "to"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Activity and audit events dropped because the emitter buffer was full",
		}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "reconciled_total",
			Help:      "Products snapped back to stopped after their service disappeared",
		}),
	}
	if reg == nil {
		return m
	}
	m.buildsTotal = register(reg, m.buildsTotal)
	m.buildDuration = register(reg, m.buildDuration)
	m.buildQueue = register(reg, m.buildQueue)
	m.transitions = register(reg, m.transitions)
	m.eventsDropped = register(reg, m.eventsDropped)
	m.reconciled = register(reg, m.reconciled)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// BuildFinished records a build outcome and its duration.
func (m *Metrics) BuildFinished(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.buildsTotal.WithLabelValues(outcome).Inc()
	m.buildDuration.Observe(took.Seconds())
}

// BuildQueued adjusts the queue depth gauge by delta.
func (m *Metrics) BuildQueued(delta int) {
	if m == nil {
		return
	}
	m.buildQueue.Add(float64(delta))
}

// Transition counts a product status change.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// EventDropped counts an event lost to a full buffer.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// Reconciled counts a product reset by status reconciliation.
func (m *Metrics) Reconciled() {
	if m == nil {
		return
	}
	m.reconciled.Inc()
}
