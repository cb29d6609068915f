// ABOUTME: Prometheus collectors for work items, frames, sessions and tokens
// ABOUTME: Methods are safe on a nil *Metrics so callers need no enabled checks

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_relay"

// Metrics holds the relay's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	workItems       *prometheus.CounterVec
	workItemErrors  *prometheus.CounterVec
	workItemSeconds *prometheus.HistogramVec
	frames          prometheus.Counter
	toolCalls       *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	consumers       prometheus.Gauge
	inFlight        prometheus.Gauge
}

// New creates and registers the collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		workItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_items_total",
			Help:      "Work items processed, by outcome.",
		}, []string{"outcome"}),
		workItemErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_item_errors_total",
			Help:      "Work items that ended in an error frame, by reason.",
		}, []string{"reason"}),
		workItemSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "work_item_duration_seconds",
			Help:      "Time from dispatch to the final frame.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 45, 60, 90},
		}, []string{"outcome"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames delivered to the socket broadcaster.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls requested by the assistant, by tool.",
		}, []string{"tool"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Provider tokens consumed, by kind.",
		}, []string{"kind"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_resolved_total",
			Help:      "Session resolutions, by result (created or reused).",
		}, []string{"result"}),
		consumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_consumers_connected",
			Help:      "Queue consumers currently connected to the broker.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "work_items_in_flight",
			Help:      "Work items currently being processed.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.workItems,
		m.workItemErrors,
		m.workItemSeconds,
		m.frames,
		m.toolCalls,
		m.tokens,
		m.sessions,
		m.consumers,
		m.inFlight,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WorkItem records one finished work item. reason is empty on success.
func (m *Metrics) WorkItem(outcome, reason string, frames int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.workItems.WithLabelValues(outcome).Inc()
	if reason != "" {
		m.workItemErrors.WithLabelValues(reason).Inc()
	}
	if frames > 0 {
		m.frames.Add(float64(frames))
	}
	if elapsed > 0 {
		m.workItemSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
	}
}

// ToolCall counts a tool invocation.
func (m *Metrics) ToolCall(tool string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool).Inc()
}

// Tokens adds provider token usage.
func (m *Metrics) Tokens(prompt, completion int64) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.tokens.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.tokens.WithLabelValues("completion").Add(float64(completion))
	}
}

// Session counts a session resolution.
func (m *Metrics) Session(created bool) {
	if m == nil {
		return
	}
	result := "reused"
	if created {
		result = "created"
	}
	m.sessions.WithLabelValues(result).Inc()
}

// SetConsumers sets the number of connected queue consumers.
func (m *Metrics) SetConsumers(n int) {
	if m == nil {
		return
	}
	m.consumers.Set(float64(n))
}

// Begin marks a work item as in flight and returns the matching end func.
func (m *Metrics) Begin() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}
