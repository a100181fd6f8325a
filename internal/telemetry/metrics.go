// Package telemetry exposes the process metrics over Prometheus.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weaverhq/weaver/internal/eventlog"
)

// Metrics holds every collector the process registers.
type Metrics struct {
	registry *prometheus.Registry

	eventsDispatched *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	sseClients       prometheus.Gauge
	activeRuns       prometheus.GaugeFunc
	logSub           *eventlog.Subscription
}

// New builds a metrics set. activeRuns reports the current number of live run
// contexts; pass nil to skip the gauge.
func New(activeRuns func() int) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weaver",
			Name:      "events_dispatched_total",
			Help:      "Envelopes appended to the event log, by type.",
		}, []string{"type"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "weaver",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "weaver",
			Name:      "sse_clients",
			Help:      "Connected SSE clients.",
		}),
	}
	registry.MustRegister(m.eventsDispatched, m.httpDuration, m.sseClients)

	if activeRuns != nil {
		m.activeRuns = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "weaver",
			Name:      "active_runs",
			Help:      "Runs with a live context.",
		}, func() float64 { return float64(activeRuns()) })
		registry.MustRegister(m.activeRuns)
	}
	return m
}

// ObserveLog subscribes to the event log and counts every dispatched
// envelope.
func (m *Metrics) ObserveLog(log eventlog.Log) {
	m.logSub = log.Subscribe(eventlog.Filter{}, func(env eventlog.Envelope) error {
		m.eventsDispatched.WithLabelValues(env.Type).Inc()
		return nil
	})
}

// Close detaches the event log subscription.
func (m *Metrics) Close(log eventlog.Log) {
	if m.logSub != nil {
		log.Unsubscribe(m.logSub)
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	m.httpDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// SSEClientConnected adjusts the connected client gauge.
func (m *Metrics) SSEClientConnected(delta int) {
	m.sseClients.Add(float64(delta))
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
