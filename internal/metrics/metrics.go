// Package metrics exposes clawcore runtime counters and gauges in the
// Prometheus text format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roelfdiedericks/clawcore/internal/bus"
	"github.com/roelfdiedericks/clawcore/internal/session"
)

const namespace = "clawcore"

// Metrics owns a private registry. It implements the observer interfaces of
// the bus, session, cron, heartbeat and http packages.
type Metrics struct {
	registry *prometheus.Registry

	busEvents       *prometheus.CounterVec
	cronRuns        *prometheus.CounterVec
	cronDuration    *prometheus.HistogramVec
	heartbeatTicks  *prometheus.CounterVec
	heartbeatTiming prometheus.Histogram
	cancellations   prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the metric set, including Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		busEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "events_published_total",
			Help: "Events published to the bus.",
		}, []string{"direction", "channel"}),
		cronRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cron", Name: "job_runs_total",
			Help: "Cron job executions by status.",
		}, []string{"status"}),
		cronDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cron", Name: "job_duration_seconds",
			Help:    "Cron job execution time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"status"}),
		heartbeatTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "ticks_total",
			Help: "Heartbeat ticks by outcome.",
		}, []string{"outcome"}),
		heartbeatTiming: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "tick_duration_seconds",
			Help:    "Heartbeat tick time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
		}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "task_cancellations_total",
			Help: "Cancellation requests issued to session tasks.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Status API requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Status API request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.busEvents,
		m.cronRuns,
		m.cronDuration,
		m.heartbeatTicks,
		m.heartbeatTiming,
		m.cancellations,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchBus exports queue depths and subscriber count, read on every scrape.
func (m *Metrics) WatchBus(b *bus.Bus) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "inbound_depth",
			Help: "Events waiting in the inbound queue.",
		}, func() float64 { return float64(b.Stats().InboundDepth) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "outbound_depth",
			Help: "Events waiting in the outbound queue.",
		}, func() float64 { return float64(b.Stats().OutboundDepth) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "subscribers",
			Help: "Active topic subscriptions.",
		}, func() float64 { return float64(b.Stats().Subscribers) }),
	)
}

// WatchSessions exports live session and task counts.
func (m *Metrics) WatchSessions(r *session.Registry) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "sessions",
			Help: "Bound channel sessions.",
		}, func() float64 { return float64(r.Stats().Sessions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "tasks",
			Help: "Registered in-flight session tasks.",
		}, func() float64 { return float64(r.Stats().Tasks) }),
	)
}

// EventPublished implements bus.Observer.
func (m *Metrics) EventPublished(direction, channel string) {
	m.busEvents.WithLabelValues(direction, channel).Inc()
}

// TasksCancelled implements session.Observer.
func (m *Metrics) TasksCancelled(_ string, count int) {
	m.cancellations.Add(float64(count))
}

// CronJobRun implements cron.Observer.
func (m *Metrics) CronJobRun(status string, elapsed time.Duration) {
	m.cronRuns.WithLabelValues(status).Inc()
	m.cronDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// HeartbeatTick implements heartbeat.Observer.
func (m *Metrics) HeartbeatTick(outcome string, elapsed time.Duration) {
	m.heartbeatTicks.WithLabelValues(outcome).Inc()
	m.heartbeatTiming.Observe(elapsed.Seconds())
}

// HTTPRequest implements http.RequestObserver.
func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
