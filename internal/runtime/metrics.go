package runtime

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of a Service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	outboundTotal    *prometheus.CounterVec
	outboundDuration *prometheus.HistogramVec
	eventsPublished  *prometheus.CounterVec
	eventsHandled    *prometheus.CounterVec
	workersActive    *prometheus.GaugeVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

// newCounterVec creates a new counter vec with the rpcmesh namespace.
func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcmesh",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newGaugeVec creates a new gauge vec with the rpcmesh namespace.
func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rpcmesh",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newHistogramVec creates a new histogram vec with the rpcmesh namespace.
func newHistogramVec(subsystem, name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rpcmesh",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer means the default
// Prometheus registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		registerer:       registerer,
		gatherer:         gatherer,
		requestsTotal:    newCounterVec("endpoint", "requests_total", "Total number of executed requests", []string{"service", "method", "code"}),
		requestDuration:  newHistogramVec("endpoint", "request_duration_seconds", "Duration of request execution", []string{"service", "method"}),
		outboundTotal:    newCounterVec("outbound", "requests_total", "Total number of requests sent to other services", []string{"service", "target", "code"}),
		outboundDuration: newHistogramVec("outbound", "request_duration_seconds", "Duration of requests sent to other services", []string{"service", "target"}),
		eventsPublished:  newCounterVec("events", "published_total", "Total number of event deliveries", []string{"service", "event"}),
		eventsHandled:    newCounterVec("events", "handled_total", "Total number of handled events", []string{"service", "event", "outcome"}),
		workersActive:    newGaugeVec("worker", "active", "Number of running task and event workers", []string{"service", "kind"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.requestDuration,
		m.outboundTotal,
		m.outboundDuration,
		m.eventsPublished,
		m.eventsHandled,
		m.workersActive,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler exposes the registry the collectors were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordRequest records one executed request. code is 0 on success.
func (m *Metrics) RecordRequest(service, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(service, method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(service, method).Observe(d.Seconds())
}

// RecordOutbound records one request sent to target.
func (m *Metrics) RecordOutbound(service, target string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(service, target, strconv.Itoa(code)).Inc()
	m.outboundDuration.WithLabelValues(service, target).Observe(d.Seconds())
}

// RecordEventPublished adds the number of listeners an event reached.
func (m *Metrics) RecordEventPublished(service, event string, delivered int) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(service, event).Add(float64(delivered))
}

// RecordEventHandled records one event handler invocation.
func (m *Metrics) RecordEventHandled(service, event string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.eventsHandled.WithLabelValues(service, event, outcome).Inc()
}

// WorkerStarted and WorkerStopped track running loops by kind ("task", "event").
func (m *Metrics) WorkerStarted(service, kind string) {
	if m == nil {
		return
	}
	m.workersActive.WithLabelValues(service, kind).Inc()
}

func (m *Metrics) WorkerStopped(service, kind string) {
	if m == nil {
		return
	}
	m.workersActive.WithLabelValues(service, kind).Dec()
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	m.requestsTotal.Reset()
	m.requestDuration.Reset()
	m.outboundTotal.Reset()
	m.outboundDuration.Reset()
	m.eventsPublished.Reset()
	m.eventsHandled.Reset()
	m.workersActive.Reset()
}
