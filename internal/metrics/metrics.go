// Package metrics holds the prometheus collectors shared by the probing,
// batch, selection and streaming components. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "selector"

type Metrics struct {
	registry *prometheus.Registry

	probes        *prometheus.CounterVec
	probeLatency  *prometheus.HistogramVec
	batchSessions *prometheus.CounterVec
	switches      *prometheus.CounterVec
	subscribers   *prometheus.GaugeVec
	eventsDropped *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Probes executed, by kind and result.",
		}, []string{"kind", "result"}),
		probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_seconds",
			Help:      "Latency of successful probes.",
			Buckets:   []float64{.05, .1, .2, .3, .5, .75, 1, 2, 5, 10, 30},
		}, []string{"kind"}),
		batchSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_sessions_total",
			Help:      "Batch test sessions by terminal outcome.",
		}, []string{"outcome"}),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_switches_total",
			Help:      "Active node switches by reason.",
		}, []string{"reason"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Currently connected event stream subscribers.",
		}, []string{"transport"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped or evicted from slow subscriber queues.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.probes, m.probeLatency, m.batchSessions, m.switches, m.subscribers, m.eventsDropped,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveProbe(kind string, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
		m.probeLatency.WithLabelValues(kind).Observe(latency.Seconds())
	}
	m.probes.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) BatchFinished(outcome string) {
	if m == nil {
		return
	}
	m.batchSessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SwitchRecorded(reason string) {
	if m == nil {
		return
	}
	m.switches.WithLabelValues(reason).Inc()
}

func (m *Metrics) SubscriberAdded(transport string) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(transport).Inc()
}

func (m *Metrics) SubscriberRemoved(transport string) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(transport).Dec()
}

func (m *Metrics) EventDropped(kind string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(kind).Inc()
}
