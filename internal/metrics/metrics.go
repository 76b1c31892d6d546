// Package metrics exposes the bridge's Prometheus counters. All methods are
// safe to call on a nil *Metrics so components can run without metrics.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "jointbridge"

// Metrics holds every collector the bridge reports.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	Publishes        prometheus.Counter
	PublishErrors    prometheus.Counter
	SkippedCycles    *prometheus.CounterVec
	Inversions       prometheus.Counter
	Ready            prometheus.Gauge
	StreamClients    prometheus.Gauge
	MergeDuration    prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages received, by stream.",
		}, []string{"stream"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Inbound messages rejected, by stream and reason.",
		}, []string{"stream", "reason"}),
		Publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Merged joint states published.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Merged joint states that failed to publish.",
		}),
		SkippedCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_cycles_total",
			Help:      "Publish cycles skipped because the merge failed, by reason.",
		}, []string{"reason"}),
		Inversions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transforms_inverted_total",
			Help:      "Transform samples inverted and re-broadcast.",
		}),
		Ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready",
			Help:      "1 once both joint sources have registered.",
		}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected gRPC joint state stream clients.",
		}),
		MergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Time spent merging the auxiliary and canonical snapshots.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 8),
		}),
	}

	for _, c := range []prometheus.Collector{
		m.MessagesReceived, m.MessagesRejected, m.Publishes, m.PublishErrors,
		m.SkippedCycles, m.Inversions, m.Ready, m.StreamClients, m.MergeDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

// NewRegistry returns a registry preloaded with Go runtime and process
// collectors, the same set the /metrics endpoint serves.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Received counts one inbound message on stream.
func (m *Metrics) Received(stream string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(stream).Inc()
}

// Rejected counts one rejected inbound message.
func (m *Metrics) Rejected(stream, reason string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(stream, reason).Inc()
}

// Published counts one successful publish.
func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.Publishes.Inc()
}

// PublishFailed counts one failed publish.
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.PublishErrors.Inc()
}

// Skipped counts one skipped publish cycle.
func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.SkippedCycles.WithLabelValues(reason).Inc()
}

// Inverted counts one re-broadcast transform.
func (m *Metrics) Inverted() {
	if m == nil {
		return
	}
	m.Inversions.Inc()
}

// SetReady records readiness.
func (m *Metrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.Ready.Set(1)
	} else {
		m.Ready.Set(0)
	}
}

// SetStreamClients records the number of connected stream clients.
func (m *Metrics) SetStreamClients(n int) {
	if m == nil {
		return
	}
	m.StreamClients.Set(float64(n))
}

// ObserveMerge records how long one merge took, in seconds.
func (m *Metrics) ObserveMerge(seconds float64) {
	if m == nil {
		return
	}
	m.MergeDuration.Observe(seconds)
}
