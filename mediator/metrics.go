package mediator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sessionflow/metric"
)

// WorkerState is what a mediator worker is doing
type WorkerState string

// Worker states
const (
	WorkerPolling      WorkerState = "POLLING"
	WorkerProcessing   WorkerState = "PROCESSING"
	WorkerCommitting   WorkerState = "COMMITTING"
	WorkerErrorBackoff WorkerState = "ERROR_BACKOFF"
)

// Processing outcomes
const (
	outcomeCommitted = "committed"
	outcomeFailed    = "failed"
	outcomeFatal     = "fatal"
)

type mediatorMetrics struct {
	events       *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	backoffs     *prometheus.CounterVec
	published    *prometheus.CounterVec
	workerStates *prometheus.GaugeVec
	inflightKeys prometheus.Gauge
	pending      prometheus.Gauge
}

func newMediatorMetrics(registry *metric.MetricsRegistry, name string) (*mediatorMetrics, error) {
	labels := prometheus.Labels{"mediator": name}
	m := &mediatorMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "sessionflow",
			Subsystem:   "mediator",
			Name:        "events_total",
			Help:        "Records processed by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "sessionflow",
			Subsystem:   "mediator",
			Name:        "processing_duration_seconds",
			Help:        "Time from taking a record to settling it",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "sessionflow",
			Subsystem:   "mediator",
			Name:        "retries_total",
			Help:        "Retried attempts by phase",
			ConstLabels: labels,
		}, []string{"phase"}),
		backoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "sessionflow",
			Subsystem:   "mediator",
			Name:        "backoffs_total",
			Help:        "Times a key was held after its retries ran out, by phase",
			ConstLabels: labels,
		}, []string{"phase"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "sessionflow",
			Subsystem:   "mediator",
			Name:        "published_total",
			Help:        "Output records published by topic",
			ConstLabels: labels,
		}, []string{"topic"}),
		workerStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "sessionflow",
			Subsystem:   "mediator",
			Name:        "workers",
			Help:        "Workers by state",
			ConstLabels: labels,
		}, []string{"state"}),
		inflightKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "sessionflow",
			Subsystem:   "mediator",
			Name:        "inflight_keys",
			Help:        "Keys currently owned by a worker",
			ConstLabels: labels,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "sessionflow",
			Subsystem:   "mediator",
			Name:        "pending_records",
			Help:        "Records taken from sources and not yet settled",
			ConstLabels: labels,
		}),
	}

	service := "mediator_" + name
	if err := registry.RegisterCounterVec(service, "events", m.events); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(service, "duration", m.duration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "retries", m.retries); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "backoffs", m.backoffs); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "published", m.published); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec(service, "worker_states", m.workerStates); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(service, "inflight_keys", m.inflightKeys); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(service, "pending", m.pending); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *mediatorMetrics) recordOutcome(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *mediatorMetrics) recordRetry(phase string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(phase).Inc()
}

func (m *mediatorMetrics) recordBackoff(phase string) {
	if m == nil {
		return
	}
	m.backoffs.WithLabelValues(phase).Inc()
}

func (m *mediatorMetrics) recordPublished(topic string, n int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic).Add(float64(n))
}

func (m *mediatorMetrics) transition(from, to WorkerState) {
	if m == nil {
		return
	}
	if from != "" {
		m.workerStates.WithLabelValues(string(from)).Dec()
	}
	if to != "" {
		m.workerStates.WithLabelValues(string(to)).Inc()
	}
}

func (m *mediatorMetrics) setWorkers(state WorkerState, n int) {
	if m == nil {
		return
	}
	m.workerStates.WithLabelValues(string(state)).Set(float64(n))
}

func (m *mediatorMetrics) setInflight(keys, pending int) {
	if m == nil {
		return
	}
	m.inflightKeys.Set(float64(keys))
	m.pending.Set(float64(pending))
}
