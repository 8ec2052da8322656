package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains process-level metrics shared by every component
type Metrics struct {
	NodeState          *prometheus.GaugeVec
	ErrorsTotal        *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
}

// NewMetrics creates the process-level metrics
func NewMetrics() *Metrics {
	return &Metrics{
		NodeState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sessionflow",
				Subsystem: "lifecycle",
				Name:      "node_state",
				Help:      "Supervision node state (0=created, 1=running, 2=error, 3=stopped)",
			},
			[]string{"node"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessionflow",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sessionflow",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sessionflow",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sessionflow",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordNodeState updates the lifecycle gauge for a supervision node
func (c *Metrics) RecordNodeState(node string, state int) {
	c.NodeState.WithLabelValues(node).Set(float64(state))
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordProcessingDuration records processing time
func (c *Metrics) RecordProcessingDuration(component, operation string, d time.Duration) {
	c.ProcessingDuration.WithLabelValues(component, operation).Observe(d.Seconds())
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments the reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
