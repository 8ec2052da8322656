package cleanup

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sessionflow/metric"
)

// Metrics counts cleanup activity. One value is shared by the task, the
// processor and the scheduler.
type Metrics struct {
	expired          prometheus.Counter
	commands         prometheus.Counter
	deleted          prometheus.Counter
	advisoryFailures prometheus.Counter
	triggers         *prometheus.CounterVec
}

// NewMetrics registers the cleanup counters in registry
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	m := &Metrics{
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionflow",
			Subsystem: "cleanup",
			Name:      "expired_states_total",
			Help:      "States found past the cleanup window",
		}),
		commands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionflow",
			Subsystem: "cleanup",
			Name:      "commands_total",
			Help:      "Cleanup commands emitted",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionflow",
			Subsystem: "cleanup",
			Name:      "deleted_states_total",
			Help:      "States removed by cleanup commands",
		}),
		advisoryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionflow",
			Subsystem: "cleanup",
			Name:      "delete_conflicts_total",
			Help:      "States left in place because they changed before the delete",
		}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionflow",
			Subsystem: "cleanup",
			Name:      "triggers_total",
			Help:      "Scheduler ticks by outcome",
		}, []string{"outcome"}),
	}

	for name, c := range map[string]prometheus.Counter{
		"expired":           m.expired,
		"commands":          m.commands,
		"deleted":           m.deleted,
		"advisory_failures": m.advisoryFailures,
	} {
		if err := registry.RegisterCounter("cleanup", name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterCounterVec("cleanup", "triggers", m.triggers); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordExpired(states, commands int) {
	if m == nil {
		return
	}
	m.expired.Add(float64(states))
	m.commands.Add(float64(commands))
}

func (m *Metrics) recordDeleted(deleted, conflicts int) {
	if m == nil {
		return
	}
	m.deleted.Add(float64(deleted))
	m.advisoryFailures.Add(float64(conflicts))
}

func (m *Metrics) recordTrigger(outcome string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(outcome).Inc()
}
