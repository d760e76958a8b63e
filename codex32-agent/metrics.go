package main

import "github.com/prometheus/client_golang/prometheus"

// metricsRegistry mirrors harpoon-scheduler/instrumentation.go's pattern
// of a small set of prometheus counters registered at startup, generalized
// from scheduler bind/reject counts to container starts and start failures,
// supervisor quarantines, and incidents by kind.
type metricsRegistry struct {
	containerStarts        prometheus.Counter
	containerStartFailures prometheus.Counter
	quarantines            prometheus.Counter
	incidentsByKind        *prometheus.CounterVec
}

func newMetricsRegistry(registerer prometheus.Registerer) *metricsRegistry {
	m := &metricsRegistry{
		containerStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codex32",
			Subsystem: "agent",
			Name:      "container_starts_total",
			Help:      "Number of containers successfully started.",
		}),
		containerStartFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codex32",
			Subsystem: "agent",
			Name:      "container_start_failures_total",
			Help:      "Number of container start attempts that failed.",
		}),
		quarantines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codex32",
			Subsystem: "agent",
			Name:      "supervisor_quarantines_total",
			Help:      "Number of bots quarantined by the supervisor.",
		}),
		incidentsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codex32",
			Subsystem: "agent",
			Name:      "incidents_total",
			Help:      "Number of incidents emitted, by kind.",
		}, []string{"kind"}),
	}

	registerer.MustRegister(m.containerStarts, m.containerStartFailures, m.quarantines, m.incidentsByKind)
	return m
}
