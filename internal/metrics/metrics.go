// Package metrics provides Prometheus metrics for the landscape coordinator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the coordinator.
// Every method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Landscape
	Minima           prometheus.Gauge
	TransitionStates prometheus.Gauge
	Components       prometheus.Gauge
	Duplicates       *prometheus.CounterVec
	EnergyViolations prometheus.Counter

	// Jobs
	JobsDispatched *prometheus.CounterVec
	JobResults     *prometheus.CounterVec
	JobsRequeued   *prometheus.CounterVec
	JobsInFlight   prometheus.Gauge

	// Workers
	Workers         *prometheus.GaugeVec
	WorkersReaped   prometheus.Counter
	NoWorkResponses prometheus.Counter

	// Persistence
	PersistErrors *prometheus.CounterVec
}

// New creates a metrics set registered on its own registry.
// A private registry keeps parallel tests and multiple coordinators independent.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "landscape"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		Minima: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "minima",
			Help:      "Number of distinct minima in the database",
		}),
		TransitionStates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transition_states",
			Help:      "Number of distinct transition states in the database",
		}),
		Components: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_components",
			Help:      "Number of connected components in the connectivity graph",
		}),
		Duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Reported structures that matched an existing record",
		}, []string{"kind"}),
		EnergyViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_state_energy_violations_total",
			Help:      "Transition states reported below one of their endpoint minima",
		}),
		JobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs handed to workers",
		}, []string{"kind"}),
		JobResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_results_total",
			Help:      "Job results received, by kind and outcome",
		}, []string{"kind", "outcome"}),
		JobsRequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_requeued_total",
			Help:      "Jobs requeued after their worker timed out",
		}, []string{"kind"}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently dispatched to a worker",
		}),
		Workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Registered workers by liveness state",
		}, []string{"state"}),
		WorkersReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_reaped_total",
			Help:      "Workers removed after missing heartbeats",
		}),
		NoWorkResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_work_responses_total",
			Help:      "Job requests answered with no work available",
		}),
		PersistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Failed or rejected persistence writes",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.Minima, m.TransitionStates, m.Components, m.Duplicates, m.EnergyViolations,
		m.JobsDispatched, m.JobResults, m.JobsRequeued, m.JobsInFlight,
		m.Workers, m.WorkersReaped, m.NoWorkResponses, m.PersistErrors,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler serving the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetLandscape records database and graph sizes.
func (m *Metrics) SetLandscape(minima, transitionStates, components int) {
	if m == nil {
		return
	}
	m.Minima.Set(float64(minima))
	m.TransitionStates.Set(float64(transitionStates))
	m.Components.Set(float64(components))
}

// Duplicate counts a reported structure that matched an existing record.
func (m *Metrics) Duplicate(kind string) {
	if m == nil {
		return
	}
	m.Duplicates.WithLabelValues(kind).Inc()
}

// EnergyViolation counts a transition state lower than one of its minima.
func (m *Metrics) EnergyViolation() {
	if m == nil {
		return
	}
	m.EnergyViolations.Inc()
}

// Dispatched counts a job handed to a worker.
func (m *Metrics) Dispatched(kind string) {
	if m == nil {
		return
	}
	m.JobsDispatched.WithLabelValues(kind).Inc()
}

// Result counts a job result.
func (m *Metrics) Result(kind, outcome string) {
	if m == nil {
		return
	}
	m.JobResults.WithLabelValues(kind, outcome).Inc()
}

// Requeued counts a job requeued after a worker timeout.
func (m *Metrics) Requeued(kind string) {
	if m == nil {
		return
	}
	m.JobsRequeued.WithLabelValues(kind).Inc()
}

// SetInFlight records the number of dispatched jobs.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.JobsInFlight.Set(float64(n))
}

// SetWorkers records worker counts by state.
func (m *Metrics) SetWorkers(active, stale int) {
	if m == nil {
		return
	}
	m.Workers.WithLabelValues("active").Set(float64(active))
	m.Workers.WithLabelValues("stale").Set(float64(stale))
}

// Reaped counts a reaped worker.
func (m *Metrics) Reaped() {
	if m == nil {
		return
	}
	m.WorkersReaped.Inc()
}

// NoWork counts a job request answered with no work.
func (m *Metrics) NoWork() {
	if m == nil {
		return
	}
	m.NoWorkResponses.Inc()
}

// PersistError counts a failed persistence write.
func (m *Metrics) PersistError(kind string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(kind).Inc()
}
