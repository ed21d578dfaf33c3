// Package metrics provides Prometheus-based metrics recording for the
// pipeline: events published, loop restarts, escalations, corrections, and
// completed issues.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records pipeline metrics into its own Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	eventsTotal      *prometheus.CounterVec
	loopRestarts     *prometheus.CounterVec
	escalationsTotal *prometheus.CounterVec
	correctionsTotal *prometheus.CounterVec
	issuesCompleted  prometheus.Counter
	phaseDuration    *prometheus.HistogramVec
}

// NewRecorder creates a metrics recorder backed by a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_events_total",
				Help: "Total number of events published to the bus by type",
			},
			[]string{"type"},
		),
		loopRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_loop_restarts_total",
				Help: "Total number of supervised loop restarts by loop name",
			},
			[]string{"loop"},
		),
		escalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_hitl_escalations_total",
				Help: "Total number of HITL escalations by origin label",
			},
			[]string{"origin"},
		),
		correctionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_hitl_corrections_total",
				Help: "Total number of HITL correction runs by outcome",
			},
			[]string{"outcome"},
		),
		issuesCompleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_issues_completed_total",
				Help: "Total number of issues driven to the done label",
			},
		),
		phaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_phase_duration_seconds",
				Help:    "Duration of a single phase run in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
	}
}

// Registry returns the recorder's registry for exposition.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveEvent records a published bus event.
func (r *Recorder) ObserveEvent(eventType string) {
	r.eventsTotal.WithLabelValues(eventType).Inc()
}

// ObserveLoopRestart records a supervised loop restart.
func (r *Recorder) ObserveLoopRestart(loop string) {
	r.loopRestarts.WithLabelValues(loop).Inc()
}

// ObserveEscalation records a HITL escalation from the given origin label.
func (r *Recorder) ObserveEscalation(origin string) {
	r.escalationsTotal.WithLabelValues(origin).Inc()
}

// ObserveCorrection records a HITL correction run outcome.
func (r *Recorder) ObserveCorrection(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.correctionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveIssueCompleted records an issue reaching the done label.
func (r *Recorder) ObserveIssueCompleted() {
	r.issuesCompleted.Inc()
}

// ObservePhaseDuration records how long a phase run took.
func (r *Recorder) ObservePhaseDuration(phase string, d time.Duration) {
	r.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}
