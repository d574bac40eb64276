// Package metrics provides a Prometheus-backed Observer.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/weftworks/weft/pkg/api"
)

// PrometheusObserver exports run and step counters plus an attempt
// duration histogram. Combine it with other observers via
// api.NewCompositeObserver.
type PrometheusObserver struct {
	runsStarted     *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the observer and registers its
// collectors with the given registerer. Pass
// prometheus.DefaultRegisterer for the default registry.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_runs_started_total",
			Help: "Workflow runs started.",
		}, []string{"definition"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_runs_finished_total",
			Help: "Workflow runs finished, by terminal status.",
		}, []string{"definition", "status"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_step_attempts_total",
			Help: "Step attempts finished, by outcome.",
		}, []string{"definition", "outcome"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_step_retries_total",
			Help: "Step attempts scheduled for retry.",
		}, []string{"definition"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weft_step_attempt_duration_seconds",
			Help:    "Capability invocation duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"definition"}),
	}

	for _, c := range []prometheus.Collector{
		o.runsStarted, o.runsFinished, o.attemptsTotal, o.retriesTotal, o.attemptDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnRunStart(ctx context.Context, run *api.WorkflowRun) {
	o.runsStarted.WithLabelValues(run.DefinitionID).Inc()
}

func (o *PrometheusObserver) OnRunFinished(ctx context.Context, run *api.WorkflowRun) {
	o.runsFinished.WithLabelValues(run.DefinitionID, string(run.Status)).Inc()
}

func (o *PrometheusObserver) OnStepStart(ctx context.Context, run *api.WorkflowRun, stepID string, attempt int) {
}

func (o *PrometheusObserver) OnStepFinished(ctx context.Context, run *api.WorkflowRun, stepID string, attempt int, err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = string(api.FailureKindOf(err))
	}
	o.attemptsTotal.WithLabelValues(run.DefinitionID, outcome).Inc()
	o.attemptDuration.WithLabelValues(run.DefinitionID).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnStepRetry(ctx context.Context, run *api.WorkflowRun, stepID string, attempt int, delay time.Duration) {
	o.retriesTotal.WithLabelValues(run.DefinitionID).Inc()
}
