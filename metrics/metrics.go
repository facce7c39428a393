// Package metrics exports saga activity to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records saga and step events. It implements
// yieldsaga.SagaCallbacks, so it can be passed as (or chained into) an
// orchestrator's callbacks.
type Collector struct {
	Sagas        *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	StepFailures *prometheus.CounterVec
	InFlight     *prometheus.GaugeVec
	gatherer     prometheus.Gatherer
}

var _ yieldsaga.SagaCallbacks = (*Collector)(nil)

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Collector {
	return newCollector(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newCollector(registry, registry)
}

func newCollector(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	c := &Collector{
		Sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yieldsaga_sagas_total",
			Help: "Saga runs by workflow and final status.",
		}, []string{"workflow", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yieldsaga_step_duration_seconds",
			Help:    "Step execution time in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"workflow", "step"}),
		StepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yieldsaga_step_failures_total",
			Help: "Failed steps by workflow, step and error kind.",
		}, []string{"workflow", "step", "kind"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "yieldsaga_sagas_in_flight",
			Help: "Saga runs currently executing.",
		}, []string{"workflow"}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		c.Sagas,
		c.StepDuration,
		c.StepFailures,
		c.InFlight,
	)

	return c
}

// Handler returns an HTTP handler that exposes metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) BeforeSaga(ctx context.Context, event *yieldsaga.SagaEvent) {
	c.InFlight.WithLabelValues(string(event.Workflow)).Inc()
}

func (c *Collector) AfterSaga(ctx context.Context, event *yieldsaga.SagaEvent) {
	c.InFlight.WithLabelValues(string(event.Workflow)).Dec()
	c.Sagas.WithLabelValues(string(event.Workflow), string(event.Status)).Inc()
}

func (c *Collector) BeforeStep(ctx context.Context, event *yieldsaga.StepEvent) {}

func (c *Collector) AfterStep(ctx context.Context, event *yieldsaga.StepEvent) {
	workflow, step := string(event.Workflow), string(event.Step)
	c.StepDuration.WithLabelValues(workflow, step).Observe(event.Duration.Seconds())
	if event.Error != nil {
		kind := yieldsaga.ClassifyError(event.Error).Kind
		c.StepFailures.WithLabelValues(workflow, step, kind).Inc()
	}
}
