package imetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jfr-agent/pkg/internal/connector"
)

// rewriteDurations buckets for the time spent rewriting a class, from a trivial method to
// classes with huge bodies
var rewriteDurations = []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1}

type PrometheusConfig struct {
	Port int    `yaml:"port,omitempty" env:"JFR_AGENT_INTERNAL_METRICS_PROMETHEUS_PORT"`
	Path string `yaml:"path,omitempty" env:"JFR_AGENT_INTERNAL_METRICS_PROMETHEUS_PATH"`
}

// Enabled tells whether the Prometheus reporter must be started.
func (p *PrometheusConfig) Enabled() bool {
	return p.Port != 0
}

// PrometheusReporter is an internal metrics Reporter that exports to Prometheus
type PrometheusReporter struct {
	connector              *connector.PrometheusManager
	classesTransformed     *prometheus.CounterVec
	transformFailures      prometheus.Counter
	transformDuration      *prometheus.HistogramVec
	rewriteCacheHits       prometheus.Counter
	retransformRequests    prometheus.Counter
	retransformMissing     prometheus.Counter
	specificationInstalls  *prometheus.CounterVec
	instrumentedClassGauge prometheus.Gauge
}

func NewPrometheusReporter(cfg *PrometheusConfig, manager *connector.PrometheusManager) *PrometheusReporter {
	pr := &PrometheusReporter{
		connector: manager,
		classesTransformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jfr_agent_classes_transformed_total",
			Help: "classes rewritten by the load-time hook",
		}, []string{"strategy"}),
		transformFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jfr_agent_transform_failures_total",
			Help: "classes that could not be rewritten and were loaded unchanged",
		}),
		transformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jfr_agent_transform_duration_seconds",
			Help:    "time spent rewriting a class",
			Buckets: rewriteDurations,
		}, []string{"result"}),
		rewriteCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jfr_agent_rewrite_cache_hits_total",
			Help: "classes served from the rewrite cache",
		}),
		retransformRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jfr_agent_retransform_requests_total",
			Help: "classes whose retransformation was requested to the host",
		}),
		retransformMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jfr_agent_retransform_missing_total",
			Help: "classes that the host could not find when retransforming",
		}),
		specificationInstalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jfr_agent_specification_installs_total",
			Help: "specification changes, by operation",
		}, []string{"operation"}),
		instrumentedClassGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jfr_agent_instrumented_classes",
			Help: "classes with instrumentation descriptors",
		}),
	}
	manager.Register(cfg.Port, cfg.Path,
		pr.classesTransformed,
		pr.transformFailures,
		pr.transformDuration,
		pr.rewriteCacheHits,
		pr.retransformRequests,
		pr.retransformMissing,
		pr.specificationInstalls,
		pr.instrumentedClassGauge)

	return pr
}

func (p *PrometheusReporter) Start(ctx context.Context) {
	p.connector.StartHTTP(ctx)
}

func (p *PrometheusReporter) ClassTransformed(strategy string, duration time.Duration) {
	p.classesTransformed.WithLabelValues(strategy).Inc()
	p.transformDuration.WithLabelValues("success").Observe(duration.Seconds())
}

func (p *PrometheusReporter) TransformFailure(duration time.Duration) {
	p.transformFailures.Inc()
	p.transformDuration.WithLabelValues("failure").Observe(duration.Seconds())
}

func (p *PrometheusReporter) RewriteCacheHit() {
	p.rewriteCacheHits.Inc()
}

func (p *PrometheusReporter) RetransformRequested(classes int) {
	p.retransformRequests.Add(float64(classes))
}

func (p *PrometheusReporter) RetransformMissing(classes int) {
	p.retransformMissing.Add(float64(classes))
}

func (p *PrometheusReporter) SpecificationInstalled(operation string) {
	p.specificationInstalls.WithLabelValues(operation).Inc()
}

func (p *PrometheusReporter) InstrumentedClasses(classes int) {
	p.instrumentedClassGauge.Set(float64(classes))
}
