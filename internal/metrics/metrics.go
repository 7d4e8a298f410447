// Package metrics exposes the replication worker's Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/snapship/snapship/internal/replicate"
)

// Registry is the registry all snapship metrics land in.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	initOnce sync.Once
	instance *Metrics
)

// Metrics tracks executions through the worker.
type Metrics struct {
	ExecutionsLaunched *prometheus.CounterVec // snapship_executions_launched_total{account,region}
	ExecutionsFinished *prometheus.CounterVec // snapship_executions_finished_total{account,region,result}
	ExecutionFailures  *prometheus.CounterVec // snapship_execution_failures_total{cause}
	ExecutionsRunning  prometheus.Gauge
	ExecutionSeconds   prometheus.Histogram
}

// Init registers the worker metrics once; later calls return the same
// instance. A nil registry uses the package registry.
func Init(registry prometheus.Registerer) *Metrics {
	initOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		instance = &Metrics{
			ExecutionsLaunched: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "snapship_executions_launched_total",
				Help: "Replication executions started, by destination",
			}, []string{"account", "region"}),

			ExecutionsFinished: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "snapship_executions_finished_total",
				Help: "Replication executions reaching a terminal state, by destination and result",
			}, []string{"account", "region", "result"}),

			ExecutionFailures: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "snapship_execution_failures_total",
				Help: "Failed executions by reported cause",
			}, []string{"cause"}),

			ExecutionsRunning: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "snapship_executions_running",
				Help: "Executions currently in flight",
			}),

			ExecutionSeconds: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
				Name:    "snapship_execution_duration_seconds",
				Help:    "Wall time from launch to terminal state",
				Buckets: prometheus.ExponentialBuckets(30, 2, 10),
			}),
		}
	})
	return instance
}

// Launched records an execution start. Shaped to hang off the runner's
// launch hook.
func (m *Metrics) Launched(req replicate.Request) {
	m.ExecutionsLaunched.WithLabelValues(req.DestinationAccountID, req.DestinationRegion).Inc()
	m.ExecutionsRunning.Inc()
}

// Finished records a terminal outcome.
func (m *Metrics) Finished(req replicate.Request, out replicate.Outcome) {
	m.ExecutionsRunning.Dec()
	m.ExecutionSeconds.Observe(out.Duration.Seconds())

	result := "success"
	if !out.Success {
		result = "failure"
		m.ExecutionFailures.WithLabelValues(out.Cause).Inc()
	}
	m.ExecutionsFinished.WithLabelValues(req.DestinationAccountID, req.DestinationRegion, result).Inc()
}

// Handler serves the package registry in the Prometheus exposition
// format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
