// Package metrics exposes prometheus collectors for the task pipeline.
// All methods are nil-safe so components can run without metrics wired.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service publishes. Collectors are
// registered on a private registry so repeated construction (tests,
// embedded use) never collides.
type Metrics struct {
	registry *prometheus.Registry

	tasksCreated   prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	callbacksSent  *prometheus.CounterVec

	poolSize        prometheus.Gauge
	poolAvailable   prometheus.Gauge
	tasksProcessing prometheus.Gauge

	taskProcessingTime prometheus.Histogram
}

// New builds and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		tasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_tasks_created_total",
			Help: "Total tasks accepted for processing",
		}),
		tasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_tasks_completed_total",
			Help: "Total tasks that reached COMPLETED",
		}),
		tasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_tasks_failed_total",
			Help: "Total tasks that reached FAILED",
		}),
		callbacksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_callbacks_sent_total",
			Help: "Callback deliveries by recorded status code",
		}, []string{"status"}),
		poolSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "asr_pool_size",
			Help: "Current number of model instances in the pool",
		}),
		poolAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "asr_pool_available",
			Help: "Idle model instances available for acquisition",
		}),
		tasksProcessing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "asr_tasks_processing",
			Help: "Tasks currently being transcribed",
		}),
		taskProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_task_processing_seconds",
			Help:    "Transcription duration per task",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TaskCreated counts one accepted task.
func (m *Metrics) TaskCreated() {
	if m == nil {
		return
	}
	m.tasksCreated.Inc()
}

// TaskStarted marks one task entering transcription.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksProcessing.Inc()
}

// TaskCompleted counts a successful task and observes its duration.
func (m *Metrics) TaskCompleted(seconds float64) {
	if m == nil {
		return
	}
	m.tasksProcessing.Dec()
	m.tasksCompleted.Inc()
	m.taskProcessingTime.Observe(seconds)
}

// TaskFailed counts a failed task.
func (m *Metrics) TaskFailed() {
	if m == nil {
		return
	}
	m.tasksProcessing.Dec()
	m.tasksFailed.Inc()
}

// CallbackSent counts one recorded callback outcome. Transport failures
// record status code 0.
func (m *Metrics) CallbackSent(statusCode int) {
	if m == nil {
		return
	}
	m.callbacksSent.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// SetPoolStats publishes the current pool occupancy.
func (m *Metrics) SetPoolStats(size, available int) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(size))
	m.poolAvailable.Set(float64(available))
}
