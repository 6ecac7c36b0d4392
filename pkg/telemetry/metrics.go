package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the processor. All record methods
// are safe to call on a nil or disabled Metrics.
type Metrics struct {
	config MetricsConfig

	// Queue metrics
	ticks         *prometheus.CounterVec
	batchesQueued *prometheus.CounterVec
	queueLength   *prometheus.GaugeVec
	retries       *prometheus.CounterVec

	// Callback metrics
	callbacks        *prometheus.CounterVec
	deliveryFailures prometheus.Counter

	// Function metrics
	functionDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Total number of ticks by priority and action",
			},
			[]string{"priority", "action"},
		),
		batchesQueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_enqueued_total",
				Help:      "Total number of batches admitted",
			},
			[]string{"priority"},
		),
		queueLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_length",
				Help:      "Current number of batches waiting in each queue",
			},
			[]string{"priority"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of scheduled retries",
			},
			[]string{"priority"},
		),
		callbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callbacks_emitted_total",
				Help:      "Total number of callbacks emitted by result",
			},
			[]string{"result"},
		),
		deliveryFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callback_delivery_failures_total",
				Help:      "Total number of callbacks that could not be delivered",
			},
		),
		functionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "function_duration_seconds",
				Help:      "Duration of function calls in seconds",
				Buckets:   buckets,
			},
			[]string{"domain", "status"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.ticks,
		m.batchesQueued,
		m.queueLength,
		m.retries,
		m.callbacks,
		m.deliveryFailures,
		m.functionDuration,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Queue Metrics

// RecordTick counts a tick and what it did.
func (m *Metrics) RecordTick(priority, action string) {
	if m == nil || m.ticks == nil {
		return
	}
	m.ticks.WithLabelValues(priority, action).Inc()
}

// RecordEnqueued counts an admitted batch.
func (m *Metrics) RecordEnqueued(priority string) {
	if m == nil || m.batchesQueued == nil {
		return
	}
	m.batchesQueued.WithLabelValues(priority).Inc()
}

// SetQueueLength sets the current length of a queue.
func (m *Metrics) SetQueueLength(priority string, n float64) {
	if m == nil || m.queueLength == nil {
		return
	}
	m.queueLength.WithLabelValues(priority).Set(n)
}

// RecordRetry counts a scheduled retry.
func (m *Metrics) RecordRetry(priority string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(priority).Inc()
}

// Callback Metrics

// RecordCallback counts an emitted callback.
func (m *Metrics) RecordCallback(result string) {
	if m == nil || m.callbacks == nil {
		return
	}
	m.callbacks.WithLabelValues(result).Inc()
}

// RecordDeliveryFailure counts a failed callback delivery.
func (m *Metrics) RecordDeliveryFailure() {
	if m == nil || m.deliveryFailures == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// Function Metrics

// RecordFunctionCall records the duration of a function call.
func (m *Metrics) RecordFunctionCall(domain, status string, duration time.Duration) {
	if m == nil || m.functionDuration == nil {
		return
	}
	m.functionDuration.WithLabelValues(domain, status).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Serve errors
// are reported on the returned channel.
func (m *Metrics) StartMetricsServer() <-chan error {
	errCh := make(chan error, 1)
	if m == nil || !m.config.Enabled {
		close(errCh)
		return errCh
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		defer close(errCh)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return errCh
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
