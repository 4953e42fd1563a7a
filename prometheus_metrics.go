package synclock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, uses the default Prometheus registry
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers all standard synclock metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	// Operation counts
	p.counters[MetricBackendOps] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synclock",
			Subsystem: "backend",
			Name:      "operations_total",
			Help:      "Total number of backend operations",
		},
		[]string{"operation", "backend"},
	)

	p.counters[MetricBackendErrors] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synclock",
			Subsystem: "backend",
			Name:      "errors_total",
			Help:      "Total number of backend errors",
		},
		[]string{"operation", "backend", "error_type"},
	)

	p.counters[MetricLockAcquired] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synclock",
			Subsystem: "lock",
			Name:      "acquired_total",
			Help:      "Total number of successful lock acquisitions",
		},
		[]string{"backend"},
	)

	p.counters[MetricLockContended] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synclock",
			Subsystem: "lock",
			Name:      "contended_total",
			Help:      "Total number of acquire attempts that found the key already locked",
		},
		[]string{"backend"},
	)

	p.counters[MetricLockFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synclock",
			Subsystem: "lock",
			Name:      "failed_total",
			Help:      "Total number of acquire attempts that returned an error",
		},
		[]string{"backend", "error_type"},
	)

	p.counters[MetricLockTimeout] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synclock",
			Subsystem: "lock",
			Name:      "timeout_total",
			Help:      "Total number of retry loops that exhausted their budget",
		},
		[]string{"backend"},
	)

	p.counters[MetricReleaseSuccess] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synclock",
			Subsystem: "release",
			Name:      "success_total",
			Help:      "Total number of successful releases",
		},
		[]string{"backend"},
	)

	p.counters[MetricReleaseFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synclock",
			Subsystem: "release",
			Name:      "failed_total",
			Help:      "Total number of releases that did not match a live, owned lock",
		},
		[]string{"backend", "reason"},
	)

	p.counters[MetricExtendSuccess] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synclock",
			Subsystem: "extend",
			Name:      "success_total",
			Help:      "Total number of successful extends",
		},
		[]string{"backend"},
	)

	p.counters[MetricExtendFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synclock",
			Subsystem: "extend",
			Name:      "failed_total",
			Help:      "Total number of extends that did not match a live, owned lock",
		},
		[]string{"backend", "reason"},
	)

	p.counters[MetricFenceIssued] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synclock",
			Subsystem: "fence",
			Name:      "issued_total",
			Help:      "Total number of fencing tokens issued",
		},
		[]string{"backend"},
	)

	p.counters[MetricFenceWarn] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synclock",
			Subsystem: "fence",
			Name:      "warn_total",
			Help:      "Total number of fence issuances that crossed the warning threshold",
		},
		[]string{"backend"},
	)

	p.counters[MetricFenceOverflow] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synclock",
			Subsystem: "fence",
			Name:      "overflow_total",
			Help:      "Total number of fence issuances rejected for exceeding the maximum",
		},
		[]string{"backend"},
	)

	// Timing histograms
	p.histograms[MetricBackendLatency] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "synclock",
			Subsystem: "backend",
			Name:      "operation_duration_seconds",
			Help:      "Backend operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "backend"},
	)

	p.histograms[MetricLockDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "synclock",
			Subsystem: "lock",
			Name:      "duration_seconds",
			Help:      "Time spent in a single Acquire call",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"backend"},
	)

	p.histograms[MetricLockWaitTime] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "synclock",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Time spent across all retries in AcquireWithRetry before success or timeout",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"backend"},
	)

	// Gauge metrics
	p.gauges[MetricLockContention] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "synclock",
			Subsystem: "lock",
			Name:      "contention_retries",
			Help:      "Retries needed by the most recent AcquireWithRetry call",
		},
		[]string{"backend"},
	)

	p.gauges[MetricCircuitOpen] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "synclock",
			Subsystem: "circuit",
			Name:      "open",
			Help:      "1 if the circuit breaker is open, 0 otherwise",
		},
		[]string{"backend"},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	counter, ok := p.counters[name]
	if !ok {
		// Create dynamic counter if it doesn't exist
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "synclock",
				Name:      name,
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}

	labels := p.extractLabelValues(tags)
	counter.With(labels).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	gauge, ok := p.gauges[name]
	if !ok {
		// Create dynamic gauge if it doesn't exist
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "synclock",
				Name:      name,
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}

	labels := p.extractLabelValues(tags)
	gauge.With(labels).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	histogram, ok := p.histograms[name]
	if !ok {
		// Create dynamic histogram if it doesn't exist
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "synclock",
				Name:      name,
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}

	labels := p.extractLabelValues(tags)
	histogram.With(labels).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		if i < len(tags) {
			labels = append(labels, tags[i])
		}
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	if len(tags) == 0 {
		return prometheus.Labels{}
	}

	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
