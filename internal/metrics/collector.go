// Package metrics exposes Prometheus metrics for compilation and execution.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Compilation results.
const (
	CompileAccepted         = "accepted"
	CompileRejected         = "rejected"
	CompileSignatureInvalid = "signature_invalid"
	CompileError            = "error"
)

// Collector holds the service's metrics. A nil *Collector records nothing.
type Collector struct {
	compilations      *prometheus.CounterVec
	compileDuration   prometheus.Histogram
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	violations        *prometheus.CounterVec
	imports           *prometheus.CounterVec
}

// NewCollector registers the metrics with reg under namespace.
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	f := promauto.With(reg)
	return &Collector{
		compilations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compilations_total",
			Help:      "Tool compilations by result",
		}, []string{"result"}),
		compileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "Time spent in the validation and compile pipeline",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Tool executions by outcome and isolation mode",
		}, []string{"outcome", "mode"}),
		executionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Tool execution wall time",
			Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30},
		}, []string{"mode"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_violations_total",
			Help:      "Security violations by kind",
		}, []string{"kind"}),
		imports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_attempts_total",
			Help:      "Runtime import attempts",
		}, []string{"allowed"}),
	}
}

// RegisterGauge exposes a value sampled at scrape time, such as the number
// of cached tools.
func RegisterGauge(reg prometheus.Registerer, namespace, name, help string, fn func() float64) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func (c *Collector) RecordCompilation(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.compilations.WithLabelValues(result).Inc()
	if result == CompileAccepted || result == CompileRejected {
		c.compileDuration.Observe(d.Seconds())
	}
}

func (c *Collector) RecordExecution(outcome, mode string, d time.Duration) {
	if c == nil {
		return
	}
	c.executions.WithLabelValues(outcome, mode).Inc()
	c.executionDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (c *Collector) RecordViolations(kinds []string) {
	if c == nil {
		return
	}
	for _, k := range kinds {
		c.violations.WithLabelValues(k).Inc()
	}
}

func (c *Collector) RecordImport(allowed bool) {
	if c == nil {
		return
	}
	c.imports.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}
