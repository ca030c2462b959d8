package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CoreMetrics contains the shared work-cell metrics recorded across
// components. Domain-specific collectors stay in their own packages and
// register through the Registry.
type CoreMetrics struct {
	ComponentStatus   *prometheus.GaugeVec
	TubesScanned      *prometheus.CounterVec
	TubesSorted       *prometheus.CounterVec
	TubesSkipped      *prometheus.CounterVec
	IterationDuration *prometheus.HistogramVec
	ProtocolTimeouts  *prometheus.CounterVec
	CyclesTotal       prometheus.Counter
	RackFill          *prometheus.GaugeVec
	ResolverRequests  *prometheus.CounterVec
	ResolverDuration  prometheus.Histogram
	OperatorPauses    prometheus.Counter
	HealthStatus      *prometheus.GaugeVec
}

// NewCoreMetrics creates a new CoreMetrics instance
func NewCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tubesort",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component lifecycle state (0=created, 1=initialized, 2=started, 3=stopped, 4=failed)",
			},
			[]string{"component"},
		),

		TubesScanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tubesort",
				Subsystem: "tubes",
				Name:      "scanned_total",
				Help:      "Total tubes scanned from source pallets",
			},
			[]string{"pallet"},
		),

		TubesSorted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tubesort",
				Subsystem: "tubes",
				Name:      "sorted_total",
				Help:      "Total tubes placed into destination racks",
			},
			[]string{"rack", "test_type"},
		),

		TubesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tubesort",
				Subsystem: "tubes",
				Name:      "skipped_total",
				Help:      "Total tubes skipped during sorting",
			},
			[]string{"reason"},
		),

		IterationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tubesort",
				Subsystem: "protocol",
				Name:      "iteration_duration_seconds",
				Help:      "Duration of one protocol iteration",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"kind"},
		),

		ProtocolTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tubesort",
				Subsystem: "protocol",
				Name:      "timeouts_total",
				Help:      "Register waits that exceeded their deadline",
			},
			[]string{"operation"},
		),

		CyclesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tubesort",
				Subsystem: "cycles",
				Name:      "total",
				Help:      "Completed scan-sort cycles",
			},
		),

		RackFill: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tubesort",
				Subsystem: "racks",
				Name:      "fill",
				Help:      "Current tube count per destination rack",
			},
			[]string{"rack"},
		),

		ResolverRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tubesort",
				Subsystem: "resolver",
				Name:      "requests_total",
				Help:      "LIS lookups by outcome",
			},
			[]string{"result"},
		),

		ResolverDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "tubesort",
				Subsystem: "resolver",
				Name:      "request_duration_seconds",
				Help:      "LIS request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		OperatorPauses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tubesort",
				Subsystem: "operator",
				Name:      "pauses_total",
				Help:      "Pause requests acted on at a checkpoint",
			},
		),

		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tubesort",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),
	}
}

// RecordComponentStatus updates the lifecycle state gauge for a component
func (c *CoreMetrics) RecordComponentStatus(component string, status int) {
	c.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordTubeScanned increments the scanned tube counter for a source pallet
func (c *CoreMetrics) RecordTubeScanned(pallet int) {
	c.TubesScanned.WithLabelValues(strconv.Itoa(pallet)).Inc()
}

// RecordTubeSorted increments the sorted tube counter for a destination rack
func (c *CoreMetrics) RecordTubeSorted(rack int, testType string) {
	c.TubesSorted.WithLabelValues(strconv.Itoa(rack), testType).Inc()
}

// RecordTubeSkipped increments the skipped tube counter
func (c *CoreMetrics) RecordTubeSkipped(reason string) {
	c.TubesSkipped.WithLabelValues(reason).Inc()
}

// RecordIterationDuration records the wall time of one protocol iteration
func (c *CoreMetrics) RecordIterationDuration(kind string, duration time.Duration) {
	c.IterationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordProtocolTimeout increments the timeout counter for a register wait
func (c *CoreMetrics) RecordProtocolTimeout(operation string) {
	c.ProtocolTimeouts.WithLabelValues(operation).Inc()
}

// RecordCycleComplete increments the completed cycle counter
func (c *CoreMetrics) RecordCycleComplete() {
	c.CyclesTotal.Inc()
}

// RecordRackFill updates the fill gauge for a destination rack
func (c *CoreMetrics) RecordRackFill(rack, count int) {
	c.RackFill.WithLabelValues(strconv.Itoa(rack)).Set(float64(count))
}

// RecordResolverRequest increments the LIS request counter by outcome
func (c *CoreMetrics) RecordResolverRequest(result string) {
	c.ResolverRequests.WithLabelValues(result).Inc()
}

// RecordResolverDuration records the duration of one LIS request
func (c *CoreMetrics) RecordResolverDuration(duration time.Duration) {
	c.ResolverDuration.Observe(duration.Seconds())
}

// RecordOperatorPause increments the pause counter
func (c *CoreMetrics) RecordOperatorPause() {
	c.OperatorPauses.Inc()
}

// RecordHealthStatus updates health check status
func (c *CoreMetrics) RecordHealthStatus(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthStatus.WithLabelValues(component).Set(value)
}
