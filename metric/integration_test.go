package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockComponent simulates a component that can register its own metrics
type MockComponent struct {
	name    string
	metrics struct {
		barcodesRead prometheus.Counter
		connected    prometheus.Gauge
	}
}

func NewMockComponent(name string) *MockComponent {
	return &MockComponent{name: name}
}

func (m *MockComponent) Name() string {
	return m.name
}

// RegisterMetrics registers domain-specific metrics for the mock component
func (m *MockComponent) RegisterMetrics(registrar Registrar) error {
	// Register a custom counter
	m.metrics.barcodesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tubesort",
		Subsystem: "mock_scanner",
		Name:      "barcodes_read_total",
		Help:      "Total number of barcodes read",
	})

	err := registrar.RegisterCounter(m.name, "barcodes_read_total", m.metrics.barcodesRead)
	if err != nil {
		return err
	}

	// Register a custom gauge
	m.metrics.connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tubesort",
		Subsystem: "mock_scanner",
		Name:      "connected",
		Help:      "Whether the scanner connection is up",
	})

	return registrar.RegisterGauge(m.name, "connected", m.metrics.connected)
}

// ReadBarcodes simulates scanner activity and updates metrics
func (m *MockComponent) ReadBarcodes(count int, connected bool) {
	m.metrics.barcodesRead.Add(float64(count))
	if connected {
		m.metrics.connected.Set(1)
	} else {
		m.metrics.connected.Set(0)
	}
}

func TestMetricsIntegration_ComponentRegistration(t *testing.T) {
	// Create a new metrics registry
	registry := NewRegistry()

	// Create mock component
	mockComponent := NewMockComponent("test-scanner")

	// Register the component's metrics
	err := mockComponent.RegisterMetrics(registry)
	require.NoError(t, err)

	// Simulate some component activity
	mockComponent.ReadBarcodes(10, true)

	// Verify metrics are registered and have values
	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundMetrics[mf.GetName()] = true
	}

	// Verify custom metrics are registered
	assert.True(t, foundMetrics["tubesort_mock_scanner_barcodes_read_total"],
		"Custom barcodes_read metric should be registered")
	assert.True(t, foundMetrics["tubesort_mock_scanner_connected"],
		"Custom connected metric should be registered")
}

func TestMetricsIntegration_NoDuplicateRegistration(t *testing.T) {
	registry := NewRegistry()

	// Create two components with the same name (this shouldn't happen in real usage)
	component1 := NewMockComponent("duplicate-scanner")
	component2 := NewMockComponent("duplicate-scanner")

	// Register first component's metrics
	err := component1.RegisterMetrics(registry)
	require.NoError(t, err)

	// Try to register second component's metrics - should fail
	err = component2.RegisterMetrics(registry)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestMetricsIntegration_CoreAndComponentMetricsSeparate(t *testing.T) {
	registry := NewRegistry()
	core := registry.Core

	mockComponent := NewMockComponent("separation-test")
	err := mockComponent.RegisterMetrics(registry)
	require.NoError(t, err)

	// Use core metrics
	core.RecordComponentStatus("separation-test", 2)
	core.RecordTubeScanned(0)

	// Use component-specific metrics
	mockComponent.ReadBarcodes(5, true)

	// Verify both types of metrics are present
	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundMetrics[mf.GetName()] = true
	}

	// Verify core metrics
	assert.True(t, foundMetrics["tubesort_component_status"],
		"core component status metric should be present")
	assert.True(t, foundMetrics["tubesort_tubes_scanned_total"],
		"core tubes scanned metric should be present")

	// Verify component-specific metrics
	assert.True(t, foundMetrics["tubesort_mock_scanner_barcodes_read_total"],
		"Component-specific barcodes read metric should be present")
	assert.True(t, foundMetrics["tubesort_mock_scanner_connected"],
		"Component-specific connected metric should be present")
}

func TestMetricsIntegration_MetricsUnregistration(t *testing.T) {
	registry := NewRegistry()

	mockComponent := NewMockComponent("unregister-test")

	// Register metrics
	err := mockComponent.RegisterMetrics(registry)
	require.NoError(t, err)

	// Read some barcodes to make metrics visible
	mockComponent.ReadBarcodes(1, true)

	// Verify metrics are present
	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundBefore := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundBefore[mf.GetName()] = true
	}

	assert.True(t, foundBefore["tubesort_mock_scanner_barcodes_read_total"],
		"Metric should be present before unregistration")

	// Unregister one of the metrics
	success := registry.Unregister("unregister-test", "barcodes_read_total")
	assert.True(t, success, "Unregistration should succeed")

	// Verify metric is no longer present
	metricFamilies, err = registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundAfter := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundAfter[mf.GetName()] = true
	}

	assert.False(t, foundAfter["tubesort_mock_scanner_barcodes_read_total"],
		"Metric should be absent after unregistration")
	assert.True(t, foundAfter["tubesort_mock_scanner_connected"],
		"Other component metrics should remain")
}

func TestMetricsIntegration_MultipleComponentsWithUniqueMetrics(t *testing.T) {
	registry := NewRegistry()

	// Create multiple components - they need different metric names to coexist
	component1 := NewMockComponent("pallet-scanner")
	component2 := NewMockComponent("rack-scanner")

	// Register first component
	err := component1.RegisterMetrics(registry)
	require.NoError(t, err)

	// The second component will fail because it tries to register the same Prometheus metric names
	// This demonstrates that our registry correctly prevents Prometheus-level conflicts
	err = component2.RegisterMetrics(registry)
	assert.Error(t, err, "Second component should fail due to Prometheus metric name conflict")
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsIntegration_MultipleComponentsSameNames(t *testing.T) {
	registry := NewRegistry()

	// Create components with identical names - this simulates trying to register
	// the same component twice, which should be prevented
	component1 := NewMockComponent("identical-scanner")
	component2 := NewMockComponent("identical-scanner")

	// Register first component
	err := component1.RegisterMetrics(registry)
	require.NoError(t, err)

	// Second component with same name should fail at our registry level
	err = component2.RegisterMetrics(registry)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}
