// Package health provides health monitoring for work-cell components with
// thread-safe status tracking and aggregation.
//
// The coordination loop and device wrappers push per-component statuses into
// a shared Monitor; the status gateway reads the aggregate for /healthz and
// the operator console shows it on demand.
//
// # Health States
//
// The package supports three health states:
//   - Healthy: component operating normally
//   - Degraded: component operating with reduced functionality
//   - Unhealthy: component not functioning properly
//
// A degraded resolver (slow LIS responses) keeps the cell running while an
// unhealthy controller stops it, so the distinction matters operationally.
//
// # Basic Usage
//
// Creating and tracking component health:
//
//	monitor := health.NewMonitor()
//
//	monitor.UpdateHealthy("scanner", "connected")
//	monitor.UpdateDegraded("resolver", "LIS responses above 2s")
//	monitor.UpdateUnhealthy("controller", "connection lost")
//
//	// Aggregate for the whole cell: unhealthy wins over degraded,
//	// degraded wins over healthy
//	overall := monitor.AggregateHealth("workcell")
//	if !overall.IsHealthy() {
//	    // hold new cycles until the cell recovers
//	}
//
// # Sanitization
//
// Error messages converted through FromComponentHealth are sanitized before
// they reach operator-facing output: URLs, file paths, IP addresses, ports,
// and credential-looking fragments are replaced with placeholders.
//
// All Monitor operations are safe for concurrent use.
package health
