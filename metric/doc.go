// Package metric provides Prometheus-based metrics collection and an HTTP
// server for work-cell monitoring.
//
// The package offers a centralized registry managing both core work-cell
// metrics (tube throughput, iteration timing, rack fill, resolver outcomes)
// and custom component-specific metrics, plus an HTTP server exposing them
// in Prometheus format.
//
// # Basic Usage
//
// Setting up metrics collection and the HTTP server:
//
//	registry := metric.NewRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        log.Printf("Metrics server error: %v", err)
//	    }
//	}()
//	defer server.Stop()
//
//	// Record core work-cell metrics
//	registry.Core.RecordTubeScanned(0)
//	registry.Core.RecordTubeSorted(3, "pcr-1")
//	registry.Core.RecordIterationDuration("sorting", elapsed)
//
// # Core Metrics
//
// All core metrics use the namespace "tubesort":
//
//   - tubesort_component_status{component} - lifecycle state per component
//   - tubesort_tubes_scanned_total{pallet} - tubes read off source pallets
//   - tubesort_tubes_sorted_total{rack,test_type} - tubes placed into racks
//   - tubesort_tubes_skipped_total{reason} - tubes skipped during sorting
//   - tubesort_protocol_iteration_duration_seconds{kind} - iteration timing
//   - tubesort_protocol_timeouts_total{operation} - register waits that expired
//   - tubesort_cycles_total - completed scan-sort cycles
//   - tubesort_racks_fill{rack} - current fill per destination rack
//   - tubesort_resolver_requests_total{result} - LIS lookups by outcome
//   - tubesort_operator_pauses_total - pauses acted on at a checkpoint
//
// # Component-Specific Metrics
//
// Components register custom metrics through the Registrar interface, which
// enables testing with mock registrars:
//
//	counter := prometheus.NewCounter(prometheus.CounterOpts{
//	    Name: "scanner_reconnects_total",
//	    Help: "Scanner reconnect attempts",
//	})
//	err := registry.RegisterCounter("scanner", "scanner_reconnects_total", counter)
//
// Duplicate registrations are rejected rather than silently replaced. All
// registry operations are safe for concurrent use.
//
// # Embedding
//
// Handler returns a bare http.Handler for mounting the metrics endpoint
// inside another server (the status gateway does this) instead of running
// the standalone Server.
package metric
