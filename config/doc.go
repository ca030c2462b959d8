// Package config loads and validates the work-cell configuration.
//
// Configuration is read once at startup from a YAML file layered over
// built-in defaults, then frozen. There is no runtime reload: the cell's
// physical layout does not change while the coordinator runs.
//
// # Sections
//
// Config groups one section per subsystem: the sorting robot and its
// handshake timing, the TCP barcode scanner, the LIS lookup endpoint, the
// pallet and rack layout, and the optional NATS, gateway, audit and
// metrics services. Each section validates itself and reports failures as
// invalid-configuration errors.
//
// # Basic Usage
//
//	cfg, err := config.Load("configs/tubesort.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// An empty path loads the defaults, which still fail validation until the
// robot, scanner and LIS endpoints are set.
//
// # Environment Overrides
//
// Deployment environments override endpoints without editing the file:
//
//	TUBESORT_ROBOT_ADDRESS    robot controller host:port
//	TUBESORT_SCANNER_ADDRESS  barcode scanner host:port
//	TUBESORT_LIS_URL          LIS API base URL
//	TUBESORT_LIS_API_KEY      LIS bearer token
//	TUBESORT_NATS_URL         event bus URL
//	TUBESORT_GATEWAY_ADDRESS  HTTP gateway listen address
//	TUBESORT_METRICS_ADDRESS  Prometheus listen address
//	TUBESORT_AUDIT_PATH       SQLite audit file path
//
// # Durations
//
// Duration fields accept Go duration strings ("100ms", "1m30s") or bare
// integers interpreted as nanoseconds.
package config
