// Package tubesort coordinates an automated tube-sorting work cell: a
// sorting robot driven over a register handshake, a bench barcode
// scanner, the laboratory information system (LIS) that knows which
// tests each sample is for, and the pallets and racks between them.
//
// # The Cell
//
// The coordinator owns one loop. Each cycle scans a pallet of tubes,
// asks the LIS what every barcode is for, assigns each tube to a
// destination rack, and hands the robot a sorting plan through numbered
// registers. The robot reports back through the same registers when the
// plan is done.
//
//	┌───────────┐   TCP    ┌─────────────────────────┐  registers ┌─────────┐
//	│  Barcode  │─────────►│                         │───────────►│  Robot  │
//	│  Scanner  │          │       Coordinator       │◄───────────│ Control │
//	└───────────┘          │  scan → resolve → sort  │            └─────────┘
//	┌───────────┐  HTTPS   │                         │
//	│    LIS    │◄────────►│   inventory · operator  │
//	└───────────┘          └───────┬─────────┬───────┘
//	                               │         │
//	                        NATS events   SQLite audit
//	                               │
//	                     HTTP/websocket gateway
//
// One goroutine runs the cycle. Everything that must not block it, such
// as event publishing, audit writes and dashboard fan-out, happens on
// the other side of a bounded queue or a read-only snapshot.
//
// # Architecture
//
// The daemon is wired in three layers:
//
//	┌─────────────────────────────────────┐
//	│        component.Manager            │  Ordered start/stop,
//	│   (start, stop, health, signals)    │  drain on shutdown
//	└─────────────────────────────────────┘
//	           ↓ manages
//	┌─────────────────────────────────────┐
//	│        Cell components              │  Orchestrator, gateway,
//	│ (orchestrator, gateway, publisher)  │  event publisher
//	└─────────────────────────────────────┘
//	           ↓ built on
//	┌─────────────────────────────────────┐
//	│        Device and lab edges         │  Robot registers, scanner
//	│ (protocol, scanner, resolver, LIS)  │  TCP, LIS REST client
//	└─────────────────────────────────────┘
//
// State lives in exactly one place. The inventory model is written only
// by the coordination goroutine; readers get copies through Snapshot.
// The operator console flips pause/stop signals that the loop observes
// at its own checkpoints. History that must survive a restart goes to
// the SQLite audit trail, not to memory.
//
// # Packages
//
// Coordination core:
//   - orchestrator: the cycle loop over scan, resolve, sort and wait
//   - inventory: tube and rack working set, the single source of truth
//   - operator: pause, resume and stop signals from the bench console
//   - protocol: register handshake engine and controller simulator
//
// Lab and device edges:
//   - device: capability interfaces of the cell hardware
//   - scanner: TCP client for the bench barcode scanner
//   - resolver: LIS REST client with caching and rate limiting
//
// Record and broadcast:
//   - audit: durable placement and cycle trail in SQLite
//   - events: fire-and-forget cell events on the NATS bus
//   - gateway: REST, websocket, health and metrics surface
//
// Infrastructure:
//   - component: lifecycle contract and ordered start/stop manager
//   - config: YAML configuration with env overrides and validation
//   - natsclient: NATS connection management
//   - metric: Prometheus metrics
//   - errors: classified error handling
//   - health: liveness and readiness checks
//
// Utilities:
//   - pkg/buffer: fixed-capacity ring for event replay
//   - pkg/cache: TTL cache for slow lookups
//   - pkg/retry: retry policies with backoff
//   - pkg/worker: bounded worker pools
//   - pkg/tlsutil: client TLS configuration
//
// # Binaries
//
// Run the cell against simulated hardware:
//
//	# Stand-in LIS answering the lookup endpoint
//	./bin/lissim --addr :9090
//
//	# Coordinator with the built-in controller simulator
//	./bin/tubesort --config configs/tubesort.yaml
//
// The daemon serves its status surface on the gateway address from the
// configuration: /api/status and /api/racks for dashboards, /ws for the
// live stream, /healthz and /metrics for operations.
package tubesort
