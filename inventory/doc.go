// Package inventory tracks the physical working set of the sorting cell:
// which tubes sit in the source pallets, what the LIS said about each of
// them, and how full every destination rack is.
//
// The Model is the single source of truth for tube placement. The cycle
// orchestrator is its only writer; the operator console and the HTTP
// gateway read through Snapshot, which copies everything under the lock.
//
// Destination racks fill front to back. A rack past its replacement
// target still accepts tubes until it hits the hard maximum, but racks
// below target are always preferred so that replacements line up with the
// configured batch size.
package inventory
