// Package store provides SQLite-backed durable storage for the VGOmini
// settlement pipeline.
//
// The store holds four append-or-replace structures, all keyed by window:
//   - Ingress: the append-only ingestion ledger (never evicted)
//   - Artifacts: one persisted output per stage key, with its input signature
//   - Transcript: append-only reason-coded notes, one stream per stage
//   - Writer leases: the cooperative single-writer token per window
//
// # Ordering
//
// All reads are ORDER BY seq ASC. seq is a logical clock assigned by the
// store, never a wall-clock timestamp, so replays see identical order.
//
// # Ownership
//
// Each stage writes only its own artifact keys. PutArtifact replaces the row
// wholesale and bumps its revision; there is no merge.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
