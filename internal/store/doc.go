// Package store provides SQLite-backed durable storage for the replication
// core: version and KML rows, max-tick, knowledge vectors, immigrant
// linkage, Bloom filters, the collector queue, aliases and the object
// tables that reference OIDs.
//
// # Critical Patterns
//
// Single writer:
//   - One connection, one transaction at a time
//   - Every mutation runs inside Update; reads that must agree with each
//     other run inside View
//
// Zero-row invariant:
//   - No version, max-tick, knowledge or immigrant row ever holds tick 0
//   - Enforced twice: Invariant errors before the SQL, CHECK constraints in it
//
// Corruption:
//   - Any SQL failure inside a transaction is returned as a CORRUPTION
//     error and the transaction rolls back
//
// Deterministic reads:
//   - Multi-row queries ORDER BY their primary key so gossip batches and
//     golden snapshots are reproducible
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Schema changes are applied by an ordered list of migrations whose
// position is persisted in PRAGMA user_version.
package store
