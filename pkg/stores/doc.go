// Package stores provides the SQLite persistence layer for changeflow.
//
// A SQLiteStore holds the append-only audit trail, ongoing-operation marks,
// run leases and run summaries. It uses WAL mode so that lease checks keep
// working while a change unit holds a write transaction on the same file.
// The schema is managed with embedded golang-migrate migrations.
//
// The store satisfies engine.AuditStore. Marks are exposed through
// SQLMarker, which also works on target databases that do not host the
// audit store, and the run lock through Lease, which satisfies both
// engine.Locker and engine.Guard.
package stores
