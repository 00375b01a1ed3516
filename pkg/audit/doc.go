// Package audit defines the durable audit vocabulary of the change engine.
//
// An Entry records one fact about one attempt at one change unit. Entries are
// append-only and accumulate across every run against the same audit store.
// Reconcile folds an arbitrary sequence of entries into a Snapshot holding the
// single most relevant entry per change id, independent of read order.
//
// A Mark is a lightweight "operation in progress" marker written before a
// risky apply or rollback and cleared once its outcome is recorded. Marks are
// kept per target system through the Marker interface; NoopMarker is a valid
// implementation for target systems that accept the risk of undetected
// mid-operation crashes.
package audit
