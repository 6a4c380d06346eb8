// Package store provides durable SQLite storage for documents and their
// operation logs.
//
// The store is the persistence collaborator behind the coordinator: every
// accepted operation is appended to the log, and snapshots are written
// periodically so recovery never replays the full history. Loading a
// document reads the latest snapshot and replays the operations accepted
// after it.
//
// All writes are idempotent. An operation is keyed by (doc_id, revision);
// re-appending after a crash or a persistence retry is a no-op. SQLite runs
// in WAL mode with a single writer connection, which matches the
// coordinator's single-writer discipline.
package store
