// Package store provides the SQLite-backed durable state for driftline.
//
// One file, one writer. The database runs in WAL mode with a single
// connection so the journey engine, broadcast runners, and the compute
// step never contend on SQLITE_BUSY. Correctness across replays relies on
// idempotent writes (content-addressed keys with ON CONFLICT DO NOTHING)
// and monotonic-version acceptance for assignment upserts, not on
// cross-instance locking.
package store
