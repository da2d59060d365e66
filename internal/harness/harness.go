// Package harness provides fake Replicator and LockManager implementations
// for tests: a single-node stand-in for the consensus layer a
// real deployment would plug in, backed by pkg/wal for a durable marker
// log, plus a per-key lock manager with no consensus concerns at all.
package harness
