// package repositories provides the persistence layer for durable state.
//
// The audit repository implements [hsm.AuditSink] so cryptographic operations
// can be journaled to SQLite in addition to the in-memory ring buffer.
package repositories
