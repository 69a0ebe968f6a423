// Package checkpoint persists serialized workflow state keyed by thread id so
// that a suspended execution can be resumed by the same process or by another
// one sharing the store.
//
// Backends: in-memory, SQLite (modernc), MySQL, PostgreSQL (pgx), Redis and a
// NATS JetStream key-value bucket. All of them store the state as an opaque
// JSON document; the engine owns encoding.
package checkpoint
