// Package storage defines the persistence collaborators used by the hardening library.
//
// The storage package defines the interfaces consumed by the security components:
//   - KeyValueStore: string values under string keys (CSRF tokens, the audit log,
//     encrypted payloads kept by callers)
//   - WindowCounter: fixed-window counters shared between processes for rate limiting
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for session scope, development and testing
//   - storage/sqlite: Durable local storage in a single SQLite file
//   - storage/redis: Redis storage via go-redis for multi-instance deployments
//   - storage/valkey: Valkey storage via valkey-go for multi-instance deployments
package storage
