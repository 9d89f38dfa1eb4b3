// Package memory provides an in-memory implementation of the storage interfaces.
//
// The Store implements KeyValueStore and WindowCounter using Go's built-in maps
// with mutex protection for thread safety. It models the session-scoped store
// (one Store per process or per session) and is suitable for development,
// testing, and single-instance deployments where persistence is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Optional byte quota that makes writes fail with storage.ErrQuotaExceeded,
//     the way browser storage rejects writes once it is full
//   - Background cleanup of expired counter windows
//   - Storage metrics and spans via SetInstrumentation
//
// For durable or multi-instance deployments use storage/sqlite, storage/redis
// or storage/valkey instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	csrf := security.NewCSRFManager(store, logger)
package memory
