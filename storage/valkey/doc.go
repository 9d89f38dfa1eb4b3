// Package valkey provides a Valkey storage backend for the hardening library.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// Use this backend when several processes must share rate limit windows, or
// when CSRF tokens and the audit log must outlive a single process.
//
// # Implemented Interfaces
//
//   - [storage.KeyValueStore]: CSRF tokens, the audit log and caller payloads
//   - [storage.WindowCounter]: fixed-window rate limit counters
//
// # Key Schema
//
// All keys use a configurable prefix (default "hardening:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}kv:{key}   -> value (no TTL)
//	{prefix}rl:{key}   -> hit count (TTL = window)
//
// # Atomic Operations
//
// Increment runs [storage.IncrementWindowScript] so the counter and its expiry
// are updated in a single round trip. Concurrent callers in different
// processes never observe the same count.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "notes:",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	limiters.SetCounter(store)
//
// # Testing
//
// Integration tests connect to VALKEY_TEST_ADDR (default localhost:6379) and are
// skipped when no server is reachable.
package valkey
