// Package redis provides a Redis storage backend built on go-redis.
//
// It implements [storage.KeyValueStore] and [storage.WindowCounter] over any
// [redis.UniversalClient], so single nodes, Sentinel and Cluster deployments
// are all supported. Window counters use INCR with an expiry set on the first
// hit, executed atomically by [storage.IncrementWindowScript].
//
// Key schema:
//
//	{prefix}kv:{key}   -> value (no TTL)
//	{prefix}rl:{key}   -> hit count (TTL = window)
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/hardening/internal/util"
	"github.com/giantswarm/hardening/storage"
)

// DefaultKeyPrefix is the default prefix for all Redis keys
const DefaultKeyPrefix = "hardening:"

// keyLogLength is the number of characters to include when logging keys
const keyLogLength = 24

// ErrUnavailable wraps every transport or server error returned by the store.
var ErrUnavailable = errors.New("redis unavailable")

var incrementWindow = redis.NewScript(storage.IncrementWindowScript)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// KeyPrefix is the prefix for all keys (default "hardening:")
	KeyPrefix string

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of KeyValueStore and WindowCounter.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.KeyValueStore = (*Store)(nil)
	_ storage.WindowCounter = (*Store)(nil)
)

// New creates a Store backed by the given Redis client.
// The caller owns the client and is responsible for closing it.
func New(client redis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Ping verifies the connection to the server.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) kvKey(key string) string {
	return s.prefix + "kv:" + key
}

func (s *Store) counterKey(key string) string {
	return s.prefix + "rl:" + key
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, s.kvKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return value, nil
}

// Set stores value under key without expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	if err := s.client.Set(ctx, s.kvKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.logger.Debug("Stored value", "key", util.SafeTruncate(key, keyLogLength), "size", len(value))
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.kvKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Increment counts a hit for key in a fixed window of the given length.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		return 0, 0, fmt.Errorf("window must be positive, got %s", window)
	}

	result, err := incrementWindow.Run(ctx, s.client, []string{s.counterKey(key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(result) != 2 {
		return 0, 0, fmt.Errorf("unexpected increment result length %d", len(result))
	}

	return result[0], time.Duration(result[1]) * time.Millisecond, nil
}
