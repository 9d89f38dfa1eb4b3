package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/hardening/internal/util"
	"github.com/giantswarm/hardening/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "hardening:"

	// keyLogLength is the number of characters to include when logging keys
	keyLogLength = 24

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxValueSize is the maximum size of a stored value (1MB)
	MaxValueSize = 1 << 20
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "hardening:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of KeyValueStore and WindowCounter.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.KeyValueStore = (*Store)(nil)
	_ storage.WindowCounter = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// kvKey returns the key for a stored value: {prefix}kv:{key}
func (s *Store) kvKey(key string) string {
	return fmt.Sprintf("%skv:%s", s.prefix, key)
}

// counterKey returns the key for a window counter: {prefix}rl:{key}
func (s *Store) counterKey(key string) string {
	return fmt.Sprintf("%srl:%s", s.prefix, key)
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.kvKey(key)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("failed to get value: %w", err)
	}
	return data, nil
}

// Set stores value under key without expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: value of %d bytes exceeds %d", storage.ErrQuotaExceeded, len(value), MaxValueSize)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.kvKey(key)).Value(value).Build()).Error(); err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}

	s.logger.Debug("Stored value", "key", util.SafeTruncate(key, keyLogLength), "size", len(value))
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.kvKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete value: %w", err)
	}
	return nil
}

// Increment counts a hit for key in a fixed window of the given length.
// The counter and its expiry are updated atomically via a Lua script.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		return 0, 0, fmt.Errorf("window must be positive, got %s", window)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(storage.IncrementWindowScript).
			Numkeys(1).
			Key(s.counterKey(key)).
			Arg(strconv.FormatInt(window.Milliseconds(), 10)).
			Build(),
	).AsIntSlice()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment window counter: %w", err)
	}
	if len(result) != 2 {
		return 0, 0, fmt.Errorf("unexpected increment result length %d", len(result))
	}

	return result[0], time.Duration(result[1]) * time.Millisecond, nil
}

// isNilError reports whether err is the Valkey nil reply
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
