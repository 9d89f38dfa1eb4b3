package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/hardening/instrumentation"
	"github.com/giantswarm/hardening/storage"
)

const (
	// backendName is reported in storage metrics
	backendName = "memory"

	// DefaultCleanupInterval is how often expired counter windows are dropped
	DefaultCleanupInterval = time.Minute
)

// counterWindow is one fixed window of a WindowCounter key
type counterWindow struct {
	count    int64
	resetsAt time.Time
}

// Store is an in-memory implementation of KeyValueStore and WindowCounter.
type Store struct {
	mu sync.RWMutex

	values   map[string]string
	counters map[string]*counterWindow

	// maxBytes limits the summed size of keys and values (0 = unlimited)
	maxBytes  int
	usedBytes int

	clock           func() time.Time
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks
var (
	_ storage.KeyValueStore = (*Store)(nil)
	_ storage.WindowCounter = (*Store)(nil)
)

// New creates a new in-memory store without a quota and with the default cleanup interval.
func New() *Store {
	return NewWithQuota(0)
}

// NewWithQuota creates a new in-memory store whose keys and values may occupy
// at most maxBytes bytes. Writes beyond the quota fail with storage.ErrQuotaExceeded.
// A maxBytes of 0 or less means unlimited.
func NewWithQuota(maxBytes int) *Store {
	if maxBytes < 0 {
		maxBytes = 0
	}

	s := &Store{
		values:          make(map[string]string),
		counters:        make(map[string]*counterWindow),
		maxBytes:        maxBytes,
		clock:           time.Now,
		logger:          slog.Default(),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source used for counter windows (for testing)
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// Get returns the value stored under key, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	ctx, span := s.startStorageSpan(ctx, "get")
	defer span.End()
	startTime := time.Now()

	s.mu.RLock()
	value, ok := s.values[key]
	s.mu.RUnlock()

	var err error
	if !ok {
		err = storage.ErrNotFound
	}
	s.recordStorageOperation(ctx, span, "get", err, startTime)
	return value, err
}

// Set stores value under key, enforcing the byte quota.
func (s *Store) Set(ctx context.Context, key, value string) error {
	ctx, span := s.startStorageSpan(ctx, "set")
	defer span.End()
	startTime := time.Now()

	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "set", err, startTime)
	}()

	if key == "" {
		err = fmt.Errorf("key cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.usedBytes
	if old, exists := s.values[key]; exists {
		used -= len(key) + len(old)
	}
	used += len(key) + len(value)

	if s.maxBytes > 0 && used > s.maxBytes {
		err = fmt.Errorf("%w: %d bytes requested, %d allowed", storage.ErrQuotaExceeded, used, s.maxBytes)
		return err
	}

	s.values[key] = value
	s.usedBytes = used
	return nil
}

// Delete removes key. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, span := s.startStorageSpan(ctx, "delete")
	defer span.End()
	startTime := time.Now()

	s.mu.Lock()
	if old, exists := s.values[key]; exists {
		s.usedBytes -= len(key) + len(old)
		delete(s.values, key)
	}
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "delete", nil, startTime)
	return nil
}

// Increment implements storage.WindowCounter with fixed windows.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ctx, span := s.startStorageSpan(ctx, "increment")
	defer span.End()
	startTime := time.Now()

	if window <= 0 {
		err := fmt.Errorf("window must be positive, got %s", window)
		s.recordStorageOperation(ctx, span, "increment", err, startTime)
		return 0, 0, err
	}

	s.mu.Lock()
	now := s.clock()
	w, ok := s.counters[key]
	if !ok || !now.Before(w.resetsAt) {
		w = &counterWindow{resetsAt: now.Add(window)}
		s.counters[key] = w
	}
	w.count++
	count, resetIn := w.count, w.resetsAt.Sub(now)
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "increment", nil, startTime)
	return count, resetIn, nil
}

// Len returns the number of stored key/value pairs
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// UsedBytes returns the bytes counted against the quota
func (s *Store) UsedBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usedBytes
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops counter windows that already ended
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	cleaned := 0
	for key, w := range s.counters {
		if !now.Before(w.resetsAt) {
			delete(s.counters, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired counter windows",
			"count", cleaned,
			"remaining", len(s.counters))
	}
}

// startStorageSpan starts a span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()

	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := tracer.Start(ctx, fmt.Sprintf("storage.%s", operation))
	instrumentation.AddStorageAttributes(span, operation, backendName)
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status.
// A missing key is a normal outcome, not an error.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()

	if inst == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
	result := "success"
	switch {
	case err == nil:
		instrumentation.SetSpanSuccess(span)
	case err == storage.ErrNotFound:
		result = "not_found"
		instrumentation.SetSpanSuccess(span)
	default:
		result = "error"
		instrumentation.RecordError(span, err)
	}

	inst.Metrics().RecordStorageOperation(ctx, backendName, operation, result, durationMs)
}
