package security

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/giantswarm/hardening/instrumentation"
	"github.com/giantswarm/hardening/storage"
)

const (
	// DefaultRateLimitKey is used when Check is called with an empty key,
	// for callers tracking a single global quota.
	DefaultRateLimitKey = "default"

	// DefaultCleanupInterval is how often LimiterSet drops expired windows
	DefaultCleanupInterval = 5 * time.Minute

	// persistenceReportInterval throttles reports of a failing shared backend
	persistenceReportInterval = time.Minute
)

// Rate limit purposes configured by DefaultRateLimitConfigs.
const (
	PurposeAPI      = "api"
	PurposeLogin    = "login"
	PurposeMessages = "messages"
	PurposeUploads  = "uploads"
)

// RateLimitConfig configures one limiter purpose.
type RateLimitConfig struct {
	// Window is the fixed window duration
	Window time.Duration

	// MaxRequests is the quota per key per window
	MaxRequests int

	// Message is the human-readable denial reason returned with denied results
	Message string

	// Severity classifies rate_limit events recorded on denial (default: medium)
	Severity Severity
}

// Validate checks that the window and quota are positive
func (c RateLimitConfig) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("max requests must be positive, got %d", c.MaxRequests)
	}
	if c.Severity != "" && !c.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", c.Severity)
	}
	return nil
}

// DefaultRateLimitConfigs returns the standard purposes: api, login, messages and uploads.
func DefaultRateLimitConfigs() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		PurposeAPI: {
			Window:      time.Minute,
			MaxRequests: 100,
			Message:     "Too many API requests. Please try again later.",
			Severity:    SeverityMedium,
		},
		PurposeLogin: {
			Window:      15 * time.Minute,
			MaxRequests: 5,
			Message:     "Too many login attempts. Please try again in 15 minutes.",
			Severity:    SeverityHigh,
		},
		PurposeMessages: {
			Window:      time.Minute,
			MaxRequests: 30,
			Message:     "You are sending messages too quickly. Please slow down.",
			Severity:    SeverityMedium,
		},
		PurposeUploads: {
			Window:      time.Hour,
			MaxRequests: 10,
			Message:     "Upload limit reached. Please try again later.",
			Severity:    SeverityMedium,
		},
	}
}

// RateLimitResult is the outcome of a Check. A denial is a normal result, not an error.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
	Message   string
}

// windowState tracks one key's current fixed window
type windowState struct {
	count     int
	resetTime time.Time
}

// FixedWindowLimiter counts requests per key in fixed windows.
// It is safe for concurrent use.
type FixedWindowLimiter struct {
	name string
	cfg  RateLimitConfig

	mu      sync.Mutex
	windows map[string]*windowState
	clock   func() time.Time

	logger   *slog.Logger
	recorder Recorder
	counter  storage.WindowCounter

	// fallbackReport limits how often a failing counter backend is reported
	fallbackReport rate.Sometimes

	metrics      *instrumentation.Metrics
	registration metric.Registration

	// Statistics
	totalDenied   int64
	totalCleanups int64
	totalFallback int64
}

// NewFixedWindowLimiter creates a limiter for the named purpose.
func NewFixedWindowLimiter(name string, cfg RateLimitConfig, logger *slog.Logger) (*FixedWindowLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config for %q: %w", name, err)
	}
	if cfg.Severity == "" {
		cfg.Severity = SeverityMedium
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &FixedWindowLimiter{
		name:           name,
		cfg:            cfg,
		windows:        make(map[string]*windowState),
		clock:          time.Now,
		logger:         logger,
		recorder:       nopRecorder{},
		fallbackReport: rate.Sometimes{First: 1, Interval: persistenceReportInterval},
	}, nil
}

// Name returns the limiter purpose
func (l *FixedWindowLimiter) Name() string {
	return l.name
}

// Config returns the limiter configuration
func (l *FixedWindowLimiter) Config() RateLimitConfig {
	return l.cfg
}

// SetClock replaces the time source (for testing)
func (l *FixedWindowLimiter) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// SetRecorder sets where rate_limit events are recorded on denial
func (l *FixedWindowLimiter) SetRecorder(recorder Recorder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if recorder == nil {
		recorder = nopRecorder{}
	}
	l.recorder = recorder
}

// SetCounter makes the limiter count in a shared backend, so several processes
// enforce one quota. When the backend fails the limiter falls back to its
// in-memory windows for that call.
func (l *FixedWindowLimiter) SetCounter(counter storage.WindowCounter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter = counter
}

// SetInstrumentation enables metrics for this limiter
func (l *FixedWindowLimiter) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	if inst == nil {
		return nil
	}

	reg, err := inst.RegisterRateLimiterCallback(l.name, func() int64 {
		l.mu.Lock()
		defer l.mu.Unlock()
		return int64(len(l.windows))
	})
	if err != nil {
		return fmt.Errorf("failed to register rate limiter gauge: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.registration != nil {
		_ = l.registration.Unregister()
	}
	l.metrics = inst.Metrics()
	l.registration = reg
	return nil
}

// Check counts a request for key and reports whether it is allowed.
// An empty key is tracked as DefaultRateLimitKey.
func (l *FixedWindowLimiter) Check(ctx context.Context, key string) RateLimitResult {
	if key == "" {
		key = DefaultRateLimitKey
	}

	l.mu.Lock()
	counter := l.counter
	metrics := l.metrics
	recorder := l.recorder
	l.mu.Unlock()

	var result RateLimitResult
	shared := false
	if counter != nil {
		var err error
		result, err = l.checkShared(ctx, counter, key)
		if err == nil {
			shared = true
		} else {
			l.reportFallback(ctx, metrics, err)
		}
	}
	if !shared {
		result = l.checkLocal(key)
	}

	metrics.RecordRateLimitCheck(ctx, l.name, result.Allowed)

	if !result.Allowed {
		result.Message = l.cfg.Message
		l.onDenied(ctx, recorder, metrics, key, result)
	}

	return result
}

// checkLocal applies the fixed-window algorithm to the in-memory windows.
// The read-modify-write happens under one lock.
func (l *FixedWindowLimiter) checkLocal(key string) RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	w, exists := l.windows[key]

	if !exists || now.After(w.resetTime) {
		l.windows[key] = &windowState{
			count:     1,
			resetTime: now.Add(l.cfg.Window),
		}
		return RateLimitResult{
			Allowed:   true,
			Remaining: l.cfg.MaxRequests - 1,
			ResetIn:   l.cfg.Window,
		}
	}

	if w.count >= l.cfg.MaxRequests {
		l.totalDenied++
		return RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			ResetIn:   w.resetTime.Sub(now),
		}
	}

	w.count++
	return RateLimitResult{
		Allowed:   true,
		Remaining: l.cfg.MaxRequests - w.count,
		ResetIn:   w.resetTime.Sub(now),
	}
}

// checkShared counts in the shared backend. The backend keeps counting past the
// quota, so every call beyond MaxRequests is denied until the window ends.
func (l *FixedWindowLimiter) checkShared(ctx context.Context, counter storage.WindowCounter, key string) (RateLimitResult, error) {
	count, resetIn, err := counter.Increment(ctx, l.name+":"+key, l.cfg.Window)
	if err != nil {
		return RateLimitResult{}, err
	}

	if count > int64(l.cfg.MaxRequests) {
		l.mu.Lock()
		l.totalDenied++
		l.mu.Unlock()
		return RateLimitResult{Allowed: false, Remaining: 0, ResetIn: resetIn}, nil
	}

	return RateLimitResult{
		Allowed:   true,
		Remaining: l.cfg.MaxRequests - int(count),
		ResetIn:   resetIn,
	}, nil
}

func (l *FixedWindowLimiter) reportFallback(ctx context.Context, metrics *instrumentation.Metrics, err error) {
	l.mu.Lock()
	l.totalFallback++
	l.mu.Unlock()

	metrics.RecordPersistenceError(ctx, "rate_limiter")
	l.fallbackReport.Do(func() {
		l.logger.Info("Rate limit backend unavailable, counting in memory",
			"limiter", l.name,
			"error", err)
	})
}

func (l *FixedWindowLimiter) onDenied(ctx context.Context, recorder Recorder, metrics *instrumentation.Metrics, key string, result RateLimitResult) {
	metrics.RecordRateLimitExceeded(ctx, l.name)

	details := map[string]any{
		"limiter":      l.name,
		"key_hash":     hashForLogging(key),
		"max_requests": l.cfg.MaxRequests,
		"reset_in_ms":  result.ResetIn.Milliseconds(),
	}

	recorder.Record(ctx, Event{
		Type:     EventRateLimit,
		Severity: l.cfg.Severity,
		Details:  eventDetails(ctx, details),
	})
}

// Cleanup drops windows that have already ended and returns how many were removed.
// A dropped window would be replaced on its next Check anyway, so results are unchanged.
func (l *FixedWindowLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	removed := 0
	for key, w := range l.windows {
		if now.After(w.resetTime) {
			delete(l.windows, key)
			removed++
		}
	}

	if removed > 0 {
		l.totalCleanups++
		l.logger.Debug("Rate limiter cleanup completed",
			"limiter", l.name,
			"removed", removed,
			"remaining", len(l.windows),
			"total_cleanups", l.totalCleanups)
	}
	return removed
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	Purpose        string // Limiter purpose
	ActiveWindows  int    // Keys with an in-memory window
	TotalDenied    int64  // Denied checks since creation
	TotalCleanups  int64  // Cleanup runs that removed at least one window
	TotalFallbacks int64  // Checks that fell back from the shared backend to memory
}

// Stats returns current statistics
func (l *FixedWindowLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Purpose:        l.name,
		ActiveWindows:  len(l.windows),
		TotalDenied:    l.totalDenied,
		TotalCleanups:  l.totalCleanups,
		TotalFallbacks: l.totalFallback,
	}
}

// close unregisters metric callbacks
func (l *FixedWindowLimiter) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.registration != nil {
		_ = l.registration.Unregister()
		l.registration = nil
	}
}

// LimiterSet builds one independent limiter per purpose. Purposes never share
// windows, even for identical keys.
type LimiterSet struct {
	limiters map[string]*FixedWindowLimiter
	logger   *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
	startOnce   sync.Once
}

// NewLimiterSet creates a limiter for every entry of configs.
func NewLimiterSet(configs map[string]RateLimitConfig, logger *slog.Logger) (*LimiterSet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("at least one rate limit purpose is required")
	}

	s := &LimiterSet{
		limiters:    make(map[string]*FixedWindowLimiter, len(configs)),
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}
	for purpose, cfg := range configs {
		if purpose == "" {
			return nil, fmt.Errorf("rate limit purpose cannot be empty")
		}
		l, err := NewFixedWindowLimiter(purpose, cfg, logger)
		if err != nil {
			return nil, err
		}
		s.limiters[purpose] = l
	}
	return s, nil
}

// Limiter returns the limiter for purpose, or nil if none is configured
func (s *LimiterSet) Limiter(purpose string) *FixedWindowLimiter {
	return s.limiters[purpose]
}

// Purposes returns the configured purposes in sorted order
func (s *LimiterSet) Purposes() []string {
	purposes := make([]string, 0, len(s.limiters))
	for p := range s.limiters {
		purposes = append(purposes, p)
	}
	sort.Strings(purposes)
	return purposes
}

// Check runs the purpose's limiter for key. The error is only non-nil for an
// unconfigured purpose.
func (s *LimiterSet) Check(ctx context.Context, purpose, key string) (RateLimitResult, error) {
	l, ok := s.limiters[purpose]
	if !ok {
		return RateLimitResult{}, fmt.Errorf("%w: %q", ErrUnknownPurpose, purpose)
	}
	return l.Check(ctx, key), nil
}

// SetRecorder sets the recorder on every limiter
func (s *LimiterSet) SetRecorder(recorder Recorder) {
	for _, l := range s.limiters {
		l.SetRecorder(recorder)
	}
}

// SetCounter sets the shared counter backend on every limiter
func (s *LimiterSet) SetCounter(counter storage.WindowCounter) {
	for _, l := range s.limiters {
		l.SetCounter(counter)
	}
}

// SetClock sets the time source on every limiter (for testing)
func (s *LimiterSet) SetClock(clock func() time.Time) {
	for _, l := range s.limiters {
		l.SetClock(clock)
	}
}

// SetInstrumentation enables metrics on every limiter
func (s *LimiterSet) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	for _, l := range s.limiters {
		if err := l.SetInstrumentation(inst); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup drops expired windows of every limiter and returns the total removed
func (s *LimiterSet) Cleanup() int {
	removed := 0
	for _, l := range s.limiters {
		removed += l.Cleanup()
	}
	return removed
}

// Stats returns statistics for every limiter, sorted by purpose
func (s *LimiterSet) Stats() []Stats {
	stats := make([]Stats, 0, len(s.limiters))
	for _, p := range s.Purposes() {
		stats = append(stats, s.limiters[p].Stats())
	}
	return stats
}

// StartCleanup starts a background goroutine that calls Cleanup every interval.
// It is a no-op after the first call. A non-positive interval uses DefaultCleanupInterval.
func (s *LimiterSet) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	s.startOnce.Do(func() {
		go s.cleanupLoop(interval)
	})
}

func (s *LimiterSet) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine and unregisters metric callbacks.
// It is safe to call more than once.
func (s *LimiterSet) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
		for _, l := range s.limiters {
			l.close()
		}
	})
}
