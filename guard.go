package hardening

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/hardening/instrumentation"
	"github.com/giantswarm/hardening/security"
	"github.com/giantswarm/hardening/storage"
	"github.com/giantswarm/hardening/storage/memory"
	redisstore "github.com/giantswarm/hardening/storage/redis"
	"github.com/giantswarm/hardening/storage/sqlite"
	"github.com/giantswarm/hardening/storage/valkey"
)

// connectTimeout bounds the initial backend ping
const connectTimeout = 5 * time.Second

// csrfKeyPrefix namespaces CSRF tokens per session inside the session store
const csrfKeyPrefix = "csrf:"

// Stores are the storage collaborators of a Guard.
type Stores struct {
	// Sessions backs per-session CSRF tokens (default: a new memory store)
	Sessions storage.KeyValueStore

	// Durable backs the audit log and caller payloads (default: Sessions)
	Durable storage.KeyValueStore

	// Counter shares rate limit windows between processes (nil: process memory)
	Counter storage.WindowCounter
}

// counterPurger is implemented by backends that keep expired counters around
type counterPurger interface {
	PurgeExpiredCounters(ctx context.Context) (int64, error)
}

// Guard wires the rate limiters, CSRF managers, encryption engine and audit
// log to one configuration and one set of stores.
type Guard struct {
	config Config
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	limiters        *security.LimiterSet
	engine          *security.EncryptionEngine
	audit           *security.AuditLog

	sessions storage.KeyValueStore
	durable  storage.KeyValueStore
	counter  storage.WindowCounter

	ipResolver security.ClientIPResolver
	headers    security.HeaderPolicy

	mu   sync.Mutex
	csrf map[string]*security.CSRFManager

	closers   []func() error
	stopPurge chan struct{}
	purgeDone chan struct{}
	closeOnce sync.Once
}

// New creates a Guard whose stores are opened from cfg.Storage.
func New(cfg Config) (*Guard, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	inst, err := instrumentation.New(cfg.Instrumentation.toInstrumentation())
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	stores, closers, err := openStores(cfg, inst)
	if err != nil {
		_ = inst.Shutdown(context.Background())
		return nil, err
	}

	g, err := newGuard(cfg, inst, stores, closers)
	if err != nil {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		_ = inst.Shutdown(context.Background())
		return nil, err
	}
	return g, nil
}

// NewWithStores creates a Guard over caller-provided stores.
// cfg.Storage is ignored; the caller owns the stores and closes them.
func NewWithStores(cfg Config, stores Stores) (*Guard, error) {
	cfg.Storage = StorageConfig{Backend: BackendMemory}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	inst, err := instrumentation.New(cfg.Instrumentation.toInstrumentation())
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	var closers []func() error
	if stores.Sessions == nil {
		m := memory.New()
		m.SetLogger(cfg.Logger)
		m.SetInstrumentation(inst)
		stores.Sessions = m
		closers = append(closers, func() error { m.Stop(); return nil })
	}
	if stores.Durable == nil {
		stores.Durable = stores.Sessions
	}

	g, err := newGuard(cfg, inst, stores, closers)
	if err != nil {
		_ = inst.Shutdown(context.Background())
		return nil, err
	}
	return g, nil
}

func newGuard(cfg Config, inst *instrumentation.Instrumentation, stores Stores, closers []func() error) (*Guard, error) {
	logger := cfg.Logger

	rateLimits, err := cfg.securityRateLimits()
	if err != nil {
		return nil, err
	}
	limiters, err := security.NewLimiterSet(rateLimits, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiters: %w", err)
	}

	encCfg, err := cfg.Encryption.toSecurity()
	if err != nil {
		return nil, fmt.Errorf("encryption: %w", err)
	}
	engine, err := security.NewEncryptionEngine(encCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption engine: %w", err)
	}

	audit := security.NewAuditLog(stores.Durable, logger)
	audit.SetMaxEvents(cfg.Audit.MaxEvents)
	audit.SetInstrumentation(inst)

	limiters.SetRecorder(audit)
	if err := limiters.SetInstrumentation(inst); err != nil {
		return nil, fmt.Errorf("failed to instrument rate limiters: %w", err)
	}
	if stores.Counter != nil {
		limiters.SetCounter(stores.Counter)
	}

	engine.SetRecorder(audit)
	engine.SetInstrumentation(inst)

	g := &Guard{
		config:          cfg,
		logger:          logger,
		instrumentation: inst,
		limiters:        limiters,
		engine:          engine,
		audit:           audit,
		sessions:        stores.Sessions,
		durable:         stores.Durable,
		counter:         stores.Counter,
		ipResolver: security.ClientIPResolver{
			TrustProxy:        cfg.HTTP.TrustProxy,
			TrustedProxyCount: cfg.HTTP.TrustedProxyCount,
		},
		headers: security.HeaderPolicy{
			ContentSecurityPolicy: cfg.HTTP.ContentSecurityPolicy,
			HSTS:                  cfg.HTTP.HSTS,
			NoStore:               true,
		},
		csrf:    make(map[string]*security.CSRFManager),
		closers: closers,
	}

	limiters.StartCleanup(cfg.HTTP.CleanupInterval)
	if purger, ok := stores.Counter.(counterPurger); ok {
		g.startPurge(purger, cfg.HTTP.CleanupInterval)
	}

	logger.Info("Security guard initialized",
		"rate_limit_purposes", limiters.Purposes(),
		"salt_mode", engine.SaltMode(),
		"shared_rate_limits", stores.Counter != nil,
		"audit_max_events", cfg.Audit.MaxEvents)

	return g, nil
}

// openStores builds the stores selected by cfg.Storage and returns their closers
func openStores(cfg Config, inst *instrumentation.Instrumentation) (Stores, []func() error, error) {
	var (
		stores  Stores
		closers []func() error
		backend interface {
			storage.KeyValueStore
			storage.WindowCounter
		}
	)

	switch cfg.Storage.Backend {
	case BackendMemory:
		m := memory.NewWithQuota(cfg.Storage.MemoryQuotaBytes)
		m.SetLogger(cfg.Logger)
		m.SetInstrumentation(inst)
		closers = append(closers, func() error { m.Stop(); return nil })
		backend = m

	case BackendSQLite:
		s, err := sqlite.New(sqlite.Config{Path: cfg.Storage.Path, Logger: cfg.Logger})
		if err != nil {
			return Stores{}, nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		closers = append(closers, s.Close)
		backend = s

	case BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Storage.Address,
			Password: cfg.Storage.Password,
			DB:       cfg.Storage.DB,
		})
		s := redisstore.New(client, redisstore.Config{KeyPrefix: cfg.Storage.KeyPrefix, Logger: cfg.Logger})

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return Stores{}, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		cfg.Logger.Info("Connected to Redis storage", "address", cfg.Storage.Address, "db", cfg.Storage.DB)
		closers = append(closers, client.Close)
		backend = s

	case BackendValkey:
		s, err := valkey.New(valkey.Config{
			Address:   cfg.Storage.Address,
			Password:  cfg.Storage.Password,
			DB:        cfg.Storage.DB,
			KeyPrefix: cfg.Storage.KeyPrefix,
			Logger:    cfg.Logger,
		})
		if err != nil {
			return Stores{}, nil, fmt.Errorf("failed to open valkey storage: %w", err)
		}
		closers = append(closers, func() error { s.Close(); return nil })
		backend = s

	default:
		return Stores{}, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	stores.Durable = backend
	if cfg.Storage.ShareRateLimits {
		stores.Counter = backend
	}

	if cfg.CSRF.SessionStore == SessionStoreBackend {
		stores.Sessions = backend
	} else {
		m := memory.New()
		m.SetLogger(cfg.Logger)
		m.SetInstrumentation(inst)
		closers = append(closers, func() error { m.Stop(); return nil })
		stores.Sessions = m
	}

	return stores, closers, nil
}

// startPurge periodically deletes expired counters from the shared backend
func (g *Guard) startPurge(purger counterPurger, interval time.Duration) {
	g.stopPurge = make(chan struct{})
	g.purgeDone = make(chan struct{})

	go func() {
		defer close(g.purgeDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n, err := purger.PurgeExpiredCounters(context.Background())
				if err != nil {
					g.logger.Info("Failed to purge expired rate limit counters", "error", err)
					continue
				}
				if n > 0 {
					g.logger.Debug("Purged expired rate limit counters", "count", n)
				}
			case <-g.stopPurge:
				return
			}
		}
	}()
}

// Config returns the effective configuration after defaults.
func (g *Guard) Config() Config {
	return g.config
}

// Limiters returns the rate limiter set.
func (g *Guard) Limiters() *security.LimiterSet {
	return g.limiters
}

// Audit returns the audit log.
func (g *Guard) Audit() *security.AuditLog {
	return g.audit
}

// Engine returns the encryption engine.
func (g *Guard) Engine() *security.EncryptionEngine {
	return g.engine
}

// Durable returns the durable store for caller payloads such as encrypted notes.
func (g *Guard) Durable() storage.KeyValueStore {
	return g.durable
}

// Instrumentation returns the instrumentation used by all components.
func (g *Guard) Instrumentation() *instrumentation.Instrumentation {
	return g.instrumentation
}

// CheckRateLimit checks key against the limiter for purpose.
func (g *Guard) CheckRateLimit(ctx context.Context, purpose, key string) (security.RateLimitResult, error) {
	return g.limiters.Check(ctx, purpose, key)
}

// Encrypt encrypts plaintext under password.
func (g *Guard) Encrypt(ctx context.Context, plaintext, password string) (string, error) {
	return g.engine.Encrypt(ctx, plaintext, password)
}

// Decrypt decrypts a payload produced by Encrypt. Use UserMessage to turn
// the error into text for end users.
func (g *Guard) Decrypt(ctx context.Context, payload, password string) (string, error) {
	return g.engine.Decrypt(ctx, payload, password)
}

// CSRF returns the CSRF manager of a session. Managers are cached per
// session until EndSession is called, so call it only for sessions the
// application created. CSRFProtect does not populate the cache.
func (g *Guard) CSRF(sessionID string) (*security.CSRFManager, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID cannot be empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if m, ok := g.csrf[sessionID]; ok {
		return m, nil
	}

	m := g.newCSRFManager(sessionID)
	g.csrf[sessionID] = m
	return m, nil
}

// lookupCSRF returns the cached manager of a session without caching a new
// one. Validation needs no cached state: the token lives in the session store.
func (g *Guard) lookupCSRF(sessionID string) *security.CSRFManager {
	g.mu.Lock()
	m, ok := g.csrf[sessionID]
	g.mu.Unlock()
	if ok {
		return m
	}
	return g.newCSRFManager(sessionID)
}

func (g *Guard) newCSRFManager(sessionID string) *security.CSRFManager {
	m := security.NewCSRFManager(storage.NewPrefixed(g.sessions, csrfKeyPrefix+sessionID+":"), g.logger)
	m.SetRecorder(g.audit)
	m.SetInstrumentation(g.instrumentation)
	return m
}

// cachedSessions reports how many session managers are cached
func (g *Guard) cachedSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.csrf)
}

// EndSession clears the session's CSRF token and forgets its manager.
func (g *Guard) EndSession(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	m, ok := g.csrf[sessionID]
	delete(g.csrf, sessionID)
	g.mu.Unlock()

	if !ok {
		m = g.newCSRFManager(sessionID)
	}
	return m.Clear(ctx)
}

// Close stops background work, closes owned stores and flushes instrumentation.
func (g *Guard) Close(ctx context.Context) error {
	var errs []error

	g.closeOnce.Do(func() {
		g.limiters.Stop()
		if g.stopPurge != nil {
			close(g.stopPurge)
			<-g.purgeDone
		}

		for i := len(g.closers) - 1; i >= 0; i-- {
			if err := g.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}

		if err := g.instrumentation.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down instrumentation: %w", err))
		}

		g.logger.Info("Security guard closed")
	})

	return errors.Join(errs...)
}
