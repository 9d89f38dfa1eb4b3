package hardening

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/giantswarm/hardening/instrumentation"
	"github.com/giantswarm/hardening/security"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendValkey = "valkey"
)

// Session store locations for CSRF tokens
const (
	// SessionStoreMemory keeps CSRF tokens in process memory (default)
	SessionStoreMemory = "memory"

	// SessionStoreBackend keeps CSRF tokens in the configured storage backend
	SessionStoreBackend = "backend"
)

// Defaults applied by applyDefaults
const (
	DefaultCSRFHeader     = "X-CSRF-Token"
	DefaultCSRFFormField  = "csrf_token"
	DefaultCSRFCookie     = "session_id"
	DefaultSQLitePath     = "hardening.db"
	DefaultCleanupEvery   = security.DefaultCleanupInterval
	DefaultTrustedProxies = 1
)

// Config holds the hardening configuration.
// Structured using composition; every section has usable defaults.
type Config struct {
	// RateLimits maps a purpose name to its quota.
	// Purposes missing here fall back to security.DefaultRateLimitConfigs().
	RateLimits map[string]RateLimitConfig `toml:"rate_limits"`

	// Encryption settings for the password-based encryption engine
	Encryption EncryptionConfig `toml:"encryption"`

	// Audit log settings
	Audit AuditConfig `toml:"audit"`

	// CSRF settings
	CSRF CSRFConfig `toml:"csrf"`

	// Storage backend settings
	Storage StorageConfig `toml:"storage"`

	// HTTP middleware settings
	HTTP HTTPConfig `toml:"http"`

	// Instrumentation settings
	Instrumentation InstrumentationConfig `toml:"instrumentation"`

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger `toml:"-"`
}

// RateLimitConfig is the TOML form of security.RateLimitConfig.
type RateLimitConfig struct {
	// Window is the fixed window length, e.g. "15m"
	Window time.Duration `toml:"window"`

	// MaxRequests is the number of requests allowed per window
	MaxRequests int `toml:"max_requests"`

	// Message is returned to denied callers
	Message string `toml:"message"`

	// Severity classifies denial events: low, medium, high or critical
	Severity string `toml:"severity"`
}

// EncryptionConfig holds the encryption engine settings.
type EncryptionConfig struct {
	// Salt is the base64-encoded PBKDF2 salt. Empty uses the built-in salt.
	Salt string `toml:"salt"`

	// Iterations is the PBKDF2 iteration count (default 100000)
	Iterations int `toml:"iterations"`

	// SaltMode is "fixed" (default) or "per_payload"
	SaltMode string `toml:"salt_mode"`
}

// AuditConfig holds the audit log settings.
type AuditConfig struct {
	// MaxEvents caps the persisted log (default 1000)
	MaxEvents int `toml:"max_events"`
}

// CSRFConfig holds the CSRF middleware settings.
type CSRFConfig struct {
	// HeaderName carries the token on unsafe requests (default "X-CSRF-Token")
	HeaderName string `toml:"header_name"`

	// FormField carries the token in form posts (default "csrf_token")
	FormField string `toml:"form_field"`

	// SessionCookie names the cookie holding the session ID (default "session_id")
	SessionCookie string `toml:"session_cookie"`

	// SessionStore is "memory" (default) or "backend"
	SessionStore string `toml:"session_store"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is one of memory, sqlite, redis or valkey (default memory)
	Backend string `toml:"backend"`

	// Path is the SQLite database file (sqlite only)
	Path string `toml:"path"`

	// Address is the server address, e.g. "localhost:6379" (redis and valkey)
	Address string `toml:"address"`

	// Password for the server (redis and valkey)
	Password string `toml:"password"`

	// DB is the database number (redis and valkey)
	DB int `toml:"db"`

	// KeyPrefix namespaces keys on shared servers
	KeyPrefix string `toml:"key_prefix"`

	// MemoryQuotaBytes caps the memory backend. Zero means unlimited.
	MemoryQuotaBytes int `toml:"memory_quota_bytes"`

	// ShareRateLimits counts rate limit windows in the backend instead of
	// process memory. Not available with the memory backend.
	ShareRateLimits bool `toml:"share_rate_limits"`
}

// HTTPConfig holds the HTTP middleware settings.
type HTTPConfig struct {
	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool `toml:"trust_proxy"`

	// TrustedProxyCount is the number of proxies in front of the service (default 1)
	TrustedProxyCount int `toml:"trusted_proxy_count"`

	// ExemptLoopback skips IP rate limiting for loopback clients (health checks)
	ExemptLoopback bool `toml:"exempt_loopback"`

	// ContentSecurityPolicy overrides security.DefaultContentSecurityPolicy
	ContentSecurityPolicy string `toml:"content_security_policy"`

	// HSTS enables Strict-Transport-Security
	HSTS bool `toml:"hsts"`

	// CleanupInterval is how often expired rate limit windows are dropped
	CleanupInterval time.Duration `toml:"cleanup_interval"`
}

// InstrumentationConfig is the TOML form of instrumentation.Config.
type InstrumentationConfig struct {
	Enabled         bool   `toml:"enabled"`
	ServiceName     string `toml:"service_name"`
	ServiceVersion  string `toml:"service_version"`
	MetricsExporter string `toml:"metrics_exporter"`
	LogClientIPs    bool   `toml:"log_client_ips"`
}

// LoadConfig reads a TOML file, applies defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(string(data))
}

// ParseConfig decodes TOML text, applies defaults and validates the result.
// Unknown keys are rejected so typos do not silently weaken a setting.
func ParseConfig(data string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode TOML config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown config keys: %v", keys)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills unset fields in place
func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	merged := make(map[string]RateLimitConfig)
	for purpose, def := range security.DefaultRateLimitConfigs() {
		merged[purpose] = RateLimitConfig{
			Window:      def.Window,
			MaxRequests: def.MaxRequests,
			Message:     def.Message,
			Severity:    string(def.Severity),
		}
	}
	for purpose, rl := range c.RateLimits {
		if base, ok := merged[purpose]; ok {
			if rl.Window == 0 {
				rl.Window = base.Window
			}
			if rl.MaxRequests == 0 {
				rl.MaxRequests = base.MaxRequests
			}
			if rl.Message == "" {
				rl.Message = base.Message
			}
			if rl.Severity == "" {
				rl.Severity = base.Severity
			}
		}
		merged[purpose] = rl
	}
	c.RateLimits = merged

	if c.Encryption.Iterations == 0 {
		c.Encryption.Iterations = security.DefaultIterations
	}
	if c.Encryption.SaltMode == "" {
		c.Encryption.SaltMode = string(security.SaltModeFixed)
	}

	if c.Audit.MaxEvents == 0 {
		c.Audit.MaxEvents = security.DefaultMaxAuditEvents
	}

	if c.CSRF.HeaderName == "" {
		c.CSRF.HeaderName = DefaultCSRFHeader
	}
	if c.CSRF.FormField == "" {
		c.CSRF.FormField = DefaultCSRFFormField
	}
	if c.CSRF.SessionCookie == "" {
		c.CSRF.SessionCookie = DefaultCSRFCookie
	}
	if c.CSRF.SessionStore == "" {
		c.CSRF.SessionStore = SessionStoreMemory
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Storage.Backend == BackendSQLite && c.Storage.Path == "" {
		c.Storage.Path = DefaultSQLitePath
	}

	if c.HTTP.TrustedProxyCount == 0 {
		c.HTTP.TrustedProxyCount = DefaultTrustedProxies
	}
	if c.HTTP.CleanupInterval == 0 {
		c.HTTP.CleanupInterval = DefaultCleanupEvery
	}

	if c.Instrumentation.MetricsExporter == "" {
		c.Instrumentation.MetricsExporter = instrumentation.MetricsExporterNone
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	for purpose, rl := range c.RateLimits {
		if purpose == "" {
			return fmt.Errorf("rate_limits: purpose name cannot be empty")
		}
		if _, err := rl.toSecurity(); err != nil {
			return fmt.Errorf("rate_limits.%s: %w", purpose, err)
		}
	}

	if _, err := c.Encryption.toSecurity(); err != nil {
		return fmt.Errorf("encryption: %w", err)
	}

	if c.Audit.MaxEvents < 1 {
		return fmt.Errorf("audit.max_events must be positive, got %d", c.Audit.MaxEvents)
	}

	switch c.CSRF.SessionStore {
	case SessionStoreMemory, SessionStoreBackend:
	default:
		return fmt.Errorf("csrf.session_store must be %q or %q, got %q",
			SessionStoreMemory, SessionStoreBackend, c.CSRF.SessionStore)
	}

	switch c.Storage.Backend {
	case BackendMemory:
		if c.Storage.ShareRateLimits {
			return fmt.Errorf("storage.share_rate_limits requires a sqlite, redis or valkey backend")
		}
	case BackendSQLite:
	case BackendRedis, BackendValkey:
		if c.Storage.Address == "" {
			return fmt.Errorf("storage.address is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.MemoryQuotaBytes < 0 {
		return fmt.Errorf("storage.memory_quota_bytes cannot be negative")
	}

	if c.HTTP.TrustedProxyCount < 0 {
		return fmt.Errorf("http.trusted_proxy_count cannot be negative")
	}
	if c.HTTP.CleanupInterval < 0 {
		return fmt.Errorf("http.cleanup_interval cannot be negative")
	}

	switch c.Instrumentation.MetricsExporter {
	case instrumentation.MetricsExporterNone, instrumentation.MetricsExporterPrometheus:
	default:
		return fmt.Errorf("unknown metrics exporter %q", c.Instrumentation.MetricsExporter)
	}

	return nil
}

// securityRateLimits converts the rate limit section for security.NewLimiterSet
func (c *Config) securityRateLimits() (map[string]security.RateLimitConfig, error) {
	out := make(map[string]security.RateLimitConfig, len(c.RateLimits))
	for purpose, rl := range c.RateLimits {
		cfg, err := rl.toSecurity()
		if err != nil {
			return nil, fmt.Errorf("rate_limits.%s: %w", purpose, err)
		}
		out[purpose] = cfg
	}
	return out, nil
}

func (r RateLimitConfig) toSecurity() (security.RateLimitConfig, error) {
	severity, err := security.ParseSeverity(r.Severity)
	if err != nil {
		return security.RateLimitConfig{}, err
	}
	cfg := security.RateLimitConfig{
		Window:      r.Window,
		MaxRequests: r.MaxRequests,
		Message:     r.Message,
		Severity:    severity,
	}
	return cfg, cfg.Validate()
}

func (e EncryptionConfig) toSecurity() (security.EncryptionConfig, error) {
	cfg := security.EncryptionConfig{
		Iterations: e.Iterations,
		SaltMode:   security.SaltMode(e.SaltMode),
	}
	switch cfg.SaltMode {
	case security.SaltModeFixed, security.SaltModePerPayload:
	default:
		return cfg, fmt.Errorf("unknown salt_mode %q", e.SaltMode)
	}
	if cfg.Iterations < security.MinIterations {
		return cfg, fmt.Errorf("iterations must be at least %d, got %d", security.MinIterations, cfg.Iterations)
	}
	if e.Salt != "" {
		salt, err := security.SaltFromBase64(e.Salt)
		if err != nil {
			return cfg, err
		}
		cfg.Salt = salt
	}
	return cfg, nil
}

func (i InstrumentationConfig) toInstrumentation() instrumentation.Config {
	return instrumentation.Config{
		Enabled:         i.Enabled,
		ServiceName:     i.ServiceName,
		ServiceVersion:  i.ServiceVersion,
		MetricsExporter: i.MetricsExporter,
		LogClientIPs:    i.LogClientIPs,
	}
}
