package hardening

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/hardening/instrumentation"
	"github.com/giantswarm/hardening/security"
)

const fullConfig = `
[rate_limits.login]
window = "10m"
max_requests = 3
severity = "critical"

[rate_limits.export]
window = "1h"
max_requests = 2
message = "Export limit reached."

[encryption]
iterations = 200000
salt_mode = "per_payload"
salt = "c2FsdHNhbHRzYWx0"

[audit]
max_events = 500

[csrf]
header_name = "X-Token"
session_store = "backend"

[storage]
backend = "sqlite"
path = "/var/lib/notes/notes.db"
share_rate_limits = true

[http]
trust_proxy = true
trusted_proxy_count = 2
hsts = true
cleanup_interval = "30s"

[instrumentation]
enabled = true
service_name = "securenotes"
metrics_exporter = "prometheus"
`

func TestParseConfig_Full(t *testing.T) {
	cfg, err := ParseConfig(fullConfig)
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	login := cfg.RateLimits[security.PurposeLogin]
	if login.Window != 10*time.Minute || login.MaxRequests != 3 || login.Severity != "critical" {
		t.Errorf("login = %+v", login)
	}
	if login.Message == "" {
		t.Error("login message should fall back to the default")
	}

	export := cfg.RateLimits["export"]
	if export.Window != time.Hour || export.MaxRequests != 2 || export.Message != "Export limit reached." {
		t.Errorf("export = %+v", export)
	}

	// Untouched defaults are still present
	if api := cfg.RateLimits[security.PurposeAPI]; api.MaxRequests != 100 || api.Window != time.Minute {
		t.Errorf("api = %+v", api)
	}

	if cfg.Encryption.Iterations != 200000 || cfg.Encryption.SaltMode != "per_payload" {
		t.Errorf("encryption = %+v", cfg.Encryption)
	}
	if cfg.Audit.MaxEvents != 500 {
		t.Errorf("audit.max_events = %d", cfg.Audit.MaxEvents)
	}
	if cfg.CSRF.HeaderName != "X-Token" || cfg.CSRF.FormField != DefaultCSRFFormField {
		t.Errorf("csrf = %+v", cfg.CSRF)
	}
	if cfg.Storage.Backend != BackendSQLite || !cfg.Storage.ShareRateLimits {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if !cfg.HTTP.TrustProxy || cfg.HTTP.TrustedProxyCount != 2 || cfg.HTTP.CleanupInterval != 30*time.Second {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	if cfg.Instrumentation.MetricsExporter != instrumentation.MetricsExporterPrometheus {
		t.Errorf("metrics exporter = %q", cfg.Instrumentation.MetricsExporter)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig("")
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	if len(cfg.RateLimits) != len(security.DefaultRateLimitConfigs()) {
		t.Errorf("rate limit purposes = %d, want %d", len(cfg.RateLimits), len(security.DefaultRateLimitConfigs()))
	}
	login := cfg.RateLimits[security.PurposeLogin]
	if login.Window != 15*time.Minute || login.MaxRequests != 5 || login.Severity != string(security.SeverityHigh) {
		t.Errorf("login = %+v", login)
	}
	if cfg.Encryption.Iterations != security.DefaultIterations {
		t.Errorf("iterations = %d", cfg.Encryption.Iterations)
	}
	if cfg.Encryption.SaltMode != string(security.SaltModeFixed) {
		t.Errorf("salt_mode = %q", cfg.Encryption.SaltMode)
	}
	if cfg.Audit.MaxEvents != security.DefaultMaxAuditEvents {
		t.Errorf("max_events = %d", cfg.Audit.MaxEvents)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.CSRF.SessionStore != SessionStoreMemory || cfg.CSRF.SessionCookie != DefaultCSRFCookie {
		t.Errorf("csrf = %+v", cfg.CSRF)
	}
	if cfg.Logger == nil {
		t.Error("Logger should default to slog.Default()")
	}
}

func TestParseConfig_SQLiteDefaultPath(t *testing.T) {
	cfg, err := ParseConfig("[storage]\nbackend = \"sqlite\"\n")
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.Storage.Path != DefaultSQLitePath {
		t.Errorf("path = %q, want %q", cfg.Storage.Path, DefaultSQLitePath)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		toml    string
		wantErr string
	}{
		{
			name:    "malformed toml",
			toml:    "[storage\nbackend = ",
			wantErr: "decode",
		},
		{
			name:    "unknown key",
			toml:    "[storage]\nbakend = \"sqlite\"\n",
			wantErr: "unknown config keys",
		},
		{
			name:    "unknown backend",
			toml:    "[storage]\nbackend = \"postgres\"\n",
			wantErr: "unknown storage backend",
		},
		{
			name:    "redis without address",
			toml:    "[storage]\nbackend = \"redis\"\n",
			wantErr: "address is required",
		},
		{
			name:    "shared limits on memory",
			toml:    "[storage]\nshare_rate_limits = true\n",
			wantErr: "share_rate_limits",
		},
		{
			name:    "new purpose without window",
			toml:    "[rate_limits.export]\nmax_requests = 2\n",
			wantErr: "rate_limits.export",
		},
		{
			name:    "unknown severity",
			toml:    "[rate_limits.login]\nseverity = \"severe\"\n",
			wantErr: "unknown severity",
		},
		{
			name:    "too few iterations",
			toml:    "[encryption]\niterations = 10\n",
			wantErr: "iterations",
		},
		{
			name:    "unknown salt mode",
			toml:    "[encryption]\nsalt_mode = \"random\"\n",
			wantErr: "salt_mode",
		},
		{
			name:    "short salt",
			toml:    "[encryption]\nsalt = \"YWJj\"\n",
			wantErr: "encryption",
		},
		{
			name:    "negative max events",
			toml:    "[audit]\nmax_events = -1\n",
			wantErr: "max_events",
		},
		{
			name:    "unknown session store",
			toml:    "[csrf]\nsession_store = \"cookie\"\n",
			wantErr: "session_store",
		},
		{
			name:    "unknown exporter",
			toml:    "[instrumentation]\nmetrics_exporter = \"statsd\"\n",
			wantErr: "metrics exporter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(tt.toml)
			if err == nil {
				t.Fatal("ParseConfig() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseConfig() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hardening.toml")
	if err := os.WriteFile(path, []byte(fullConfig), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Storage.Path != "/var/lib/notes/notes.db" {
		t.Errorf("path = %q", cfg.Storage.Path)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("LoadConfig() of a missing file should fail")
	}
}
