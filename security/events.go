package security

import (
	"context"
	"fmt"
	"time"
)

// EventType classifies a security event.
type EventType string

// Event types recorded in the audit log.
const (
	// EventLoginAttempt is recorded for login attempts, successful or not
	EventLoginAttempt EventType = "login_attempt"

	// EventCSRFViolation is recorded when a submitted anti-forgery token does not match the session token
	EventCSRFViolation EventType = "csrf_violation"

	// EventRateLimit is recorded when a limiter denies a request
	EventRateLimit EventType = "rate_limit"

	// EventXSSAttempt is recorded by callers that detect script injection in user input
	EventXSSAttempt EventType = "xss_attempt"

	// EventEncryption is recorded when encryption or decryption fails
	EventEncryption EventType = "encryption"
)

// Severity is the importance of a security event.
type Severity string

// Severities in increasing order.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether t is one of the known event types
func (t EventType) Valid() bool {
	switch t {
	case EventLoginAttempt, EventCSRFViolation, EventRateLimit, EventXSSAttempt, EventEncryption:
		return true
	}
	return false
}

// Valid reports whether s is one of the known severities
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Escalates reports whether events of this severity are surfaced to the logger immediately.
func (s Severity) Escalates() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// ParseSeverity converts a configuration string to a Severity.
// An empty string yields SeverityMedium.
func ParseSeverity(s string) (Severity, error) {
	if s == "" {
		return SeverityMedium, nil
	}
	sev := Severity(s)
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Event is a single security audit log entry.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Recorder accepts security events. AuditLog is the production implementation.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// RecorderFunc adapts a function to the Recorder interface
type RecorderFunc func(ctx context.Context, event Event)

// Record calls f(ctx, event)
func (f RecorderFunc) Record(ctx context.Context, event Event) {
	f(ctx, event)
}

// nopRecorder drops all events
type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) {}
