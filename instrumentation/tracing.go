package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put passwords, plaintexts, CSRF tokens or derived keys
// into traces or metrics. Only record metadata such as operation names, payload
// sizes and validation results.
const (
	// Security attributes
	AttrRateLimitPurpose    = "security.rate_limit.purpose"
	AttrRateLimitKeyHash    = "security.rate_limit.key_hash"
	AttrRateLimitAllowed    = "security.rate_limit.allowed"
	AttrClientIP            = "security.client_ip"
	AttrAuditEventType      = "security.audit.event_type"
	AttrAuditSeverity       = "security.audit.severity"
	AttrEncryptionOperation = "security.encryption.operation"
	AttrEncryptionSaltMode  = "security.encryption.salt_mode"
	AttrPayloadSize         = "security.encryption.payload_size"
	AttrComponent           = "security.component"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// HTTP attributes
	AttrHTTPMethod   = "http.method"
	AttrHTTPEndpoint = "http.endpoint"
	AttrRequestID    = "http.request_id"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddEncryptionAttributes adds encryption attributes to a span (nil-safe)
func AddEncryptionAttributes(span trace.Span, operation, saltMode string, payloadSize int) {
	SetSpanAttributes(span,
		attribute.String(AttrEncryptionOperation, operation),
		attribute.String(AttrEncryptionSaltMode, saltMode),
		attribute.Int(AttrPayloadSize, payloadSize),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddSecurityAttributes adds the client IP to a span (nil-safe)
//
// PRIVACY NOTE: Client IP addresses may be considered Personally Identifiable Information (PII).
// Check ShouldLogClientIPs() before calling this function.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
