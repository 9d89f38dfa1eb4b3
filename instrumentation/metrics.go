package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the hardening library.
// All Record methods are nil-safe so components can run without instrumentation.
type Metrics struct {
	// Rate limiting
	RateLimitChecks        metric.Int64Counter
	RateLimitExceeded      metric.Int64Counter
	RateLimitActiveWindows metric.Int64ObservableGauge

	// CSRF
	CSRFTokensIssued metric.Int64Counter
	CSRFValidations  metric.Int64Counter

	// Encryption
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram

	// Audit
	AuditEventsTotal  metric.Int64Counter
	AuditEscalations  metric.Int64Counter
	PersistenceErrors metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	// HTTP middleware
	HTTPRequestsRejected metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	httpMeter := inst.Meter("http")

	m := &Metrics{}
	var err error

	m.RateLimitChecks, err = securityMeter.Int64Counter(
		"hardening.rate_limit.checks",
		metric.WithDescription("Number of rate limit checks"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.checks counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"hardening.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.RateLimitActiveWindows, err = securityMeter.Int64ObservableGauge(
		"hardening.rate_limit.active_windows",
		metric.WithDescription("Number of tracked rate limit windows"),
		metric.WithUnit("{window}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.active_windows gauge: %w", err)
	}

	m.CSRFTokensIssued, err = securityMeter.Int64Counter(
		"hardening.csrf.tokens_issued",
		metric.WithDescription("Number of CSRF tokens generated"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.tokens_issued counter: %w", err)
	}

	m.CSRFValidations, err = securityMeter.Int64Counter(
		"hardening.csrf.validations",
		metric.WithDescription("Number of CSRF token validations"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.validations counter: %w", err)
	}

	m.EncryptionOperationsTotal, err = securityMeter.Int64Counter(
		"hardening.encryption.operations.total",
		metric.WithDescription("Number of encryption and decryption operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.operations.total counter: %w", err)
	}

	m.EncryptionDuration, err = securityMeter.Float64Histogram(
		"hardening.encryption.duration",
		metric.WithDescription("Duration of encryption operations including key derivation"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.duration histogram: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"hardening.audit.events.total",
		metric.WithDescription("Number of recorded security audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.AuditEscalations, err = securityMeter.Int64Counter(
		"hardening.audit.escalations",
		metric.WithDescription("Number of audit events escalated to the logger"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.escalations counter: %w", err)
	}

	m.PersistenceErrors, err = securityMeter.Int64Counter(
		"hardening.persistence.errors",
		metric.WithDescription("Number of storage failures absorbed by in-memory fallbacks"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create persistence.errors counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.HTTPRequestsRejected, err = httpMeter.Int64Counter(
		"hardening.http.requests.rejected",
		metric.WithDescription("Number of HTTP requests rejected by middleware"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.rejected counter: %w", err)
	}

	return m, nil
}

func purposeAttr(purpose string) attribute.KeyValue {
	return attribute.String(AttrRateLimitPurpose, purpose)
}

func resultAttr(success bool) attribute.KeyValue {
	if success {
		return attribute.String("result", "success")
	}
	return attribute.String("result", "failure")
}

// RecordRateLimitCheck records a rate limit check and its outcome
func (m *Metrics) RecordRateLimitCheck(ctx context.Context, purpose string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.RateLimitChecks.Add(ctx, 1, metric.WithAttributes(
		purposeAttr(purpose),
		attribute.String("outcome", outcome),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, purpose string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(purposeAttr(purpose)))
}

// RecordCSRFTokenIssued records a freshly generated CSRF token
func (m *Metrics) RecordCSRFTokenIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.CSRFTokensIssued.Add(ctx, 1)
}

// RecordCSRFValidation records the result of a CSRF token validation
func (m *Metrics) RecordCSRFValidation(ctx context.Context, valid bool) {
	if m == nil {
		return
	}
	m.CSRFValidations.Add(ctx, 1, metric.WithAttributes(resultAttr(valid)))
}

// RecordEncryptionOperation records an encryption or decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, success bool, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrEncryptionOperation, operation),
		resultAttr(success),
	)
	m.EncryptionOperationsTotal.Add(ctx, 1, attrs)
	m.EncryptionDuration.Record(ctx, durationMs, attrs)
}

// RecordAuditEvent records an audit event by type and severity
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType, severity string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAuditEventType, eventType),
		attribute.String(AttrAuditSeverity, severity),
	))
}

// RecordAuditEscalation records an audit event surfaced through the logger
func (m *Metrics) RecordAuditEscalation(ctx context.Context, severity string) {
	if m == nil {
		return
	}
	m.AuditEscalations.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrAuditSeverity, severity)))
}

// RecordPersistenceError records a storage failure absorbed by a component
func (m *Metrics) RecordPersistenceError(ctx context.Context, component string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrComponent, component)))
}

// RecordStorageOperation records a storage operation with its result and duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageType, backend),
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordHTTPRequestRejected records a request rejected by middleware
func (m *Metrics) RecordHTTPRequestRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.HTTPRequestsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
