// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the hardening library.
//
// This package enables observability across the security components through:
//   - Metrics: Counters, histograms, and gauges for rate limiting, CSRF, encryption and auditing
//   - Traces: Spans around key derivation and the AEAD cipher, and around storage calls
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "securenotes",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	limiter.SetInstrumentation(inst)
//
// # Prometheus Metrics
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//
//	http.Handle("/metrics", promhttp.Handler())
//
// # Available Metrics
//
// Security:
//   - hardening.rate_limit.checks{purpose, outcome}
//   - hardening.rate_limit.exceeded{purpose}
//   - hardening.rate_limit.active_windows{purpose} (gauge)
//   - hardening.csrf.tokens_issued
//   - hardening.csrf.validations{result}
//   - hardening.encryption.operations.total{operation, result}
//   - hardening.encryption.duration{operation, result} (ms)
//   - hardening.audit.events.total{event_type, severity}
//   - hardening.audit.escalations{severity}
//   - hardening.persistence.errors{component}
//
// Storage:
//   - storage.operation.total{type, operation, result}
//   - storage.operation.duration{type, operation, result} (ms)
//
// HTTP:
//   - hardening.http.requests.rejected{reason}
//
// # Privacy
//
// Rate limit keys (user identifiers) are hashed before they reach a span.
// Client IPs are only attached when Config.LogClientIPs is set.
package instrumentation
