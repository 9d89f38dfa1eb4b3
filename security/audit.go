package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/giantswarm/hardening/instrumentation"
	"github.com/giantswarm/hardening/storage"
)

const (
	// AuditLogKey is the durable store key holding the JSON event array
	AuditLogKey = "security_audit_log"

	// DefaultMaxAuditEvents is how many of the most recent events are kept
	DefaultMaxAuditEvents = 1000
)

// AuditLog is an append-only, size-bounded security event log persisted as a
// JSON array. High and critical events are also logged immediately.
type AuditLog struct {
	store  storage.KeyValueStore
	logger *slog.Logger

	mu        sync.Mutex
	maxEvents int
	clock     func() time.Time
	metrics   *instrumentation.Metrics

	// mirror is the last known sequence, served while the store is failing
	mirror []Event

	// loaded is set once mirror reflects the store (read, written or known empty)
	loaded bool

	// unsynced is set while the store lacks the latest mirror
	unsynced bool

	// pending holds events recorded while the stored sequence could not be
	// read. They are merged into it on the next successful read.
	pending []Event

	// failureReport limits persistence failure reports to one per interval
	failureReport rate.Sometimes
}

// Compile-time interface check
var _ Recorder = (*AuditLog)(nil)

// NewAuditLog creates an audit log persisting to store.
// A nil store keeps events in memory only.
func NewAuditLog(store storage.KeyValueStore, logger *slog.Logger) *AuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{
		store:         store,
		logger:        logger,
		maxEvents:     DefaultMaxAuditEvents,
		clock:         time.Now,
		failureReport: rate.Sometimes{First: 1, Interval: persistenceReportInterval},
	}
}

// SetMaxEvents changes the cap. Values below 1 are ignored.
func (a *AuditLog) SetMaxEvents(n int) {
	if n < 1 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxEvents = n
}

// SetClock replaces the time source used to stamp events (for testing)
func (a *AuditLog) SetClock(clock func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock = clock
}

// SetInstrumentation enables metrics
func (a *AuditLog) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if inst != nil {
		a.metrics = inst.Metrics()
	}
}

// Record appends event, trims the log to the cap, and persists it.
// Events without a timestamp or ID get one. Storage failures never reach the
// caller; the event is kept in memory and the failure is logged at Info level.
//
// Each call reads, decodes, re-encodes and writes the whole stored array while
// holding the log's lock, so its cost grows with the cap (up to 1000 events by
// default). Keep it off per-request hot paths that fire on every request, or
// lower the cap with SetMaxEvents.
func (a *AuditLog) Record(ctx context.Context, event Event) {
	a.mu.Lock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.clock()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityLow
	}

	events, known := a.load(ctx)
	if known {
		a.commit(ctx, append(events, event))
	} else {
		// Writing now would replace a stored log we could not read
		a.pending = a.trim(append(a.pending, event))
	}

	metrics := a.metrics
	a.mu.Unlock()

	metrics.RecordAuditEvent(ctx, string(event.Type), string(event.Severity))
	a.escalate(ctx, metrics, event)
}

// escalate surfaces high and critical events through the logger, once per event
func (a *AuditLog) escalate(ctx context.Context, metrics *instrumentation.Metrics, event Event) {
	if !event.Severity.Escalates() {
		return
	}

	level := slog.LevelWarn
	if event.Severity == SeverityCritical {
		level = slog.LevelError
	}

	a.logger.LogAttrs(ctx, level, "security_audit",
		slog.String("event_id", event.ID),
		slog.String("event_type", string(event.Type)),
		slog.String("severity", string(event.Severity)),
		slog.Time("timestamp", event.Timestamp),
		slog.Any("details", event.Details),
	)
	metrics.RecordAuditEscalation(ctx, string(event.Severity))
}

// Events returns the persisted events, oldest first. While the store cannot
// be read it returns the last known events followed by the buffered ones.
func (a *AuditLog) Events(ctx context.Context) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	hadPending := len(a.pending) > 0
	events, known := a.load(ctx)
	if !known {
		return a.trim(append(events, a.pending...))
	}
	if hadPending {
		a.commit(ctx, events)
		return append([]Event(nil), a.mirror...)
	}
	return events
}

// EventFilter selects events in Filter. Zero fields match everything.
type EventFilter struct {
	Type        EventType
	MinSeverity Severity
	Since       time.Time
}

// Filter returns the events matching f, oldest first.
func (a *AuditLog) Filter(ctx context.Context, f EventFilter) []Event {
	var out []Event
	for _, e := range a.Events(ctx) {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.MinSeverity != "" && severityRank(e.Severity) < severityRank(f.MinSeverity) {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Clear removes all events.
func (a *AuditLog) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.mirror = nil
	a.pending = nil
	a.loaded = true
	a.unsynced = false
	if a.store == nil {
		return nil
	}
	if err := a.store.Delete(ctx, AuditLogKey); err != nil {
		return fmt.Errorf("failed to clear audit log: %w", err)
	}
	return nil
}

// load returns the current sequence with any pending events merged in.
// known is false when the store could not be read and nothing was ever loaded
// from it; the returned events are then only the last known ones, without
// pending. Must be called with a.mu held. The returned slice is owned by the caller.
func (a *AuditLog) load(ctx context.Context) (events []Event, known bool) {
	if a.store == nil || a.unsynced {
		return a.merge(a.mirror), true
	}

	raw, err := a.store.Get(ctx, AuditLogKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		a.loaded = true
		return a.merge(nil), true
	case err != nil:
		a.reportFailure(ctx, fmt.Errorf("failed to read audit log: %w", err))
		if !a.loaded {
			return append([]Event(nil), a.mirror...), false
		}
		return a.merge(a.mirror), true
	}

	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		// Unreadable contents cannot be preserved; the mirror replaces them
		a.reportFailure(ctx, fmt.Errorf("failed to decode audit log: %w", err))
		a.loaded = true
		return a.merge(a.mirror), true
	}
	a.loaded = true
	return a.merge(events), true
}

// merge returns a copy of base followed by the pending events, trimmed to the cap
func (a *AuditLog) merge(base []Event) []Event {
	events := make([]Event, 0, len(base)+len(a.pending))
	events = append(events, base...)
	events = append(events, a.pending...)
	return a.trim(events)
}

func (a *AuditLog) trim(events []Event) []Event {
	if len(events) > a.maxEvents {
		return events[len(events)-a.maxEvents:]
	}
	return events
}

// commit makes events the known sequence and persists it. Must be called with a.mu held.
func (a *AuditLog) commit(ctx context.Context, events []Event) {
	events = a.trim(events)
	a.mirror = events
	a.pending = nil
	a.loaded = true
	a.save(ctx, events)
}

// save writes the sequence. Must be called with a.mu held.
func (a *AuditLog) save(ctx context.Context, events []Event) {
	if a.store == nil {
		return
	}

	raw, err := json.Marshal(events)
	if err != nil {
		a.unsynced = true
		a.reportFailure(ctx, fmt.Errorf("failed to encode audit log: %w", err))
		return
	}
	if err := a.store.Set(ctx, AuditLogKey, string(raw)); err != nil {
		a.unsynced = true
		a.reportFailure(ctx, fmt.Errorf("failed to write audit log: %w", err))
		return
	}
	a.unsynced = false
}

// reportFailure logs a persistence failure at Info level. It never records an
// audit event, so a failing store cannot cause recursion.
func (a *AuditLog) reportFailure(ctx context.Context, err error) {
	a.metrics.RecordPersistenceError(ctx, "audit")
	a.failureReport.Do(func() {
		a.logger.Info("Audit log persistence failed, keeping events in memory",
			"error", err,
			"buffered_events", len(a.mirror)+len(a.pending))
	})
}

func severityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// hashForLogging creates a truncated SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
