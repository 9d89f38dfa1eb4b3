package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/giantswarm/hardening/instrumentation"
	"github.com/giantswarm/hardening/storage"
)

const (
	// CSRFTokenKey is the session store key holding the token
	CSRFTokenKey = "csrf_token"

	// CSRFTokenBytes is the amount of randomness in a token
	CSRFTokenBytes = 32
)

// CSRFManager issues and validates one anti-forgery token per session.
// Tokens are created lazily and stay stable until Rotate or Clear.
type CSRFManager struct {
	store  storage.KeyValueStore
	logger *slog.Logger

	mu       sync.Mutex
	random   io.Reader
	recorder Recorder
	metrics  *instrumentation.Metrics

	// last is the last token read from or written to the store. It is
	// served while the store is failing so a read error never rotates it.
	last string

	// unpersisted is set while the store lacks last
	unpersisted bool
}

// NewCSRFManager creates a manager persisting its token in store.
// A nil store keeps the token in memory only.
func NewCSRFManager(store storage.KeyValueStore, logger *slog.Logger) *CSRFManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSRFManager{
		store:    store,
		logger:   logger,
		random:   rand.Reader,
		recorder: nopRecorder{},
	}
}

// SetRandomSource replaces the random source (for testing)
func (m *CSRFManager) SetRandomSource(r io.Reader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.random = r
}

// SetRecorder sets where csrf_violation events are recorded
func (m *CSRFManager) SetRecorder(recorder Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if recorder == nil {
		recorder = nopRecorder{}
	}
	m.recorder = recorder
}

// SetInstrumentation enables metrics
func (m *CSRFManager) SetInstrumentation(inst *instrumentation.Instrumentation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst != nil {
		m.metrics = inst.Metrics()
	}
}

// GenerateToken returns a fresh 64-character hex token. It does not touch the
// session store. A failing random source is returned as ErrRandomSourceUnavailable.
func (m *CSRFManager) GenerateToken() (string, error) {
	m.mu.Lock()
	random := m.random
	m.mu.Unlock()
	return generateToken(random)
}

func generateToken(random io.Reader) (string, error) {
	b := make([]byte, CSRFTokenBytes)
	if _, err := io.ReadFull(random, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRandomSourceUnavailable, err)
	}
	return hex.EncodeToString(b), nil
}

// GetToken returns the session token, creating and persisting it on first use.
// A token is only created when the store reports none; if the store cannot be
// read and no token is known, the read error is returned.
func (m *CSRFManager) GetToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := m.current(ctx)
	if err != nil {
		return "", err
	}
	if token != "" {
		return token, nil
	}

	token, err = generateToken(m.random)
	if err != nil {
		return "", err
	}

	m.persist(ctx, token)
	m.metrics.RecordCSRFTokenIssued(ctx)
	return token, nil
}

// ValidateToken reports whether candidate equals the session token.
// It never creates a token; with no token present every candidate is rejected.
func (m *CSRFManager) ValidateToken(ctx context.Context, candidate string) bool {
	m.mu.Lock()
	token, _ := m.current(ctx)
	recorder := m.recorder
	metrics := m.metrics
	m.mu.Unlock()

	valid := token != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1
	metrics.RecordCSRFValidation(ctx, valid)

	if !valid {
		details := map[string]any{
			"token_present":     token != "",
			"candidate_present": candidate != "",
		}
		recorder.Record(ctx, Event{
			Type:     EventCSRFViolation,
			Severity: SeverityHigh,
			Details:  eventDetails(ctx, details),
		})
	}
	return valid
}

// Rotate replaces the session token with a fresh one and returns it.
// Callers invoke it after privileged actions such as login.
func (m *CSRFManager) Rotate(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := generateToken(m.random)
	if err != nil {
		return "", err
	}
	m.persist(ctx, token)
	m.metrics.RecordCSRFTokenIssued(ctx)
	return token, nil
}

// Clear removes the session token, as happens when the session ends.
func (m *CSRFManager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = ""
	m.unpersisted = false
	if m.store == nil {
		return nil
	}
	if err := m.store.Delete(ctx, CSRFTokenKey); err != nil {
		return fmt.Errorf("failed to clear CSRF token: %w", err)
	}
	return nil
}

// current returns the session token, or "" when the store has none.
// Must be called with m.mu held.
func (m *CSRFManager) current(ctx context.Context) (string, error) {
	if m.store == nil {
		return m.last, nil
	}

	token, err := m.store.Get(ctx, CSRFTokenKey)
	switch {
	case err == nil:
		m.last = token
		m.unpersisted = false
		return token, nil
	case errors.Is(err, storage.ErrNotFound):
		if m.unpersisted {
			return m.last, nil
		}
		m.last = ""
		return "", nil
	default:
		m.metrics.RecordPersistenceError(ctx, "csrf")
		if m.last == "" {
			return "", fmt.Errorf("failed to read CSRF token: %w", err)
		}
		m.logger.Info("CSRF session store read failed, using last known token", "error", err)
		return m.last, nil
	}
}

// persist stores token, keeping it in memory if the store fails. Must be called with m.mu held.
func (m *CSRFManager) persist(ctx context.Context, token string) {
	m.last = token
	m.unpersisted = true
	if m.store == nil {
		return
	}
	if err := m.store.Set(ctx, CSRFTokenKey, token); err != nil {
		m.metrics.RecordPersistenceError(ctx, "csrf")
		m.logger.Info("CSRF session store write failed, using in-memory token", "error", err)
		return
	}
	m.unpersisted = false
}
