package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/pbkdf2"

	"github.com/giantswarm/hardening/instrumentation"
)

const (
	// DefaultIterations is the PBKDF2 iteration count
	DefaultIterations = 100000

	// KeySize is the derived AES-256 key length in bytes
	KeySize = 32

	// NonceSize is the GCM nonce (IV) length in bytes
	NonceSize = 12

	// PerPayloadSaltSize is the random salt length stored in front of payloads
	// when SaltModePerPayload is used
	PerPayloadSaltSize = 16

	// MinIterations guards against configurations that make derivation trivial
	MinIterations = 1000
)

// defaultSalt is the fixed application-wide salt used by SaltModeFixed.
// Changing it makes every existing payload undecryptable.
var defaultSalt = []byte("giantswarm/hardening:pbkdf2-salt:v1")

// SaltMode selects where the PBKDF2 salt comes from.
type SaltMode string

const (
	// SaltModeFixed derives every key from the configured application-wide salt.
	// The same password always yields the same key.
	SaltModeFixed SaltMode = "fixed"

	// SaltModePerPayload draws a random salt for every Encrypt call and stores it
	// in front of the nonce: base64(salt(16) || nonce(12) || ciphertext+tag).
	SaltModePerPayload SaltMode = "per_payload"
)

// EncryptionConfig configures an EncryptionEngine. Zero values select defaults.
type EncryptionConfig struct {
	// Salt is the fixed salt (default: built-in application salt)
	Salt []byte

	// Iterations is the PBKDF2 iteration count (default: 100,000)
	Iterations int

	// SaltMode selects fixed or per-payload salts (default: SaltModeFixed)
	SaltMode SaltMode
}

// EncryptionEngine encrypts strings under a password using PBKDF2-SHA-256 and
// AES-256-GCM. Every Encrypt call uses a fresh random nonce.
type EncryptionEngine struct {
	salt       []byte
	iterations int
	saltMode   SaltMode
	logger     *slog.Logger

	mu       sync.RWMutex
	random   io.Reader
	recorder Recorder
	metrics  *instrumentation.Metrics
	tracer   trace.Tracer
}

// NewEncryptionEngine creates an engine. Iteration counts below 1000 are rejected.
func NewEncryptionEngine(cfg EncryptionConfig, logger *slog.Logger) (*EncryptionEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	salt := cfg.Salt
	if len(salt) == 0 {
		salt = defaultSalt
	}

	iterations := cfg.Iterations
	if iterations == 0 {
		iterations = DefaultIterations
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("iterations must be at least %d, got %d", MinIterations, iterations)
	}

	mode := cfg.SaltMode
	switch mode {
	case "":
		mode = SaltModeFixed
	case SaltModeFixed, SaltModePerPayload:
	default:
		return nil, fmt.Errorf("unknown salt mode %q", mode)
	}

	return &EncryptionEngine{
		salt:       append([]byte(nil), salt...),
		iterations: iterations,
		saltMode:   mode,
		logger:     logger,
		random:     rand.Reader,
		recorder:   nopRecorder{},
	}, nil
}

// SetRandomSource replaces the random source for nonces and salts (for testing)
func (e *EncryptionEngine) SetRandomSource(r io.Reader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.random = r
}

// SetRecorder sets where encryption failure events are recorded
func (e *EncryptionEngine) SetRecorder(recorder Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if recorder == nil {
		recorder = nopRecorder{}
	}
	e.recorder = recorder
}

// SetInstrumentation enables metrics and tracing
func (e *EncryptionEngine) SetInstrumentation(inst *instrumentation.Instrumentation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inst != nil {
		e.metrics = inst.Metrics()
		e.tracer = inst.Tracer("security")
	}
}

// SaltMode returns the configured salt mode
func (e *EncryptionEngine) SaltMode() SaltMode {
	return e.saltMode
}

// DeriveKey derives a 32-byte key from password with PBKDF2-SHA-256.
func DeriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)
}

// Encrypt encrypts plaintext under password and returns a base64 payload.
func (e *EncryptionEngine) Encrypt(ctx context.Context, plaintext, password string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	_, span, finish := e.begin(ctx, "encrypt", len(plaintext))
	defer span.End()

	e.mu.RLock()
	random := e.random
	e.mu.RUnlock()

	var prefix []byte
	salt := e.salt
	if e.saltMode == SaltModePerPayload {
		salt = make([]byte, PerPayloadSaltSize)
		if _, err := io.ReadFull(random, salt); err != nil {
			err = fmt.Errorf("%w: failed to generate salt: %v", ErrRandomSourceUnavailable, err)
			return "", finish(err, SeverityCritical, "random_source")
		}
		prefix = salt
	}

	gcm, err := newGCM(DeriveKey(password, salt, e.iterations))
	if err != nil {
		return "", finish(err, SeverityCritical, "cipher")
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(random, nonce); err != nil {
		err = fmt.Errorf("%w: failed to generate nonce: %v", ErrRandomSourceUnavailable, err)
		return "", finish(err, SeverityCritical, "random_source")
	}

	// Storage format: [salt][nonce][ciphertext+tag], salt only in per-payload mode
	out := make([]byte, 0, len(prefix)+NonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, prefix...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)

	_ = finish(nil, "", "")
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Malformed input fails with ErrInvalidPayload;
// a wrong password or tampered payload fails with ErrAuthentication.
func (e *EncryptionEngine) Decrypt(ctx context.Context, payload, password string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	_, span, finish := e.begin(ctx, "decrypt", len(payload))
	defer span.End()

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", finish(fmt.Errorf("%w: failed to decode base64: %v", ErrInvalidPayload, err), SeverityLow, "invalid_payload")
	}

	salt := e.salt
	if e.saltMode == SaltModePerPayload {
		if len(data) < PerPayloadSaltSize+NonceSize {
			return "", finish(fmt.Errorf("%w: payload too short", ErrInvalidPayload), SeverityLow, "invalid_payload")
		}
		salt, data = data[:PerPayloadSaltSize], data[PerPayloadSaltSize:]
	}

	if len(data) < NonceSize {
		return "", finish(fmt.Errorf("%w: payload too short", ErrInvalidPayload), SeverityLow, "invalid_payload")
	}

	gcm, err := newGCM(DeriveKey(password, salt, e.iterations))
	if err != nil {
		return "", finish(err, SeverityCritical, "cipher")
	}

	nonce, ciphertext := data[:NonceSize], data[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", finish(ErrAuthentication, SeverityMedium, "authentication")
	}

	_ = finish(nil, "", "")
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// begin starts the span for an operation and returns a finish function that
// records metrics, the span status and, for failures, an encryption event.
// finish returns err unchanged.
func (e *EncryptionEngine) begin(ctx context.Context, operation string, size int) (context.Context, trace.Span, func(err error, severity Severity, reason string) error) {
	e.mu.RLock()
	tracer := e.tracer
	metrics := e.metrics
	recorder := e.recorder
	e.mu.RUnlock()

	span := trace.SpanFromContext(ctx)
	if tracer != nil {
		ctx, span = tracer.Start(ctx, "encryption."+operation)
		instrumentation.AddEncryptionAttributes(span, operation, string(e.saltMode), size)
	}
	startTime := time.Now()

	finish := func(err error, severity Severity, reason string) error {
		durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
		metrics.RecordEncryptionOperation(ctx, operation, err == nil, durationMs)

		if err == nil {
			instrumentation.SetSpanSuccess(span)
			return nil
		}
		instrumentation.RecordError(span, err)

		details := map[string]any{
			"operation": operation,
			"reason":    reason,
			"salt_mode": string(e.saltMode),
		}
		recorder.Record(ctx, Event{
			Type:     EventEncryption,
			Severity: severity,
			Details:  eventDetails(ctx, details),
		})
		return err
	}

	return ctx, span, finish
}

// GenerateSalt returns a random salt suitable for EncryptionConfig.Salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, PerPayloadSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomSourceUnavailable, err)
	}
	return salt, nil
}

// SaltFromBase64 decodes a base64-encoded salt from configuration
func SaltFromBase64(s string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 salt: %w", err)
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("salt must be at least 8 bytes, got %d", len(salt))
	}
	return salt, nil
}

// SaltToBase64 encodes a salt for configuration files
func SaltToBase64(salt []byte) string {
	return base64.StdEncoding.EncodeToString(salt)
}
