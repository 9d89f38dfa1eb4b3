package security

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/hardening/instrumentation"
)

// testIterations keeps derivation fast in tests that run many operations
const testIterations = 1000

func newTestEngine(t *testing.T, mode SaltMode) *EncryptionEngine {
	t.Helper()

	e, err := NewEncryptionEngine(EncryptionConfig{Iterations: testIterations, SaltMode: mode}, nil)
	if err != nil {
		t.Fatalf("NewEncryptionEngine() error = %v", err)
	}
	return e
}

func TestNewEncryptionEngine(t *testing.T) {
	tests := []struct {
		name    string
		cfg     EncryptionConfig
		wantErr bool
	}{
		{name: "defaults", cfg: EncryptionConfig{}},
		{name: "per payload salt", cfg: EncryptionConfig{SaltMode: SaltModePerPayload}},
		{name: "custom salt", cfg: EncryptionConfig{Salt: []byte("0123456789abcdef")}},
		{name: "too few iterations", cfg: EncryptionConfig{Iterations: 10}, wantErr: true},
		{name: "unknown salt mode", cfg: EncryptionConfig{SaltMode: "random"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEncryptionEngine(tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptionEngine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if e.iterations != DefaultIterations && tt.cfg.Iterations == 0 {
				t.Errorf("iterations = %d, want %d", e.iterations, DefaultIterations)
			}
			if tt.cfg.SaltMode == "" && e.SaltMode() != SaltModeFixed {
				t.Errorf("salt mode = %q, want fixed", e.SaltMode())
			}
		})
	}
}

func TestEncryptionEngine_RoundTrip_DefaultParameters(t *testing.T) {
	ctx := context.Background()
	e, err := NewEncryptionEngine(EncryptionConfig{}, nil)
	if err != nil {
		t.Fatalf("NewEncryptionEngine() error = %v", err)
	}

	payload, err := e.Encrypt(ctx, "my secret note", "correct horse battery staple")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	got, err := e.Decrypt(ctx, payload, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != "my secret note" {
		t.Errorf("Decrypt() = %q, want %q", got, "my secret note")
	}
}

func TestEncryptionEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()

	inputs := []struct {
		name      string
		plaintext string
		password  string
	}{
		{name: "ascii", plaintext: "hello", password: "pw"},
		{name: "unicode", plaintext: "grüße 👋 世界", password: "pässwörd"},
		{name: "empty plaintext", plaintext: "", password: "pw"},
		{name: "empty password", plaintext: "data", password: ""},
		{name: "large", plaintext: strings.Repeat("x", 64*1024), password: "pw"},
		{name: "json", plaintext: `{"apiKey":"sk-123","notes":["a","b"]}`, password: "pw"},
	}

	for _, mode := range []SaltMode{SaltModeFixed, SaltModePerPayload} {
		e := newTestEngine(t, mode)
		for _, in := range inputs {
			t.Run(string(mode)+"/"+in.name, func(t *testing.T) {
				payload, err := e.Encrypt(ctx, in.plaintext, in.password)
				if err != nil {
					t.Fatalf("Encrypt() error = %v", err)
				}
				got, err := e.Decrypt(ctx, payload, in.password)
				if err != nil {
					t.Fatalf("Decrypt() error = %v", err)
				}
				if got != in.plaintext {
					t.Errorf("Decrypt() = %q, want %q", got, in.plaintext)
				}
			})
		}
	}
}

func TestEncryptionEngine_PayloadLayout(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		mode     SaltMode
		overhead int
	}{
		{mode: SaltModeFixed, overhead: NonceSize + 16},
		{mode: SaltModePerPayload, overhead: PerPayloadSaltSize + NonceSize + 16},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			e := newTestEngine(t, tt.mode)
			payload, err := e.Encrypt(ctx, "12345", "pw")
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			raw, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				t.Fatalf("payload is not standard base64: %v", err)
			}
			if len(raw) != tt.overhead+5 {
				t.Errorf("decoded length = %d, want %d", len(raw), tt.overhead+5)
			}
		})
	}
}

func TestEncryptionEngine_FreshNonce(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, SaltModeFixed)

	a, _ := e.Encrypt(ctx, "same", "pw")
	b, _ := e.Encrypt(ctx, "same", "pw")
	if a == b {
		t.Fatal("identical inputs produced identical payloads")
	}

	rawA, _ := base64.StdEncoding.DecodeString(a)
	rawB, _ := base64.StdEncoding.DecodeString(b)
	if bytes.Equal(rawA[:NonceSize], rawB[:NonceSize]) {
		t.Error("nonce reused")
	}

	for _, p := range []string{a, b} {
		if got, err := e.Decrypt(ctx, p, "pw"); err != nil || got != "same" {
			t.Errorf("Decrypt() = %q, %v", got, err)
		}
	}
}

func TestEncryptionEngine_TamperDetection(t *testing.T) {
	ctx := context.Background()

	for _, mode := range []SaltMode{SaltModeFixed, SaltModePerPayload} {
		t.Run(string(mode), func(t *testing.T) {
			e := newTestEngine(t, mode)
			payload, err := e.Encrypt(ctx, "tamper me", "pw")
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			raw, _ := base64.StdEncoding.DecodeString(payload)

			for i := range raw {
				tampered := append([]byte(nil), raw...)
				tampered[i] ^= 0x01
				_, err := e.Decrypt(ctx, base64.StdEncoding.EncodeToString(tampered), "pw")
				if !errors.Is(err, ErrAuthentication) {
					t.Errorf("byte %d flipped: error = %v, want ErrAuthentication", i, err)
				}
			}
		})
	}
}

func TestEncryptionEngine_WrongPassword(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, SaltModeFixed)

	payload, _ := e.Encrypt(ctx, "secret", "p1")
	got, err := e.Decrypt(ctx, payload, "p2")
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("Decrypt() error = %v, want ErrAuthentication", err)
	}
	if got != "" {
		t.Errorf("Decrypt() returned %q on failure", got)
	}
}

func TestEncryptionEngine_DifferentParameters(t *testing.T) {
	ctx := context.Background()
	a := newTestEngine(t, SaltModeFixed)
	b, _ := NewEncryptionEngine(EncryptionConfig{Iterations: testIterations, Salt: []byte("another-salt")}, nil)
	c, _ := NewEncryptionEngine(EncryptionConfig{Iterations: testIterations + 1}, nil)

	payload, _ := a.Encrypt(ctx, "secret", "pw")
	for name, e := range map[string]*EncryptionEngine{"salt": b, "iterations": c} {
		if _, err := e.Decrypt(ctx, payload, "pw"); !errors.Is(err, ErrAuthentication) {
			t.Errorf("different %s: error = %v, want ErrAuthentication", name, err)
		}
	}
}

func TestEncryptionEngine_InvalidPayload(t *testing.T) {
	ctx := context.Background()
	short := base64.StdEncoding.EncodeToString(make([]byte, NonceSize-1))
	shortSalted := base64.StdEncoding.EncodeToString(make([]byte, PerPayloadSaltSize+NonceSize-1))

	tests := []struct {
		name    string
		mode    SaltMode
		payload string
		wantErr error
	}{
		{name: "not base64", mode: SaltModeFixed, payload: "!!!not-base64!!!", wantErr: ErrInvalidPayload},
		{name: "url alphabet", mode: SaltModeFixed, payload: "ab-_", wantErr: ErrInvalidPayload},
		{name: "missing padding", mode: SaltModeFixed, payload: "YWJj" + "ZA", wantErr: ErrInvalidPayload},
		{name: "empty", mode: SaltModeFixed, payload: "", wantErr: ErrInvalidPayload},
		{name: "shorter than nonce", mode: SaltModeFixed, payload: short, wantErr: ErrInvalidPayload},
		{name: "shorter than salt and nonce", mode: SaltModePerPayload, payload: shortSalted, wantErr: ErrInvalidPayload},
		{name: "nonce only", mode: SaltModeFixed, payload: base64.StdEncoding.EncodeToString(make([]byte, NonceSize)), wantErr: ErrAuthentication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, tt.mode)
			_, err := e.Decrypt(ctx, tt.payload, "pw")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptionEngine_RandomSourceFailure(t *testing.T) {
	ctx := context.Background()

	for _, mode := range []SaltMode{SaltModeFixed, SaltModePerPayload} {
		t.Run(string(mode), func(t *testing.T) {
			e := newTestEngine(t, mode)
			e.SetRandomSource(failingReader{})
			rec := &collectingRecorder{}
			e.SetRecorder(rec)

			_, err := e.Encrypt(ctx, "x", "pw")
			if !errors.Is(err, ErrRandomSourceUnavailable) {
				t.Fatalf("Encrypt() error = %v, want ErrRandomSourceUnavailable", err)
			}
			events := rec.all()
			if len(events) != 1 || events[0].Severity != SeverityCritical {
				t.Errorf("events = %+v, want one critical event", events)
			}
		})
	}
}

func TestEncryptionEngine_RecordsFailures(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-7")
	e := newTestEngine(t, SaltModeFixed)
	rec := &collectingRecorder{}
	e.SetRecorder(rec)

	payload, _ := e.Encrypt(ctx, "secret", "pw")
	if len(rec.all()) != 0 {
		t.Fatal("successful Encrypt() recorded an event")
	}

	_, _ = e.Decrypt(ctx, payload, "wrong")
	_, _ = e.Decrypt(ctx, "%%%", "pw")

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != EventEncryption || events[0].Severity != SeverityMedium || events[0].Details["reason"] != "authentication" {
		t.Errorf("auth failure event = %+v", events[0])
	}
	if events[1].Severity != SeverityLow || events[1].Details["reason"] != "invalid_payload" {
		t.Errorf("invalid payload event = %+v", events[1])
	}
	if events[0].Details["request_id"] != "req-7" {
		t.Errorf("request_id = %v, want req-7", events[0].Details["request_id"])
	}
	for _, ev := range events {
		for _, v := range ev.Details {
			if s, ok := v.(string); ok && (s == "wrong" || s == "secret") {
				t.Errorf("event details leak sensitive value %q", s)
			}
		}
	}
}

func TestEncryptionEngine_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newTestEngine(t, SaltModeFixed)
	if _, err := e.Encrypt(ctx, "x", "pw"); !errors.Is(err, context.Canceled) {
		t.Errorf("Encrypt() error = %v, want context.Canceled", err)
	}
	if _, err := e.Decrypt(ctx, "x", "pw"); !errors.Is(err, context.Canceled) {
		t.Errorf("Decrypt() error = %v, want context.Canceled", err)
	}
}

func TestEncryptionEngine_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, TracerProvider: provider})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}

	ctx := context.Background()
	e := newTestEngine(t, SaltModeFixed)
	e.SetInstrumentation(inst)

	payload, _ := e.Encrypt(ctx, "x", "pw")
	_, _ = e.Decrypt(ctx, payload, "pw")

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("spans = %d, want 2", len(ended))
	}
	if ended[0].Name() != "encryption.encrypt" || ended[1].Name() != "encryption.decrypt" {
		t.Errorf("span names = %q, %q", ended[0].Name(), ended[1].Name())
	}
}

func TestDeriveKey(t *testing.T) {
	a := DeriveKey("pw", []byte("salt"), testIterations)
	b := DeriveKey("pw", []byte("salt"), testIterations)
	c := DeriveKey("pw2", []byte("salt"), testIterations)

	if len(a) != KeySize {
		t.Errorf("key length = %d, want %d", len(a), KeySize)
	}
	if !bytes.Equal(a, b) {
		t.Error("derivation is not deterministic")
	}
	if bytes.Equal(a, c) {
		t.Error("different passwords derived the same key")
	}
}

func TestSaltBase64(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error = %v", err)
	}
	decoded, err := SaltFromBase64(SaltToBase64(salt))
	if err != nil {
		t.Fatalf("SaltFromBase64() error = %v", err)
	}
	if !bytes.Equal(salt, decoded) {
		t.Error("salt did not round-trip")
	}

	if _, err := SaltFromBase64("not base64!"); err == nil {
		t.Error("invalid base64 should fail")
	}
	if _, err := SaltFromBase64(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("short salt should fail")
	}
}
