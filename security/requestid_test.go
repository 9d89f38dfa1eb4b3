package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "test-request-id-123")
	if got := GetRequestID(ctx); got != "test-request-id-123" {
		t.Errorf("GetRequestID() = %q, want %q", got, "test-request-id-123")
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestAcceptRequestID(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
		valid     bool
	}{
		{name: "alphanumeric", requestID: "abc123", valid: true},
		{name: "uuid", requestID: "550e8400-e29b-41d4-a716-446655440000", valid: true},
		{name: "underscores", requestID: "req_123_abc", valid: true},
		{name: "max length", requestID: strings.Repeat("a", 128), valid: true},
		{name: "empty", requestID: "", valid: false},
		{name: "too long", requestID: strings.Repeat("a", 129), valid: false},
		{name: "CRLF injection", requestID: "abc\r\nSet-Cookie: x=y", valid: false},
		{name: "spaces", requestID: "abc 123", valid: false},
		{name: "script", requestID: "<script>", valid: false},
		{name: "non-ascii", requestID: "req-é", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := acceptRequestID(tt.requestID); got != tt.valid {
				t.Errorf("acceptRequestID(%q) = %v, want %v", tt.requestID, got, tt.valid)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		upstreamID   string
		wantUpstream bool
	}{
		{name: "no upstream ID", upstreamID: ""},
		{name: "valid upstream ID", upstreamID: "upstream-123", wantUpstream: true},
		{name: "invalid upstream ID", upstreamID: "bad id\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstreamID != "" {
				req.Header.Set(RequestIDHeader, tt.upstreamID)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if captured == "" {
				t.Fatal("request ID missing from context")
			}
			if got := w.Header().Get(RequestIDHeader); got != captured {
				t.Errorf("response header = %q, context = %q", got, captured)
			}
			if tt.wantUpstream && captured != tt.upstreamID {
				t.Errorf("request ID = %q, want upstream %q", captured, tt.upstreamID)
			}
			if !tt.wantUpstream {
				if captured == tt.upstreamID {
					t.Errorf("invalid upstream ID %q was propagated", tt.upstreamID)
				}
				if _, err := uuid.Parse(captured); err != nil {
					t.Errorf("minted request ID %q is not a UUID: %v", captured, err)
				}
			}
		})
	}
}

func TestEventDetails(t *testing.T) {
	details := eventDetails(WithRequestID(context.Background(), "req-9"), map[string]any{"k": 1})
	if details["request_id"] != "req-9" || details["k"] != 1 {
		t.Errorf("details = %v", details)
	}
	if _, ok := eventDetails(context.Background(), map[string]any{})["request_id"]; ok {
		t.Error("request_id set without a request ID in the context")
	}
}
