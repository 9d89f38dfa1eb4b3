package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLength bounds upstream IDs echoed back to the client
const maxRequestIDLength = 128

type requestIDKey struct{}

// WithRequestID returns a context carrying requestID. Audit events recorded
// with that context get it as details["request_id"].
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID returns the request ID of ctx, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// eventDetails adds the request ID of ctx to details when there is one
func eventDetails(ctx context.Context, details map[string]any) map[string]any {
	if id := GetRequestID(ctx); id != "" {
		details["request_id"] = id
	}
	return details
}

// acceptRequestID reports whether an upstream ID may be reused: 1 to 128
// ASCII letters, digits, '-' or '_'. Anything else could smuggle header
// content into the response or the audit log.
func acceptRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// RequestIDMiddleware tags every request with an ID, reusing an acceptable
// upstream X-Request-ID or minting a UUID, and echoes it in the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !acceptRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}
