package hardening

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/giantswarm/hardening/instrumentation"
	"github.com/giantswarm/hardening/internal/util"
	"github.com/giantswarm/hardening/security"
)

// Rate limit response headers
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// maxFormBytes bounds form bodies parsed while looking for a CSRF token
const maxFormBytes = 1 << 20

// KeyFunc derives the rate limit key of a request.
type KeyFunc func(r *http.Request) string

// SessionFunc returns the session ID of a request, or "" when there is none.
type SessionFunc func(r *http.Request) string

// ClientIP returns the client address of r as seen through the configured proxies.
func (g *Guard) ClientIP(r *http.Request) string {
	return g.ipResolver.ClientIP(r)
}

// SessionFromCookie returns a SessionFunc reading the configured session cookie.
func (g *Guard) SessionFromCookie() SessionFunc {
	name := g.config.CSRF.SessionCookie
	return func(r *http.Request) string {
		c, err := r.Cookie(name)
		if err != nil {
			return ""
		}
		return c.Value
	}
}

// Secure sets request IDs and security headers on every response.
func (g *Guard) Secure(next http.Handler) http.Handler {
	return security.RequestIDMiddleware(security.SecurityHeadersMiddleware(g.headers)(next))
}

// RateLimit rejects requests over the quota of purpose with 429.
// A nil key function keys requests by client IP.
func (g *Guard) RateLimit(purpose string, key KeyFunc) func(http.Handler) http.Handler {
	limiter := g.limiters.Limiter(purpose)
	byIP := key == nil

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				g.logger.Error("Rate limit middleware configured with unknown purpose", "purpose", purpose)
				WriteError(w, AsError(security.ErrUnknownPurpose))
				return
			}

			var k string
			if byIP {
				k = g.ClientIP(r)
				if g.config.HTTP.ExemptLoopback && util.ClassifyAddr(k) == util.IPClassificationLoopback {
					next.ServeHTTP(w, r)
					return
				}
			} else {
				k = key(r)
			}

			ctx, span := g.instrumentation.Tracer("hardening/middleware").Start(r.Context(), "http.rate_limit")
			defer span.End()
			if byIP && g.instrumentation.ShouldLogClientIPs() {
				instrumentation.AddSecurityAttributes(span, k)
			}

			result := limiter.Check(ctx, k)
			setRateLimitHeaders(w, limiter.Config().MaxRequests, result)
			if !result.Allowed {
				g.instrumentation.Metrics().RecordHTTPRequestRejected(ctx, "rate_limit")
				WriteError(w, ErrRateLimited(result))
				return
			}
			instrumentation.SetSpanSuccess(span)

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, limit int, result security.RateLimitResult) {
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(result.Remaining))
	h.Set(HeaderRateLimitReset, strconv.Itoa(retryAfterSeconds(result.ResetIn)))
}

// CSRFProtect validates the CSRF token of unsafe requests (anything but
// GET, HEAD, OPTIONS and TRACE). The token is read from the configured header
// or, for form posts, the configured form field. Requests without a session
// are rejected.
func (g *Guard) CSRFProtect(session SessionFunc) func(http.Handler) http.Handler {
	if session == nil {
		session = g.SessionFromCookie()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			sessionID := session(r)
			if sessionID == "" {
				g.logger.Debug("CSRF check without session", "path", r.URL.Path)
				WriteError(w, ErrCSRFTokenInvalid())
				return
			}

			// Forged session cookies must not grow the manager cache
			manager := g.lookupCSRF(sessionID)

			candidate, err := g.csrfCandidate(w, r)
			if err != nil {
				WriteError(w, ErrInvalidRequest("request body too large"))
				return
			}

			if !manager.ValidateToken(r.Context(), candidate) {
				g.instrumentation.Metrics().RecordHTTPRequestRejected(r.Context(), "csrf")
				WriteError(w, ErrCSRFTokenInvalid())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// csrfCandidate extracts the submitted token from the header or form field
func (g *Guard) csrfCandidate(w http.ResponseWriter, r *http.Request) (string, error) {
	if token := r.Header.Get(g.config.CSRF.HeaderName); token != "" {
		return token, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", err
		}
		return "", nil
	}
	return r.PostForm.Get(g.config.CSRF.FormField), nil
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
