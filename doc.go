// Package hardening provides request-level security for web applications:
// fixed-window rate limiting, per-session CSRF tokens, password-based
// encryption of user data, and a capped security audit log.
//
// The building blocks live in the security package. This package wires them
// together behind a Guard configured from TOML and exposes them as HTTP
// middleware:
//
//	cfg, err := hardening.LoadConfig("hardening.toml")
//	if err != nil {
//	    return err
//	}
//	guard, err := hardening.New(*cfg)
//	if err != nil {
//	    return err
//	}
//	defer guard.Close(context.Background())
//
//	mux.Handle("POST /login", guard.RateLimit(security.PurposeLogin, nil)(
//	    guard.CSRFProtect(nil)(loginHandler)))
//	http.ListenAndServe(":8080", guard.Secure(mux))
//
// # Storage
//
// The audit log and caller payloads go to the durable store, CSRF tokens to
// the session store, and rate limit windows either stay in process memory or
// are shared through a backend counter. Backends: memory, sqlite, redis and
// valkey.
//
// # Errors
//
// HTTP-facing failures are written as JSON by WriteError. UserMessage maps
// decryption failures to a single message that does not reveal whether the
// password or the data was wrong.
package hardening
