// Package security implements the hardening components: per-purpose fixed
// window rate limiting, a per-session CSRF token manager, password-based
// authenticated encryption, and a size-bounded audit log.
//
// # Rate Limiting
//
// FixedWindowLimiter counts requests per key in fixed windows. A window starts
// on the first request for a key and is replaced once its reset time has
// passed. LimiterSet builds one limiter per purpose (api, login, messages,
// uploads by default); purposes never share counts.
//
//	set, _ := security.NewLimiterSet(security.DefaultRateLimitConfigs(), logger)
//	res, _ := set.Check(ctx, security.PurposeLogin, userID)
//	if !res.Allowed {
//	    // res.Message, res.ResetIn
//	}
//
// A limiter can count in a shared storage.WindowCounter so several processes
// enforce one quota. When the backend fails the limiter counts in memory and
// reports the failure at most once per minute.
//
// # CSRF Tokens
//
// CSRFManager keeps one 64 hex character token per session store. GetToken
// creates it lazily; it stays stable until Rotate or Clear.
//
// # Encryption
//
// EncryptionEngine derives an AES-256 key with PBKDF2-SHA-256 (100,000
// iterations) and seals data with AES-GCM under a fresh 12-byte nonce.
// Payloads are base64(nonce || ciphertext+tag). With SaltModePerPayload a
// random 16-byte salt is stored in front of the nonce instead of using the
// fixed application salt.
//
// Decrypt fails with ErrInvalidPayload for malformed input and with
// ErrAuthentication for a wrong password or tampered data.
//
// # Audit Log
//
// AuditLog persists the most recent 1000 events as a JSON array under
// "security_audit_log". High severity events are logged at Warn and critical
// events at Error as they are recorded. Storage failures never reach callers.
package security
