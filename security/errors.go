package security

import "errors"

var (
	// ErrInvalidPayload is returned when an encrypted payload is not valid base64
	// or is too short to contain the nonce.
	ErrInvalidPayload = errors.New("invalid encrypted payload")

	// ErrAuthentication is returned when authenticated decryption fails: wrong
	// password, tampered payload, or different key derivation parameters.
	ErrAuthentication = errors.New("authentication failed")

	// ErrRandomSourceUnavailable is returned when the cryptographic random source fails.
	// There is no fallback to a weaker generator.
	ErrRandomSourceUnavailable = errors.New("random source unavailable")

	// ErrUnknownPurpose is returned by LimiterSet for purposes it was not configured with
	ErrUnknownPurpose = errors.New("unknown rate limit purpose")
)
