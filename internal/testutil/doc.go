// Package testutil provides testing utilities shared by the hardening packages:
// a controllable clock, a slog handler that counts records per level, and a
// small builder for HTTP requests against handlers and middleware.
package testutil
