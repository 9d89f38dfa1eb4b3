// Package util provides small helpers shared by the hardening packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging keys and identifiers
//   - ClassifyIP: Classifies client addresses (public, private, loopback, etc.)
package util
