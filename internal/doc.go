// Package internal contains helper utilities that are intentionally private
// to flashauth, including secure random generation, refresh token encoding,
// one-time code helpers, and device fingerprint hashing.
//
// # Sub-packages
//
//   - rate — core Redis-backed rate limit primitives
//   - stores — Redis-backed one-time code storage
//
// # What this package must NOT do
//
//   - Export types that appear in the public flashauth API.
//   - Be imported by any package outside the flashauth module.
package internal
