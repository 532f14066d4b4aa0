// Package flashauth provides the credential and session lifecycle engine for
// a flashcard learning service: OTP-gated email registration, Argon2id
// credential checks, JWT access tokens, rotating opaque refresh tokens, and
// Redis-backed session control with a per-user session cap.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// flashauth is the public surface. It exposes [Engine], [Builder], [Config],
// the [UserProvider] and [OTPSender] integration points, and value types
// (TokenPair, AuthResult, MetricsSnapshot). Session encoding, OTP storage,
// and rate limiting live under internal/ and are never exported.
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or encoding details in its
//     public API.
//   - Store user profile data. Accounts live behind [UserProvider]; the
//     engine only reads credential hashes and verification state.
//   - Perform I/O outside of Engine methods (construction via Builder is
//     allocation-only until Build).
//
// # Performance contract
//
// ValidateAccess is the hot path. It verifies the token signature and time
// claims without any Redis round-trip. Login, Refresh, and the OTP flows are
// allowed a small constant number of Redis round-trips per call.
package flashauth
