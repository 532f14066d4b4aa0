// Package stores provides the Redis-backed, short-lived record store for
// pending one-time codes.
//
// # Design
//
// Each record is a versioned, binary-encoded blob in Redis with a TTL.
// Mutation operations (Save, Consume) use WATCH/MULTI optimistic
// transactions with automatic retry on contention, so there is at most one
// live record per (purpose, email) pair. Records are single-use: consumed
// or deleted on success, and attempt-limited. Code comparisons use
// constant-time compare.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for transient code
// records. It does NOT generate codes, enforce rate limits, or make
// authentication decisions; those belong to the engine.
//
// # What this package must NOT do
//
//   - Import the root package or any sibling internal package.
//   - Log or expose plaintext codes.
//   - Use non-constant-time comparisons for code matching.
package stores
