// Package session provides Redis-backed session persistence and compact
// binary session encoding for authentication hot paths.
//
// # Binary encoding
//
// Sessions are stored in Redis as a compact binary blob (format v1). The
// refresh hash sits at a fixed offset from the user ID so the rotation
// script can patch it in place.
//
// # Per-user cap
//
// A per-user ZSET scored by creation time indexes sessions. Save runs one
// Lua script that inserts the session, prunes stale index entries, and
// evicts the oldest sessions above the cap, so cap enforcement is atomic
// per user.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session]
// model. It does NOT interpret JWT tokens or enforce authentication
// policy; those responsibilities belong to the Engine.
//
// # What this package must NOT do
//
//   - Import the root package or jwt (no upward imports).
//   - Perform application-level authorization decisions.
//   - Store plaintext secrets in [Session] fields.
package session
