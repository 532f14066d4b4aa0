// Package middleware exposes HTTP middleware adapters for access token
// enforcement built on top of flashauth.Engine validation.
//
// # Guards
//
//   - [Guard] — stateless access token verification, no Redis call.
//   - [ClientContext] — records client IP and User-Agent for session
//     fingerprinting.
//
// Guard reads the Authorization header, calls Engine.ValidateAccess, and
// injects the validated identity into the request context.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// implement authentication logic itself. All decisions are delegated to
// Engine.ValidateAccess.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine).
//   - Access Redis (Engine handles I/O).
//   - Make authorization decisions beyond pass/reject from ValidateAccess.
package middleware
