// Package rate provides Redis-backed fixed-window counters guarding the
// login flow.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. The check
// path is a plain GET, so limited callers never reach the credential store.
// Key prefixes:
//   - al:  — login per-email
//   - ali: — login per-IP
//
// # What this package must NOT do
//
//   - Implement flow-specific policies (those live in the engine).
//   - Be imported outside this module.
package rate
