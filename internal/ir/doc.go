// Package ir provides the canonical value model, canonical hashing and the
// core record types for peagen.
//
// This package contains types and pure functions only. All other internal
// packages import ir; ir imports nothing internal. This keeps hashing the
// foundational layer with no circular dependencies.
//
// Key constraints:
//   - Canonical JSON (MarshalCanonical) is the ONLY encoding used for
//     content-addressed identity.
//   - Hash functions are pure and side-effect free.
//   - All JSON tags use snake_case.
package ir
