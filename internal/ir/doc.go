// Package ir provides the canonical data model for the VGOmini settlement
// pipeline.
//
// This package contains the record types exchanged between stages, the
// canonical JSON encoder used for every content hash, and the
// domain-separated hash helpers. All other internal packages import ir;
// ir imports nothing internal.
//
// Key design constraints:
//   - Money is int64 minor units everywhere. The only non-integer quantities
//     (the exact bonus and its fractional part) travel as decimal strings.
//   - NO float types in anything that is hashed.
//   - All JSON tags use snake_case.
//   - Every persisted artifact is keyed by an explicit window identifier.
package ir
