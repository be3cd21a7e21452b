// Package engine drives a settlement window through its stages.
//
// Stage order is fixed:
//
//	Validate -> Stage -> Order -> Accumulate -> ApplyPolicy -> Carry -> Seal
//
// Each stage reads the artifact written by the stage before it and writes
// its own under the window's key space in the store. A stage that finds its
// upstream artifact missing fails with UPSTREAM_MISSING; nothing downstream
// runs.
//
// Checkpointing:
// Every artifact carries the input signature it was computed from, the
// domain-separated hash of the upstream bytes and the stage parameters.
// Re-running a stage whose input signature is unchanged returns the stored
// artifact and appends nothing to the transcript. Changing any upstream
// input recomputes that stage and every stage after it on the next run.
//
// Sealing is idempotent on the carry fingerprint: an unchanged carry output
// returns the stored seal (SEAL_REUSED); a changed one replaces it
// (SEAL_INVALIDATED).
//
// Determinism:
// No stage reads the wall clock except Seal, for materialized_at, which is
// outside the seal hash. Replay recomputes the window from its ingress
// ledger in a scratch store and must reproduce the stored seal hash.
package engine
