package ir

// Reason codes. Every user-visible failure and every transcript note carries
// one of these short machine-readable strings.
const (
	// Ingestion
	CodeMalformedBatch = "MALFORMED_BATCH"
	CodeMissingField   = "MISSING_FIELD"
	CodeInvalidEvent   = "INVALID_EVENT"
	CodeLeaseHeld      = "LEASE_HELD"
	CodeLeaseConflict  = "LEASE_CONFLICT"
	CodeTenantMismatch = "TENANT_MISMATCH"

	// Validation
	CodeIdempotencyDup = "IDEMPOTENCY_DUP"
	CodeEventIDDup     = "EVENT_ID_DUP"
	CodeWatermark      = "WATERMARK"
	CodeStaged         = "STAGED"

	// Data quality
	CodeNonIntegerAmount = "NON_INTEGER_AMOUNT"
	CodeAmountOverflow   = "AMOUNT_OVERFLOW"

	// Policy
	CodePolicyCapApplied = "POLICY_CAP_APPLIED"
	CodePolicyDecision   = "POLICY_DECISION"
	CodeAckMissing       = "ACK_MISSING"
	CodeAckExpired       = "ACK_EXPIRED"
	CodeReservesNOK      = "RESERVES_NOK"
	CodeCTMissing        = "CT_MISSING"
	CodeCTExpired        = "CT_EXPIRED"
	CodeCTPrefix         = "CT_"
	CodeRuleHold         = "RULE_HOLD"
	CodeBonusPctNegative = "BONUS_PCT_NEGATIVE"
	CodePolicyInvalid    = "POLICY_INVALID"

	// Carry
	CodeCarryLedger       = "CARRY_LEDGER"
	CodeCarryInvariant    = "CARRY_INVARIANT"
	CodeCarryNoCandidates = "CARRY_NO_CANDIDATES"

	// Seal
	CodeSealed               = "SEALED"
	CodeSealReused           = "SEAL_REUSED"
	CodeSealInvalidated      = "SEAL_INVALIDATED"
	CodeSealRemainderNonZero = "SEAL_REMAINDER_NONZERO"
	CodeSealVerifyFailed     = "SEAL_VERIFY_FAILED"

	// Pipeline
	CodeUpstreamMissing = "UPSTREAM_MISSING"
	CodeWindowOpen      = "WINDOW_OPEN"
)
