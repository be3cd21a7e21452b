package store

// Artifact keys. Each is written by exactly one stage.
const (
	KeyValidatedEvents = "validated-events"
	KeyDuplicates      = "duplicate-notes"
	KeyWatermarks      = "watermarks"
	KeyStagedEvents    = "staged-events"
	KeyOrderedEvents   = "ordered-events"
	KeyFoldOrder       = "fold-order"
	KeyRollup          = "rollup"
	KeyPolicyResult    = "policy-result"
	KeyCarryResult     = "carry-result"
	KeyCarryReport     = "carry-report"
	KeySealResult      = "seal-result"
)

// Transcript streams.
const (
	StreamValidate   = "validate"
	StreamAccumulate = "accumulate"
	StreamPolicy     = "policy"
	StreamCarry      = "carry"
	StreamSeal       = "seal"
)
