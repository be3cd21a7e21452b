package harness

import "github.com/roach88/vgomini/internal/ir"

// TraceEvent is one transcript note, flattened with the stream it was
// written to.
type TraceEvent struct {
	Stream    string            `json:"stream"`
	Seq       int64             `json:"seq"`
	Code      string            `json:"code"`
	Principal string            `json:"principal,omitempty"`
	EventID   string            `json:"event_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds the window transcript in stage order: validate,
	// accumulate, policy, carry, seal.
	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Rejected lists ingestion reason codes in submission order, batch
	// lines included.
	Rejected []string `json:"rejected,omitempty"`

	// ErrorCode is the reason code that stopped the pipeline, if any.
	ErrorCode string `json:"error_code,omitempty"`

	// The fields below describe the last successful run.
	Outcome          string                 `json:"outcome,omitempty"`
	FinalRows        []ir.FinalRow          `json:"final_rows,omitempty"`
	TargetTotalMinor int64                  `json:"target_total_minor"`
	SealHash         string                 `json:"seal_hash,omitempty"`
	Decisions        map[string]ir.Decision `json:"decisions,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:      true,
		Trace:     []TraceEvent{},
		Errors:    []string{},
		Decisions: map[string]ir.Decision{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
