package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/vgomini/internal/ir"
)

// StageError is a reason-coded failure that halts the pipeline.
//
// Stage-local issues (duplicates, non-integer amounts, binding caps) are
// transcript notes, never StageErrors. A StageError means the next stage
// must not run: its input is missing or fails a cross-stage invariant.
type StageError struct {
	// Code is one of the ir.Code* reason codes.
	Code string

	// Stage names the stage that refused.
	Stage string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Stage, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *StageError) Unwrap() error { return e.Err }

// CodeOf returns the reason code carried by err, or "" when err is not a
// StageError. Uses errors.As to handle wrapped errors.
func CodeOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsUpstreamMissing reports whether a stage ran before its input existed.
func IsUpstreamMissing(err error) bool {
	return CodeOf(err) == ir.CodeUpstreamMissing
}

// IsWindowOpen reports whether staging was refused because the window's
// watermarks have not closed.
func IsWindowOpen(err error) bool {
	return CodeOf(err) == ir.CodeWindowOpen
}

func upstreamMissing(stage, key string) *StageError {
	return &StageError{
		Code:    ir.CodeUpstreamMissing,
		Stage:   stage,
		Message: fmt.Sprintf("%s has not been written; run the upstream stage first", key),
	}
}
