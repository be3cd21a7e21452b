package ingest

import (
	"errors"
	"fmt"

	"github.com/roach88/vgomini/internal/ir"
)

// Sentinel errors. Every rejection wraps one of these inside a RejectError.
var (
	ErrMalformedBatch = errors.New("malformed batch")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidEvent   = errors.New("invalid event")
	ErrLeaseHeld      = errors.New("writer lease held")
)

// RejectError is a reason-coded ingestion rejection. Nothing is appended
// when one is returned.
type RejectError struct {
	// Code is the machine-readable reason (MALFORMED_BATCH, MISSING_FIELD, ...).
	Code string

	// Line is the zero-based batch line, or -1 for a single event.
	Line int

	// Field names the offending field when known.
	Field string

	// Message is a human-readable description.
	Message string

	err error
}

// Error implements the error interface.
func (e *RejectError) Error() string {
	switch {
	case e.Line >= 0 && e.Field != "":
		return fmt.Sprintf("%s: line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	case e.Line >= 0:
		return fmt.Sprintf("%s: line %d: %s", e.Code, e.Line, e.Message)
	case e.Field != "":
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the sentinel so callers can use errors.Is.
func (e *RejectError) Unwrap() error {
	return e.err
}

func missingField(field, msg string) *RejectError {
	return &RejectError{Code: ir.CodeMissingField, Line: -1, Field: field, Message: msg, err: ErrMissingField}
}

func invalidEvent(msg string) *RejectError {
	return &RejectError{Code: ir.CodeInvalidEvent, Line: -1, Message: msg, err: ErrInvalidEvent}
}

func malformedBatch(line int, msg string) *RejectError {
	return &RejectError{Code: ir.CodeMalformedBatch, Line: line, Message: msg, err: ErrMalformedBatch}
}

// Code extracts the reason code from an ingestion error, or "" when err is
// not a rejection.
func Code(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Code
	}
	var le *LeaseError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}
