package harness

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/vgomini/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", i+1, event.Stream, event.Code)
			if event.Principal != "" {
				fmt.Fprintf(&buf, " principal=%s", event.Principal)
			}
			if event.EventID != "" {
				fmt.Fprintf(&buf, " event_id=%s", event.EventID)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// matches reports whether event has the assertion's stream, code and
// principal. Empty fields match anything.
func matches(event TraceEvent, a Assertion, code string) bool {
	if a.Stream != "" && event.Stream != a.Stream {
		return false
	}
	if a.Principal != "" && event.Principal != a.Principal {
		return false
	}
	return event.Code == code
}

// assertTranscriptContains checks that some note matches the assertion,
// including a subset match on its detail.
func assertTranscriptContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if matches(event, a, a.Code) && matchDetail(event.Detail, a.Detail) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTranscriptContains,
		Expected: fmt.Sprintf("%s note%s with detail %s", a.Code, scopeDesc(a), formatDetail(a.Detail)),
		Actual:   "not found in transcript",
		Trace:    trace,
	}
}

// assertTranscriptOrder checks that codes first appear in the given order.
// Intervening notes are allowed.
func assertTranscriptOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		for _, code := range a.Codes {
			if matches(event, a, code) && positions[code] == 0 {
				positions[code] = i + 1 // 1-indexed for readability
			}
		}
	}

	for _, code := range a.Codes {
		if positions[code] == 0 {
			return &AssertionError{
				Type:     AssertTranscriptOrder,
				Expected: fmt.Sprintf("all codes present%s: %v", scopeDesc(a), a.Codes),
				Actual:   fmt.Sprintf("missing code: %s", code),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Codes); i++ {
		prev, curr := a.Codes[i-1], a.Codes[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTranscriptOrder,
				Expected: fmt.Sprintf("codes in order: %v", a.Codes),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTranscriptCount checks that the code appears exactly Count times.
func assertTranscriptCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if matches(event, a, a.Code) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTranscriptCount,
			Expected: fmt.Sprintf("%d occurrences of %s%s", a.Count, a.Code, scopeDesc(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// matchDetail checks that actual contains every expected key and value.
func matchDetail(actual, expected map[string]string) bool {
	for k, v := range expected {
		if got, ok := actual[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func scopeDesc(a Assertion) string {
	var parts []string
	if a.Stream != "" {
		parts = append(parts, "stream="+a.Stream)
	}
	if a.Principal != "" {
		parts = append(parts, "principal="+a.Principal)
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, " ") + ")"
}

func formatDetail(detail map[string]string) string {
	if len(detail) == 0 {
		return "(any)"
	}
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + detail[k]
	}
	return strings.Join(parts, " ")
}

// EvaluateAssertions evaluates all assertions against the trace.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(trace []TraceEvent, assertions []Assertion) []string {
	var errs []string
	for i, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertTranscriptContains:
			err = assertTranscriptContains(trace, assertion)
		case AssertTranscriptOrder:
			err = assertTranscriptOrder(trace, assertion)
		case AssertTranscriptCount:
			err = assertTranscriptCount(trace, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// CheckExpectations compares the result with the scenario's expect block.
func CheckExpectations(res *Result, exp Expectation) []string {
	var errs []string

	if res.ErrorCode != exp.Error {
		switch {
		case exp.Error == "":
			errs = append(errs, fmt.Sprintf("expected the pipeline to seal, it stopped with %s", res.ErrorCode))
		case res.ErrorCode == "":
			errs = append(errs, fmt.Sprintf("expected error %s, the pipeline sealed", exp.Error))
		default:
			errs = append(errs, fmt.Sprintf("expected error %s, got %s", exp.Error, res.ErrorCode))
		}
	}

	if !slices.Equal(res.Rejected, exp.Rejected) {
		errs = append(errs, fmt.Sprintf("rejected: expected %v, got %v", exp.Rejected, res.Rejected))
	}

	if exp.FinalRows != nil {
		got := make(map[string]int64, len(res.FinalRows))
		for _, r := range res.FinalRows {
			got[r.Principal] = r.FinalMinor
		}
		if len(got) != len(exp.FinalRows) {
			errs = append(errs, fmt.Sprintf("final_rows: expected %d rows, got %d", len(exp.FinalRows), len(got)))
		}
		for _, p := range sortedKeys(exp.FinalRows) {
			if v, ok := got[p]; !ok {
				errs = append(errs, fmt.Sprintf("final_rows: no row for %s", p))
			} else if v != exp.FinalRows[p] {
				errs = append(errs, fmt.Sprintf("final_rows: %s expected %d, got %d", p, exp.FinalRows[p], v))
			}
		}
	}

	if exp.TargetTotalMinor != nil && *exp.TargetTotalMinor != res.TargetTotalMinor {
		errs = append(errs, fmt.Sprintf("target_total_minor: expected %d, got %d", *exp.TargetTotalMinor, res.TargetTotalMinor))
	}
	if exp.SealHash != "" && exp.SealHash != res.SealHash {
		errs = append(errs, fmt.Sprintf("seal_hash: expected %s, got %s", exp.SealHash, res.SealHash))
	}

	for _, p := range sortedKeys(exp.Decisions) {
		want := ir.Decision(exp.Decisions[p])
		if got, ok := res.Decisions[p]; !ok {
			errs = append(errs, fmt.Sprintf("decisions: no policy row for %s", p))
		} else if got != want {
			errs = append(errs, fmt.Sprintf("decisions: %s expected %s, got %s", p, want, got))
		}
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
