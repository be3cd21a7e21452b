package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/vgomini/internal/ir"
)

// Snapshot captures what a scenario produced. It is serialized with
// ir.MarshalCanonical so golden files compare byte for byte.
//
// Note details are left out: they repeat values the final rows and seal
// hash already pin down, and timestamps in them depend on the clocks.
type Snapshot struct {
	ScenarioName     string
	ErrorCode        string
	Rejected         []string
	Outcome          string
	FinalRows        []ir.FinalRow
	TargetTotalMinor int64
	SealHash         string
	Trace            []TraceEvent
}

// NewSnapshot builds the snapshot of result.
func NewSnapshot(name string, result *Result) Snapshot {
	return Snapshot{
		ScenarioName:     name,
		ErrorCode:        result.ErrorCode,
		Rejected:         result.Rejected,
		Outcome:          result.Outcome,
		FinalRows:        result.FinalRows,
		TargetTotalMinor: result.TargetTotalMinor,
		SealHash:         result.SealHash,
		Trace:            result.Trace,
	}
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *Snapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"stream": event.Stream,
			"code":   event.Code,
		}
		if event.Principal != "" {
			eventMap["principal"] = event.Principal
		}
		if event.EventID != "" {
			eventMap["event_id"] = event.EventID
		}
		traceList[i] = eventMap
	}

	rejected := make([]any, len(s.Rejected))
	for i, code := range s.Rejected {
		rejected[i] = code
	}

	result := map[string]any{
		"scenario_name": s.ScenarioName,
		"rejected":      rejected,
		"trace":         traceList,
	}
	if s.ErrorCode != "" {
		result["error_code"] = s.ErrorCode
		return result
	}

	rows := make([]any, len(s.FinalRows))
	for i, r := range s.FinalRows {
		rows[i] = map[string]any{
			"principal":   r.Principal,
			"final_minor": r.FinalMinor,
		}
	}
	result["outcome"] = s.Outcome
	result["final_rows"] = rows
	result["target_total_minor"] = s.TargetTotalMinor
	result["seal_hash"] = s.SealHash
	return result
}

// MarshalCanonical renders the snapshot as canonical JSON plus a trailing
// newline.
func (s *Snapshot) MarshalCanonical() ([]byte, error) {
	data, err := ir.MarshalCanonical(s.toCanonicalMap())
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass and Errors.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := NewSnapshot(scenarioName, result)
	data, err := snapshot.MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
