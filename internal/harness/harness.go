package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/vgomini/internal/compiler"
	"github.com/roach88/vgomini/internal/engine"
	"github.com/roach88/vgomini/internal/ingest"
	"github.com/roach88/vgomini/internal/ir"
	"github.com/roach88/vgomini/internal/policy"
	"github.com/roach88/vgomini/internal/seal"
	"github.com/roach88/vgomini/internal/store"
	"github.com/roach88/vgomini/internal/testutil"
	"github.com/roach88/vgomini/internal/validate"
)

// Fixed identities used by every scenario, so seals and job ids are
// reproducible across machines.
const (
	SignerID  = "harness"
	signerKey = "harness-key"
	jobPrefix = "job"
)

// streams is the order in which transcripts are collected into a trace.
var streams = []string{
	store.StreamValidate,
	store.StreamAccumulate,
	store.StreamPolicy,
	store.StreamCarry,
	store.StreamSeal,
}

// Harness holds the per-scenario execution state.
type Harness struct {
	store  *store.Store
	ledger *ingest.Ledger
	engine *engine.Engine
	signer seal.Signer
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. Ingestion uses a
// stepping clock (one second per event from testutil.DefaultEpoch) and the
// engine a frozen one, so the ledger, every artifact and the seal are
// byte-identical between runs.
//
// Execution flow:
//  1. Ingest events; rejections are recorded, not fatal
//  2. Compile the policy; a rejected policy ends the scenario with its code
//  3. Run the pipeline Runs times; a StageError ends it with its code
//  4. Collect the transcript and check expectations and assertions
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.OpenMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	tenant := scenario.Tenant
	if tenant == "" {
		tenant = engine.DefaultTenant
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	ledger, err := ingest.NewLedger(ctx, st, ingest.Options{
		Tenant:     tenant,
		Window:     scenario.Window,
		Partitions: scenario.Partitions,
		Clock:      testutil.NewSteppingClock(time.Time{}, time.Second),
		IDs:        testutil.NewSequenceIDs(jobPrefix),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	h := &Harness{
		store:  st,
		ledger: ledger,
		engine: engine.New(st, engine.Options{
			Window:     scenario.Window,
			Tenant:     tenant,
			Watermarks: validate.WatermarkOptions{ExpectedPartitions: scenario.ExpectedPartitions},
			Clock:      testutil.NewFixedClock(time.Time{}),
			Logger:     logger,
		}),
		signer: seal.NewDemoSigner(SignerID, []byte(signerKey)),
	}

	result := NewResult()
	if err := h.ingest(ctx, scenario.Events, result); err != nil {
		return nil, fmt.Errorf("failed to ingest events: %w", err)
	}
	if err := h.execute(ctx, scenario, result); err != nil {
		return nil, err
	}

	if result.Trace, err = h.trace(ctx, scenario.Window); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	for _, msg := range CheckExpectations(result, scenario.Expect) {
		result.AddError(msg)
	}
	for _, msg := range EvaluateAssertions(result.Trace, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// ingest submits every event step. Reason-coded rejections go to
// result.Rejected; anything else aborts the scenario.
func (h *Harness) ingest(ctx context.Context, steps []EventStep, result *Result) error {
	for i, step := range steps {
		if step.Batch != "" {
			batch, err := h.ledger.IngestBatch(ctx, []byte(step.Batch), step.Key)
			if code := ingest.Code(err); code != "" {
				result.Rejected = append(result.Rejected, code)
				continue
			}
			if err != nil {
				return fmt.Errorf("events[%d]: %w", i, err)
			}
			for _, line := range batch.Lines {
				if line.Code != "" {
					result.Rejected = append(result.Rejected, line.Code)
				}
			}
			continue
		}

		_, err := h.ledger.Ingest(ctx, []byte(step.Event), step.Key)
		if code := ingest.Code(err); code != "" {
			result.Rejected = append(result.Rejected, code)
			continue
		}
		if err != nil {
			return fmt.Errorf("events[%d]: %w", i, err)
		}
	}
	return nil
}

// execute compiles the policy and runs the pipeline.
func (h *Harness) execute(ctx context.Context, scenario *Scenario, result *Result) error {
	cfg, err := scenario.LoadPolicy()
	if err != nil {
		if code := policyCode(err); code != "" {
			result.ErrorCode = code
			return nil
		}
		return fmt.Errorf("failed to load policy: %w", err)
	}

	runs := max(scenario.Runs, 1)
	for i := 0; i < runs; i++ {
		out, err := h.engine.Run(ctx, engine.RunOptions{
			Force:  scenario.Force,
			Policy: cfg,
			Signer: h.signer,
		})
		if code := engine.CodeOf(err); code != "" {
			result.ErrorCode = code
			return nil
		}
		if err != nil {
			return fmt.Errorf("run %d: %w", i+1, err)
		}

		result.Outcome = string(out.Seal.Outcome)
		result.FinalRows = out.Carry.Output.Rows
		result.TargetTotalMinor = out.Carry.Output.TargetTotalMinor
		result.SealHash = out.Seal.Digest.SealHash
		result.Decisions = make(map[string]ir.Decision, len(out.Policy))
		for _, row := range out.Policy {
			result.Decisions[row.Principal] = row.Decision
		}
	}
	return nil
}

// trace flattens the window's transcript streams in stage order.
func (h *Harness) trace(ctx context.Context, window string) ([]TraceEvent, error) {
	trace := []TraceEvent{}
	for _, stream := range streams {
		entries, err := h.store.ReadTranscript(ctx, window, stream)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			trace = append(trace, TraceEvent{
				Stream:    stream,
				Seq:       e.Seq,
				Code:      e.Code,
				Principal: e.Note.Principal,
				EventID:   e.Note.EventID,
				Detail:    e.Note.Detail,
			})
		}
	}
	return trace, nil
}

// policyCode maps a policy load failure to its reason code.
func policyCode(err error) string {
	var cfgErr *policy.ConfigError
	if errors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return ir.CodePolicyInvalid
	}
	return ""
}
