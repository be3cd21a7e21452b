package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/roach88/vgomini/internal/accumulate"
	"github.com/roach88/vgomini/internal/carry"
	"github.com/roach88/vgomini/internal/ir"
	"github.com/roach88/vgomini/internal/order"
	"github.com/roach88/vgomini/internal/policy"
	"github.com/roach88/vgomini/internal/seal"
	"github.com/roach88/vgomini/internal/store"
	"github.com/roach88/vgomini/internal/validate"
)

// Stage names, as used in StageError.Stage and log attributes.
const (
	StageValidate   = "validate"
	StageStage      = "stage"
	StageOrder      = "order"
	StageAccumulate = "accumulate"
	StagePolicy     = "policy"
	StageCarry      = "carry"
	StageSeal       = "seal"
)

// DefaultTenant is used when Options.Tenant is empty.
const DefaultTenant = "default"

// Exporter publishes a fresh seal outside the store.
type Exporter interface {
	Export(ctx context.Context, d ir.SealDigest) (string, error)
}

// Options configures an Engine.
type Options struct {
	Window     string
	Tenant     string
	Watermarks validate.WatermarkOptions
	Clock      Clock
	Logger     *slog.Logger
	Exporter   Exporter
}

// Engine runs the settlement stages for one window against a store.
//
// Every stage reads its upstream artifact, derives an input signature from
// the upstream bytes and its own parameters, and skips recomputation when
// the stored output already carries that signature. Stages run
// synchronously; one Engine is not meant to be shared across goroutines.
type Engine struct {
	store *store.Store
	opts  Options
	log   *slog.Logger
}

// New returns an Engine for opts.Window backed by s.
func New(s *store.Store, opts Options) *Engine {
	if opts.Tenant == "" {
		opts.Tenant = DefaultTenant
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store: s,
		opts:  opts,
		log:   opts.Logger.With("window", opts.Window),
	}
}

// Window returns the window this engine settles.
func (e *Engine) Window() string { return e.opts.Window }

// Store returns the backing store.
func (e *Engine) Store() *store.Store { return e.store }

// ValidateResult is the outcome of the Validate stage.
type ValidateResult struct {
	Kept       []ir.ValidatedRecord `json:"kept"`
	Duplicates []ir.DuplicateNote   `json:"duplicates"`
	Watermarks ir.Watermarks        `json:"watermarks"`
}

// Validate deduplicates and normalizes the ingress ledger and computes the
// window's watermarks.
func (e *Engine) Validate(ctx context.Context) (ValidateResult, error) {
	if err := e.checkTenant(ctx, StageValidate); err != nil {
		return ValidateResult{}, err
	}
	records, err := e.store.ReadIngress(ctx, e.opts.Tenant, e.opts.Window)
	if err != nil {
		return ValidateResult{}, err
	}
	upstream, err := json.Marshal(records)
	if err != nil {
		return ValidateResult{}, fmt.Errorf("validate: encode ingress: %w", err)
	}
	sig, err := ir.InputSignature(StageValidate, upstream, watermarkParams(e.opts.Watermarks))
	if err != nil {
		return ValidateResult{}, err
	}

	if ok, err := e.current(ctx, store.KeyWatermarks, sig); err != nil || ok {
		if err != nil {
			return ValidateResult{}, err
		}
		var res ValidateResult
		if _, err := e.store.GetArtifactJSON(ctx, e.opts.Window, store.KeyValidatedEvents, &res.Kept); err != nil {
			return ValidateResult{}, err
		}
		if _, err := e.store.GetArtifactJSON(ctx, e.opts.Window, store.KeyDuplicates, &res.Duplicates); err != nil {
			return ValidateResult{}, err
		}
		if _, err := e.store.GetArtifactJSON(ctx, e.opts.Window, store.KeyWatermarks, &res.Watermarks); err != nil {
			return ValidateResult{}, err
		}
		e.log.Debug("stage input unchanged", "stage", StageValidate)
		return res, nil
	}

	kept, dups := validate.Validate(records)
	wm := validate.ComputeWatermarks(records, e.opts.Watermarks)

	// Watermarks last: its signature marks the stage as complete.
	if err := e.store.PutArtifactJSON(ctx, e.opts.Window, store.KeyValidatedEvents, kept, sig); err != nil {
		return ValidateResult{}, err
	}
	if err := e.store.PutArtifactJSON(ctx, e.opts.Window, store.KeyDuplicates, dups, sig); err != nil {
		return ValidateResult{}, err
	}
	if err := e.store.PutArtifactJSON(ctx, e.opts.Window, store.KeyWatermarks, wm, sig); err != nil {
		return ValidateResult{}, err
	}
	if err := e.store.AppendTranscript(ctx, e.opts.Window, store.StreamValidate, validate.Notes(dups, wm)); err != nil {
		return ValidateResult{}, err
	}

	e.log.Info("validated",
		"stage", StageValidate,
		"ingress", len(records),
		"kept", len(kept),
		"duplicates", len(dups),
		"watermark", wm.Target,
		"closed", wm.Closed,
	)
	return ValidateResult{Kept: kept, Duplicates: dups, Watermarks: wm}, nil
}

// Stage promotes validated records to staged-events once the window is
// closed. force stages an open window anyway.
func (e *Engine) Stage(ctx context.Context, force bool) ([]ir.ValidatedRecord, error) {
	var kept []ir.ValidatedRecord
	keptBody, err := e.input(ctx, StageStage, store.KeyValidatedEvents, &kept)
	if err != nil {
		return nil, err
	}
	var wm ir.Watermarks
	wmBody, err := e.input(ctx, StageStage, store.KeyWatermarks, &wm)
	if err != nil {
		return nil, err
	}

	if !wm.Closed && !force {
		e.log.Warn("window still open", "stage", StageStage, "missing_partitions", wm.Missing, "code", ir.CodeWindowOpen)
		return nil, &StageError{
			Code:    ir.CodeWindowOpen,
			Stage:   StageStage,
			Message: fmt.Sprintf("watermarks not closed (target %q, missing partitions %v)", wm.Target, wm.Missing),
		}
	}

	upstream := append(append(keptBody, 0), wmBody...)
	sig, err := ir.InputSignature(StageStage, upstream, ir.IRObject{"force": ir.IRBool(force)})
	if err != nil {
		return nil, err
	}
	if ok, err := e.current(ctx, store.KeyStagedEvents, sig); err != nil || ok {
		if err != nil {
			return nil, err
		}
		var staged []ir.ValidatedRecord
		_, err := e.store.GetArtifactJSON(ctx, e.opts.Window, store.KeyStagedEvents, &staged)
		return staged, err
	}

	if err := e.store.PutArtifactJSON(ctx, e.opts.Window, store.KeyStagedEvents, kept, sig); err != nil {
		return nil, err
	}
	note := ir.Note{
		Stage: validate.Stage,
		Code:  ir.CodeStaged,
		Detail: map[string]string{
			"records":   strconv.Itoa(len(kept)),
			"watermark": wm.Target,
			"forced":    strconv.FormatBool(force && !wm.Closed),
		},
	}
	if err := e.store.AppendTranscript(ctx, e.opts.Window, store.StreamValidate, []ir.Note{note}); err != nil {
		return nil, err
	}

	e.log.Info("staged", "stage", StageStage, "rows", len(kept), "forced", force && !wm.Closed)
	return kept, nil
}

// OrderResult is the outcome of the Order stage.
type OrderResult struct {
	Events []ir.ValidatedRecord `json:"events"`
	Fold   ir.FoldDescriptor    `json:"fold"`
}

// Order sorts staged records into the deterministic fold order.
func (e *Engine) Order(ctx context.Context) (OrderResult, error) {
	var staged []ir.ValidatedRecord
	body, err := e.input(ctx, StageOrder, store.KeyStagedEvents, &staged)
	if err != nil {
		return OrderResult{}, err
	}
	sig, err := ir.InputSignature(StageOrder, body, ir.IRObject{"fold": ir.IRString(order.Descriptor.String())})
	if err != nil {
		return OrderResult{}, err
	}
	if ok, err := e.current(ctx, store.KeyFoldOrder, sig); err != nil || ok {
		if err != nil {
			return OrderResult{}, err
		}
		var res OrderResult
		if _, err := e.store.GetArtifactJSON(ctx, e.opts.Window, store.KeyOrderedEvents, &res.Events); err != nil {
			return OrderResult{}, err
		}
		if _, err := e.store.GetArtifactJSON(ctx, e.opts.Window, store.KeyFoldOrder, &res.Fold); err != nil {
			return OrderResult{}, err
		}
		return res, nil
	}

	ordered, fold := order.Order(staged)
	if err := e.store.PutArtifactJSON(ctx, e.opts.Window, store.KeyOrderedEvents, ordered, sig); err != nil {
		return OrderResult{}, err
	}
	if err := e.store.PutArtifactJSON(ctx, e.opts.Window, store.KeyFoldOrder, fold, sig); err != nil {
		return OrderResult{}, err
	}

	e.log.Info("ordered", "stage", StageOrder, "rows", len(ordered), "fold", fold.String())
	return OrderResult{Events: ordered, Fold: fold}, nil
}

// Accumulate folds ordered events into the per-principal rollup. The rollup
// is recomputed wholesale whenever its input changes.
func (e *Engine) Accumulate(ctx context.Context) ([]ir.RollupRow, error) {
	var ordered []ir.ValidatedRecord
	body, err := e.input(ctx, StageAccumulate, store.KeyOrderedEvents, &ordered)
	if err != nil {
		return nil, err
	}
	sig, err := ir.InputSignature(StageAccumulate, body, nil)
	if err != nil {
		return nil, err
	}
	if ok, err := e.current(ctx, store.KeyRollup, sig); err != nil || ok {
		if err != nil {
			return nil, err
		}
		var rows []ir.RollupRow
		_, err := e.store.GetArtifactJSON(ctx, e.opts.Window, store.KeyRollup, &rows)
		return rows, err
	}

	rows, notes := accumulate.Accumulate(ordered)
	if err := e.store.PutArtifactJSON(ctx, e.opts.Window, store.KeyRollup, rows, sig); err != nil {
		return nil, err
	}
	if err := e.store.AppendTranscript(ctx, e.opts.Window, store.StreamAccumulate, notes); err != nil {
		return nil, err
	}

	net, fits := accumulate.TotalNet(rows)
	e.log.Info("accumulated",
		"stage", StageAccumulate,
		"rows", len(rows),
		"excluded", len(notes),
		"net_minor", net,
		"net_fits", fits,
	)
	return rows, nil
}

// ApplyPolicy evaluates cfg against the rollup. An empty cfg.Window defaults
// to the engine's window; an empty cfg.EvaluatedAt defaults to the window's
// watermark so that expiry decisions replay identically.
func (e *Engine) ApplyPolicy(ctx context.Context, cfg policy.Config) ([]ir.PolicyRow, error) {
	var rollup []ir.RollupRow
	body, err := e.input(ctx, StagePolicy, store.KeyRollup, &rollup)
	if err != nil {
		return nil, err
	}

	if cfg.Window == "" {
		cfg.Window = e.opts.Window
	}
	if cfg.EvaluatedAt == "" {
		var wm ir.Watermarks
		if _, err := e.input(ctx, StagePolicy, store.KeyWatermarks, &wm); err != nil {
			return nil, err
		}
		cfg.EvaluatedAt = wm.Target
	}

	sig, err := ir.InputSignature(StagePolicy, body, cfg.Params())
	if err != nil {
		return nil, err
	}
	if ok, err := e.current(ctx, store.KeyPolicyResult, sig); err != nil || ok {
		if err != nil {
			return nil, err
		}
		var rows []ir.PolicyRow
		_, err := e.store.GetArtifactJSON(ctx, e.opts.Window, store.KeyPolicyResult, &rows)
		return rows, err
	}

	rows, notes, err := policy.Apply(rollup, cfg)
	if err != nil {
		var cfgErr *policy.ConfigError
		if errors.As(err, &cfgErr) {
			return nil, &StageError{Code: cfgErr.Code, Stage: StagePolicy, Message: "policy configuration rejected", Err: err}
		}
		return nil, fmt.Errorf("policy: %w", err)
	}
	if err := e.store.PutArtifactJSON(ctx, e.opts.Window, store.KeyPolicyResult, rows, sig); err != nil {
		return nil, err
	}
	if err := e.store.AppendTranscript(ctx, e.opts.Window, store.StreamPolicy, notes); err != nil {
		return nil, err
	}

	held := 0
	for _, r := range rows {
		if r.Decision == ir.DecisionHold {
			held++
		}
	}
	e.log.Info("policy applied", "stage", StagePolicy, "rows", len(rows), "held", held, "bonus_pct", cfg.BonusPct.String())
	return rows, nil
}

// Carry quantizes bonuses and distributes the remainder. A conservation
// failure is logged at error level and halts the pipeline.
func (e *Engine) Carry(ctx context.Context) (ir.CarryReport, error) {
	var rows []ir.PolicyRow
	body, err := e.input(ctx, StageCarry, store.KeyPolicyResult, &rows)
	if err != nil {
		return ir.CarryReport{}, err
	}
	sig, err := ir.InputSignature(StageCarry, body, nil)
	if err != nil {
		return ir.CarryReport{}, err
	}
	if ok, err := e.current(ctx, store.KeyCarryReport, sig); err != nil || ok {
		if err != nil {
			return ir.CarryReport{}, err
		}
		var report ir.CarryReport
		_, err := e.store.GetArtifactJSON(ctx, e.opts.Window, store.KeyCarryReport, &report)
		return report, err
	}

	report, err := carry.Distribute(rows)
	if err != nil {
		var invErr *carry.InvariantError
		if errors.As(err, &invErr) {
			e.log.Error("carry invariant violated",
				"stage", StageCarry,
				"code", invErr.Code,
				"expected", invErr.Expected,
				"actual", invErr.Actual,
			)
			return ir.CarryReport{}, &StageError{Code: invErr.Code, Stage: StageCarry, Message: invErr.Message, Err: err}
		}
		return ir.CarryReport{}, fmt.Errorf("carry: %w", err)
	}

	if err := e.store.PutArtifactJSON(ctx, e.opts.Window, store.KeyCarryResult, report.Output, sig); err != nil {
		return ir.CarryReport{}, err
	}
	if err := e.store.PutArtifactJSON(ctx, e.opts.Window, store.KeyCarryReport, report, sig); err != nil {
		return ir.CarryReport{}, err
	}
	if err := e.store.AppendTranscript(ctx, e.opts.Window, store.StreamCarry, carry.Notes(report)); err != nil {
		return ir.CarryReport{}, err
	}

	e.log.Info("carry distributed",
		"stage", StageCarry,
		"rows", len(report.Rows),
		"rounded", report.Rounded,
		"start_remainder", report.StartRemainder,
		"target_total_minor", report.Output.TargetTotalMinor,
	)
	return report, nil
}

// SealResult is the outcome of the Seal stage.
type SealResult struct {
	Digest     ir.SealDigest `json:"digest"`
	Outcome    seal.Outcome  `json:"outcome"`
	ExportedTo string        `json:"exported_to,omitempty"`
}

// Seal issues (or reuses) the window's SealDigest. An unchanged carry
// fingerprint returns the stored seal; a changed one replaces it.
func (e *Engine) Seal(ctx context.Context, signer seal.Signer) (SealResult, error) {
	var out ir.CarryOutput
	if _, err := e.input(ctx, StageSeal, store.KeyCarryResult, &out); err != nil {
		return SealResult{}, err
	}

	var prev *ir.SealDigest
	var stored ir.SealDigest
	if _, err := e.store.GetArtifactJSON(ctx, e.opts.Window, store.KeySealResult, &stored); err == nil {
		prev = &stored
	} else if !errors.Is(err, store.ErrNotFound) {
		return SealResult{}, err
	}

	var wm ir.Watermarks
	if _, err := e.input(ctx, StageSeal, store.KeyWatermarks, &wm); err != nil {
		return SealResult{}, err
	}
	var fold ir.FoldDescriptor
	if _, err := e.input(ctx, StageSeal, store.KeyFoldOrder, &fold); err != nil {
		return SealResult{}, err
	}
	ledger, err := e.store.CountTranscript(ctx, e.opts.Window, store.StreamCarry)
	if err != nil {
		return SealResult{}, err
	}

	in := seal.Input{
		Window:           e.opts.Window,
		Carry:            out,
		Watermark:        wm.Target,
		FoldOrder:        fold.String(),
		CarryLedgerCount: ledger,
		MaterializedAt:   ir.FormatTimestamp(e.opts.Clock.Now()),
	}
	digest, outcome, err := seal.Reseal(prev, in, signer)
	if err != nil {
		var sealErr *seal.Error
		if errors.As(err, &sealErr) {
			e.log.Error("seal refused",
				"stage", StageSeal,
				"code", sealErr.Code,
				"remainder", sealErr.Remainder,
			)
			if prev != nil {
				if err := e.invalidate(ctx, *prev); err != nil {
					return SealResult{}, err
				}
			}
			return SealResult{}, &StageError{Code: sealErr.Code, Stage: StageSeal, Message: sealErr.Message, Err: err}
		}
		return SealResult{}, fmt.Errorf("seal: %w", err)
	}

	res := SealResult{Digest: digest, Outcome: outcome}
	if outcome != seal.OutcomeReused {
		if err := e.store.PutArtifactJSON(ctx, e.opts.Window, store.KeySealResult, digest, digest.CarryFingerprint); err != nil {
			return SealResult{}, err
		}
	}
	if err := e.store.AppendTranscript(ctx, e.opts.Window, store.StreamSeal, []ir.Note{seal.Note(digest, outcome)}); err != nil {
		return SealResult{}, err
	}

	if e.opts.Exporter != nil && outcome != seal.OutcomeReused {
		where, err := e.opts.Exporter.Export(ctx, digest)
		if err != nil {
			return SealResult{}, fmt.Errorf("export seal: %w", err)
		}
		res.ExportedTo = where
	}

	e.log.Info("sealed",
		"stage", StageSeal,
		"outcome", string(outcome),
		"seal_hash", digest.SealHash,
		"target_total_minor", digest.TargetTotalMinor,
	)
	return res, nil
}

// RunOptions configures a full pipeline run.
type RunOptions struct {
	Force  bool
	Policy policy.Config
	Signer seal.Signer
}

// RunResult collects every stage's output.
type RunResult struct {
	Validate ValidateResult `json:"validate"`
	Order    OrderResult    `json:"order"`
	Rollup   []ir.RollupRow `json:"rollup"`
	Policy   []ir.PolicyRow `json:"policy"`
	Carry    ir.CarryReport `json:"carry"`
	Seal     SealResult     `json:"seal"`
}

// Run executes every stage in order and stops at the first StageError.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	var res RunResult
	var err error

	if res.Validate, err = e.Validate(ctx); err != nil {
		return res, err
	}
	if _, err = e.Stage(ctx, opts.Force); err != nil {
		return res, err
	}
	if res.Order, err = e.Order(ctx); err != nil {
		return res, err
	}
	if res.Rollup, err = e.Accumulate(ctx); err != nil {
		return res, err
	}
	if res.Policy, err = e.ApplyPolicy(ctx, opts.Policy); err != nil {
		return res, err
	}
	if res.Carry, err = e.Carry(ctx); err != nil {
		return res, err
	}
	if res.Seal, err = e.Seal(ctx, opts.Signer); err != nil {
		return res, err
	}
	return res, nil
}

// invalidate drops a stored seal whose carry output no longer balances.
func (e *Engine) invalidate(ctx context.Context, prev ir.SealDigest) error {
	if err := e.store.DeleteArtifact(ctx, e.opts.Window, store.KeySealResult); err != nil {
		return err
	}
	e.log.Warn("stored seal invalidated", "stage", StageSeal, "seal_hash", prev.SealHash)
	return e.store.AppendTranscript(ctx, e.opts.Window, store.StreamSeal, []ir.Note{seal.Note(prev, seal.OutcomeInvalidated)})
}

// input decodes the upstream artifact key into v and returns its raw body.
// A missing artifact is UPSTREAM_MISSING.
func (e *Engine) input(ctx context.Context, stage, key string, v any) ([]byte, error) {
	if err := e.checkTenant(ctx, stage); err != nil {
		return nil, err
	}
	a, err := e.store.GetArtifact(ctx, e.opts.Window, key)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Warn("upstream missing", "stage", stage, "artifact", key, "code", ir.CodeUpstreamMissing)
		return nil, upstreamMissing(stage, key)
	}
	if err != nil {
		return nil, err
	}
	if v != nil {
		if err := json.Unmarshal(a.Body, v); err != nil {
			return nil, fmt.Errorf("%s: decode %s: %w", stage, key, err)
		}
	}
	return a.Body, nil
}

// checkTenant refuses to touch a window that another tenant ingested into.
// Artifacts are keyed by window alone, so this is what keeps tenants apart.
func (e *Engine) checkTenant(ctx context.Context, stage string) error {
	owner, err := e.store.WindowTenant(ctx, e.opts.Window)
	if err != nil {
		return err
	}
	if owner != "" && owner != e.opts.Tenant {
		e.log.Warn("window owned by another tenant", "stage", stage, "tenant", e.opts.Tenant, "code", ir.CodeTenantMismatch)
		return &StageError{
			Code:    ir.CodeTenantMismatch,
			Stage:   stage,
			Message: fmt.Sprintf("window %s belongs to another tenant", e.opts.Window),
			Err:     store.ErrTenantMismatch,
		}
	}
	return nil
}

// current reports whether key was already produced from an input with
// signature sig.
func (e *Engine) current(ctx context.Context, key, sig string) (bool, error) {
	a, err := e.store.GetArtifact(ctx, e.opts.Window, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.InputSignature == sig, nil
}

func watermarkParams(o validate.WatermarkOptions) ir.IRObject {
	expected := make(ir.IRArray, len(o.ExpectedPartitions))
	for i, p := range o.ExpectedPartitions {
		expected[i] = ir.IRInt(p)
	}
	return ir.NewIRObjectFromPairs(
		ir.O("expected_partitions", expected),
		ir.O("allowed_skew_ms", ir.IRInt(o.AllowedSkew.Milliseconds())),
	)
}
