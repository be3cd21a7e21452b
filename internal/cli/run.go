package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/vgomini/internal/compiler"
	"github.com/roach88/vgomini/internal/engine"
	"github.com/roach88/vgomini/internal/export"
	"github.com/roach88/vgomini/internal/ir"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Policy string
	Force  bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every stage for a window and seal it",
		Long: `Run Validate, Stage, Order, Accumulate, Policy, Carry and Seal for a
window. Stages whose inputs are unchanged are skipped, so re-running a
sealed window reuses its seal.

Exit codes:
  0 - Window sealed (or seal reused)
  1 - Pipeline refused (WINDOW_OPEN, CARRY_INVARIANT, ...)
  2 - Command error (bad config, policy file not found, etc.)

Examples:
  vgomini run --window 2025-01 --policy policy.cue
  vgomini run -w 2025-01 --policy policy.yaml --force --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Policy, "policy", "p", "", "policy file (cue|json|yaml) (required)")
	_ = cmd.MarkFlagRequired("policy")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "stage the window even if watermarks have not closed it")

	return cmd
}

// RunSummary is the run command's output.
type RunSummary struct {
	Window      string `json:"window"`
	Events      int    `json:"events"`
	Duplicates  int    `json:"duplicates"`
	Principals  int    `json:"principals"`
	Held        int    `json:"held"`
	TargetMinor int64  `json:"target_total_minor"`
	SealHash    string `json:"seal_hash"`
	Outcome     string `json:"outcome"`
	ExportedTo  string `json:"exported_to,omitempty"`
}

func runPipeline(opts *RunOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := compiler.LoadPolicyFile(opts.Policy)
	if err != nil {
		return f.Fail(err, map[string]string{"policy": opts.Policy})
	}

	e, err := openEnv(opts.RootOptions, cmd, true)
	if err != nil {
		return f.Fail(err, nil)
	}
	defer e.close()

	ctx := cmd.Context()
	signer, err := e.cfg.Signer.NewSigner()
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "failed to build signer", err), nil)
	}
	exporter, err := export.New(ctx, e.cfg.Export)
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "failed to build exporter", err), nil)
	}

	engOpts := e.engineOptions()
	if exporter != nil {
		engOpts.Exporter = exporter
	}
	eng := engine.New(e.store, engOpts)

	res, err := eng.Run(ctx, engine.RunOptions{Force: opts.Force, Policy: cfg, Signer: signer})
	if err != nil {
		return f.Fail(err, map[string]string{"window": e.cfg.Window})
	}

	sum := RunSummary{
		Window:      e.cfg.Window,
		Events:      len(res.Order.Events),
		Duplicates:  len(res.Validate.Duplicates),
		Principals:  len(res.Rollup),
		TargetMinor: res.Seal.Digest.TargetTotalMinor,
		SealHash:    res.Seal.Digest.SealHash,
		Outcome:     string(res.Seal.Outcome),
		ExportedTo:  res.Seal.ExportedTo,
	}
	for _, row := range res.Policy {
		if row.Decision == ir.DecisionHold {
			sum.Held++
		}
	}

	return f.Success(sum, func(w io.Writer) {
		fmt.Fprintf(w, "Window %s %s\n", sum.Window, sum.Outcome)
		fmt.Fprintf(w, "  events: %d (%d duplicates dropped)\n", sum.Events, sum.Duplicates)
		fmt.Fprintf(w, "  principals: %d (%d held)\n", sum.Principals, sum.Held)
		fmt.Fprintf(w, "  target_total_minor: %d\n", sum.TargetMinor)
		fmt.Fprintf(w, "  seal_hash: %s\n", sum.SealHash)
		if sum.ExportedTo != "" {
			fmt.Fprintf(w, "  exported: %s\n", sum.ExportedTo)
		}
		if opts.Verbose {
			for _, row := range res.Seal.Digest.FinalRows {
				fmt.Fprintf(w, "    %s %d\n", row.Principal, row.FinalMinor)
			}
		}
	})
}

// StageOptions holds flags for the stage command.
type StageOptions struct {
	*RootOptions
	Force bool
}

// NewStageCommand creates the stage command.
func NewStageCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StageOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Validate a window and stage it once watermarks close it",
		Long: `Deduplicate and normalize the window's ingress ledger, compute partition
watermarks, and stage the window for settlement. Staging refuses with
WINDOW_OPEN until every expected partition has reported, unless --force.

Examples:
  vgomini stage --window 2025-01
  vgomini stage -w 2025-01 --force`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "stage even if the window is still open")

	return cmd
}

// StageSummary is the stage command's output.
type StageSummary struct {
	Window     string `json:"window"`
	Kept       int    `json:"kept"`
	Duplicates int    `json:"duplicates"`
	Watermark  string `json:"watermark"`
	Closed     bool   `json:"closed"`
	Missing    []int  `json:"missing,omitempty"`
	Staged     int    `json:"staged"`
}

func runStage(opts *StageOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	e, err := openEnv(opts.RootOptions, cmd, true)
	if err != nil {
		return f.Fail(err, nil)
	}
	defer e.close()

	ctx := cmd.Context()
	eng := engine.New(e.store, e.engineOptions())

	vr, err := eng.Validate(ctx)
	if err != nil {
		return f.Fail(err, nil)
	}
	sum := StageSummary{
		Window:     e.cfg.Window,
		Kept:       len(vr.Kept),
		Duplicates: len(vr.Duplicates),
		Watermark:  vr.Watermarks.Target,
		Closed:     vr.Watermarks.Closed,
		Missing:    vr.Watermarks.Missing,
	}

	staged, err := eng.Stage(ctx, opts.Force)
	if err != nil {
		return f.Fail(err, sum)
	}
	sum.Staged = len(staged)

	return f.Success(sum, func(w io.Writer) {
		fmt.Fprintf(w, "Window %s staged: %d events\n", sum.Window, sum.Staged)
		fmt.Fprintf(w, "  duplicates dropped: %d\n", sum.Duplicates)
		fmt.Fprintf(w, "  watermark: %s (closed=%v)\n", sum.Watermark, sum.Closed)
	})
}
