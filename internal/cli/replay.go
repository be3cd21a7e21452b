package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/vgomini/internal/compiler"
	"github.com/roach88/vgomini/internal/engine"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Policy string
	Force  bool
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Recompute a sealed window and verify determinism",
		Long: `Recompute the window from its ingress ledger in an isolated in-memory
store, using the given policy, and compare the resulting seal hash with the
stored one. The database is only read.

Exit codes:
  0 - Replay reproduced the stored seal hash
  1 - Determinism verification failed (hashes differ)
  2 - Command error (no stored seal, database not found, etc.)

Examples:
  vgomini replay --window 2025-01 --policy policy.cue
  vgomini replay -w 2025-01 --policy policy.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Policy, "policy", "p", "", "policy file the window was sealed with (required)")
	_ = cmd.MarkFlagRequired("policy")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "replay with forced staging (for windows sealed with --force)")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
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

	signer, err := e.cfg.Signer.NewSigner()
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "failed to build signer", err), nil)
	}

	res, err := engine.New(e.store, e.engineOptions()).Replay(cmd.Context(), engine.RunOptions{
		Force:  opts.Force,
		Policy: cfg,
		Signer: signer,
	})
	if err != nil {
		if engine.IsUpstreamMissing(err) {
			return f.Fail(WrapExitError(ExitCommandError, "window has no stored seal", err), nil)
		}
		return f.Fail(err, nil)
	}

	if !res.Match {
		_ = f.Error("E_DETERMINISM", "determinism verification failed", res)
		return NewExitError(ExitFailure, "determinism verification failed")
	}

	return f.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Replay of %s: %d ingress records\n", res.Window, res.Records)
		fmt.Fprintf(w, "  stored:   %s\n", res.Stored)
		fmt.Fprintf(w, "  replayed: %s\n", res.Replayed)
		fmt.Fprintln(w, "✓ Seal verified deterministic")
	})
}
