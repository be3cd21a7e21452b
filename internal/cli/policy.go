package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/vgomini/internal/compiler"
	"github.com/roach88/vgomini/internal/ir"
	"github.com/roach88/vgomini/internal/policy"
	"github.com/roach88/vgomini/internal/store"
)

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Check policy files and preview their decisions",
	}
	cmd.AddCommand(newPolicyCheckCommand(rootOpts))
	cmd.AddCommand(newPolicyEvalCommand(rootOpts))
	return cmd
}

func newPolicyCheckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a policy file",
		Long: `Parse a policy file (cue, json or yaml) against the policy schema,
check its values and hold rule, and print the normalized parameters.

Examples:
  vgomini policy check policy.cue
  vgomini policy check policy.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			cfg, err := compiler.LoadPolicyFile(args[0])
			if err != nil {
				return f.Fail(err, map[string]string{"policy": args[0]})
			}
			params := cfg.Params()
			return f.Success(params, func(w io.Writer) {
				fmt.Fprintf(w, "✓ %s is valid\n", args[0])
				for _, k := range params.SortedKeys() {
					b, _ := ir.MarshalCanonical(params[k])
					fmt.Fprintf(w, "  %s: %s\n", k, b)
				}
			})
		},
	}
}

func newPolicyEvalCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "eval <file>",
		Short: "Preview policy decisions against a window's rollup",
		Long: `Apply a policy to the window's stored rollup without writing anything.
Useful to see which principals a new policy would hold or cap before
running the pipeline with it.

Examples:
  vgomini policy eval -w 2025-01 policy.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			cfg, err := compiler.LoadPolicyFile(args[0])
			if err != nil {
				return f.Fail(err, map[string]string{"policy": args[0]})
			}

			e, err := openEnv(opts, cmd, true)
			if err != nil {
				return f.Fail(err, nil)
			}
			defer e.close()

			var rollup []ir.RollupRow
			if _, err := e.store.GetArtifactJSON(cmd.Context(), e.cfg.Window, store.KeyRollup, &rollup); err != nil {
				return f.Fail(WrapExitError(ExitCommandError, "window has no rollup (run the pipeline first)", err), nil)
			}
			if cfg.Window == "" {
				cfg.Window = e.cfg.Window
			}

			rows, _, err := policy.Apply(rollup, cfg)
			if err != nil {
				return f.Fail(err, nil)
			}
			return f.Success(rows, func(w io.Writer) {
				for _, r := range rows {
					reason := ""
					if r.Reason != "" {
						reason = " " + r.Reason
					}
					fmt.Fprintf(w, "%-12s %-5s net=%d bonus=%s payout=%d%s\n",
						r.Principal, r.Decision, r.NetMinor, r.BonusExactSubcent, r.PayoutMinor, reason)
				}
			})
		},
	}
}
