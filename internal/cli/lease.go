package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/vgomini/internal/ingest"
	"github.com/roach88/vgomini/internal/store"
)

// NewLeaseCommand creates the lease command group.
func NewLeaseCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Inspect and manage a window's single-writer lease",
	}

	var holder, token string

	status := &cobra.Command{
		Use:           "status",
		Short:         "Show the window's writer lease",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLeases(rootOpts, cmd, func(f *OutputFormatter, m *ingest.LeaseManager, window string) error {
				st, err := m.Status(cmd.Context(), window)
				if err != nil {
					return f.Fail(err, nil)
				}
				return f.Success(st, func(w io.Writer) {
					switch {
					case st.Blocked:
						fmt.Fprintf(w, "Window %s: conflict cool-down until %s\n", window, st.Lease.ConflictUntil)
					case st.Live:
						fmt.Fprintf(w, "Window %s: held by %s for %s\n", window, st.Lease.Holder, st.Remaining)
					default:
						fmt.Fprintf(w, "Window %s: free\n", window)
					}
				})
			})
		},
	}

	acquire := &cobra.Command{
		Use:           "acquire",
		Short:         "Acquire or renew the writer lease",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLeases(rootOpts, cmd, func(f *OutputFormatter, m *ingest.LeaseManager, window string) error {
				l, err := m.Acquire(cmd.Context(), window, holder)
				if err != nil {
					return f.Fail(err, nil)
				}
				return f.Success(l, func(w io.Writer) {
					fmt.Fprintf(w, "Lease on %s granted to %s until %s\n", window, l.Holder, l.ExpiresAt)
					fmt.Fprintf(w, "  token: %s\n", l.Token)
				})
			})
		},
	}
	acquire.Flags().StringVar(&holder, "holder", "cli", "lease holder name")

	release := &cobra.Command{
		Use:           "release",
		Short:         "Release the writer lease held under a token",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLeases(rootOpts, cmd, func(f *OutputFormatter, m *ingest.LeaseManager, window string) error {
				if err := m.Release(cmd.Context(), store.Lease{Window: window, Token: token}); err != nil {
					return f.Fail(err, nil)
				}
				return f.Success(map[string]string{"window": window, "released": token}, func(w io.Writer) {
					fmt.Fprintf(w, "Lease on %s released\n", window)
				})
			})
		},
	}
	release.Flags().StringVar(&token, "token", "", "lease token (required)")
	_ = release.MarkFlagRequired("token")

	conflict := &cobra.Command{
		Use:           "conflict",
		Short:         "Simulate a writer conflict and start the cool-down",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLeases(rootOpts, cmd, func(f *OutputFormatter, m *ingest.LeaseManager, window string) error {
				if err := m.Conflict(cmd.Context(), window); err != nil {
					return f.Fail(err, nil)
				}
				return f.Success(map[string]string{"window": window, "cool_down": ingest.ConflictCoolDown.String()}, func(w io.Writer) {
					fmt.Fprintf(w, "Window %s blocked for %s\n", window, ingest.ConflictCoolDown)
				})
			})
		},
	}

	cmd.AddCommand(status, acquire, release, conflict)
	return cmd
}

func withLeases(opts *RootOptions, cmd *cobra.Command, fn func(*OutputFormatter, *ingest.LeaseManager, string) error) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	e, err := openEnv(opts, cmd, true)
	if err != nil {
		return f.Fail(err, nil)
	}
	defer e.close()
	return fn(f, ingest.NewLeaseManager(e.store, nil, nil, e.cfg.LeaseTTL), e.cfg.Window)
}
