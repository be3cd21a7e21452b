package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/vgomini/internal/httpapi"
	"github.com/roach88/vgomini/internal/ingest"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP ingestion endpoint",
		Long: `Serve POST /v1/windows/{window}/events and /events:batch on the
configured address. The server holds each window's writer lease while it
appends and releases them on shutdown (Ctrl-C or SIGTERM).

Examples:
  vgomini serve --db ./data/vgomini.db
  vgomini serve --addr :9090 --config vgomini.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			e, err := openEnv(rootOpts, cmd, false)
			if err != nil {
				return f.Fail(err, nil)
			}
			defer e.close()
			if addr == "" {
				addr = e.cfg.HTTP.Addr
			}

			srv := httpapi.New(e.store, httpapi.Options{
				Tenant:      e.cfg.Tenant,
				Partitions:  e.cfg.Partitions,
				BucketWidth: e.cfg.BucketWidth,
				Leases:      ingest.NewLeaseManager(e.store, nil, nil, e.cfg.LeaseTTL),
				RatePerSec:  e.cfg.HTTP.RatePerSec,
				Burst:       e.cfg.HTTP.Burst,
				Logger:      e.log,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.ListenAndServe(ctx, addr, e.cfg.HTTP.ReadTimeout, e.cfg.HTTP.WriteTimeout); err != nil && err != context.Canceled {
				return f.Fail(WrapExitError(ExitFailure, "server error", err), nil)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config http.addr)")
	return cmd
}
