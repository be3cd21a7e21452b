package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/vgomini/internal/ingest"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	Key   string
	Batch bool
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <file|->",
		Short: "Append events to a window's ingress ledger",
		Long: `Append one JSON event, or an NDJSON batch with --batch, to the window's
append-only ingress ledger. The command holds the window's writer lease
while it appends.

A replayed idempotency key is recorded and flagged, not dropped; the
Validate stage collapses it later. A batch with any non-JSON line is
rejected whole with MALFORMED_BATCH.

Examples:
  vgomini ingest --window 2025-01 --key k1 event.json
  vgomini ingest --window 2025-01 --batch --key upload-7 events.ndjson
  cat events.ndjson | vgomini ingest -w 2025-01 --batch -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Key, "key", "k", "", "idempotency key (batch lines get <key>#<line>)")
	cmd.Flags().BoolVar(&opts.Batch, "batch", false, "input is NDJSON")

	return cmd
}

func runIngest(opts *IngestOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	payload, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "failed to read input", err), nil)
	}

	e, err := openEnv(opts.RootOptions, cmd, true)
	if err != nil {
		return f.Fail(err, nil)
	}
	defer e.close()

	ctx := cmd.Context()
	leases := ingest.NewLeaseManager(e.store, nil, nil, e.cfg.LeaseTTL)
	lease, err := leases.Acquire(ctx, e.cfg.Window, "cli-"+ingest.UUIDv7Generator{}.Generate())
	if err != nil {
		return f.Fail(err, nil)
	}
	defer func() {
		if err := leases.Release(ctx, lease); err != nil {
			e.log.Warn("lease release failed", "window", e.cfg.Window, "error", err)
		}
	}()

	ledger, err := ingest.NewLedger(ctx, e.store, ingest.Options{
		Tenant:      e.cfg.Tenant,
		Window:      e.cfg.Window,
		Partitions:  e.cfg.Partitions,
		BucketWidth: e.cfg.BucketWidth,
		Logger:      e.log,
	})
	if err != nil {
		return f.Fail(err, nil)
	}

	if opts.Batch {
		batch, err := ledger.IngestBatch(ctx, payload, opts.Key)
		if err != nil {
			return f.Fail(err, nil)
		}
		return f.Success(batch, func(w io.Writer) {
			fmt.Fprintf(w, "Batch %s: %d accepted, %d rejected\n", batch.JobID, batch.Accepted, batch.Rejected)
			for _, l := range batch.Lines {
				if l.Code != "" {
					fmt.Fprintf(w, "  line %d: %s\n", l.Line, l.Error)
				}
			}
		})
	}

	rec, err := ledger.Ingest(ctx, payload, opts.Key)
	if err != nil {
		return f.Fail(err, nil)
	}
	return f.Success(rec, func(w io.Writer) {
		replay := ""
		if rec.Replayed {
			replay = " (replayed key)"
		}
		fmt.Fprintf(w, "Appended %s as seq %d to partition %d%s\n", rec.EventID, rec.Seq, rec.Partition, replay)
	})
}

// readInput reads path, or stdin when path is "-".
func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
