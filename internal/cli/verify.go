package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/vgomini/internal/export"
	"github.com/roach88/vgomini/internal/ir"
	"github.com/roach88/vgomini/internal/seal"
	"github.com/roach88/vgomini/internal/store"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	File string
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a seal's hashes and signature",
		Long: `Recompute a seal digest's outputs digest, manifest hash and carry
fingerprint and check its signature with the configured signer. The digest
comes from the window's stored seal, or from an exported file with --file.

Examples:
  vgomini verify --window 2025-01
  vgomini verify --file seals/2025-01/seal-<hash>.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "exported seal file to verify instead of the stored seal")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var digest ir.SealDigest
	var signer seal.Signer

	if opts.File != "" {
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			return f.Fail(err, nil)
		}
		if signer, err = cfg.Signer.NewSigner(); err != nil {
			return f.Fail(WrapExitError(ExitCommandError, "failed to build signer", err), nil)
		}
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return f.Fail(WrapExitError(ExitCommandError, "failed to read seal file", err), nil)
		}
		if digest, err = export.Decode(data); err != nil {
			return f.Fail(WrapExitError(ExitCommandError, "failed to decode seal file", err), nil)
		}
	} else {
		e, err := openEnv(opts.RootOptions, cmd, true)
		if err != nil {
			return f.Fail(err, nil)
		}
		defer e.close()

		if signer, err = e.cfg.Signer.NewSigner(); err != nil {
			return f.Fail(WrapExitError(ExitCommandError, "failed to build signer", err), nil)
		}
		if _, err := e.store.GetArtifactJSON(cmd.Context(), e.cfg.Window, store.KeySealResult, &digest); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return f.Fail(NewExitError(ExitCommandError, "window has no stored seal"), nil)
			}
			return f.Fail(err, nil)
		}
	}

	if err := seal.Verify(digest, signer); err != nil {
		return f.Fail(err, map[string]string{"window": digest.Window, "seal_hash": digest.SealHash})
	}

	return f.Success(map[string]string{
		"window":    digest.Window,
		"seal_hash": digest.SealHash,
		"signer_id": digest.Signature.SignerID,
		"alg":       digest.Signature.Alg,
	}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Seal %s for %s verified (%s, %s)\n",
			digest.SealHash, digest.Window, digest.Signature.Alg, digest.Signature.SignerID)
	})
}
