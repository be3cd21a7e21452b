package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/vgomini/internal/config"
	"github.com/roach88/vgomini/internal/engine"
	"github.com/roach88/vgomini/internal/store"
	"github.com/roach88/vgomini/internal/validate"
)

// env is what every store-backed command needs: the effective config, an
// open store and a logger.
type env struct {
	cfg   *config.Config
	store *store.Store
	log   *slog.Logger
}

// loadConfig builds the effective config: defaults, file, dotenv, VGOMINI_*
// env, then flags.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config, opts.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}
	if opts.Tenant != "" {
		cfg.Tenant = opts.Tenant
	}
	if opts.Window != "" {
		cfg.Window = opts.Window
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// newLogger returns a text logger on w: debug under --verbose, warnings
// otherwise so command output stays readable.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openEnv loads config and opens the store. With needWindow the effective
// config must name a window. Callers must call close.
func openEnv(opts *RootOptions, cmd *cobra.Command, needWindow bool) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if needWindow && cfg.Window == "" {
		return nil, NewExitError(ExitCommandError, "window is required (--window, config window or VGOMINI_WINDOW)")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to prepare directories", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	errW := cmd.ErrOrStderr()
	if errW == nil {
		errW = os.Stderr
	}
	return &env{cfg: cfg, store: st, log: newLogger(opts, errW)}, nil
}

func (e *env) close() {
	if err := e.store.Close(); err != nil {
		e.log.Error("error closing database", "error", err)
	}
}

// engineOptions maps the config onto engine options for the config window.
func (e *env) engineOptions() engine.Options {
	return engine.Options{
		Window: e.cfg.Window,
		Tenant: e.cfg.Tenant,
		Watermarks: validate.WatermarkOptions{
			ExpectedPartitions: e.cfg.ExpectedPartitions,
			AllowedSkew:        e.cfg.AllowedSkew,
		},
		Logger: e.log,
	}
}
