package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/vgomini/internal/store"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [artifact]",
		Short: "List windows, a window's artifacts, or print one artifact",
		Long: `Without --window, list the windows in the database. With --window and
no argument, list the window's artifacts. With an artifact name
(rollup, policy-result, carry-report, seal-result, ...), print it.

Examples:
  vgomini show
  vgomini show -w 2025-01
  vgomini show -w 2025-01 carry-report --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(rootOpts, args, cmd)
		},
	}
	return cmd
}

// ArtifactView is the printed form of an artifact.
type ArtifactView struct {
	Window         string          `json:"window"`
	Name           string          `json:"name"`
	InputSignature string          `json:"input_signature"`
	Revision       int64           `json:"revision"`
	Body           json.RawMessage `json:"body"`
}

func runShow(opts *RootOptions, args []string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	e, err := openEnv(opts, cmd, false)
	if err != nil {
		return f.Fail(err, nil)
	}
	defer e.close()
	ctx := cmd.Context()

	if e.cfg.Window == "" {
		windows, err := e.store.Windows(ctx)
		if err != nil {
			return f.Fail(err, nil)
		}
		return f.Success(windows, func(w io.Writer) {
			if len(windows) == 0 {
				fmt.Fprintln(w, "No windows found in database.")
				return
			}
			for _, win := range windows {
				fmt.Fprintln(w, win)
			}
		})
	}

	if len(args) == 0 {
		names, err := e.store.ListArtifacts(ctx, e.cfg.Window)
		if err != nil {
			return f.Fail(err, nil)
		}
		return f.Success(names, func(w io.Writer) {
			fmt.Fprintf(w, "Window %s: %d artifact(s)\n", e.cfg.Window, len(names))
			for _, n := range names {
				fmt.Fprintf(w, "  %s\n", n)
			}
		})
	}

	a, err := e.store.GetArtifact(ctx, e.cfg.Window, args[0])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return f.Fail(WrapExitError(ExitCommandError, "artifact not found", err), nil)
		}
		return f.Fail(err, nil)
	}
	view := ArtifactView{
		Window:         a.Window,
		Name:           a.Name,
		InputSignature: a.InputSignature,
		Revision:       a.Revision,
		Body:           json.RawMessage(a.Body),
	}
	return f.Success(view, func(w io.Writer) {
		fmt.Fprintf(w, "%s/%s (revision %d, input %s)\n", a.Window, a.Name, a.Revision, a.InputSignature)
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, a.Body, "", "  "); err != nil {
			w.Write(a.Body)
			fmt.Fprintln(w)
			return
		}
		pretty.WriteTo(w)
		fmt.Fprintln(w)
	})
}

// transcriptStreams is the stage order transcripts are printed in.
var transcriptStreams = []string{
	store.StreamValidate,
	store.StreamAccumulate,
	store.StreamPolicy,
	store.StreamCarry,
	store.StreamSeal,
}

// StreamView is one printed transcript stream.
type StreamView struct {
	Stream  string                  `json:"stream"`
	Entries []store.TranscriptEntry `json:"entries"`
}

// NewTranscriptCommand creates the transcript command.
func NewTranscriptCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript [stream]",
		Short: "Print a window's reason-coded transcript",
		Long: `Print the window's transcript notes in append order. Streams are
validate, accumulate, policy, carry and seal; without an argument every
stream is printed in stage order.

Examples:
  vgomini transcript -w 2025-01
  vgomini transcript -w 2025-01 carry --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscript(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runTranscript(opts *RootOptions, args []string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	streams := transcriptStreams
	if len(args) == 1 {
		if !isTranscriptStream(args[0]) {
			return f.Fail(NewExitError(ExitCommandError, fmt.Sprintf("unknown stream %q: must be one of %v", args[0], transcriptStreams)), nil)
		}
		streams = []string{args[0]}
	}

	e, err := openEnv(opts, cmd, true)
	if err != nil {
		return f.Fail(err, nil)
	}
	defer e.close()

	views := make([]StreamView, 0, len(streams))
	for _, s := range streams {
		entries, err := e.store.ReadTranscript(cmd.Context(), e.cfg.Window, s)
		if err != nil {
			return f.Fail(err, nil)
		}
		views = append(views, StreamView{Stream: s, Entries: entries})
	}

	return f.Success(views, func(w io.Writer) {
		for _, v := range views {
			if len(v.Entries) == 0 {
				continue
			}
			fmt.Fprintf(w, "[%s]\n", v.Stream)
			for _, en := range v.Entries {
				fmt.Fprintf(w, "  %4d %-22s %s\n", en.Seq, en.Code, describeNote(en))
			}
		}
	})
}

func isTranscriptStream(s string) bool {
	for _, t := range transcriptStreams {
		if t == s {
			return true
		}
	}
	return false
}

func describeNote(en store.TranscriptEntry) string {
	var b bytes.Buffer
	if en.Note.Principal != "" {
		fmt.Fprintf(&b, "principal=%s ", en.Note.Principal)
	}
	if en.Note.EventID != "" {
		fmt.Fprintf(&b, "event=%s ", en.Note.EventID)
	}
	keys := make([]string, 0, len(en.Note.Detail))
	for k := range en.Note.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s ", k, en.Note.Detail[k])
	}
	return string(bytes.TrimRight(b.Bytes(), " "))
}
