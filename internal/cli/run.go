package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nacorga/tracelog/internal/bus"
	"github.com/nacorga/tracelog/internal/config"
	"github.com/nacorga/tracelog/internal/model"
	"github.com/nacorga/tracelog/internal/pipeline"
	"github.com/nacorga/tracelog/internal/store"
	"github.com/nacorga/tracelog/internal/tracker"
	"github.com/nacorga/tracelog/internal/transport"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	PageURL  string
	Referrer string
	TabID    string

	// Transport overrides the HTTP transport (for testing).
	Transport transport.Transport

	// Env overrides the process environment (for testing).
	Env map[string]string
}

// RunSummary reports what a run did.
type RunSummary struct {
	TabID     string         `json:"tab_id"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	Lines     int            `json:"lines"`
	Malformed int            `json:"malformed"`
	Rejected  int            `json:"rejected"`
	Stats     pipeline.Stats `json:"stats"`
	// Exit is how the context left: "stop" at end of input, "unload" on a
	// signal.
	Exit     string `json:"exit"`
	Delivery string `json:"delivery,omitempty"`
}

// String renders the summary for text output.
func (s RunSummary) String() string {
	return fmt.Sprintf("Tab %s (user %s) session %s: %d lines, %d accepted, %d delivered, %d malformed, %d rejected; %s via %s",
		s.TabID, s.UserID, orNone(s.SessionID), s.Lines, s.Stats.Accepted, s.Stats.Delivered,
		s.Malformed, s.Rejected, s.Exit, orNone(s.Delivery))
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [config-file]",
		Short: "Run a tracker context fed from stdin",
		Long: `Start one tracker context and track every JSON event read from stdin,
one per line.

With store.path and bus_dir configured, several run processes on the same
machine behave like tabs of one site: they elect a leader, share a session
and recover it after a crash. End of input stops the session; SIGINT or
SIGTERM unloads the context and leaves the session open for the others.

Example:
  tail -f events.jsonl | tracelog run ./tracelog.cue --page https://shop.test/`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			return runTracker(cmd.Context(), opts, path, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.PageURL, "page", "", "page url attached to events")
	cmd.Flags().StringVar(&opts.Referrer, "referrer", "", "referrer attached to events")
	cmd.Flags().StringVar(&opts.TabID, "tab", "", "context id (default: a new UUIDv7)")

	return cmd
}

func runTracker(ctx context.Context, opts *RunOptions, path string, in io.Reader, out, errOut io.Writer) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   opts.Verbose,
	}
	defer quietLogs(opts.RootOptions, errOut)()

	env := opts.Env
	if env == nil {
		env = environ()
	}
	cfg, err := config.Resolve(path, env)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidConfig, "configuration rejected", unwrapJoined(err))
	}

	tabID := opts.TabID
	if tabID == "" {
		tabID = model.UUIDv7Generator{}.Generate()
	}
	deps := tracker.Deps{
		Transport: opts.Transport,
		Page:      model.NewStaticPage(opts.PageURL, opts.Referrer),
	}

	if cfg.StorePath != "" {
		db, err := store.Open(cfg.StorePath, store.WithQuota(cfg.StoreQuota))
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				slog.Error("error closing store", "error", err)
			}
		}()
		deps.KV = db
	}
	if cfg.BusDir != "" {
		b, err := bus.OpenDir(cfg.BusDir, tabID)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to open bus", err)
		}
		defer b.Close()
		deps.Bus = b
	}
	if deps.Transport == nil {
		codec, err := transport.CodecByName(cfg.Codec)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeInvalidConfig, "configuration rejected", err)
		}
		h := transport.NewHTTP(transport.WithCodec(codec))
		defer h.Wait()
		deps.Transport = h
	}

	t := tracker.New(cfg, deps, tracker.WithTabID(tabID))
	if err := t.Init(); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "tracker failed to start", err)
	}
	formatter.VerboseLog("Tab %s started for project %s", tabID, cfg.ProjectID)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, unloading", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	summary := RunSummary{TabID: tabID, UserID: t.UserID()}
	lines := readLines(ctx, in)
loop:
	for {
		var line []byte
		select {
		case l, ok := <-lines:
			if !ok {
				break loop
			}
			line = l
		case <-ctx.Done():
			break loop
		}
		summary.Lines++
		var e model.Event
		if err := json.Unmarshal(line, &e); err != nil {
			summary.Malformed++
			slog.Warn("skipping malformed line", "line", summary.Lines, "error", err)
			continue
		}
		if err := t.Track(e); err != nil {
			summary.Rejected++
			slog.Warn("event rejected", "line", summary.Lines, "error", err)
		}
	}

	summary.SessionID = t.SessionID()
	if ctx.Err() != nil {
		res := t.Unload()
		summary.Exit, summary.Delivery = "unload", res.Delivery
	} else {
		stopCtx, stop := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		res, err := t.Stop(stopCtx)
		stop()
		if err != nil {
			return formatter.Fail(ExitFailure, ErrCodeGeneric, "stop failed", err)
		}
		summary.Exit, summary.Delivery = "stop", res.Delivery
	}
	summary.Stats = t.Stats()
	return formatter.Success(summary)
}

// readLines streams non-empty lines of r until EOF or ctx is done.
func readLines(ctx context.Context, r io.Reader) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			select {
			case ch <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("reading input failed", "error", err)
		}
	}()
	return ch
}
