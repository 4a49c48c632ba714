package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nacorga/tracelog/internal/config"
)

// ConfigSummary is the resolved configuration as reported by validate-config.
type ConfigSummary struct {
	ProjectID         string  `json:"project_id"`
	Endpoint          string  `json:"endpoint,omitempty"`
	Device            string  `json:"device"`
	SamplingRate      float64 `json:"sampling_rate"`
	ErrorSamplingRate float64 `json:"error_sampling_rate"`
	SessionTimeout    string  `json:"session_timeout"`
	HeartbeatInterval string  `json:"heartbeat_interval"`
	ElectionTimeout   string  `json:"election_timeout"`
	FlushInterval     string  `json:"flush_interval"`
	QueueCapacity     int     `json:"queue_capacity"`
	RateLimit         int     `json:"rate_limit"`
	Codec             string  `json:"codec"`
	StorePath         string  `json:"store_path,omitempty"`
	StoreQuota        string  `json:"store_quota,omitempty"`
	BusDir            string  `json:"bus_dir,omitempty"`
}

func summarize(cfg config.Config) ConfigSummary {
	s := ConfigSummary{
		ProjectID:         cfg.ProjectID,
		Endpoint:          cfg.Endpoint,
		Device:            cfg.Device,
		SamplingRate:      cfg.SamplingRate,
		ErrorSamplingRate: cfg.ErrorSamplingRate,
		SessionTimeout:    cfg.SessionTimeout.String(),
		HeartbeatInterval: cfg.HeartbeatInterval.String(),
		ElectionTimeout:   cfg.ElectionTimeout.String(),
		FlushInterval:     cfg.FlushInterval.String(),
		QueueCapacity:     cfg.QueueCapacity,
		RateLimit:         cfg.RateLimit,
		Codec:             cfg.Codec,
		StorePath:         cfg.StorePath,
		BusDir:            cfg.BusDir,
	}
	if cfg.StoreQuota > 0 {
		s.StoreQuota = humanize.IBytes(uint64(cfg.StoreQuota))
	}
	return s
}

// String renders the summary for text output.
func (s ConfigSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "✓ Configuration valid for project %q\n", s.ProjectID)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "  %-20s %s\n", k, v)
		}
	}
	row("endpoint", s.Endpoint)
	row("device", s.Device)
	row("sampling", fmt.Sprintf("%.0f%% (errors %.0f%%)", s.SamplingRate*100, s.ErrorSamplingRate*100))
	row("session timeout", s.SessionTimeout)
	row("heartbeat", s.HeartbeatInterval)
	row("election timeout", s.ElectionTimeout)
	row("flush interval", s.FlushInterval)
	row("queue capacity", humanize.Comma(int64(s.QueueCapacity)))
	row("rate limit", fmt.Sprintf("%d/s", s.RateLimit))
	row("codec", s.Codec)
	row("store", s.StorePath)
	row("store quota", s.StoreQuota)
	row("bus dir", s.BusDir)
	return strings.TrimRight(b.String(), "\n")
}

// NewValidateConfigCommand creates the validate-config command.
func NewValidateConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-config [config-file]",
		Short: "Check a tracker configuration",
		Long: `Load a CUE or JSON configuration file, apply TRACELOG_* environment
overrides, and report every problem found.

Without a file only defaults and the environment are used.

Examples:
  tracelog validate-config ./tracelog.cue
  TRACELOG_PROJECT_ID=shop tracelog validate-config --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			return runValidateConfig(rootOpts, path, environ(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	return cmd
}

func runValidateConfig(opts *RootOptions, path string, env map[string]string, out, errOut io.Writer) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   opts.Verbose,
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("config file not found: %s", path), nil)
		}
		formatter.VerboseLog("Loading %s", path)
	}

	cfg, err := config.Resolve(path, env)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeInvalidConfig, "configuration rejected", unwrapJoined(err))
	}
	return formatter.Success(summarize(cfg))
}

// unwrapJoined flattens an errors.Join chain into one problem per line.
func unwrapJoined(err error) error {
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		return err
	}
	var lines []string
	for _, e := range joined.Unwrap() {
		lines = append(lines, e.Error())
	}
	return errors.New(strings.Join(lines, "; "))
}

// environ returns the process environment as a map.
func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
