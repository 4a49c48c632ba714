package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nacorga/tracelog/internal/model"
	"github.com/nacorga/tracelog/internal/pipeline"
	"github.com/nacorga/tracelog/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Project string
	// Now is the reference time for ages. Zero means the wall clock.
	Now time.Time
}

// KeyInfo describes one stored key.
type KeyInfo struct {
	Key       string    `json:"key"`
	Size      int       `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InspectReport is the persisted state of one project.
type InspectReport struct {
	Project   string                  `json:"project"`
	UserID    string                  `json:"user_id,omitempty"`
	Session   *model.SessionRecord    `json:"session,omitempty"`
	Tabs      []model.TabInfo         `json:"tabs"`
	Recovery  []model.RecoveryAttempt `json:"recovery"`
	Breaker   *pipeline.BreakerState  `json:"breaker,omitempty"`
	Backup    int                     `json:"backup_events"`
	Keys      []KeyInfo               `json:"keys"`
	TotalSize int                     `json:"total_size"`

	now time.Time
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <store-path>",
		Short: "Show the persisted state of a project",
		Long: `Open a tracelog SQLite store and print the state the
contexts of a project share: the session record, live tabs, recovery
history, circuit breaker and any undelivered backup.

Example:
  tracelog inspect ./tracelog.db --project shop
  tracelog inspect ./tracelog.db --project shop --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.Project, "project", "p", "", "project id (required)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func runInspect(opts *InspectOptions, path string, out, errOut io.Writer) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(path); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("store not found: %s", path), nil)
	}
	db, err := store.Open(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}
	defer db.Close()

	report, err := inspect(db, opts.Project)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to read store", err)
	}
	report.now = opts.Now
	if report.now.IsZero() {
		report.now = time.Now()
	}
	formatter.VerboseLog("Read %d keys from %s", len(report.Keys), path)
	return formatter.Success(report)
}

func inspect(db *store.SQLite, project string) (*InspectReport, error) {
	records := store.NewRecords(db, project)
	report := &InspectReport{
		Project:  project,
		Tabs:     records.ListTabs(),
		Recovery: records.LoadRecovery(),
	}

	if id, ok, err := db.Get(records.Key("user")); err != nil {
		return nil, err
	} else if ok {
		report.UserID = id
		for _, b := range records.ListBackups(id) {
			report.Backup += b.EventCount()
		}
	}
	if rec, ok := records.LoadSession(); ok {
		report.Session = &rec
	}
	var breaker pipeline.BreakerState
	if records.LoadJSON("breaker", &breaker) {
		report.Breaker = &breaker
	}

	keys, err := db.Keys(records.Key() + ":")
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		v, _, err := db.Get(k)
		if err != nil {
			return nil, err
		}
		at, _, err := db.UpdatedAt(k)
		if err != nil {
			return nil, err
		}
		report.Keys = append(report.Keys, KeyInfo{Key: k, Size: len(v), UpdatedAt: at})
		report.TotalSize += len(v)
	}
	return report, nil
}

// String renders the report for text output.
func (r *InspectReport) String() string {
	var b strings.Builder
	ago := func(ms int64) string {
		if ms == 0 {
			return "never"
		}
		return humanize.RelTime(time.UnixMilli(ms), r.now, "ago", "from now")
	}

	fmt.Fprintf(&b, "Project %s", r.Project)
	if r.UserID != "" {
		fmt.Fprintf(&b, " (user %s)", r.UserID)
	}
	b.WriteString("\n")

	switch s := r.Session; {
	case s == nil:
		b.WriteString("Session: none\n")
	default:
		state := "active"
		if s.Ended {
			state = "ended: " + string(s.EndReason)
		}
		fmt.Fprintf(&b, "Session %s [%s] epoch %d owner %s\n", s.ID, state, s.Epoch, s.OwnerTabID)
		fmt.Fprintf(&b, "  started %s, last activity %s, heartbeat %s\n", ago(s.StartTime), ago(s.LastActivity), ago(s.Heartbeat))
		if s.Recovered {
			b.WriteString("  resumed after a reload or crash\n")
		}
	}

	fmt.Fprintf(&b, "Tabs: %d\n", len(r.Tabs))
	for _, t := range r.Tabs {
		role := "follower"
		if t.IsLeader {
			role = "leader"
		}
		fmt.Fprintf(&b, "  %s %-8s seen %s\n", t.TabID, role, ago(t.LastHeartbeat))
	}

	if n := len(r.Recovery); n > 0 {
		last := r.Recovery[n-1]
		fmt.Fprintf(&b, "Recovery: %d entries, latest %s attempt %d", n, last.SessionID, last.Attempt)
		if last.Closed {
			b.WriteString(" (closed)")
		}
		b.WriteString("\n")
	}
	if r.Breaker != nil {
		fmt.Fprintf(&b, "Breaker: %s after %d failures\n", r.Breaker.Status, r.Breaker.Failures)
	}
	if r.Backup > 0 {
		fmt.Fprintf(&b, "Backup: %s undelivered events\n", humanize.Comma(int64(r.Backup)))
	}
	fmt.Fprintf(&b, "Storage: %d keys, %s", len(r.Keys), humanize.Bytes(uint64(r.TotalSize)))
	return b.String()
}
