package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/reshape/internal/journal"
	"github.com/roach88/reshape/internal/value"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// HistoryEntry is the output form of one journal row.
type HistoryEntry struct {
	Seq        int64       `json:"seq"`
	DispatchID string      `json:"dispatch_id"`
	Tasks      []string    `json:"tasks"`
	Status     string      `json:"status"`
	Changed    bool        `json:"changed"`
	Passes     int         `json:"passes"`
	State      value.Value `json:"state,omitempty"`
	StateHash  string      `json:"state_hash,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled dispatches",
		Long: `List journal entries in seq order, oldest first.

Examples:
  reshape history --db ./reshape.db
  reshape history --db ./reshape.db --limit 10 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "show only the newest n entries (0 for all)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	// Reading must not create an empty journal as a side effect.
	if _, err := os.Stat(opts.Database); err != nil {
		return f.fail(ExitCommandError, ErrCodeJournal, fmt.Sprintf("journal not found: %s", opts.Database), err)
	}
	if opts.Limit < 0 {
		return f.fail(ExitCommandError, ErrCodeGeneric, "--limit must be non-negative", nil)
	}

	j, err := journal.Open(opts.Database)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeJournal, "failed to open journal", err)
	}
	defer j.Close()

	entries, err := j.History(cmd.Context(), opts.Limit)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeJournal, "failed to read journal", err)
	}

	out := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		out[i] = HistoryEntry{
			Seq:        e.Seq,
			DispatchID: e.DispatchID,
			Tasks:      e.Tasks,
			Status:     e.Status,
			Changed:    e.Changed,
			Passes:     e.Passes,
			State:      e.State,
			StateHash:  e.StateHash,
			Error:      e.Error,
		}
	}

	return f.Success(out, func(w io.Writer) { writeHistoryText(w, out) })
}

func writeHistoryText(w io.Writer, entries []HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No dispatches journaled.")
		return
	}
	for _, e := range entries {
		detail := shortHash(e.StateHash)
		if e.Error != "" {
			detail = e.Error
		}
		fmt.Fprintf(w, "%6d  %-36s  %-9s  changed=%-5t  passes=%-3d  %-20s  %s\n",
			e.Seq, e.DispatchID, e.Status, e.Changed, e.Passes, strings.Join(e.Tasks, ","), detail)
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
