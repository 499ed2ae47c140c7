package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/reshape/internal/engine"
	"github.com/roach88/reshape/internal/journal"
	"github.com/roach88/reshape/internal/metrics"
	"github.com/roach88/reshape/internal/queue"
	"github.com/roach88/reshape/internal/rules"
	"github.com/roach88/reshape/internal/value"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	Rules    string
	Database string
	Payload  string // JSON
	Settle   bool
	Timeout  time.Duration
	Metrics  bool

	// IDs overrides the dispatch ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs engine.IDGenerator
}

// DispatchOutput reports one dispatch command.
type DispatchOutput struct {
	Seq        int64        `json:"seq"`
	Action     string       `json:"action"`
	Status     string       `json:"status"`
	Changed    bool         `json:"changed"`
	Passes     int          `json:"passes"`
	Error      string       `json:"error,omitempty"`
	FollowUps  int64        `json:"follow_ups"` // units emitted by handlers and drained
	State      value.Object `json:"state"`
	StateHash  string       `json:"state_hash"`
	RestoredAt int64        `json:"restored_at"` // journal seq the state was restored from, 0 for none
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch <action-id>",
		Short: "Dispatch one action against the journaled state",
		Long: `Restore the latest state from the journal, dispatch one action through the
compiled rules, wait until it and every follow-up it emits have run, and
journal each unit.

Examples:
  reshape dispatch update --rules ./rules --db ./reshape.db --payload '{"x":1}'
  reshape dispatch tick --rules ./rules --db ./reshape.db --settle`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Rules, "rules", "", "directory of CUE rule files (required)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "action payload as JSON")
	cmd.Flags().BoolVar(&opts.Settle, "settle", false, "loop each task until handlers stop changing state")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "maximum time to wait for the dispatch to drain")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print metrics to stderr after the dispatch")
	_ = cmd.MarkFlagRequired("rules")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runDispatch(opts *DispatchOptions, actionID string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	logger := f.Logger()

	var payload value.Value
	if opts.Payload != "" {
		p, err := value.Parse([]byte(opts.Payload))
		if err != nil {
			return f.fail(ExitCommandError, ErrCodeGeneric, "invalid --payload", err)
		}
		payload = p
	}

	if info, err := os.Stat(opts.Rules); err != nil || !info.IsDir() {
		return f.fail(ExitCommandError, ErrCodeRules, fmt.Sprintf("rules directory not found: %s", opts.Rules), err)
	}
	set, err := rules.LoadDir(opts.Rules)
	if err != nil {
		return f.fail(ExitFailure, ErrCodeRules, "rules are invalid", err)
	}
	f.VerboseLog("loaded %d handler(s) from %s", len(set.Rules), opts.Rules)

	j, err := journal.Open(opts.Database)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeJournal, "failed to open journal", err)
	}
	defer func() {
		if closeErr := j.Close(); closeErr != nil {
			logger.Error("error closing journal", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	state := value.Object{}
	var restoredAt int64
	latest, found, err := j.LatestState(ctx)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeJournal, "failed to restore state", err)
	}
	if found {
		obj, ok := latest.State.(value.Object)
		if !ok {
			return f.fail(ExitCommandError, ErrCodeJournal,
				fmt.Sprintf("journaled state at seq %d is a %s, not an object", latest.Seq, value.KindOf(latest.State)), nil)
		}
		state = obj
		restoredAt = latest.Seq
		logger.Info("state restored", "seq", latest.Seq, "state_hash", latest.StateHash)
	}

	lastSeq, err := j.LastSeq(ctx)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeJournal, "failed to read journal sequence", err)
	}

	reg := prometheus.NewRegistry()
	engOpts := []engine.Option{
		engine.WithLoopUntilSettled(opts.Settle),
		engine.WithLogger(logger),
		engine.WithRecorder(j),
		engine.WithClock(queue.NewClockAt(lastSeq)),
		engine.WithIDGenerator(opts.IDs),
	}
	if opts.Metrics {
		engOpts = append(engOpts, engine.WithMetrics(metrics.New(reg, "reshape")))
	}
	eng := engine.New[value.Object](engOpts...)
	defer eng.Close()

	eng.SetStateAccessor(func() value.Object { return state }).
		AddOnChange(engine.NewObserver(func(next value.Object) { state = next })).
		AddHandlers(rules.Handlers(set.Rules)...)

	h := eng.Submit(engine.Action{ID: actionID, Payload: payload})
	res, err := h.Wait(ctx)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeDispatch, "dispatch did not complete", err)
	}
	if err := eng.Drain(ctx); err != nil {
		return f.fail(ExitCommandError, ErrCodeDispatch, "follow-up dispatches did not drain", err)
	}

	out := DispatchOutput{
		Seq:        h.Seq(),
		Action:     actionID,
		Status:     res.Status.String(),
		Changed:    res.Value.Changed,
		Passes:     res.Value.Passes,
		State:      state,
		RestoredAt: restoredAt,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	if last, err := j.LastSeq(ctx); err == nil && last > h.Seq() {
		out.FollowUps = last - h.Seq()
	}
	if out.StateHash, err = value.StateHash(state); err != nil {
		return f.fail(ExitCommandError, ErrCodeGeneric, "failed to hash state", err)
	}

	if opts.Metrics {
		if err := metrics.WriteText(cmd.ErrOrStderr(), reg); err != nil {
			logger.Error("failed to write metrics", "error", err)
		}
	}

	if err := f.Success(out, func(w io.Writer) { writeDispatchText(w, out) }); err != nil {
		return err
	}
	if !res.Succeeded() {
		return NewExitError(ExitFailure, fmt.Sprintf("dispatch %s %s", actionID, out.Status))
	}
	return nil
}

func writeDispatchText(w io.Writer, out DispatchOutput) {
	fmt.Fprintf(w, "seq %d: %s %s (changed=%t, passes=%d)\n",
		out.Seq, out.Action, out.Status, out.Changed, out.Passes)
	if out.Error != "" {
		fmt.Fprintf(w, "error: %s\n", out.Error)
	}
	if out.FollowUps > 0 {
		fmt.Fprintf(w, "follow-ups: %d\n", out.FollowUps)
	}
	data, err := value.MarshalCanonical(out.State)
	if err != nil {
		data = []byte(err.Error())
	}
	fmt.Fprintf(w, "state: %s\n", data)
	fmt.Fprintf(w, "state hash: %s\n", out.StateHash)
}
