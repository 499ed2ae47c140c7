package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/reshape/internal/metrics"
	"github.com/roach88/reshape/internal/scenario"
	"github.com/roach88/reshape/internal/value"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	GoldenDir string // compare snapshots against <dir>/<name>.golden
	Update    bool   // rewrite golden files instead of comparing
	Filter    string // glob on scenario file names
	Metrics   bool   // dump metrics to stderr after the run
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name          string                `json:"name"`
	File          string                `json:"file"`
	Pass          bool                  `json:"pass"`
	Errors        []string              `json:"errors,omitempty"`
	FinalState    value.Object          `json:"final_state,omitempty"`
	Notifications int                   `json:"notifications"`
	Failures      int                   `json:"failures"`
	Trace         []scenario.TraceEvent `json:"trace,omitempty"`
}

// RunResult summarizes a run over one or more scenario files.
type RunResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml|scenarios-dir>",
		Short: "Run YAML scenarios",
		Long: `Run one scenario file, or every .yaml/.yml file under a directory.

Each scenario compiles its rules, executes its dispatches with deterministic
dispatch IDs and checks its expect clauses. With --golden-dir the run's
snapshot must also match <golden-dir>/<name>.golden.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  reshape run ./scenarios/merge.yaml
  reshape run ./scenarios --filter "settle*"
  reshape run ./scenarios --golden-dir ./golden --update
  reshape run ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.GoldenDir, "golden-dir", "", "directory of golden snapshots")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files (requires --golden-dir)")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print metrics to stderr after the run")

	return cmd
}

func runScenarios(opts *RunOptions, target string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	if opts.Update && opts.GoldenDir == "" {
		return f.fail(ExitCommandError, ErrCodeGeneric, "--update requires --golden-dir", nil)
	}

	files, err := findScenarioFiles(target, opts.Filter)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeScenario, "failed to find scenarios", err)
	}

	reg := prometheus.NewRegistry()
	runOpts := []scenario.Option{scenario.WithLogger(f.Logger())}
	if opts.Metrics {
		runOpts = append(runOpts, scenario.WithMetrics(metrics.New(reg, "reshape")))
	}

	result := RunResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		f.VerboseLog("running %s", file)
		sr := runScenarioFile(cmd, opts, file, runOpts)
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if opts.Metrics {
		if err := metrics.WriteText(cmd.ErrOrStderr(), reg); err != nil {
			return f.fail(ExitCommandError, ErrCodeGeneric, "failed to write metrics", err)
		}
	}

	if err := f.Success(result, func(w io.Writer) { writeRunText(w, result, opts.Verbose) }); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.Total))
	}
	return nil
}

// findScenarioFiles accepts a single file or walks a directory for YAML
// files, sorted by path.
func findScenarioFiles(target, filter string) ([]string, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{target}, nil
	}

	var files []string
	err = filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})
	return files, err
}

func runScenarioFile(cmd *cobra.Command, opts *RunOptions, file string, runOpts []scenario.Option) ScenarioResult {
	s, err := scenario.Load(file)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(file),
			File:   file,
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}

	res, err := scenario.Run(cmd.Context(), s, runOpts...)
	if err != nil {
		return ScenarioResult{
			Name:   s.Name,
			File:   file,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}

	sr := ScenarioResult{
		Name:          s.Name,
		File:          file,
		Pass:          res.Pass,
		Errors:        res.Errors,
		FinalState:    res.FinalState,
		Notifications: res.Notifications,
		Failures:      res.Failures,
		Trace:         res.Trace,
	}

	if opts.GoldenDir != "" {
		if err := checkGolden(opts, s.Name, res); err != nil {
			sr.Pass = false
			sr.Errors = append(sr.Errors, err.Error())
		}
	}
	return sr
}

var errGoldenMismatch = errors.New("snapshot does not match golden file (run with --update to regenerate)")

// checkGolden writes or compares the run's canonical snapshot. A missing
// golden file is not an error; the expect clauses still apply.
func checkGolden(opts *RunOptions, name string, res *scenario.Result) error {
	data, err := value.MarshalCanonicalAny(scenario.Snapshot(name, res))
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	path := filepath.Join(opts.GoldenDir, name+".golden")

	if opts.Update {
		if err := os.MkdirAll(opts.GoldenDir, 0755); err != nil {
			return fmt.Errorf("golden dir: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("write golden file: %w", err)
		}
		return nil
	}

	want, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read golden file: %w", err)
	}
	if !bytes.Equal(bytes.TrimSpace(want), data) {
		return errGoldenMismatch
	}
	return nil
}

func writeRunText(w io.Writer, result RunResult, verbose bool) {
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}

	for _, sr := range result.Scenarios {
		if sr.Pass {
			fmt.Fprintf(w, "PASS %s\n", sr.Name)
		} else {
			fmt.Fprintf(w, "FAIL %s\n", sr.Name)
		}
		for _, e := range sr.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		if verbose {
			for _, ev := range sr.Trace {
				fmt.Fprintf(w, "  [%d] %s %s tasks=%v changed=%t passes=%d\n",
					ev.Seq, ev.DispatchID, ev.Status, ev.Tasks, ev.Changed, ev.Passes)
			}
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
}
