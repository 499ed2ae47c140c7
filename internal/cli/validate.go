package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/reshape/internal/rules"
)

// HandlerInfo describes one compiled handler.
type HandlerInfo struct {
	Name string   `json:"name"`
	On   []string `json:"on"`
	Op   string   `json:"op"`
	Line int      `json:"line,omitempty"`
}

// ValidationResult holds the handlers of a valid rules directory.
type ValidationResult struct {
	Valid    bool          `json:"valid"`
	Files    []string      `json:"files"`
	Handlers []HandlerInfo `json:"handlers"`
}

// ValidationError locates a rule compilation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <rules-dir>",
		Short: "Compile CUE rules and list their handlers",
		Long: `Compile every CUE file in a rules directory and report the handlers in
registration order. Nothing is dispatched.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Errors are reported through the formatter
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return f.fail(ExitCommandError, ErrCodeRules, fmt.Sprintf("rules directory not found: %s", dir), err)
	}

	set, err := rules.LoadDir(dir)
	if err != nil {
		verr := ValidationError{Field: "load", Message: err.Error()}
		var cerr *rules.CompileError
		if errors.As(err, &cerr) {
			verr = ValidationError{Field: cerr.Field, Message: cerr.Message}
			if cerr.Pos.IsValid() {
				verr.File = cerr.Pos.Filename()
				verr.Line = cerr.Pos.Line()
			}
		}
		_ = f.Error(ErrCodeRules, "rules are invalid", verr)
		return WrapExitError(ExitFailure, "rules are invalid", err)
	}

	f.VerboseLog("Found %d CUE file(s) in %s", len(set.Files), dir)

	result := ValidationResult{
		Valid:    true,
		Files:    set.Files,
		Handlers: make([]HandlerInfo, len(set.Rules)),
	}
	for i, r := range set.Rules {
		info := HandlerInfo{Name: r.Name, On: r.On, Op: string(r.Op)}
		if r.Pos.IsValid() {
			info.Line = r.Pos.Line()
		}
		result.Handlers[i] = info
	}

	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "%d handler(s) valid\n", len(result.Handlers))
		for _, h := range result.Handlers {
			fmt.Fprintf(w, "  %-20s %-10s on %s\n", h.Name, h.Op, strings.Join(h.On, ", "))
		}
	})
}
