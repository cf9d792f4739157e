package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rulebox/internal/compiler"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/schema"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                    `json:"valid"`
	Summary  *compiler.Summary       `json:"summary,omitempty"`
	Warnings []compiler.CycleWarning `json:"warnings,omitempty"`
	Errors   []Problem               `json:"errors,omitempty"`
}

// Problem is one compile error with its source position.
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <program-dir>",
		Short: "Compile a program and report its problems",
		Long: `Compile the CUE program in a directory without opening a store.

Reports every problem with its location, and warns about policies that form
cycles.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	prog, err := compiler.Load(dir, schema.NewRegistry())
	if err != nil {
		problems := compiler.CompileErrors(err)
		if len(problems) == 0 {
			// Missing directory, no files: not a program problem.
			return formatter.Fail(ExitCommandError, "failed to load program", err)
		}
		return outputValidationErrors(formatter, problems)
	}

	summary := prog.Summary()
	formatter.VerboseLog("Compiled %s: %+v", dir, summary)
	result := ValidationResult{Valid: true, Summary: &summary, Warnings: prog.Warnings}

	var text strings.Builder
	fmt.Fprintf(&text, "✓ Program valid: %d aggregates, %d commands, %d events, %d queries, %d policies, %d projections",
		summary.Aggregates, summary.Commands, summary.Events, summary.Queries, summary.Policies, summary.Projections)
	for _, w := range prog.Warnings {
		fmt.Fprintf(&text, "\n! %s", w.Message)
	}
	return formatter.Success(result, text.String())
}

// outputValidationErrors outputs every compile problem.
func outputValidationErrors(formatter *OutputFormatter, problems []*compiler.CompileError) error {
	result := ValidationResult{Valid: false}
	for _, p := range problems {
		pr := Problem{Path: p.Path, Message: p.Message}
		if p.Pos.IsValid() {
			pr.File, pr.Line, pr.Column = p.Pos.Filename(), p.Pos.Line(), p.Pos.Column()
		}
		result.Errors = append(result.Errors, pr)
	}
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(problems)))

	if formatter.JSON() {
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    string(errs.CodeValidation),
				Message: exitErr.Message,
			},
		}); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, p := range result.Errors {
		if p.Line > 0 {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n", p.File, p.Line, p.Column)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", p.Path, p.Message)
	}
	return exitErr
}
