package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/ir"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
}

// ValidationOutput is the validate command's JSON payload.
type ValidationOutput struct {
	Valid  bool                 `json:"valid"`
	Errors []ir.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <ir.json>",
		Short: "Validate a declarative IR document",
		Long: `Validate a declarative IR document against the structural schema,
the forbidden-token denylist, and the semantic rules. All errors are
collected and itemized, not just the first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *ValidateOptions, irPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	data, err := os.ReadFile(irPath)
	if err != nil {
		formatter.Error(ErrCodeReadFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read IR", err)
	}

	var spec ir.IR
	if err := json.Unmarshal(data, &spec); err != nil {
		formatter.Error(ErrCodeParseFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "parse IR", err)
	}

	errs := ir.Validate(&spec)
	out := ValidationOutput{Valid: len(errs) == 0, Errors: errs}

	if opts.Format == "json" {
		if err := formatter.Success(out); err != nil {
			return err
		}
	} else if out.Valid {
		fmt.Fprintln(cmd.OutOrStdout(), "IR is valid")
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "IR is invalid (%d errors):\n", len(errs))
		for _, e := range errs {
			fmt.Fprintf(cmd.OutOrStdout(), "  [%s] %s: %s\n", e.Code, e.Field, e.Message)
		}
	}

	if !out.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d validation errors", len(errs)))
	}
	return nil
}
