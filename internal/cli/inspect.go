package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/ir"
	"github.com/loomhq/loom/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Config string // YAML config file path
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "inspect <agent-id>",
		Short:         "Print a stored agent's compiled graph",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "YAML config file")

	return cmd
}

func runInspect(opts *InspectOptions, agentID string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := LoadFileConfig(opts.Config)
	if err != nil {
		formatter.Error(ErrCodeParseFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load config", err)
	}

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		formatter.Error(ErrCodeStoreFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer db.Close()

	agent, err := db.LoadAgent(cmd.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			formatter.Error(ErrCodeNotFound, fmt.Sprintf("agent %s not found", agentID), nil)
			return WrapExitError(ExitCommandError, "inspect", err)
		}
		formatter.Error(ErrCodeStoreFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "inspect", err)
	}

	if opts.Format == "json" {
		return formatter.Success(agent.Graph)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "agent %s (%s), %d steps\n", agent.ID, agent.Name, len(agent.Graph.Steps))
	value, err := agent.Graph.ToValue()
	if err != nil {
		return WrapExitError(ExitFailure, "encode graph", err)
	}
	canonical, err := ir.MarshalCanonical(value)
	if err != nil {
		return WrapExitError(ExitFailure, "encode graph", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(canonical))
	return nil
}
