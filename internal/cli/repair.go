package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/catalog"
	"github.com/loomhq/loom/internal/repair"
	"github.com/loomhq/loom/internal/store"
)

// RepairOptions holds flags for the repair command.
type RepairOptions struct {
	*RootOptions
	Config string // YAML config file path
	Fixes  string // approved fixes JSON path
}

// NewRepairCommand creates the repair command.
func NewRepairCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RepairOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "repair <session-id>",
		Short: "Apply approved fixes to a stored agent's graph",
		Long: `Apply a file of approved fixes against the agent recorded for a repair
session. The original graph is backed up before any mutation; the repaired
graph and its rebuilt input schema persist atomically.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "YAML config file")
	cmd.Flags().StringVarP(&opts.Fixes, "fixes", "f", "", "approved fixes JSON file (required)")
	cmd.MarkFlagRequired("fixes")

	return cmd
}

func runRepair(opts *RepairOptions, sessionID string, cmd *cobra.Command) error {
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

	data, err := os.ReadFile(opts.Fixes)
	if err != nil {
		formatter.Error(ErrCodeReadFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read fixes", err)
	}
	var req repair.ApplyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		formatter.Error(ErrCodeParseFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "parse fixes", err)
	}
	req.SessionID = sessionID

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		formatter.Error(ErrCodeStoreFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer db.Close()

	svc := repair.NewService(db, catalog.Builtin())
	result, err := svc.ApplyFixes(cmd.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			formatter.Error(ErrCodeNotFound, err.Error(), nil)
			return WrapExitError(ExitCommandError, "repair", err)
		}
		formatter.Error(ErrCodeRepair, err.Error(), nil)
		return WrapExitError(ExitFailure, "repair failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "repaired agent %s: %d steps updated\n",
		result.AgentID, result.UpdatedStepsCount)
	fmt.Fprintf(cmd.OutOrStdout(), "applied: %d parameters, %d parameterizations, %d auto-repairs, %d logic fixes\n",
		result.AppliedFixes.Parameters, result.AppliedFixes.Parameterizations,
		result.AppliedFixes.AutoRepairs, result.AppliedFixes.LogicFixes)
	for _, caveat := range result.Caveats {
		fmt.Fprintf(cmd.OutOrStdout(), "caveat: %s\n", caveat)
	}
	return nil
}
