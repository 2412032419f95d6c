package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/catalog"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/pipeline"
	"github.com/loomhq/loom/internal/store"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Config        string // YAML config file path
	Metadata      string // data-source metadata JSON path
	Output        string // output file path
	Intermediates bool   // include per-phase artifacts in the response
	NoStore       bool   // skip persisting the compiled agent
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <prompt.json>",
		Short: "Compile an enhanced prompt into a step graph",
		Long: `Compile a structured business requirement into an executable step graph.

The pipeline runs understanding, grounding, formalization, compilation, and
normalization strictly in sequence; any phase failure names the failing phase.
On success the compiled agent is persisted and its id printed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompilePipeline(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "YAML config file")
	cmd.Flags().StringVarP(&opts.Metadata, "metadata", "m", "", "data-source metadata JSON file")
	cmd.Flags().StringVarP(&opts.Output, "out", "o", "", "write the response JSON to a file")
	cmd.Flags().BoolVar(&opts.Intermediates, "intermediates", false, "include the semantic plan, grounded plan, and IR in the response")
	cmd.Flags().BoolVar(&opts.NoStore, "no-store", false, "compile without persisting the agent")

	return cmd
}

func runCompilePipeline(opts *CompileOptions, promptPath string, cmd *cobra.Command) error {
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
	prompt, err := LoadPrompt(promptPath)
	if err != nil {
		formatter.Error(ErrCodeReadFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load prompt", err)
	}
	metadata, err := LoadMetadata(opts.Metadata)
	if err != nil {
		formatter.Error(ErrCodeReadFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load metadata", err)
	}

	p := &pipeline.Pipeline{
		LLM: llm.NewOpenAI(llm.Options{
			APIKey:  cfg.Model.APIKey,
			BaseURL: cfg.Model.BaseURL,
			Model:   cfg.Model.Name,
		}),
		Catalog: catalog.Builtin(),
	}
	if !opts.NoStore {
		db, err := store.Open(cfg.StorePath)
		if err != nil {
			formatter.Error(ErrCodeStoreFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, "open store", err)
		}
		defer db.Close()
		p.Store = db
	}

	pcfg := cfg.PipelineConfig()
	pcfg.ReturnIntermediateResults = pcfg.ReturnIntermediateResults || opts.Intermediates

	formatter.VerboseLog("compiling %s", promptPath)
	resp, err := p.Run(cmd.Context(), pipeline.Request{
		Prompt:   prompt,
		Metadata: metadata,
		Config:   pcfg,
	})
	if err != nil {
		var phaseErr *pipeline.PhaseError
		if errors.As(err, &phaseErr) {
			formatter.Error(ErrCodePhaseFailed, fmt.Sprintf("phase %s failed", phaseErr.Phase), phaseErr)
			return WrapExitError(ExitFailure, "compilation failed", err)
		}
		formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "compilation failed", err)
	}

	if opts.Output != "" {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return WrapExitError(ExitCommandError, "encode response", err)
		}
		if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
			formatter.Error(ErrCodeWriteFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, "write output", err)
		}
		formatter.VerboseLog("wrote response to %s", opts.Output)
	}

	if opts.Format == "json" {
		return formatter.Success(resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "compiled %d steps (plugins: %v)\n",
		resp.Metadata.StepsGenerated, resp.Metadata.PluginsUsed)
	if resp.AgentID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "agent id: %s\n", resp.AgentID)
	}
	for _, issue := range resp.Validation.Issues {
		fmt.Fprintf(cmd.OutOrStdout(), "issue: %s\n", issue.Error())
	}
	return nil
}
