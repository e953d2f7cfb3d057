package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-agentic/internal/config"
	"go-agentic/internal/workflow"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentic",
	Short: "Goal orchestrator and approval-gated workflow engine",
	Long: `agentic runs LLM-backed agents behind two entry points: a goal orchestrator that
plans and dispatches dependency-ordered tasks, and a persisted workflow engine that
executes definition phases with retries and human approval gates.

With no subcommand, serve is run.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var definitionsCmd = &cobra.Command{
	Use:   "definitions",
	Short: "Print the resolved workflow definitions as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		defs, err := loadDefinitions(cfg.Workflow.DefinitionsFile)
		if err != nil {
			return err
		}
		out, err := workflow.MarshalDefinitions(defs.List())
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./agentic.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(definitionsCmd)
}

// loadDefinitions registers the built-in definitions, then those in path, which replace
// built-ins with the same id.
func loadDefinitions(path string) (*workflow.Definitions, error) {
	defs, err := workflow.NewDefinitions(workflow.BuiltinDefinitions()...)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return defs, nil
	}
	custom, err := workflow.LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	for _, def := range custom {
		if err := defs.Register(def); err != nil {
			return nil, err
		}
	}
	return defs, nil
}
