// Package commands defines all Cobra CLI commands for the mindbook binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/mindbook/mindbook-go/internal/audit"
	"github.com/mindbook/mindbook-go/internal/config"
	"github.com/mindbook/mindbook-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mindbook",
		Short: "Mindbook — chat with the documents in your workspace",
		Long: `Mindbook is a local-first backend for document workspaces: upload documents,
have them chunked and embedded, then search and chat over them with an LLM.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.mindbook/config.yaml).
See 'mindbook --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.mindbook/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewServeCmd(),
		NewIngestCmd(),
		NewStatusCmd(),
		NewVersionCmd(),
	)

	return root
}
