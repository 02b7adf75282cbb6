package commands

import (
	"github.com/MEKXH/agentgate/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agentgate",
		Short: "AgentGate - approval gate for agent actions",
		Long:  `AgentGate decides whether an agent may perform an action: by policy, by a human, or by timeout.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewServeCmd(),
		NewStatusCmd(),
		NewRequestCmd(),
		NewPolicyCmd(),
		NewKeyCmd(),
		NewVersionCmd(),
	)

	return cmd
}
