package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "praetor",
		Short: "Guardrail gateway for AI agent traffic",
		Long:  "Praetor provides real-time PII, toxicity, injection, and sensitive-request guardrails for AI agents, with a durable audit trail and live per-agent stats.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Local .env files carry classifier keys and DSNs in dev.
			_ = godotenv.Load()
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "praetor.yaml", "config file path")

	root.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newStatsCmd(),
		newLeaderboardCmd(),
		newReplayCmd(),
		newInitCmd(),
		newVersionCmd(),
	)

	return root
}
