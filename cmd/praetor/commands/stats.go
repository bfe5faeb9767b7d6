package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/praetor-ai/praetor/sdk"
)

func newStatsCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "stats <agent-id>",
		Short: "Show live stats for one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sdk.New(serverURL)
			out, err := client.Agent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "praetor server URL")
	return cmd
}

func newLeaderboardCmd() *cobra.Command {
	var serverURL string
	var window time.Duration
	var limit int

	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the department leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sdk.New(serverURL)
			board, err := client.Leaderboard(cmd.Context(), window, limit)
			if err != nil {
				return err
			}
			if len(board) == 0 {
				fmt.Println("no traffic in window")
				return nil
			}
			fmt.Printf("%-24s %10s %10s %8s\n", "DEPARTMENT", "REQUESTS", "INCIDENTS", "AGENTS")
			for _, d := range board {
				fmt.Printf("%-24s %10d %10d %8d\n", d.Department, d.TotalRequests, d.Incidents, d.ActiveAgents)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "praetor server URL")
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "trailing window")
	cmd.Flags().IntVar(&limit, "limit", 10, "max departments")
	return cmd
}
