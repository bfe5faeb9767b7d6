package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/praetor-ai/praetor/internal/config"
	"github.com/praetor-ai/praetor/internal/stats"
)

// newReplayCmd rebuilds the aggregation store from the audit log. The
// audit log is the source of truth; the store is a derived view that can
// be regenerated at any time.
func newReplayCmd() *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the stats store from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			sink, err := openSink(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = sink.Close() }()

			store, err := openStats(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			start := time.Time{}
			if since > 0 {
				start = time.Now().UTC().Add(-since)
			}
			applied, err := stats.Rebuild(ctx, store, sink, start)
			if err != nil {
				return err
			}
			fmt.Printf("replayed %d audit records into the %s stats store\n", applied, cfg.Stats.Backend)
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "replay only records newer than this (0 = everything)")
	return cmd
}
