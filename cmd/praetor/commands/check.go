package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/praetor-ai/praetor/internal/config"
	"github.com/praetor-ai/praetor/internal/guardrail"
	"github.com/praetor-ai/praetor/internal/metrics"
)

// newCheckCmd evaluates text once with the local pattern detectors and
// prints the result. Useful for testing rules without a running server.
func newCheckCmd() *cobra.Command {
	var output bool
	var kinds []string

	cmd := &cobra.Command{
		Use:   "check [text]",
		Short: "Evaluate text against the guardrails locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				cfg = config.Defaults()
			}
			// Local checks always run the pattern detectors; a configured
			// classifier is a server concern.
			cfg.Detectors.ClassifierURL = ""

			var requested []guardrail.Kind
			for _, name := range kinds {
				k := guardrail.Kind(strings.TrimSpace(name))
				if !k.Valid() {
					return fmt.Errorf("unknown guardrail %q", name)
				}
				requested = append(requested, k)
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			eng := buildEngine(cfg, logger, metrics.New(nil))

			req := guardrail.Request{
				ID:      uuid.NewString(),
				Text:    args[0],
				AgentID: "cli",
				Kinds:   requested,
			}

			var res guardrail.Result
			if output {
				res, err = eng.CheckResponse(cmd.Context(), req)
			} else {
				res, err = eng.CheckPrompt(cmd.Context(), req)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().BoolVar(&output, "output", false, "evaluate as an agent reply instead of a prompt")
	cmd.Flags().StringSliceVar(&kinds, "guardrails", nil, "restrict to specific guardrails (comma separated)")
	return cmd
}
