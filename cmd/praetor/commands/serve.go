package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/praetor-ai/praetor/internal/audit"
	"github.com/praetor-ai/praetor/internal/config"
	"github.com/praetor-ai/praetor/internal/metrics"
	"github.com/praetor-ai/praetor/internal/notify"
	"github.com/praetor-ai/praetor/internal/observability"
	"github.com/praetor-ai/praetor/internal/server"
)

func newServeCmd() *cobra.Command {
	var port int
	var bind string
	var trace bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the praetor guardrail server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				// Fall back to defaults if no config file
				cfg = config.Defaults()
			}

			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg)

			var traceWriter io.Writer
			if trace {
				traceWriter = os.Stdout
			}
			shutdownTracing, err := observability.SetupTracing("praetor", Version, traceWriter)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

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

			agents := newRegistry(cfg)
			eng := buildEngine(cfg, logger, m)

			recOpts := audit.Options{
				Attempts: cfg.Audit.RetryAttempts,
				Backoff:  time.Duration(cfg.Audit.RetryBackoffMS) * time.Millisecond,
			}
			if cfg.Audit.Async {
				recOpts.AsyncBuffer = cfg.Audit.AsyncBuffer
			}
			recorder := audit.NewRecorder(sink, store, agents, logger, m, recOpts)
			defer recorder.Close()

			var notifier *notify.Notifier
			if len(cfg.Webhooks) > 0 {
				notifier = notify.New(cfg.Webhooks, logger)
			}

			srv := server.New(eng, recorder, sink, store, agents, notifier, logger, reg, server.Options{
				FailOpen: cfg.Detectors.FailOpen,
				Version:  Version,
			})

			// Hot reload: thresholds, enabled kinds, and the agent roster
			// follow the config file without a restart.
			stopWatch, err := config.Watch(cfgFile, logger, func(next *config.Config) {
				eng.UpdateSettings(settingsFromConfig(next))
				agents.Replace(registryAgents(next))
			})
			if err != nil {
				logger.Warn("config watch disabled", "error", err)
			} else {
				defer func() { _ = stopWatch() }()
			}

			printBanner(cfg)

			bindAddr := cfg.Server.Bind
			if bindAddr == "" {
				bindAddr = "127.0.0.1"
			}
			addr := fmt.Sprintf("%s:%d", bindAddr, cfg.Server.Port)

			serveErr := srv.ListenAndServe(ctx, addr)

			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(flushCtx)
			return serveErr
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1)")
	cmd.Flags().BoolVar(&trace, "trace", false, "write OpenTelemetry spans to stdout")
	return cmd
}

func printBanner(cfg *config.Config) {
	bindAddr := cfg.Server.Bind
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}

	mode := "patterns only"
	if cfg.Detectors.ClassifierURL != "" {
		mode = "classifier + pattern fallback"
	}

	fmt.Println()
	fmt.Println("  praetor")
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  Check:       http://%s:%d/v1/check\n", bindAddr, cfg.Server.Port)
	fmt.Printf("  Output:      http://%s:%d/v1/check-output\n", bindAddr, cfg.Server.Port)
	fmt.Printf("  Leaderboard: http://%s:%d/v1/leaderboard\n", bindAddr, cfg.Server.Port)
	fmt.Printf("  Metrics:     http://%s:%d/metrics\n", bindAddr, cfg.Server.Port)
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  Detectors: %s  |  Agents: %d  |  Audit: %s\n", mode, len(cfg.Agents), cfg.Audit.Backend)
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop.")
	fmt.Println()
}
