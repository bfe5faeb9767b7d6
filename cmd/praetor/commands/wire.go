package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/praetor-ai/praetor/internal/audit"
	"github.com/praetor-ai/praetor/internal/config"
	"github.com/praetor-ai/praetor/internal/detect"
	"github.com/praetor-ai/praetor/internal/engine"
	"github.com/praetor-ai/praetor/internal/guardrail"
	"github.com/praetor-ai/praetor/internal/metrics"
	"github.com/praetor-ai/praetor/internal/registry"
	"github.com/praetor-ai/praetor/internal/stats"
)

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openSink(ctx context.Context, cfg *config.Config) (audit.Sink, error) {
	switch cfg.Audit.Backend {
	case "postgres":
		dsn := os.Getenv(cfg.Audit.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("environment variable %s is empty", cfg.Audit.DSNEnv)
		}
		return audit.NewPostgresSink(ctx, dsn)
	default:
		return audit.NewSQLiteSink(cfg.Audit.DBPath)
	}
}

func openStats(ctx context.Context, cfg *config.Config) (stats.Store, error) {
	if cfg.Stats.Backend == "redis" {
		return stats.NewRedis(ctx, cfg.Stats.RedisAddr)
	}
	return stats.NewMemory(), nil
}

func newRegistry(cfg *config.Config) *registry.Static {
	return registry.NewStatic(registryAgents(cfg))
}

func registryAgents(cfg *config.Config) map[string]registry.AgentInfo {
	agents := make(map[string]registry.AgentInfo, len(cfg.Agents))
	for id, a := range cfg.Agents {
		agents[id] = registry.AgentInfo{
			Name:       a.Name,
			Department: a.Department,
			Team:       a.Team,
			Active:     a.Active == nil || *a.Active,
		}
	}
	return agents
}

// patternFor returns the local rule-based detector for a kind.
func patternFor(kind guardrail.Kind) detect.Detector {
	switch kind {
	case guardrail.KindPII:
		return detect.NewPIIPattern()
	case guardrail.KindToxicity:
		return detect.NewToxicityKeywords()
	case guardrail.KindPromptInjection:
		return detect.NewInjectionPattern()
	default:
		return detect.NewSensitiveRequestPattern()
	}
}

// buildPairs assembles detector pairs for the given kinds. With a
// classifier configured the remote detector is primary and the local
// pattern detector its fallback; without one the patterns run alone.
func buildPairs(cfg *config.Config, kinds []guardrail.Kind) map[guardrail.Kind]engine.Pair {
	apiKey := ""
	if cfg.Detectors.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.Detectors.APIKeyEnv)
	}

	pairs := make(map[guardrail.Kind]engine.Pair, len(kinds))
	for _, kind := range kinds {
		pattern := patternFor(kind)
		if cfg.Detectors.ClassifierURL == "" {
			pairs[kind] = engine.Pair{Primary: pattern}
			continue
		}
		pairs[kind] = engine.Pair{
			Primary:  detect.NewRemote(kind, cfg.Detectors.ClassifierURL, apiKey, cfg.DetectorTimeout()),
			Fallback: pattern,
		}
	}
	return pairs
}

func settingsFromConfig(cfg *config.Config) engine.Settings {
	s := engine.DefaultSettings()
	s.EnabledKinds = cfg.EnabledKinds()
	s.Thresholds = cfg.Thresholds(s.Thresholds)
	s.DetectorTimeout = cfg.DetectorTimeout()
	s.Deadline = cfg.Deadline()
	if cfg.Output.SafeResponse != "" {
		s.SafeResponse = cfg.Output.SafeResponse
	}
	return s
}

func buildEngine(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *engine.Engine {
	prompt := buildPairs(cfg, guardrail.Kinds)
	output := buildPairs(cfg, cfg.OutputKinds())
	return engine.New(prompt, output, settingsFromConfig(cfg), logger, m)
}
