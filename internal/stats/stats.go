// Package stats maintains live aggregates over audit records: per-agent
// counters and per-department leaderboard windows. Stores apply records
// idempotently so the same audit record can be replayed without skew, and
// every aggregate can be rebuilt from the audit log.
package stats

import (
	"context"
	"errors"
	"time"

	"github.com/praetor-ai/praetor/internal/audit"
)

// ErrNoStats is returned when an agent has no recorded activity.
var ErrNoStats = errors.New("no stats for agent")

// AgentStats are the live counters for one agent.
type AgentStats struct {
	AgentID       string           `json:"agent_id"`
	TotalRequests int64            `json:"total_requests"`
	Passed        int64            `json:"passed"`
	Flagged       int64            `json:"flagged"`
	Blocked       int64            `json:"blocked"`
	Inconclusive  int64            `json:"inconclusive"`
	Incidents     int64            `json:"incidents"`
	Degraded      int64            `json:"degraded"`
	DistinctUsers int64            `json:"distinct_users"`
	Categories    map[string]int64 `json:"categories,omitempty"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
}

// IncidentRate is incidents over total requests, zero when idle.
func (s AgentStats) IncidentRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.Incidents) / float64(s.TotalRequests)
}

// DepartmentStats is one leaderboard entry.
type DepartmentStats struct {
	Department    string `json:"department"`
	TotalRequests int64  `json:"total_requests"`
	Incidents     int64  `json:"incidents"`
	ActiveAgents  int64  `json:"active_agents"`
}

// Store is the aggregation boundary. Apply must be idempotent per
// audit record: replaying a record already applied is a no-op.
type Store interface {
	Apply(ctx context.Context, rec audit.Record) error
	Agent(ctx context.Context, agentID string) (AgentStats, error)
	// Leaderboard ranks departments by request volume over the trailing
	// window, busiest first.
	Leaderboard(ctx context.Context, window time.Duration, limit int) ([]DepartmentStats, error)
	Reset(ctx context.Context) error
	Close() error
}

// Rebuild clears the store and replays the audit log into it. Used after
// a store loss, since the audit log is the source of truth.
func Rebuild(ctx context.Context, store Store, sink audit.Sink, since time.Time) (int, error) {
	if err := store.Reset(ctx); err != nil {
		return 0, err
	}
	applied := 0
	err := sink.Scan(ctx, since, func(rec audit.Record) error {
		if err := store.Apply(ctx, rec); err != nil {
			return err
		}
		applied++
		return nil
	})
	return applied, err
}
