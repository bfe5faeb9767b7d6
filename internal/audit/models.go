// Package audit persists guardrail decisions to an append-only store and
// shields the caller from sink failures: an audit problem never changes a
// verdict that was already made.
package audit

import (
	"context"
	"time"
)

// Record is the durable account of one guardrail decision. Once written it
// is immutable; retries are deduplicated by RequestID.
type Record struct {
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	AgentID      string    `json:"agent_id"`
	UserID       string    `json:"user_id,omitempty"`
	Department   string    `json:"department"`
	Team         string    `json:"team,omitempty"`
	CheckType    string    `json:"check_type"` // prompt or response
	Status       string    `json:"status"`
	OriginalText string    `json:"original_text"`
	RedactedText string    `json:"redacted_text"`
	Categories   []string  `json:"categories,omitempty"`
	// Degraded marks evaluations where at least one verdict came from a
	// fallback detector.
	Degraded  bool  `json:"degraded"`
	LatencyMs int64 `json:"latency_ms"`
}

// Incident reports whether the record counts against the agent's incident
// tally: the exchange was stopped, or could not be evaluated at all.
func (r Record) Incident() bool {
	return r.Status == "blocked" || r.Status == "inconclusive"
}

// QueryOpts filters audit log reads.
type QueryOpts struct {
	AgentID    string
	Department string
	Status     string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Sink is the append-only audit store boundary. Put is an idempotent
// upsert keyed by request id: writing the same record twice must not
// create a duplicate.
type Sink interface {
	Put(ctx context.Context, rec Record) error
	Query(ctx context.Context, opts QueryOpts) ([]Record, error)
	// Scan streams records since the given time in timestamp order, for
	// aggregate rebuilds.
	Scan(ctx context.Context, since time.Time, fn func(Record) error) error
	Close() error
}

// DepartmentRow is one row of the department breakdown read pattern.
type DepartmentRow struct {
	Department   string  `json:"department"`
	TotalAgents  int64   `json:"total_agents"`
	TotalUsers   int64   `json:"total_users"`
	Total        int64   `json:"total_requests"`
	Incidents    int64   `json:"incidents"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Analytics is the optional reporting surface a sink may implement on top
// of the minimum schema.
type Analytics interface {
	DepartmentBreakdown(ctx context.Context, since time.Time) ([]DepartmentRow, error)
	LatencyPercentiles(ctx context.Context, since time.Time, percentiles []float64) (map[float64]int64, error)
}
