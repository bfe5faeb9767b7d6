package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/praetor-ai/praetor/internal/audit"
)

type agentCounters struct {
	total        int64
	passed       int64
	flagged      int64
	blocked      int64
	inconclusive int64
	incidents    int64
	degraded     int64
	latencySum   int64
	users        map[string]struct{}
	categories   map[string]int64
}

// deptBucket holds one department's counters for one clock hour, so the
// leaderboard can be computed over a trailing window.
type deptBucket struct {
	total     int64
	incidents int64
	agents    map[string]struct{}
}

// Memory is an in-process store for single-instance deployments and tests.
type Memory struct {
	mu      sync.Mutex
	applied map[string]struct{}
	agents  map[string]*agentCounters
	depts   map[string]map[int64]*deptBucket

	// now is swappable for window tests.
	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		applied: make(map[string]struct{}),
		agents:  make(map[string]*agentCounters),
		depts:   make(map[string]map[int64]*deptBucket),
		now:     time.Now,
	}
}

// Apply folds one audit record into the aggregates. Records already seen
// (by request id) are skipped.
func (m *Memory) Apply(_ context.Context, rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.applied[rec.RequestID]; seen {
		return nil
	}
	m.applied[rec.RequestID] = struct{}{}

	a := m.agents[rec.AgentID]
	if a == nil {
		a = &agentCounters{
			users:      make(map[string]struct{}),
			categories: make(map[string]int64),
		}
		m.agents[rec.AgentID] = a
	}
	a.total++
	a.latencySum += rec.LatencyMs
	switch rec.Status {
	case "passed":
		a.passed++
	case "flagged":
		a.flagged++
	case "blocked":
		a.blocked++
	case "inconclusive":
		a.inconclusive++
	}
	if rec.Incident() {
		a.incidents++
	}
	if rec.Degraded {
		a.degraded++
	}
	if rec.UserID != "" {
		a.users[rec.UserID] = struct{}{}
	}
	for _, c := range rec.Categories {
		a.categories[c]++
	}

	hour := rec.Timestamp.UTC().Truncate(time.Hour).Unix()
	buckets := m.depts[rec.Department]
	if buckets == nil {
		buckets = make(map[int64]*deptBucket)
		m.depts[rec.Department] = buckets
	}
	b := buckets[hour]
	if b == nil {
		b = &deptBucket{agents: make(map[string]struct{})}
		buckets[hour] = b
	}
	b.total++
	if rec.Incident() {
		b.incidents++
	}
	b.agents[rec.AgentID] = struct{}{}

	return nil
}

// Agent returns the agent's aggregates or ErrNoStats.
func (m *Memory) Agent(_ context.Context, agentID string) (AgentStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return AgentStats{}, ErrNoStats
	}
	out := AgentStats{
		AgentID:       agentID,
		TotalRequests: a.total,
		Passed:        a.passed,
		Flagged:       a.flagged,
		Blocked:       a.blocked,
		Inconclusive:  a.inconclusive,
		Incidents:     a.incidents,
		Degraded:      a.degraded,
		DistinctUsers: int64(len(a.users)),
	}
	if len(a.categories) > 0 {
		out.Categories = make(map[string]int64, len(a.categories))
		for c, n := range a.categories {
			out.Categories[c] = n
		}
	}
	if a.total > 0 {
		out.AvgLatencyMs = float64(a.latencySum) / float64(a.total)
	}
	return out, nil
}

// Leaderboard ranks departments by request volume over the trailing window.
func (m *Memory) Leaderboard(_ context.Context, window time.Duration, limit int) ([]DepartmentStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().UTC().Add(-window).Truncate(time.Hour).Unix()
	var out []DepartmentStats
	for dept, buckets := range m.depts {
		entry := DepartmentStats{Department: dept}
		agents := make(map[string]struct{})
		for hour, b := range buckets {
			if hour < cutoff {
				continue
			}
			entry.TotalRequests += b.total
			entry.Incidents += b.incidents
			for id := range b.agents {
				agents[id] = struct{}{}
			}
		}
		if entry.TotalRequests == 0 {
			continue
		}
		entry.ActiveAgents = int64(len(agents))
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalRequests != out[j].TotalRequests {
			return out[i].TotalRequests > out[j].TotalRequests
		}
		return out[i].Department < out[j].Department
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reset drops all aggregates and the applied-record set.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = make(map[string]struct{})
	m.agents = make(map[string]*agentCounters)
	m.depts = make(map[string]map[int64]*deptBucket)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
