package stats

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetor-ai/praetor/internal/audit"
)

func record(id, agent, dept, status string) audit.Record {
	return audit.Record{
		RequestID:  id,
		Timestamp:  time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		AgentID:    agent,
		UserID:     "user-1",
		Department: dept,
		CheckType:  "prompt",
		Status:     status,
		LatencyMs:  10,
	}
}

func TestMemoryApplyCounts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Apply(ctx, record("r-1", "a1", "Support", "passed")))
	require.NoError(t, m.Apply(ctx, record("r-2", "a1", "Support", "blocked")))
	rec := record("r-3", "a1", "Support", "inconclusive")
	rec.UserID = "user-2"
	rec.Degraded = true
	rec.Categories = []string{"email", "ssn"}
	require.NoError(t, m.Apply(ctx, rec))

	got, err := m.Agent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TotalRequests)
	assert.Equal(t, int64(1), got.Passed)
	assert.Equal(t, int64(1), got.Blocked)
	assert.Equal(t, int64(1), got.Inconclusive)
	assert.Equal(t, int64(2), got.Incidents)
	assert.Equal(t, int64(1), got.Degraded)
	assert.Equal(t, int64(2), got.DistinctUsers)
	assert.Equal(t, int64(1), got.Categories["email"])
	assert.InDelta(t, 10.0, got.AvgLatencyMs, 0.001)
	assert.InDelta(t, 2.0/3.0, got.IncidentRate(), 0.001)
}

func TestMemoryApplyIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := record("r-same", "a1", "Support", "blocked")
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Apply(ctx, rec))
	}

	got, err := m.Agent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalRequests, "replayed record must count once")
	assert.Equal(t, int64(1), got.Incidents)
}

func TestMemoryConcurrentAppliesCountExactly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const n = 1000
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := record(fmt.Sprintf("r-%d", i), "a1", "Support", "passed")
			rec.UserID = fmt.Sprintf("user-%d", i%50)
			_ = m.Apply(ctx, rec)
		}(i)
	}
	wg.Wait()

	got, err := m.Agent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.TotalRequests)
	assert.Equal(t, int64(50), got.DistinctUsers)
}

func TestMemoryUnknownAgent(t *testing.T) {
	m := NewMemory()
	_, err := m.Agent(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoStats)
}

func TestMemoryLeaderboardWindow(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 8, 20, 12, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	fresh := record("r-new", "a1", "Support", "blocked")
	fresh.Timestamp = now.Add(-time.Hour)
	stale := record("r-old", "a2", "Finance", "passed")
	stale.Timestamp = now.Add(-48 * time.Hour)
	busy := record("r-busy", "a3", "Engineering", "passed")
	busy.Timestamp = now.Add(-2 * time.Hour)
	busier := record("r-busy2", "a4", "Engineering", "passed")
	busier.Timestamp = now.Add(-3 * time.Hour)
	for _, rec := range []audit.Record{fresh, stale, busy, busier} {
		require.NoError(t, m.Apply(ctx, rec))
	}

	board, err := m.Leaderboard(ctx, 24*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, board, 2, "stale department must fall outside the window")

	assert.Equal(t, "Engineering", board[0].Department)
	assert.Equal(t, int64(2), board[0].TotalRequests)
	assert.Equal(t, int64(2), board[0].ActiveAgents)
	assert.Equal(t, "Support", board[1].Department)
	assert.Equal(t, int64(1), board[1].Incidents)
}

func TestMemoryLeaderboardLimitAndTieBreak(t *testing.T) {
	m := NewMemory()
	now := time.Now().UTC()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i, dept := range []string{"B", "A", "C"} {
		rec := record(fmt.Sprintf("r-%d", i), "a1", dept, "passed")
		rec.Timestamp = now
		require.NoError(t, m.Apply(ctx, rec))
	}

	board, err := m.Leaderboard(ctx, time.Hour, 2)
	require.NoError(t, err)
	require.Len(t, board, 2)
	// Equal volume ties break alphabetically for a stable ranking.
	assert.Equal(t, "A", board[0].Department)
	assert.Equal(t, "B", board[1].Department)
}

func TestMemoryResetAllowsReplay(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := record("r-1", "a1", "Support", "blocked")
	require.NoError(t, m.Apply(ctx, rec))
	require.NoError(t, m.Reset(ctx))

	// After a reset the same record must apply again.
	require.NoError(t, m.Apply(ctx, rec))
	got, err := m.Agent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalRequests)
}

// fakeSink replays a fixed record list, standing in for the audit log.
type fakeSink struct {
	records []audit.Record
}

func (f *fakeSink) Put(context.Context, audit.Record) error { return nil }
func (f *fakeSink) Query(context.Context, audit.QueryOpts) ([]audit.Record, error) {
	return nil, nil
}
func (f *fakeSink) Scan(_ context.Context, since time.Time, fn func(audit.Record) error) error {
	for _, rec := range f.records {
		if rec.Timestamp.Before(since) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}
func (f *fakeSink) Close() error { return nil }

func TestRebuildFromAuditLog(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// Seed the store with counts that a rebuild must wipe.
	require.NoError(t, m.Apply(ctx, record("r-pre", "a1", "Support", "blocked")))

	sink := &fakeSink{records: []audit.Record{
		record("r-1", "a1", "Support", "passed"),
		record("r-2", "a1", "Support", "blocked"),
		record("r-2", "a1", "Support", "blocked"), // duplicate in the log
	}}

	applied, err := Rebuild(ctx, m, sink, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	got, err := m.Agent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TotalRequests, "rebuild must dedup and drop pre-reset state")
}
