package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func testRecord(id string) Record {
	return Record{
		RequestID:    id,
		Timestamp:    time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		AgentID:      "agent-1",
		UserID:       "user-1",
		Department:   "Support",
		Team:         "Tier 1",
		CheckType:    "prompt",
		Status:       "blocked",
		OriginalText: "My email is john@example.com",
		RedactedText: "My email is [REDACTED_EMAIL]",
		Categories:   []string{"email"},
		LatencyMs:    12,
	}
}

func TestPutAndQuery(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	if err := sink.Put(ctx, testRecord("r-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	records, err := sink.Query(ctx, QueryOpts{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.RequestID != "r-1" || rec.Department != "Support" || rec.Team != "Tier 1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.RedactedText != "My email is [REDACTED_EMAIL]" {
		t.Errorf("redacted text = %q", rec.RedactedText)
	}
	if len(rec.Categories) != 1 || rec.Categories[0] != "email" {
		t.Errorf("categories = %v", rec.Categories)
	}
	if !rec.Timestamp.Equal(time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", rec.Timestamp)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	rec := testRecord("r-dup")
	for i := 0; i < 3; i++ {
		if err := sink.Put(ctx, rec); err != nil {
			t.Fatalf("Put attempt %d: %v", i, err)
		}
	}

	records, err := sink.Query(ctx, QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("replayed Put created duplicates: got %d records", len(records))
	}
}

func TestQueryFilters(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	a := testRecord("r-a")
	b := testRecord("r-b")
	b.AgentID = "agent-2"
	b.Department = "Finance"
	b.Status = "passed"
	b.Timestamp = a.Timestamp.Add(time.Hour)
	for _, rec := range []Record{a, b} {
		if err := sink.Put(ctx, rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	byDept, err := sink.Query(ctx, QueryOpts{Department: "Finance"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byDept) != 1 || byDept[0].RequestID != "r-b" {
		t.Errorf("department filter returned %+v", byDept)
	}

	byStatus, err := sink.Query(ctx, QueryOpts{Status: "blocked"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].RequestID != "r-a" {
		t.Errorf("status filter returned %+v", byStatus)
	}

	since, err := sink.Query(ctx, QueryOpts{Since: a.Timestamp.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(since) != 1 || since[0].RequestID != "r-b" {
		t.Errorf("since filter returned %+v", since)
	}
}

func TestScanOrdersByTimestamp(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	offsets := map[string]int{"r-2": 2, "r-0": 0, "r-1": 1}
	// Insert out of order; Scan must come back sorted.
	for _, id := range []string{"r-2", "r-0", "r-1"} {
		rec := testRecord(id)
		rec.Timestamp = base.Add(time.Duration(offsets[id]) * time.Hour)
		if err := sink.Put(ctx, rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var stamps []time.Time
	err := sink.Scan(ctx, time.Time{}, func(rec Record) error {
		stamps = append(stamps, rec.Timestamp)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(stamps) != 3 {
		t.Fatalf("scanned %d records, want 3", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		if stamps[i].Before(stamps[i-1]) {
			t.Errorf("scan out of order: %v", stamps)
		}
	}
}

func TestDepartmentBreakdown(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	mk := func(id, agent, dept, status string) Record {
		rec := testRecord(id)
		rec.AgentID = agent
		rec.Department = dept
		rec.Status = status
		return rec
	}
	records := []Record{
		mk("r-1", "a1", "Support", "blocked"),
		mk("r-2", "a1", "Support", "passed"),
		mk("r-3", "a2", "Support", "inconclusive"),
		mk("r-4", "a3", "Finance", "passed"),
	}
	for _, rec := range records {
		if err := sink.Put(ctx, rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	rows, err := sink.DepartmentBreakdown(ctx, time.Time{})
	if err != nil {
		t.Fatalf("DepartmentBreakdown: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	support := rows[0]
	if support.Department != "Support" {
		t.Fatalf("busiest department = %q, want Support", support.Department)
	}
	if support.Total != 3 || support.Incidents != 2 || support.TotalAgents != 2 {
		t.Errorf("support row = %+v", support)
	}
}

func TestLatencyPercentiles(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		rec := testRecord(fmt.Sprintf("r-%03d", i))
		rec.LatencyMs = int64(i)
		if err := sink.Put(ctx, rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := sink.LatencyPercentiles(ctx, time.Time{}, []float64{0.5, 0.95})
	if err != nil {
		t.Fatalf("LatencyPercentiles: %v", err)
	}
	if got[0.5] < 49 || got[0.5] > 51 {
		t.Errorf("p50 = %d", got[0.5])
	}
	if got[0.95] < 94 || got[0.95] > 96 {
		t.Errorf("p95 = %d", got[0.95])
	}
}
