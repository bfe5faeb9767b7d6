package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	request_id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	user_id TEXT,
	department TEXT NOT NULL,
	team TEXT,
	check_type TEXT NOT NULL,
	status TEXT NOT NULL,
	original_text TEXT NOT NULL,
	redacted_text TEXT NOT NULL,
	categories TEXT,
	degraded INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_log(agent_id);
CREATE INDEX IF NOT EXISTS idx_audit_department ON audit_log(department);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_log(status);
`

// SQLiteSink stores audit records in a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the SQLite audit database.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	// WAL keeps concurrent readers off the writers' backs.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Put upserts the record by request id. Replaying the same record is a
// no-op, which makes retried writes idempotent.
func (s *SQLiteSink) Put(ctx context.Context, rec Record) error {
	cats, err := encodeCategories(rec.Categories)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (request_id, timestamp, agent_id, user_id, department, team, check_type, status, original_text, redacted_text, categories, degraded, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO NOTHING`,
		rec.RequestID, rec.Timestamp.UTC().Format(time.RFC3339), rec.AgentID,
		nullable(rec.UserID), rec.Department, nullable(rec.Team), rec.CheckType,
		rec.Status, rec.OriginalText, rec.RedactedText, cats, boolToInt(rec.Degraded),
		rec.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("writing audit record %s: %w", rec.RequestID, err)
	}
	return nil
}

// Query returns audit records matching the given filters, newest first.
func (s *SQLiteSink) Query(ctx context.Context, opts QueryOpts) ([]Record, error) {
	query := `SELECT request_id, timestamp, agent_id, user_id, department, team, check_type, status, original_text, redacted_text, categories, degraded, latency_ms FROM audit_log WHERE 1=1`
	var args []any

	if opts.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, opts.AgentID)
	}
	if opts.Department != "" {
		query += " AND department = ?"
		args = append(args, opts.Department)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since.UTC().Format(time.RFC3339))
	}
	if !opts.Until.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, opts.Until.UTC().Format(time.RFC3339))
	}

	query += " ORDER BY timestamp DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		query += " LIMIT 50"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Scan streams records since the given time in timestamp order.
func (s *SQLiteSink) Scan(ctx context.Context, since time.Time, fn func(Record) error) error {
	query := `SELECT request_id, timestamp, agent_id, user_id, department, team, check_type, status, original_text, redacted_text, categories, degraded, latency_ms FROM audit_log WHERE timestamp >= ? ORDER BY timestamp ASC`
	rows, err := s.db.QueryContext(ctx, query, since.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("scanning audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DepartmentBreakdown aggregates request totals, incident counts, distinct
// agents/users, and mean latency per department.
func (s *SQLiteSink) DepartmentBreakdown(ctx context.Context, since time.Time) ([]DepartmentRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT department,
		       COUNT(DISTINCT agent_id),
		       COUNT(DISTINCT user_id),
		       COUNT(*),
		       SUM(CASE WHEN status IN ('blocked', 'inconclusive') THEN 1 ELSE 0 END),
		       AVG(latency_ms)
		FROM audit_log
		WHERE timestamp >= ?
		GROUP BY department
		ORDER BY COUNT(*) DESC, department ASC`,
		since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("department breakdown: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DepartmentRow
	for rows.Next() {
		var r DepartmentRow
		var avg sql.NullFloat64
		if err := rows.Scan(&r.Department, &r.TotalAgents, &r.TotalUsers, &r.Total, &r.Incidents, &avg); err != nil {
			return nil, fmt.Errorf("scanning breakdown row: %w", err)
		}
		r.AvgLatencyMs = avg.Float64
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatencyPercentiles returns the requested latency percentiles in
// milliseconds over records since the given time.
func (s *SQLiteSink) LatencyPercentiles(ctx context.Context, since time.Time, percentiles []float64) (map[float64]int64, error) {
	sinceStr := since.UTC().Format(time.RFC3339)

	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE timestamp >= ?`, sinceStr).Scan(&count); err != nil {
		return nil, fmt.Errorf("counting audit records: %w", err)
	}

	out := make(map[float64]int64, len(percentiles))
	if count == 0 {
		return out, nil
	}
	for _, p := range percentiles {
		offset := int64(float64(count-1) * p)
		var v int64
		err := s.db.QueryRowContext(ctx,
			`SELECT latency_ms FROM audit_log WHERE timestamp >= ? ORDER BY latency_ms ASC LIMIT 1 OFFSET ?`,
			sinceStr, offset).Scan(&v)
		if err != nil {
			return nil, fmt.Errorf("latency percentile %v: %w", p, err)
		}
		out[p] = v
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var ts string
	var userID, team, cats sql.NullString
	var degraded int
	if err := row.Scan(&rec.RequestID, &ts, &rec.AgentID, &userID, &rec.Department,
		&team, &rec.CheckType, &rec.Status, &rec.OriginalText, &rec.RedactedText,
		&cats, &degraded, &rec.LatencyMs); err != nil {
		return Record{}, fmt.Errorf("scanning audit row: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return Record{}, fmt.Errorf("parsing audit timestamp %q: %w", ts, err)
	}
	rec.Timestamp = parsed
	rec.UserID = userID.String
	rec.Team = team.String
	rec.Degraded = degraded != 0
	if cats.String != "" {
		if err := json.Unmarshal([]byte(cats.String), &rec.Categories); err != nil {
			return Record{}, fmt.Errorf("decoding categories for %s: %w", rec.RequestID, err)
		}
	}
	return rec, nil
}

func encodeCategories(cats []string) (string, error) {
	if len(cats) == 0 {
		return "", nil
	}
	data, err := json.Marshal(cats)
	if err != nil {
		return "", fmt.Errorf("encoding categories: %w", err)
	}
	return string(data), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ Sink      = (*SQLiteSink)(nil)
	_ Analytics = (*SQLiteSink)(nil)
)
