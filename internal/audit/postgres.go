package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	request_id TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	agent_id TEXT NOT NULL,
	user_id TEXT,
	department TEXT NOT NULL,
	team TEXT,
	check_type TEXT NOT NULL,
	status TEXT NOT NULL,
	original_text TEXT NOT NULL,
	redacted_text TEXT NOT NULL,
	categories TEXT,
	degraded BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_log(agent_id);
CREATE INDEX IF NOT EXISTS idx_audit_department ON audit_log(department);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
`

// PostgresSink stores audit records in PostgreSQL, for deployments where
// several praetor instances share one audit log.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to Postgres and ensures the audit schema exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Put upserts the record by request id; replays are no-ops.
func (p *PostgresSink) Put(ctx context.Context, rec Record) error {
	cats, err := encodeCategories(rec.Categories)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, ts, agent_id, user_id, department, team, check_type, status, original_text, redacted_text, categories, degraded, latency_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID, rec.Timestamp.UTC(), rec.AgentID, nullable(rec.UserID),
		rec.Department, nullable(rec.Team), rec.CheckType, rec.Status,
		rec.OriginalText, rec.RedactedText, nullable(cats), rec.Degraded,
		rec.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("writing audit record %s: %w", rec.RequestID, err)
	}
	return nil
}

// Query returns audit records matching the given filters, newest first.
func (p *PostgresSink) Query(ctx context.Context, opts QueryOpts) ([]Record, error) {
	query := `SELECT request_id, ts, agent_id, user_id, department, team, check_type, status, original_text, redacted_text, categories, degraded, latency_ms FROM audit_log WHERE TRUE`
	var args []any

	add := func(clause string, val any) {
		args = append(args, val)
		query += fmt.Sprintf(clause, len(args))
	}
	if opts.AgentID != "" {
		add(" AND agent_id = $%d", opts.AgentID)
	}
	if opts.Department != "" {
		add(" AND department = $%d", opts.Department)
	}
	if opts.Status != "" {
		add(" AND status = $%d", opts.Status)
	}
	if !opts.Since.IsZero() {
		add(" AND ts >= $%d", opts.Since.UTC())
	}
	if !opts.Until.IsZero() {
		add(" AND ts < $%d", opts.Until.UTC())
	}

	query += " ORDER BY ts DESC"
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Scan streams records since the given time in timestamp order.
func (p *PostgresSink) Scan(ctx context.Context, since time.Time, fn func(Record) error) error {
	rows, err := p.pool.Query(ctx,
		`SELECT request_id, ts, agent_id, user_id, department, team, check_type, status, original_text, redacted_text, categories, degraded, latency_ms FROM audit_log WHERE ts >= $1 ORDER BY ts ASC`,
		since.UTC())
	if err != nil {
		return fmt.Errorf("scanning audit log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanPgRecord(rows)
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
func (p *PostgresSink) DepartmentBreakdown(ctx context.Context, since time.Time) ([]DepartmentRow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT department,
		       COUNT(DISTINCT agent_id),
		       COUNT(DISTINCT user_id),
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status IN ('blocked', 'inconclusive')),
		       COALESCE(AVG(latency_ms), 0)
		FROM audit_log
		WHERE ts >= $1
		GROUP BY department
		ORDER BY COUNT(*) DESC, department ASC`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("department breakdown: %w", err)
	}
	defer rows.Close()

	var out []DepartmentRow
	for rows.Next() {
		var r DepartmentRow
		if err := rows.Scan(&r.Department, &r.TotalAgents, &r.TotalUsers, &r.Total, &r.Incidents, &r.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scanning breakdown row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatencyPercentiles computes latency percentiles with percentile_cont.
func (p *PostgresSink) LatencyPercentiles(ctx context.Context, since time.Time, percentiles []float64) (map[float64]int64, error) {
	out := make(map[float64]int64, len(percentiles))
	for _, pct := range percentiles {
		var v *float64
		err := p.pool.QueryRow(ctx,
			`SELECT percentile_cont($1) WITHIN GROUP (ORDER BY latency_ms) FROM audit_log WHERE ts >= $2`,
			pct, since.UTC()).Scan(&v)
		if err != nil {
			return nil, fmt.Errorf("latency percentile %v: %w", pct, err)
		}
		if v != nil {
			out[pct] = int64(*v)
		}
	}
	return out, nil
}

// Close releases the connection pool.
func (p *PostgresSink) Close() error {
	p.pool.Close()
	return nil
}

func scanPgRecord(rows pgx.Rows) (Record, error) {
	var rec Record
	var userID, team, cats *string
	if err := rows.Scan(&rec.RequestID, &rec.Timestamp, &rec.AgentID, &userID,
		&rec.Department, &team, &rec.CheckType, &rec.Status, &rec.OriginalText,
		&rec.RedactedText, &cats, &rec.Degraded, &rec.LatencyMs); err != nil {
		return Record{}, fmt.Errorf("scanning audit row: %w", err)
	}
	if userID != nil {
		rec.UserID = *userID
	}
	if team != nil {
		rec.Team = *team
	}
	if cats != nil && *cats != "" {
		if err := json.Unmarshal([]byte(*cats), &rec.Categories); err != nil {
			return Record{}, fmt.Errorf("decoding categories for %s: %w", rec.RequestID, err)
		}
	}
	return rec, nil
}

var (
	_ Sink      = (*PostgresSink)(nil)
	_ Analytics = (*PostgresSink)(nil)
)
