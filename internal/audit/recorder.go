package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/praetor-ai/praetor/internal/guardrail"
	"github.com/praetor-ai/praetor/internal/metrics"
	"github.com/praetor-ai/praetor/internal/registry"
)

// Applier receives successfully persisted records for aggregation. It is
// satisfied by the stats store.
type Applier interface {
	Apply(ctx context.Context, rec Record) error
}

// WriteError reports that a record could not be persisted after all retry
// attempts. It is advisory: the evaluation result it describes stands.
type WriteError struct {
	RequestID string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit write failed for %s: %v", e.RequestID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Meta carries the request context that does not live on the evaluation
// result itself.
type Meta struct {
	UserID    string
	CheckType string // prompt or response
	Timestamp time.Time
}

// Recorder turns evaluation results into audit records, enriches them from
// the agent registry, persists them with bounded retries, and feeds the
// aggregation store after a successful write. Sink failures are reported
// but never escalate past the recorder.
type Recorder struct {
	sink     Sink
	stats    Applier
	registry registry.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	attempts int
	backoff  time.Duration

	queue chan Record
	wg    sync.WaitGroup
}

// Options tunes the recorder's retry and async behavior.
type Options struct {
	// Attempts is the total number of write attempts (default 3).
	Attempts int
	// Backoff is the initial retry delay, doubled per attempt (default 50ms).
	Backoff time.Duration
	// AsyncBuffer, when positive, enables a background writer with a
	// bounded queue. Records are dropped (and counted) when it is full.
	AsyncBuffer int
}

// NewRecorder wires a recorder. stats may be nil when aggregation is
// handled elsewhere.
func NewRecorder(sink Sink, stats Applier, reg registry.Registry, logger *slog.Logger, m *metrics.Metrics, opts Options) *Recorder {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 50 * time.Millisecond
	}
	r := &Recorder{
		sink:     sink,
		stats:    stats,
		registry: reg,
		logger:   logger,
		metrics:  m,
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
	}
	if opts.AsyncBuffer > 0 {
		r.queue = make(chan Record, opts.AsyncBuffer)
		r.wg.Add(1)
		go r.writeLoop()
	}
	return r
}

// Record persists the evaluation synchronously. The returned error, when
// non-nil, is always a *WriteError: the record is built and returned either
// way, and the caller's verdict must not change because of it.
func (r *Recorder) Record(ctx context.Context, res guardrail.Result, meta Meta) (Record, error) {
	rec := r.build(ctx, res, meta)
	if err := r.writeWithRetry(ctx, rec); err != nil {
		r.logger.Error("audit write failed", "request_id", rec.RequestID, "error", err)
		r.metrics.IncAuditFailure()
		return rec, &WriteError{RequestID: rec.RequestID, Err: err}
	}
	r.apply(ctx, rec)
	return rec, nil
}

// RecordAsync enqueues the record for the background writer. When the
// queue is full the record is dropped and counted rather than blocking the
// request path.
func (r *Recorder) RecordAsync(ctx context.Context, res guardrail.Result, meta Meta) Record {
	rec := r.build(ctx, res, meta)
	if r.queue == nil {
		go func() {
			writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := r.persist(writeCtx, rec); err != nil {
				r.logger.Error("audit write failed", "request_id", rec.RequestID, "error", err)
			}
		}()
		return rec
	}
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("audit queue full, dropping record", "request_id", rec.RequestID)
		r.metrics.IncAuditFailure()
	}
	return rec
}

// Close stops the background writer after draining the queue.
func (r *Recorder) Close() {
	if r.queue != nil {
		close(r.queue)
		r.wg.Wait()
	}
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := r.persist(ctx, rec); err != nil {
			r.logger.Error("audit write failed", "request_id", rec.RequestID, "error", err)
		}
		cancel()
	}
}

func (r *Recorder) persist(ctx context.Context, rec Record) (Record, error) {
	if err := r.writeWithRetry(ctx, rec); err != nil {
		r.metrics.IncAuditFailure()
		return rec, err
	}
	r.apply(ctx, rec)
	return rec, nil
}

func (r *Recorder) build(ctx context.Context, res guardrail.Result, meta Meta) Record {
	ts := meta.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	checkType := meta.CheckType
	if checkType == "" {
		checkType = "prompt"
	}

	rec := Record{
		RequestID:    res.RequestID,
		Timestamp:    ts,
		AgentID:      res.AgentID,
		UserID:       meta.UserID,
		Department:   registry.UnknownDepartment,
		CheckType:    checkType,
		Status:       string(res.Status),
		OriginalText: res.OriginalText,
		RedactedText: res.SafeText,
		Categories:   categoryNames(res),
		Degraded:     res.Degraded(),
		LatencyMs:    res.Duration.Milliseconds(),
	}

	info, err := r.registry.Lookup(ctx, res.AgentID)
	switch {
	case err == nil:
		rec.Department = info.Department
		rec.Team = info.Team
	case errors.Is(err, registry.ErrNotFound):
		// Unregistered agents are still audited, just unattributed.
	default:
		r.logger.Warn("agent registry lookup failed", "agent_id", res.AgentID, "error", err)
	}
	return rec
}

// writeWithRetry attempts the idempotent Put with exponential backoff.
// The sink's upsert semantics make blind retries safe.
func (r *Recorder) writeWithRetry(ctx context.Context, rec Record) error {
	var lastErr error
	delay := r.backoff
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
		if lastErr = r.sink.Put(ctx, rec); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (r *Recorder) apply(ctx context.Context, rec Record) {
	if r.stats == nil {
		return
	}
	if err := r.stats.Apply(ctx, rec); err != nil {
		r.logger.Warn("stats apply failed", "request_id", rec.RequestID, "error", err)
	}
}

func categoryNames(res guardrail.Result) []string {
	cats := res.MatchedCategories()
	if len(cats) == 0 {
		return nil
	}
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}
