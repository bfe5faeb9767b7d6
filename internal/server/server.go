// Package server exposes the guardrail engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/praetor-ai/praetor/internal/audit"
	"github.com/praetor-ai/praetor/internal/engine"
	"github.com/praetor-ai/praetor/internal/guardrail"
	"github.com/praetor-ai/praetor/internal/notify"
	"github.com/praetor-ai/praetor/internal/registry"
	"github.com/praetor-ai/praetor/internal/stats"
)

// Options configures the HTTP surface.
type Options struct {
	// FailOpen answers allowed=true for inconclusive evaluations instead of
	// the conservative default.
	FailOpen bool
	// Version is reported by /v1/capabilities and /health.
	Version string
}

// Server wires the evaluation engine, audit recorder, stats store, and
// registry behind the HTTP API.
type Server struct {
	engine   *engine.Engine
	recorder *audit.Recorder
	sink     audit.Sink
	stats    stats.Store
	registry *registry.Static
	notifier *notify.Notifier
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	opts     Options
}

// New creates a server. notifier may be nil when no webhooks are
// configured; gatherer may be nil to disable /metrics.
func New(eng *engine.Engine, rec *audit.Recorder, sink audit.Sink, st stats.Store, reg *registry.Static, n *notify.Notifier, logger *slog.Logger, gatherer prometheus.Gatherer, opts Options) *Server {
	return &Server{
		engine:   eng,
		recorder: rec,
		sink:     sink,
		stats:    st,
		registry: reg,
		notifier: n,
		logger:   logger,
		gatherer: gatherer,
		opts:     opts,
	}
}

// Handler builds the routing table. Every route is wrapped in OTel HTTP
// instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/check", s.handleCheck)
	mux.HandleFunc("POST /v1/check-output", s.handleCheckOutput)
	mux.HandleFunc("GET /v1/agents/{id}/stats", s.handleAgentStats)
	mux.HandleFunc("GET /v1/agents", s.handleAgents)
	mux.HandleFunc("GET /v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /v1/departments", s.handleDepartments)
	mux.HandleFunc("GET /v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return otelhttp.NewHandler(mux, "praetor")
}

// checkRequest is the wire format for both check endpoints.
type checkRequest struct {
	RequestID  string   `json:"request_id,omitempty"`
	Text       string   `json:"text"`
	AgentID    string   `json:"agent_id"`
	UserID     string   `json:"user_id,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Guardrails []string `json:"guardrails,omitempty"`
}

// checkResponse wraps the evaluation result with the boundary decision.
type checkResponse struct {
	guardrail.Result
	// Allowed is the caller-facing decision: inconclusive maps to the
	// configured fail posture rather than leaking through as a maybe.
	Allowed       bool `json:"allowed"`
	Degraded      bool `json:"degraded"`
	AuditRecorded bool `json:"audit_recorded"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	s.check(w, r, "prompt")
}

func (s *Server) handleCheckOutput(w http.ResponseWriter, r *http.Request) {
	s.check(w, r, "response")
}

func (s *Server) check(w http.ResponseWriter, r *http.Request, checkType string) {
	var in checkRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if in.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	kinds := make([]guardrail.Kind, 0, len(in.Guardrails))
	for _, name := range in.Guardrails {
		k := guardrail.Kind(name)
		if !k.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown guardrail %q", name))
			return
		}
		kinds = append(kinds, k)
	}

	req := guardrail.Request{
		ID:        in.RequestID,
		Text:      in.Text,
		AgentID:   in.AgentID,
		UserID:    in.UserID,
		SessionID: in.SessionID,
		Kinds:     kinds,
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	var (
		res guardrail.Result
		err error
	)
	if checkType == "response" {
		res, err = s.engine.CheckResponse(r.Context(), req)
	} else {
		res, err = s.engine.CheckPrompt(r.Context(), req)
	}
	if err != nil {
		s.logger.Error("evaluation failed", "request_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}

	rec, recErr := s.recorder.Record(r.Context(), res, audit.Meta{
		UserID:    in.UserID,
		CheckType: checkType,
	})
	s.notifyEvents(rec, recErr)

	out := checkResponse{
		Result:        res,
		Allowed:       s.allowed(res.Status),
		Degraded:      res.Degraded(),
		AuditRecorded: recErr == nil,
	}
	writeJSON(w, http.StatusOK, out)
}

// allowed maps the merged status to the caller-facing decision.
func (s *Server) allowed(status guardrail.Status) bool {
	switch status {
	case guardrail.StatusPassed, guardrail.StatusFlagged:
		return true
	case guardrail.StatusInconclusive:
		return s.opts.FailOpen
	default:
		return false
	}
}

func (s *Server) notifyEvents(rec audit.Record, recErr error) {
	if s.notifier == nil {
		return
	}
	ev := notify.Event{
		RequestID:  rec.RequestID,
		AgentID:    rec.AgentID,
		Department: rec.Department,
		CheckType:  rec.CheckType,
		Status:     rec.Status,
		Categories: rec.Categories,
		Timestamp:  rec.Timestamp.Format(time.RFC3339),
	}
	switch rec.Status {
	case string(guardrail.StatusBlocked):
		ev.Event = notify.EventBlocked
		s.notifier.Notify(ev)
	case string(guardrail.StatusInconclusive):
		ev.Event = notify.EventInconclusive
		s.notifier.Notify(ev)
	}
	if recErr != nil {
		ev.Event = notify.EventAuditWriteFailed
		s.notifier.Notify(ev)
	}
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	agentStats, err := s.stats.Agent(r.Context(), agentID)
	if errors.Is(err, stats.ErrNoStats) {
		// An agent with no traffic is still a valid subject.
		agentStats = stats.AgentStats{AgentID: agentID}
	} else if err != nil {
		s.logger.Error("stats read failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	out := struct {
		stats.AgentStats
		IncidentRate float64             `json:"incident_rate"`
		Info         *registry.AgentInfo `json:"agent,omitempty"`
	}{
		AgentStats:   agentStats,
		IncidentRate: agentStats.IncidentRate(),
	}
	if info, err := s.registry.Lookup(r.Context(), agentID); err == nil {
		out.Info = &info
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.registry.List()})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	board, err := s.stats.Leaderboard(r.Context(), window, limit)
	if err != nil {
		s.logger.Error("leaderboard read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "leaderboard unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window":      window.String(),
		"leaderboard": board,
	})
}

func (s *Server) handleDepartments(w http.ResponseWriter, r *http.Request) {
	analytics, ok := s.sink.(audit.Analytics)
	if !ok {
		writeError(w, http.StatusNotImplemented, "audit backend has no analytics support")
		return
	}
	since := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	rows, err := analytics.DepartmentBreakdown(r.Context(), since)
	if err != nil {
		s.logger.Error("department breakdown failed", "error", err)
		writeError(w, http.StatusInternalServerError, "breakdown unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"departments": rows})
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := audit.QueryOpts{
		AgentID:    q.Get("agent_id"),
		Department: q.Get("department"),
		Status:     q.Get("status"),
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		opts.Since = t
	}
	if raw := q.Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &opts.Limit); err != nil || opts.Limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	records, err := s.sink.Query(r.Context(), opts)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	settings := s.engine.Settings()
	thresholds := make(map[string]float64, len(settings.Thresholds))
	for k, t := range settings.Thresholds {
		thresholds[string(k)] = t
	}
	kinds := make([]string, len(settings.EnabledKinds))
	for i, k := range settings.EnabledKinds {
		kinds[i] = string(k)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    s.opts.Version,
		"guardrails": kinds,
		"thresholds": thresholds,
		"fail_open":  s.opts.FailOpen,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.opts.Version,
	})
}

// ListenAndServe runs the server until ctx is canceled, then drains with a
// short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
