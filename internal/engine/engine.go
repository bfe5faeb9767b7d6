// Package engine orchestrates guardrail detectors: it fans out over the
// selected kinds, handles primary-to-fallback degradation, merges the
// verdicts into a single result, and never fails open.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/praetor-ai/praetor/internal/detect"
	"github.com/praetor-ai/praetor/internal/guardrail"
	"github.com/praetor-ai/praetor/internal/metrics"
)

// DefaultSafeResponse replaces an agent reply that violated the output
// guardrails.
const DefaultSafeResponse = "[BLOCKED: Response violated content policy]"

// Pair binds a kind's primary detector to its optional fallback.
type Pair struct {
	Primary  detect.Detector
	Fallback detect.Detector
}

// Settings holds the tunable evaluation parameters. They are swapped
// atomically on config reload; a Settings value is never mutated after
// being installed.
type Settings struct {
	// EnabledKinds is the globally enabled kind set. A request's kind list
	// is intersected with it; an empty request list means all of these.
	EnabledKinds []guardrail.Kind
	// Thresholds maps each kind to the confidence at which a flagged
	// verdict blocks rather than flags.
	Thresholds map[guardrail.Kind]float64
	// DetectorTimeout bounds each detector invocation.
	DetectorTimeout time.Duration
	// Deadline bounds the whole evaluation; detectors still running when
	// it expires are treated as unavailable.
	Deadline time.Duration
	// SafeResponse substitutes a blocked agent reply in output mode.
	SafeResponse string
}

// DefaultSettings returns the stock thresholds: pattern-grade kinds block
// at 0.5, score-graded kinds at 0.7.
func DefaultSettings() Settings {
	return Settings{
		EnabledKinds: guardrail.Kinds,
		Thresholds: map[guardrail.Kind]float64{
			guardrail.KindPII:              0.5,
			guardrail.KindToxicity:         0.7,
			guardrail.KindPromptInjection:  0.7,
			guardrail.KindSensitiveRequest: 0.5,
		},
		DetectorTimeout: 5 * time.Second,
		Deadline:        10 * time.Second,
		SafeResponse:    DefaultSafeResponse,
	}
}

// Engine evaluates guardrail requests against two rulesets: the prompt-side
// detectors and the response-side (output guardrail) detectors.
type Engine struct {
	prompt   map[guardrail.Kind]Pair
	output   map[guardrail.Kind]Pair
	settings atomic.Pointer[Settings]
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// New creates an engine. The output ruleset may be nil, in which case
// CheckResponse evaluates nothing and passes.
func New(prompt, output map[guardrail.Kind]Pair, s Settings, logger *slog.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		prompt:  prompt,
		output:  output,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("github.com/praetor-ai/praetor/internal/engine"),
	}
	e.UpdateSettings(s)
	return e
}

// UpdateSettings installs new evaluation parameters atomically. In-flight
// evaluations keep the settings they started with.
func (e *Engine) UpdateSettings(s Settings) {
	if s.DetectorTimeout <= 0 {
		s.DetectorTimeout = 5 * time.Second
	}
	if s.Deadline <= 0 {
		s.Deadline = 10 * time.Second
	}
	if s.SafeResponse == "" {
		s.SafeResponse = DefaultSafeResponse
	}
	e.settings.Store(&s)
}

// Settings returns the currently installed settings.
func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// CheckPrompt evaluates an inbound prompt against the prompt-side ruleset.
func (e *Engine) CheckPrompt(ctx context.Context, req guardrail.Request) (guardrail.Result, error) {
	return e.evaluate(ctx, req, e.prompt, false)
}

// CheckResponse evaluates an agent's candidate reply against the
// response-side ruleset. A blocked reply is substituted with the configured
// safe response.
func (e *Engine) CheckResponse(ctx context.Context, req guardrail.Request) (guardrail.Result, error) {
	return e.evaluate(ctx, req, e.output, true)
}

// outcome is one kind's settled evaluation.
type outcome struct {
	verdict     guardrail.Verdict
	unavailable bool
}

func (e *Engine) evaluate(ctx context.Context, req guardrail.Request, ruleset map[guardrail.Kind]Pair, outputMode bool) (guardrail.Result, error) {
	start := time.Now()
	s := e.settings.Load()

	checkType := "prompt"
	if outputMode {
		checkType = "response"
	}

	ctx, span := e.tracer.Start(ctx, "guardrail.evaluate",
		trace.WithAttributes(
			attribute.String("guardrail.check", checkType),
			attribute.String("agent.id", req.AgentID),
		))
	defer span.End()

	kinds := selectKinds(req.Kinds, s.EnabledKinds, ruleset)

	ctx, cancel := context.WithTimeout(ctx, s.Deadline)
	defer cancel()

	// Fan out one goroutine per kind; the merge below waits for all of
	// them, so a request never returns a partial verdict.
	outcomes := make([]outcome, len(kinds))
	var wg sync.WaitGroup
	for i, kind := range kinds {
		wg.Add(1)
		go func(i int, kind guardrail.Kind) {
			defer wg.Done()
			outcomes[i] = e.runKind(ctx, kind, ruleset[kind], req.Text, s)
		}(i, kind)
	}
	wg.Wait()

	res := e.merge(req, kinds, outcomes, s, outputMode)
	res.Duration = time.Since(start)
	res.DurationMs = float64(res.Duration.Microseconds()) / 1000.0

	e.metrics.ObserveCheck(checkType, res.Status, res.Duration)
	span.SetAttributes(attribute.String("guardrail.status", string(res.Status)))
	return res, nil
}

// runKind tries the primary detector and degrades to the fallback on
// unavailability. Kinds with no usable detector surface as unavailable so
// the merge can fail closed.
func (e *Engine) runKind(ctx context.Context, kind guardrail.Kind, pair Pair, text string, s *Settings) outcome {
	ctx, span := e.tracer.Start(ctx, "guardrail.detect",
		trace.WithAttributes(attribute.String("guardrail.kind", string(kind))))
	defer span.End()

	degraded := false
	if pair.Primary != nil {
		v, err := e.invoke(ctx, pair.Primary, text, s.DetectorTimeout)
		if err == nil {
			v.Origin = guardrail.OriginPrimary
			return outcome{verdict: v}
		}
		degraded = true
		e.logger.Warn("primary detector unavailable",
			"kind", kind, "detector", pair.Primary.Name(), "error", err)
	}

	if pair.Fallback != nil {
		if degraded {
			e.metrics.IncFallback(kind)
		}
		v, err := e.invoke(ctx, pair.Fallback, text, s.DetectorTimeout)
		if err == nil {
			v.Origin = guardrail.OriginFallback
			return outcome{verdict: v}
		}
		e.logger.Warn("fallback detector unavailable",
			"kind", kind, "detector", pair.Fallback.Name(), "error", err)
	}

	e.metrics.IncUnavailable(kind)
	span.SetAttributes(attribute.Bool("guardrail.unavailable", true))
	return outcome{unavailable: true}
}

// invoke runs one detector under its own timeout. Deadline expiry and any
// detector error are both reported as unavailability.
func (e *Engine) invoke(ctx context.Context, d detect.Detector, text string, timeout time.Duration) (guardrail.Verdict, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := d.Detect(dctx, text)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, detect.ErrUnavailable):
		return guardrail.Verdict{}, err
	case dctx.Err() != nil:
		return guardrail.Verdict{}, detect.ErrUnavailable
	default:
		// Unexpected detector faults degrade the same way rather than
		// aborting the request.
		return guardrail.Verdict{}, err
	}
}

// merge folds the settled outcomes into a Result.
func (e *Engine) merge(req guardrail.Request, kinds []guardrail.Kind, outcomes []outcome, s *Settings, outputMode bool) guardrail.Result {
	res := guardrail.Result{
		RequestID:    req.ID,
		AgentID:      req.AgentID,
		Status:       guardrail.StatusPassed,
		OriginalText: req.Text,
	}

	inconclusive := false
	for i, kind := range kinds {
		if outcomes[i].unavailable {
			inconclusive = true
			e.logger.Error("no detector available for kind, failing closed", "kind", kind)
			continue
		}
		v := outcomes[i].verdict
		if !v.Flagged {
			res.Verdicts = append(res.Verdicts, v)
			continue
		}
		res.Verdicts = append(res.Verdicts, v)
		if v.Confidence >= threshold(s, kind) {
			res.Status = guardrail.StatusBlocked
		} else if res.Status == guardrail.StatusPassed {
			res.Status = guardrail.StatusFlagged
		}
	}
	// A blocking verdict is positive evidence and always wins; only
	// passed or flagged results degrade to inconclusive when a requested
	// kind had no usable detector.
	if inconclusive && res.Status != guardrail.StatusBlocked {
		res.Status = guardrail.StatusInconclusive
	}

	res.SafeText = e.safeText(req.Text, res, s, outputMode)
	return res
}

// safeText derives the releasable text. Passed results keep the original;
// anything else gets the redacted text when spans exist, the canned
// response in output mode, or nothing at all.
func (e *Engine) safeText(original string, res guardrail.Result, s *Settings, outputMode bool) string {
	if res.Status == guardrail.StatusPassed {
		return original
	}
	if outputMode && (res.Status == guardrail.StatusBlocked || res.Status == guardrail.StatusInconclusive) {
		return s.SafeResponse
	}
	spans := resolveSpans(res.Verdicts)
	if len(spans) > 0 {
		return redact(original, spans)
	}
	return ""
}

func threshold(s *Settings, kind guardrail.Kind) float64 {
	if t, ok := s.Thresholds[kind]; ok {
		return t
	}
	return 0.5
}

// selectKinds intersects the requested kinds with the enabled set, in
// canonical order. Requested-and-enabled kinds the ruleset cannot serve are
// kept so the merge fails closed on them instead of silently skipping.
func selectKinds(requested, enabled []guardrail.Kind, ruleset map[guardrail.Kind]Pair) []guardrail.Kind {
	want := requested
	if len(want) == 0 {
		want = enabled
	}

	enabledSet := make(map[guardrail.Kind]bool, len(enabled))
	for _, k := range enabled {
		enabledSet[k] = true
	}

	seen := make(map[guardrail.Kind]bool, len(want))
	var out []guardrail.Kind
	for _, k := range guardrail.Kinds {
		for _, w := range want {
			if w == k && enabledSet[k] && !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	// In output mode (and with narrow rulesets generally) only kinds the
	// ruleset knows about are evaluated; an absent kind there is a
	// configuration choice, not an unavailable detector.
	if ruleset != nil {
		filtered := out[:0]
		for _, k := range out {
			if _, ok := ruleset[k]; ok {
				filtered = append(filtered, k)
			} else if len(requested) > 0 {
				// Explicitly requested but unservable: keep for fail-closed.
				filtered = append(filtered, k)
			}
		}
		out = filtered
	}
	return out
}
