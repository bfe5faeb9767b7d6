package engine

import (
	"sort"
	"strings"

	"github.com/praetor-ai/praetor/internal/guardrail"
)

// candidate is a redaction span annotated with the verdict that produced
// it, for overlap resolution.
type candidate struct {
	span       guardrail.Span
	confidence float64
	origin     guardrail.Origin
}

// resolveSpans collects redaction spans from all flagged verdicts and picks
// a non-overlapping subset. When two detectors claim overlapping spans the
// higher-confidence span wins; on equal confidence the primary detector's
// span beats the fallback's. Remaining ties break on position and length so
// the outcome never depends on detector completion order.
func resolveSpans(verdicts []guardrail.Verdict) []guardrail.Span {
	var cands []candidate
	for _, v := range verdicts {
		if !v.Flagged {
			continue
		}
		for _, s := range v.Spans() {
			cands = append(cands, candidate{span: s, confidence: v.Confidence, origin: v.Origin})
		}
	}
	if len(cands) == 0 {
		return nil
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		if a.origin != b.origin {
			return a.origin == guardrail.OriginPrimary
		}
		if a.span.Start != b.span.Start {
			return a.span.Start < b.span.Start
		}
		if a.span.End != b.span.End {
			return a.span.End > b.span.End
		}
		return a.span.Category < b.span.Category
	})

	var selected []guardrail.Span
	for _, c := range cands {
		if overlaps(c.span, selected) {
			continue
		}
		selected = append(selected, c.span)
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].Start < selected[j].Start })
	return selected
}

func overlaps(s guardrail.Span, chosen []guardrail.Span) bool {
	for _, c := range chosen {
		if s.Start < c.End && c.Start < s.End {
			return true
		}
	}
	return false
}

// redact replaces each span with its category placeholder in a single pass,
// preserving all surrounding bytes verbatim. Spans must be sorted by start
// and non-overlapping.
func redact(text string, spans []guardrail.Span) string {
	if len(spans) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, s := range spans {
		if s.Start < last || s.End > len(text) {
			continue
		}
		b.WriteString(text[last:s.Start])
		b.WriteString(s.Category.Placeholder())
		last = s.End
	}
	b.WriteString(text[last:])
	return b.String()
}
