package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/praetor-ai/praetor/internal/guardrail"
)

func pii(conf float64, origin guardrail.Origin, spans ...guardrail.Span) guardrail.Verdict {
	return guardrail.Verdict{
		Kind:       guardrail.KindPII,
		Flagged:    true,
		Confidence: conf,
		Origin:     origin,
		Detail:     guardrail.PIIDetail{Spans: spans},
	}
}

func TestResolveSpansHigherConfidenceWins(t *testing.T) {
	got := resolveSpans([]guardrail.Verdict{
		pii(0.6, guardrail.OriginPrimary, guardrail.Span{Start: 0, End: 10, Category: guardrail.CategoryPhone}),
		pii(0.9, guardrail.OriginFallback, guardrail.Span{Start: 5, End: 15, Category: guardrail.CategoryEmail}),
	})
	assert.Equal(t, []guardrail.Span{{Start: 5, End: 15, Category: guardrail.CategoryEmail}}, got)
}

func TestResolveSpansPrimaryBeatsFallbackOnTie(t *testing.T) {
	got := resolveSpans([]guardrail.Verdict{
		pii(0.8, guardrail.OriginFallback, guardrail.Span{Start: 0, End: 10, Category: guardrail.CategoryEmail}),
		pii(0.8, guardrail.OriginPrimary, guardrail.Span{Start: 5, End: 15, Category: guardrail.CategoryPhone}),
	})
	assert.Equal(t, []guardrail.Span{{Start: 5, End: 15, Category: guardrail.CategoryPhone}}, got)
}

func TestResolveSpansDeterministicRegardlessOfOrder(t *testing.T) {
	a := pii(0.7, guardrail.OriginPrimary,
		guardrail.Span{Start: 0, End: 8, Category: guardrail.CategoryEmail},
		guardrail.Span{Start: 20, End: 30, Category: guardrail.CategorySSN})
	b := pii(0.7, guardrail.OriginPrimary,
		guardrail.Span{Start: 6, End: 12, Category: guardrail.CategoryPhone})

	first := resolveSpans([]guardrail.Verdict{a, b})
	second := resolveSpans([]guardrail.Verdict{b, a})
	assert.Equal(t, first, second)
}

func TestResolveSpansNonOverlappingKeepsAll(t *testing.T) {
	got := resolveSpans([]guardrail.Verdict{
		pii(1.0, guardrail.OriginPrimary,
			guardrail.Span{Start: 10, End: 20, Category: guardrail.CategoryEmail},
			guardrail.Span{Start: 0, End: 5, Category: guardrail.CategorySSN}),
	})
	// Sorted by start for the redaction pass.
	assert.Equal(t, []guardrail.Span{
		{Start: 0, End: 5, Category: guardrail.CategorySSN},
		{Start: 10, End: 20, Category: guardrail.CategoryEmail},
	}, got)
}

func TestResolveSpansIgnoresUnflaggedVerdicts(t *testing.T) {
	v := pii(1.0, guardrail.OriginPrimary, guardrail.Span{Start: 0, End: 4, Category: guardrail.CategoryEmail})
	v.Flagged = false
	assert.Nil(t, resolveSpans([]guardrail.Verdict{v}))
}

func TestRedactPreservesSurroundingText(t *testing.T) {
	text := "Call 555-123-4567 or mail a@b.io today"
	out := redact(text, []guardrail.Span{
		{Start: 5, End: 17, Category: guardrail.CategoryPhone},
		{Start: 26, End: 32, Category: guardrail.CategoryEmail},
	})
	assert.Equal(t, "Call [REDACTED_PHONE] or mail [REDACTED_EMAIL] today", out)
}

func TestRedactSkipsMalformedSpans(t *testing.T) {
	text := "hello world"
	out := redact(text, []guardrail.Span{
		{Start: 0, End: 5, Category: guardrail.CategoryEmail},
		{Start: 3, End: 9, Category: guardrail.CategoryPhone}, // overlaps, skipped
		{Start: 6, End: 999, Category: guardrail.CategorySSN}, // out of bounds
	})
	assert.Equal(t, "[REDACTED_EMAIL] world", out)
}

func TestRedactNoSpans(t *testing.T) {
	assert.Equal(t, "unchanged", redact("unchanged", nil))
}
