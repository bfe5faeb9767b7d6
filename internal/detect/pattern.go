package detect

import (
	"context"
	"regexp"
	"sort"

	"github.com/praetor-ai/praetor/internal/guardrail"
)

// piiRule binds a PII category to its matching pattern.
type piiRule struct {
	category guardrail.Category
	re       *regexp.Regexp
}

// The fixed PII battery. Deterministic and explainable: every match is
// flagged with confidence 1.0 and an exact byte span.
var piiRules = []piiRule{
	{guardrail.CategoryEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{guardrail.CategorySSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{guardrail.CategoryCreditCard, regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`)},
	{guardrail.CategoryPhone, regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)},
	{guardrail.CategoryIPAddress, regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)},
}

// PIIPattern is the local regex-based PII detector. It has no external
// dependency, cannot fail, and serves as the fallback when the remote
// classifier is unavailable.
type PIIPattern struct{}

// NewPIIPattern creates the pattern-based PII detector.
func NewPIIPattern() *PIIPattern { return &PIIPattern{} }

func (*PIIPattern) Name() string         { return "pattern-pii" }
func (*PIIPattern) Kind() guardrail.Kind { return guardrail.KindPII }

// Detect scans text against the fixed battery. Matches are reported as
// spans; spans claimed by an earlier rule are not re-reported by later ones
// so a credit-card number is not also counted as two phone numbers.
func (*PIIPattern) Detect(_ context.Context, text string) (guardrail.Verdict, error) {
	var spans []guardrail.Span
	var categories []guardrail.Category
	claimed := make([]guardrail.Span, 0, 4)

	for _, rule := range piiRules {
		matched := false
		for _, loc := range rule.re.FindAllStringIndex(text, -1) {
			s := guardrail.Span{Start: loc[0], End: loc[1], Category: rule.category}
			if overlapsAny(s, claimed) {
				continue
			}
			claimed = append(claimed, s)
			spans = append(spans, s)
			matched = true
		}
		if matched {
			categories = append(categories, rule.category)
		}
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	v := guardrail.Verdict{
		Kind:    guardrail.KindPII,
		Flagged: len(spans) > 0,
		Origin:  guardrail.OriginPrimary,
		Detail:  guardrail.PIIDetail{PIICategories: categories, Spans: spans},
	}
	if v.Flagged {
		v.Confidence = 1.0
	}
	return v, nil
}

func overlapsAny(s guardrail.Span, claimed []guardrail.Span) bool {
	for _, c := range claimed {
		if s.Start < c.End && c.Start < s.End {
			return true
		}
	}
	return false
}
