package guardrail

import (
	"encoding/json"
	"fmt"
)

// Detail is the closed union of per-kind verdict payloads. Each detector
// kind has exactly one variant, so merge logic and tests can switch on the
// concrete type exhaustively instead of digging through an untyped map.
type Detail interface {
	isDetail()
	// RedactionSpans returns the byte spans to redact, or nil for kinds
	// that block without rewriting.
	RedactionSpans() []Span
	// Categories returns the matched categories for audit records.
	Categories() []Category
}

// PIIDetail carries the matched PII categories and their spans.
type PIIDetail struct {
	PIICategories []Category `json:"pii_types"`
	Spans         []Span     `json:"spans,omitempty"`
	Explanation   string     `json:"explanation,omitempty"`
}

func (PIIDetail) isDetail()                {}
func (d PIIDetail) RedactionSpans() []Span { return d.Spans }
func (d PIIDetail) Categories() []Category { return d.PIICategories }

// ToxicityDetail carries the toxicity breakdown. Toxic content blocks
// outright; there is nothing meaningful to redact.
type ToxicityDetail struct {
	Score          float64            `json:"toxicity_score"`
	ToxicityKinds  []string           `json:"categories,omitempty"`
	CategoryScores map[string]float64 `json:"category_scores,omitempty"`
	Explanation    string             `json:"explanation,omitempty"`
}

func (ToxicityDetail) isDetail()              {}
func (ToxicityDetail) RedactionSpans() []Span { return nil }
func (ToxicityDetail) Categories() []Category { return nil }

// InjectionDetail carries the detected prompt-injection techniques.
type InjectionDetail struct {
	Techniques         []string `json:"injection_types,omitempty"`
	SuspiciousPatterns []string `json:"suspicious_patterns,omitempty"`
	Explanation        string   `json:"explanation,omitempty"`
}

func (InjectionDetail) isDetail()              {}
func (InjectionDetail) RedactionSpans() []Span { return nil }
func (InjectionDetail) Categories() []Category { return nil }

// SensitiveRequestDetail records which sensitive data the text solicits
// from the end user (output-guardrail ruleset).
type SensitiveRequestDetail struct {
	RequestedTypes []Category `json:"sensitive_types"`
	Explanation    string     `json:"explanation,omitempty"`
}

func (SensitiveRequestDetail) isDetail()                {}
func (SensitiveRequestDetail) RedactionSpans() []Span   { return nil }
func (d SensitiveRequestDetail) Categories() []Category { return d.RequestedTypes }

// unmarshalDetail decodes the detail variant matching the verdict kind.
func unmarshalDetail(kind Kind, data []byte) (Detail, error) {
	switch kind {
	case KindPII:
		var d PIIDetail
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindToxicity:
		var d ToxicityDetail
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindPromptInjection:
		var d InjectionDetail
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindSensitiveRequest:
		var d SensitiveRequestDetail
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown guardrail kind %q", kind)
	}
}
