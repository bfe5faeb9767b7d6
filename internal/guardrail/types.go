// Package guardrail defines the core data model shared by the detection,
// evaluation, audit, and aggregation layers: guardrail kinds, verdict
// statuses, redaction spans, and the per-detector detail payloads.
package guardrail

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a guardrail category.
type Kind string

const (
	KindPII              Kind = "pii"
	KindToxicity         Kind = "toxicity"
	KindPromptInjection  Kind = "prompt_injection"
	KindSensitiveRequest Kind = "sensitive_request"
)

// Kinds is the canonical kind order. Verdicts in a Result are always sorted
// in this order regardless of which detector finished first.
var Kinds = []Kind{KindPII, KindToxicity, KindPromptInjection, KindSensitiveRequest}

// Valid reports whether k is a known guardrail kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// KindIndex returns k's position in the canonical order, or len(Kinds) for
// unknown kinds so they sort last.
func KindIndex(k Kind) int {
	for i, known := range Kinds {
		if k == known {
			return i
		}
	}
	return len(Kinds)
}

// Status is the merged outcome of an evaluation.
type Status string

const (
	StatusPassed Status = "passed"
	// StatusFlagged means at least one detector flagged the text but every
	// flagged verdict stayed below its kind's blocking threshold.
	StatusFlagged Status = "flagged"
	StatusBlocked Status = "blocked"
	// StatusInconclusive means a requested kind could not be evaluated at
	// all (primary unavailable, no fallback). The API boundary maps it to a
	// conservative default; the engine itself never turns it into passed.
	StatusInconclusive Status = "inconclusive"
)

// Origin records which detector produced a verdict.
type Origin string

const (
	OriginPrimary  Origin = "primary"
	OriginFallback Origin = "fallback"
)

// Category names a class of sensitive content found in text.
type Category string

const (
	CategoryEmail       Category = "email"
	CategoryPhone       Category = "phone"
	CategorySSN         Category = "ssn"
	CategoryCreditCard  Category = "credit_card"
	CategoryIPAddress   Category = "ip_address"
	CategoryBankAccount Category = "bank_account"
	CategoryPassword    Category = "password"
)

// redactionTags maps categories to their placeholder tokens.
var redactionTags = map[Category]string{
	CategoryEmail:      "[REDACTED_EMAIL]",
	CategoryPhone:      "[REDACTED_PHONE]",
	CategorySSN:        "[REDACTED_SSN]",
	CategoryCreditCard: "[REDACTED_CC]",
	CategoryIPAddress:  "[REDACTED_IP]",
}

// Placeholder returns the redaction token for c. Categories without a
// designated token get a generic bracketed tag.
func (c Category) Placeholder() string {
	if tag, ok := redactionTags[c]; ok {
		return tag
	}
	return "[REDACTED]"
}

// Span is a byte range of the original text matched by a detector.
type Span struct {
	Start    int      `json:"start"`
	End      int      `json:"end"`
	Category Category `json:"category"`
}

// Request is the immutable input to a guardrail evaluation.
type Request struct {
	ID        string `json:"request_id"`
	Text      string `json:"text"`
	AgentID   string `json:"agent_id"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	// Kinds restricts which guardrails run. Empty means all enabled kinds.
	Kinds []Kind `json:"kinds,omitempty"`
}

// Verdict is a single detector's result.
type Verdict struct {
	Kind       Kind    `json:"kind"`
	Flagged    bool    `json:"flagged"`
	Confidence float64 `json:"confidence"`
	Origin     Origin  `json:"origin"`
	Detail     Detail  `json:"detail,omitempty"`
}

// Spans returns the verdict's redaction spans, if its detail carries any.
func (v Verdict) Spans() []Span {
	if v.Detail == nil {
		return nil
	}
	return v.Detail.RedactionSpans()
}

// Result is the merged outcome for one request.
type Result struct {
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id"`
	Status    Status `json:"status"`
	// OriginalText is the text as submitted.
	OriginalText string `json:"original_text"`
	// SafeText equals OriginalText iff Status is passed. For flagged or
	// blocked results it is the redacted text (or the substituted canned
	// response in output-guardrail mode); empty when nothing safe exists.
	SafeText string        `json:"safe_text"`
	Verdicts []Verdict     `json:"verdicts"`
	Duration time.Duration `json:"-"`

	// DurationMs mirrors Duration for the wire format.
	DurationMs float64 `json:"processing_time_ms"`
}

// MatchedCategories collects the distinct categories across all flagged
// verdicts, in first-seen order.
func (r Result) MatchedCategories() []Category {
	seen := make(map[Category]bool)
	var out []Category
	for _, v := range r.Verdicts {
		if !v.Flagged || v.Detail == nil {
			continue
		}
		for _, c := range v.Detail.Categories() {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// Degraded reports whether any verdict came from a fallback detector.
func (r Result) Degraded() bool {
	for _, v := range r.Verdicts {
		if v.Origin == OriginFallback {
			return true
		}
	}
	return false
}

// UnmarshalJSON decodes the verdict, resolving the Detail union by Kind.
func (v *Verdict) UnmarshalJSON(data []byte) error {
	var aux struct {
		Kind       Kind            `json:"kind"`
		Flagged    bool            `json:"flagged"`
		Confidence float64         `json:"confidence"`
		Origin     Origin          `json:"origin"`
		Detail     json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	v.Kind = aux.Kind
	v.Flagged = aux.Flagged
	v.Confidence = aux.Confidence
	v.Origin = aux.Origin
	v.Detail = nil
	if len(aux.Detail) == 0 || string(aux.Detail) == "null" {
		return nil
	}
	detail, err := unmarshalDetail(aux.Kind, aux.Detail)
	if err != nil {
		return fmt.Errorf("decoding %s detail: %w", aux.Kind, err)
	}
	v.Detail = detail
	return nil
}
