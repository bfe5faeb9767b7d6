package guardrail

import (
	"encoding/json"
	"testing"
)

func TestVerdictUnmarshalResolvesDetailByKind(t *testing.T) {
	data := []byte(`{
		"kind": "pii",
		"flagged": true,
		"confidence": 1.0,
		"origin": "primary",
		"detail": {
			"pii_types": ["email"],
			"spans": [{"start": 12, "end": 28, "category": "email"}]
		}
	}`)

	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	detail, ok := v.Detail.(PIIDetail)
	if !ok {
		t.Fatalf("detail is %T, want PIIDetail", v.Detail)
	}
	if len(detail.Spans) != 1 || detail.Spans[0].Category != CategoryEmail {
		t.Errorf("spans = %+v", detail.Spans)
	}

	data = []byte(`{"kind": "toxicity", "flagged": true, "confidence": 0.8,
		"detail": {"toxicity_score": 0.8, "categories": ["harassment"]}}`)
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := v.Detail.(ToxicityDetail); !ok {
		t.Fatalf("detail is %T, want ToxicityDetail", v.Detail)
	}
}

func TestVerdictUnmarshalNullDetail(t *testing.T) {
	var v Verdict
	if err := json.Unmarshal([]byte(`{"kind": "pii", "detail": null}`), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v.Detail != nil {
		t.Errorf("detail = %+v, want nil", v.Detail)
	}
}

func TestVerdictUnmarshalUnknownKind(t *testing.T) {
	var v Verdict
	err := json.Unmarshal([]byte(`{"kind": "telepathy", "detail": {}}`), &v)
	if err == nil {
		t.Error("expected an error for an unknown kind with a detail payload")
	}
}

func TestMatchedCategoriesDedupes(t *testing.T) {
	r := Result{Verdicts: []Verdict{
		{Kind: KindPII, Flagged: true, Detail: PIIDetail{PIICategories: []Category{CategoryEmail, CategorySSN}}},
		{Kind: KindSensitiveRequest, Flagged: true, Detail: SensitiveRequestDetail{RequestedTypes: []Category{CategorySSN}}},
		{Kind: KindToxicity, Flagged: false, Detail: ToxicityDetail{}},
	}}
	got := r.MatchedCategories()
	want := []Category{CategoryEmail, CategorySSN}
	if len(got) != len(want) {
		t.Fatalf("categories = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("categories = %v, want %v", got, want)
		}
	}
}

func TestPlaceholderTags(t *testing.T) {
	cases := map[Category]string{
		CategoryEmail:      "[REDACTED_EMAIL]",
		CategoryPhone:      "[REDACTED_PHONE]",
		CategorySSN:        "[REDACTED_SSN]",
		CategoryCreditCard: "[REDACTED_CC]",
		CategoryIPAddress:  "[REDACTED_IP]",
		Category("novel"):  "[REDACTED]",
	}
	for c, want := range cases {
		if got := c.Placeholder(); got != want {
			t.Errorf("Placeholder(%s) = %q, want %q", c, got, want)
		}
	}
}
