package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/praetor-ai/praetor/internal/guardrail"
)

// classifyRequest is the wire request to the remote classifier.
type classifyRequest struct {
	Text       string   `json:"text"`
	Kind       string   `json:"kind"`
	Categories []string `json:"categories,omitempty"`
}

// classifySpan mirrors guardrail.Span on the wire.
type classifySpan struct {
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Category string `json:"category"`
}

// classifyResponse is the wire response from the remote classifier.
type classifyResponse struct {
	Flagged      bool               `json:"flagged"`
	Confidence   float64            `json:"confidence"`
	Categories   []string           `json:"categories,omitempty"`
	Spans        []classifySpan     `json:"spans,omitempty"`
	Scores       map[string]float64 `json:"scores,omitempty"`
	RedactedText string             `json:"redacted_text,omitempty"`
	Explanation  string             `json:"explanation,omitempty"`
}

// kindCategories is what each kind asks the classifier to look for.
var kindCategories = map[guardrail.Kind][]string{
	guardrail.KindPII: {
		"email", "phone", "ssn", "credit_card", "address", "name",
		"dob", "drivers_license", "ip_address", "medical_id",
	},
	guardrail.KindToxicity: {
		"hate_speech", "harassment", "threat", "profanity", "sexual", "dangerous",
	},
	guardrail.KindPromptInjection: {
		"instruction_override", "role_manipulation", "jailbreak",
		"encoding_attack", "social_engineering",
	},
	guardrail.KindSensitiveRequest: {
		"ssn", "credit_card", "bank_account", "password",
	},
}

// Remote calls an external text-understanding service to classify text for
// one guardrail kind. Every failure mode (timeout, transport error,
// non-2xx status, malformed payload) maps to ErrUnavailable so the engine
// can fall back; Detect never aborts the surrounding request.
type Remote struct {
	kind     guardrail.Kind
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewRemote creates a remote-classifier detector for the given kind.
// The timeout bounds each classification call independently of the
// caller's context.
func NewRemote(kind guardrail.Kind, endpoint, apiKey string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Remote{
		kind:     kind,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *Remote) Name() string         { return "remote-" + string(r.kind) }
func (r *Remote) Kind() guardrail.Kind { return r.kind }

// Detect posts the text to the classifier and converts the reply into a
// verdict with the kind's detail variant.
func (r *Remote) Detect(ctx context.Context, text string) (guardrail.Verdict, error) {
	body, err := json.Marshal(classifyRequest{
		Text:       text,
		Kind:       string(r.kind),
		Categories: kindCategories[r.kind],
	})
	if err != nil {
		return guardrail.Verdict{}, fmt.Errorf("%w: encoding request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return guardrail.Verdict{}, fmt.Errorf("%w: building request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return guardrail.Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	// Quota and rate-limit rejections are unavailability, not verdicts.
	if resp.StatusCode != http.StatusOK {
		return guardrail.Verdict{}, fmt.Errorf("%w: classifier returned HTTP %d", ErrUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return guardrail.Verdict{}, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	var cr classifyResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return guardrail.Verdict{}, fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}

	return r.toVerdict(cr, len(text)), nil
}

// toVerdict builds the kind-specific verdict. Spans outside the text bounds
// are discarded rather than trusted.
func (r *Remote) toVerdict(cr classifyResponse, textLen int) guardrail.Verdict {
	v := guardrail.Verdict{
		Kind:       r.kind,
		Flagged:    cr.Flagged,
		Confidence: clamp01(cr.Confidence),
		Origin:     guardrail.OriginPrimary,
	}

	switch r.kind {
	case guardrail.KindPII:
		var spans []guardrail.Span
		for _, s := range cr.Spans {
			if s.Start < 0 || s.End > textLen || s.Start >= s.End {
				continue
			}
			spans = append(spans, guardrail.Span{
				Start:    s.Start,
				End:      s.End,
				Category: guardrail.Category(s.Category),
			})
		}
		v.Detail = guardrail.PIIDetail{
			PIICategories: toCategories(cr.Categories),
			Spans:         spans,
			Explanation:   cr.Explanation,
		}
	case guardrail.KindToxicity:
		v.Detail = guardrail.ToxicityDetail{
			Score:          clamp01(cr.Confidence),
			ToxicityKinds:  cr.Categories,
			CategoryScores: cr.Scores,
			Explanation:    cr.Explanation,
		}
	case guardrail.KindPromptInjection:
		v.Detail = guardrail.InjectionDetail{
			Techniques:  cr.Categories,
			Explanation: cr.Explanation,
		}
	case guardrail.KindSensitiveRequest:
		v.Detail = guardrail.SensitiveRequestDetail{
			RequestedTypes: toCategories(cr.Categories),
			Explanation:    cr.Explanation,
		}
	}
	return v
}

func toCategories(names []string) []guardrail.Category {
	if len(names) == 0 {
		return nil
	}
	out := make([]guardrail.Category, len(names))
	for i, n := range names {
		out[i] = guardrail.Category(n)
	}
	return out
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
