package detect

import (
	"context"
	"regexp"
	"strings"

	"github.com/praetor-ai/praetor/internal/guardrail"
)

// sensitiveRule matches text that solicits one category of sensitive data.
type sensitiveRule struct {
	category guardrail.Category
	patterns []*regexp.Regexp
}

var sensitiveRules = []sensitiveRule{
	{guardrail.CategorySSN, compileAll(
		`(provide|enter|give|share|what is|tell me).{0,30}(ssn|social security)`,
		`(ssn|social security).{0,20}(number|#)`,
		`your social security`,
	)},
	{guardrail.CategoryCreditCard, compileAll(
		`(provide|enter|give|share).{0,30}(credit card|card number|cvv|expir)`,
		`(credit card|debit card).{0,20}(number|details|info)`,
		`your (credit|debit) card`,
	)},
	{guardrail.CategoryBankAccount, compileAll(
		`(provide|enter|give|share).{0,30}(bank account|routing number|account number)`,
		`your bank.{0,20}(account|details|number)`,
	)},
	{guardrail.CategoryPassword, compileAll(
		`(provide|enter|give|share|what is).{0,20}(password|pin|passcode)`,
		`your (password|pin)`,
	)},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(p)
	}
	return res
}

// SensitiveRequestPattern detects text that asks the counterpart for
// sensitive data (SSNs, card numbers, passwords). It is the response-side
// ruleset's workhorse: an agent reply that solicits an identification
// number gets blocked and replaced with the canned safe response.
type SensitiveRequestPattern struct{}

func NewSensitiveRequestPattern() *SensitiveRequestPattern { return &SensitiveRequestPattern{} }

func (*SensitiveRequestPattern) Name() string         { return "pattern-sensitive-request" }
func (*SensitiveRequestPattern) Kind() guardrail.Kind { return guardrail.KindSensitiveRequest }

func (*SensitiveRequestPattern) Detect(_ context.Context, text string) (guardrail.Verdict, error) {
	lower := strings.ToLower(text)
	var types []guardrail.Category
	for _, rule := range sensitiveRules {
		for _, re := range rule.patterns {
			if re.MatchString(lower) {
				types = append(types, rule.category)
				break
			}
		}
	}

	v := guardrail.Verdict{
		Kind:    guardrail.KindSensitiveRequest,
		Flagged: len(types) > 0,
		Origin:  guardrail.OriginPrimary,
		Detail:  guardrail.SensitiveRequestDetail{RequestedTypes: types},
	}
	if v.Flagged {
		v.Confidence = 1.0
	}
	return v, nil
}

// injectionRule maps a suspicious pattern to an injection technique.
type injectionRule struct {
	technique string
	re        *regexp.Regexp
}

var injectionRules = []injectionRule{
	{"instruction_override", regexp.MustCompile(`ignore\s+(all\s+)?(previous|prior|above)\s+instructions?`)},
	{"role_manipulation", regexp.MustCompile(`you\s+are\s+now\s+`)},
	{"role_manipulation", regexp.MustCompile(`pretend\s+(to\s+be|you\s+are)`)},
	{"jailbreak", regexp.MustCompile(`developer\s+mode`)},
	{"jailbreak", regexp.MustCompile(`do\s+anything\s+now`)},
	{"jailbreak", regexp.MustCompile(`jailbreak`)},
	{"jailbreak", regexp.MustCompile(`bypass\s+(the\s+)?(filter|restriction|rule)`)},
	{"system_probe", regexp.MustCompile(`reveal\s+(your\s+)?(system\s+)?prompt`)},
	{"system_probe", regexp.MustCompile(`what\s+are\s+your\s+instructions`)},
}

// InjectionPattern is the local prompt-injection fallback. Confidence grows
// with the number of distinct techniques spotted, capped at 1.0.
type InjectionPattern struct{}

func NewInjectionPattern() *InjectionPattern { return &InjectionPattern{} }

func (*InjectionPattern) Name() string         { return "pattern-injection" }
func (*InjectionPattern) Kind() guardrail.Kind { return guardrail.KindPromptInjection }

func (*InjectionPattern) Detect(_ context.Context, text string) (guardrail.Verdict, error) {
	lower := strings.ToLower(text)
	techniques := make(map[string]bool)
	var patterns []string
	for _, rule := range injectionRules {
		if rule.re.MatchString(lower) {
			techniques[rule.technique] = true
			patterns = append(patterns, rule.re.String())
		}
	}

	var kinds []string
	for _, rule := range injectionRules {
		if techniques[rule.technique] {
			kinds = append(kinds, rule.technique)
			techniques[rule.technique] = false
		}
	}

	score := float64(len(kinds)) * 0.3
	if score > 1.0 {
		score = 1.0
	}
	return guardrail.Verdict{
		Kind:       guardrail.KindPromptInjection,
		Flagged:    len(kinds) > 0,
		Confidence: score,
		Origin:     guardrail.OriginPrimary,
		Detail:     guardrail.InjectionDetail{Techniques: kinds, SuspiciousPatterns: patterns},
	}, nil
}

// toxicKeywords is a coarse keyword list. The keyword fallback reports a
// fixed 0.5 confidence so it flags without blocking on its own; blocking
// toxicity decisions need the remote classifier.
var toxicKeywords = []string{
	"hate", "kill", "die", "stupid", "idiot", "dumb",
	"racist", "sexist", "threat", "attack", "destroy",
}

// ToxicityKeywords is the degraded-mode toxicity detector.
type ToxicityKeywords struct{}

func NewToxicityKeywords() *ToxicityKeywords { return &ToxicityKeywords{} }

func (*ToxicityKeywords) Name() string         { return "keywords-toxicity" }
func (*ToxicityKeywords) Kind() guardrail.Kind { return guardrail.KindToxicity }

func (*ToxicityKeywords) Detect(_ context.Context, text string) (guardrail.Verdict, error) {
	lower := strings.ToLower(text)
	for _, kw := range toxicKeywords {
		if strings.Contains(lower, kw) {
			return guardrail.Verdict{
				Kind:       guardrail.KindToxicity,
				Flagged:    true,
				Confidence: 0.5,
				Origin:     guardrail.OriginPrimary,
				Detail: guardrail.ToxicityDetail{
					Score:         0.5,
					ToxicityKinds: []string{"potential_toxicity"},
				},
			}, nil
		}
	}
	return guardrail.Verdict{
		Kind:   guardrail.KindToxicity,
		Origin: guardrail.OriginPrimary,
		Detail: guardrail.ToxicityDetail{},
	}, nil
}
