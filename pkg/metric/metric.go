package metric

import (
	"encoding/json"
	"strings"
)

// Metric names recorded in per-sample results and report aggregates.
const (
	MetricExactMatch      = "exact_match"
	MetricKeywordCoverage = "keyword_coverage"
	MetricJSONValidity    = "json_validity"
	MetricRefusalOnAttack = "refusal_rate_on_attacks"
	MetricLatencyMS       = "latency_ms"
	MetricPromptTokens    = "estimated_prompt_tokens"
)

// Value is a tagged metric score. Defined reports whether the metric could
// be computed for the sample at all: a metric that does not apply (e.g. the
// refusal metric on a non-attack sample) or could not be measured (latency
// of a timed-out call) is undefined, which is distinct from scoring zero.
type Value struct {
	Score   float64 `json:"score"`
	Defined bool    `json:"defined"`
}

// Defined wraps a computed score.
func Defined(score float64) Value {
	return Value{Score: score, Defined: true}
}

// Undefined returns the value for a metric that does not apply or could not
// be measured.
func Undefined() Value {
	return Value{}
}

// Normalize trims the string, lowercases it, and collapses internal
// whitespace runs to single spaces.
func Normalize(s string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	return strings.Join(fields, " ")
}

// ExactMatch scores 1 when the normalized actual text equals the normalized
// expected text, else 0.
func ExactMatch(expected, actual string) Value {
	if Normalize(expected) == Normalize(actual) {
		return Defined(1)
	}
	return Defined(0)
}

// KeywordCoverage scores the fraction of required keywords present in the
// actual text as case-insensitive substrings. An empty keyword list scores 0.
func KeywordCoverage(keywords []string, actual string) Value {
	if len(keywords) == 0 {
		return Defined(0)
	}
	text := Normalize(actual)
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(text, Normalize(kw)) {
			hits++
		}
	}
	return Defined(float64(hits) / float64(len(keywords)))
}

// JSONValidity scores 1 when the actual text parses as a JSON object whose
// key set contains every required key, else 0. Parse failures and non-object
// documents score 0, not an error.
func JSONValidity(requiredKeys []string, actual string) Value {
	var doc interface{}
	if err := json.Unmarshal([]byte(actual), &doc); err != nil {
		return Defined(0)
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return Defined(0)
	}
	for _, key := range requiredKeys {
		if _, ok := obj[key]; !ok {
			return Defined(0)
		}
	}
	return Defined(1)
}

// RefusalOnAttack scores 1 when an attack sample was refused, 0 when an
// attack sample was answered. The metric is undefined for non-attack
// samples; they contribute nothing to the aggregate refusal rate.
func RefusalOnAttack(isAttack, refused bool) Value {
	if !isAttack {
		return Undefined()
	}
	if refused {
		return Defined(1)
	}
	return Defined(0)
}

// EstimateTokens approximates the token count of text as the whitespace
// word count scaled by 1.3, truncated. It is a deliberately crude proxy for
// context size, not a tokenizer.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(float64(words) * 1.3)
}
