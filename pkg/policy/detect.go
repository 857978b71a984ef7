package policy

import (
	"math"
	"strings"
)

// fuzzyDistance is the maximum Levenshtein distance at which a token
// still counts as a match for a canonical term.
const fuzzyDistance = 2

// Risk summarizes prompt-injection screening for one input.
type Risk struct {
	IsAttack    bool     `json:"is_attack"`
	RiskScore   float64  `json:"risk_score"`
	PatternHits []string `json:"pattern_hits,omitempty"`
}

// InjectionRisk screens the input against the attack patterns after full
// de-obfuscation. RiskScore is the fraction of patterns that matched,
// rounded to three decimals, and PatternHits lists the matching patterns
// in rule-set order.
func (e *Engine) InjectionRisk(text string) Risk {
	lower := normalizeText(text)

	var hits []string
	for _, p := range e.attackPatterns {
		if p.re.MatchString(lower) {
			hits = append(hits, p.expr)
		}
	}

	score := float64(len(hits)) / float64(max(len(e.attackPatterns), 1))
	return Risk{
		IsAttack:    len(hits) > 0,
		RiskScore:   math.Round(score*1000) / 1000,
		PatternHits: hits,
	}
}

// DetectHarmful reports whether the input names extremist content or
// carries a misuse signature: harmful intent aimed at a concrete target
// without safety framing.
func (e *Engine) DetectHarmful(text string) bool {
	lower, tokens := normalizeTokens(text)
	if tokenNearTerms(tokens, e.rules.HarmfulCanonicalTerms, fuzzyDistance) {
		return true
	}
	return e.hasMisuseSignature(lower, tokens)
}

func (e *Engine) hasMisuseSignature(lower string, tokens []string) bool {
	if !matchesAny(e.misuseIntent, lower) {
		return false
	}
	target := matchesAny(e.misuseTarget, lower) ||
		tokenNearTerms(tokens, e.rules.MisuseTargetTerms, fuzzyDistance)
	if !target {
		return false
	}
	for _, hint := range e.rules.SafetyContextHints {
		if strings.Contains(lower, hint) {
			return false
		}
	}
	return true
}

// Scope is the topical classification of one input against the allowed
// and blocked topic rules.
type Scope struct {
	InScope         bool     `json:"is_in_scope"`
	BlockedCategory string   `json:"blocked_category,omitempty"`
	MatchedTopics   []string `json:"matched_topics,omitempty"`
}

// ClassifyScope decides whether the input falls inside the allowed
// topics. Harmful content and broad blocked categories are out of scope;
// anything else is in scope only when at least one allowed topic matches.
func (e *Engine) ClassifyScope(text string) Scope {
	if e.DetectHarmful(text) {
		return Scope{BlockedCategory: HarmfulCategory}
	}

	lower := strings.ToLower(strings.TrimSpace(text))
	for _, group := range e.blockedBroad {
		if matchesAny(group.patterns, lower) {
			return Scope{BlockedCategory: group.name}
		}
	}

	var topics []string
	for _, topic := range e.allowedTopics {
		if containsAny(lower, topic.keywords) || matchesAny(topic.patterns, lower) {
			topics = append(topics, topic.name)
		}
	}

	return Scope{InScope: len(topics) > 0, MatchedTopics: topics}
}

func matchesAny(patterns []compiledPattern, text string) bool {
	for _, p := range patterns {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}

func containsAny(text string, subs []string) bool {
	for _, s := range subs {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// tokenNearTerms reports whether any token of at least four characters
// matches one of the terms exactly or within maxDistance edits.
func tokenNearTerms(tokens, terms []string, maxDistance int) bool {
	for _, token := range tokens {
		if len(token) < 4 {
			continue
		}
		for _, term := range terms {
			if token == term {
				return true
			}
			diff := len(token) - len(term)
			if diff < 0 {
				diff = -diff
			}
			if diff <= maxDistance && levenshtein(token, term) <= maxDistance {
				return true
			}
		}
	}
	return false
}

// levenshtein computes edit distance with the classic two-row dynamic
// program. Tokens are stripped to lowercase ASCII letters before they
// reach here, so byte indexing is safe.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return len(b)
	}
	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	curr := make([]int, len(b)+1)

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
