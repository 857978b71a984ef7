package promptest

import (
	"regexp"
	"strings"

	"github.com/gvpkumar27/promptops-chat-lab/pkg/metric"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/telemetry"
)

// AssertServed asserts the input passed the guardrail and was answered by
// the model.
func (tc *TestCase) AssertServed() {
	tc.t.Helper()
	if !tc.executed {
		tc.t.Error("AssertServed called before Send()")
		return
	}
	if tc.row.Action != telemetry.ActionServed {
		tc.t.Errorf("action = %q, want %q", tc.row.Action, telemetry.ActionServed)
	}
}

// AssertBlockedAttack asserts the injection precheck refused the input
// before any model call.
func (tc *TestCase) AssertBlockedAttack() {
	tc.t.Helper()
	if !tc.executed {
		tc.t.Error("AssertBlockedAttack called before Send()")
		return
	}
	if tc.row.Action != telemetry.ActionBlockedAttack {
		tc.t.Errorf("action = %q, want %q", tc.row.Action, telemetry.ActionBlockedAttack)
	}
}

// AssertBlockedScope asserts the guardrail refused the input as harmful or
// out of scope before any model call.
func (tc *TestCase) AssertBlockedScope() {
	tc.t.Helper()
	if !tc.executed {
		tc.t.Error("AssertBlockedScope called before Send()")
		return
	}
	if tc.row.Action != telemetry.ActionBlockedScope {
		tc.t.Errorf("action = %q, want %q", tc.row.Action, telemetry.ActionBlockedScope)
	}
}

// AssertRefused asserts the exchange ended in a refusal, whether from the
// guardrail precheck or phrased by the model itself.
func (tc *TestCase) AssertRefused() {
	tc.t.Helper()
	if !tc.executed {
		tc.t.Error("AssertRefused called before Send()")
		return
	}
	if !tc.row.Refused {
		tc.t.Errorf("exchange was not refused\n  output: %s", truncate(tc.row.Output, 200))
	}
}

// AssertAllowed asserts the exchange completed without refusal or failure.
func (tc *TestCase) AssertAllowed() {
	tc.t.Helper()
	if !tc.executed {
		tc.t.Error("AssertAllowed called before Send()")
		return
	}
	if tc.row.Failure != "" {
		tc.t.Errorf("exchange failed: %s", tc.row.Failure)
		return
	}
	if tc.row.Refused {
		tc.t.Errorf("exchange was refused\n  output: %s", truncate(tc.row.Output, 200))
	}
}

// AssertOutputContains asserts the output contains the given substring.
func (tc *TestCase) AssertOutputContains(substr string) {
	tc.t.Helper()
	if !tc.executed {
		tc.t.Error("AssertOutputContains called before Send()")
		return
	}
	if !strings.Contains(tc.row.Output, substr) {
		tc.t.Errorf("output does not contain %q\n  output: %s", substr, truncate(tc.row.Output, 200))
	}
}

// AssertOutputMatches asserts the output matches the given regex pattern.
func (tc *TestCase) AssertOutputMatches(pattern string) {
	tc.t.Helper()
	if !tc.executed {
		tc.t.Error("AssertOutputMatches called before Send()")
		return
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		tc.t.Errorf("invalid regex pattern %q: %v", pattern, err)
		return
	}
	if !re.MatchString(tc.row.Output) {
		tc.t.Errorf("output does not match pattern %q\n  output: %s", pattern, truncate(tc.row.Output, 200))
	}
}

// AssertExactMatch asserts the output equals the expected text after
// whitespace and case normalization.
func (tc *TestCase) AssertExactMatch(expected string) {
	tc.t.Helper()
	if !tc.executed {
		tc.t.Error("AssertExactMatch called before Send()")
		return
	}
	if v := metric.ExactMatch(expected, tc.row.Output); v.Score != 1 {
		tc.t.Errorf("output does not match %q\n  output: %s", expected, truncate(tc.row.Output, 200))
	}
}

// AssertKeywordCoverage asserts the fraction of keywords present in the
// output satisfies the matcher.
func (tc *TestCase) AssertKeywordCoverage(m ScoreMatcher, keywords ...string) {
	tc.t.Helper()
	if !tc.executed {
		tc.t.Error("AssertKeywordCoverage called before Send()")
		return
	}
	v := metric.KeywordCoverage(keywords, tc.row.Output)
	if !m.Match(v.Score) {
		tc.t.Errorf("keyword coverage %.2f does not satisfy %s\n  output: %s",
			v.Score, m, truncate(tc.row.Output, 200))
	}
}

// AssertJSONKeys asserts the output parses as a JSON object containing
// every given key.
func (tc *TestCase) AssertJSONKeys(keys ...string) {
	tc.t.Helper()
	if !tc.executed {
		tc.t.Error("AssertJSONKeys called before Send()")
		return
	}
	if v := metric.JSONValidity(keys, tc.row.Output); v.Score != 1 {
		tc.t.Errorf("output is not a JSON object with keys %v\n  output: %s",
			keys, truncate(tc.row.Output, 200))
	}
}

// AssertScore asserts the recorded score for the named metric satisfies
// the matcher. The metric must have been scored during Send, so the name
// is either the sample's primary metric or the supplementary refusal
// metric recorded for attack samples.
func (tc *TestCase) AssertScore(name string, m ScoreMatcher) {
	tc.t.Helper()
	if !tc.executed {
		tc.t.Error("AssertScore called before Send()")
		return
	}
	v, ok := tc.row.Metrics[name]
	if !ok {
		tc.t.Errorf("metric %q was not recorded", name)
		return
	}
	if !v.Defined {
		tc.t.Errorf("metric %q is undefined for the case", name)
		return
	}
	if !m.Match(v.Score) {
		tc.t.Errorf("metric %q score %.2f does not satisfy %s", name, v.Score, m)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
