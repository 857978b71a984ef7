package report

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gvpkumar27/promptops-chat-lab/pkg/eval"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/metric"
	"github.com/gvpkumar27/promptops-chat-lab/pkg/sample"
)

// aggregateOrder fixes the rendering order of the Aggregates section so
// the output is deterministic regardless of map iteration order.
var aggregateOrder = []string{
	metric.MetricExactMatch,
	metric.MetricKeywordCoverage,
	metric.MetricJSONValidity,
	metric.MetricRefusalOnAttack,
	AggregateUtilityPassRate,
	metric.MetricLatencyMS,
	metric.MetricPromptTokens,
}

// RenderMarkdown derives the human-readable report from the Report value.
// It is a pure function of the value, so re-rendering a report loaded
// from its JSON file reproduces the Markdown file byte for byte.
func RenderMarkdown(r *Report) string {
	lines := []string{
		"# Evaluation Report",
		"",
		fmt.Sprintf("- Run: %s", r.RunID),
		fmt.Sprintf("- Prompt version: %s", r.PromptVersion),
		fmt.Sprintf("- Model: %s", r.Model),
		fmt.Sprintf("- Started: %s", r.StartTime.UTC().Format(time.RFC3339)),
		fmt.Sprintf("- Duration: %s", r.Duration),
		fmt.Sprintf("- Total samples: %d", r.TotalSamples),
		fmt.Sprintf("- Failures: %d", r.FailureCount),
		fmt.Sprintf("- Refusals: %d", r.RefusedCount),
		"",
		"## Aggregates",
		"",
	}

	for _, name := range aggregateOrder {
		lines = append(lines, fmt.Sprintf("- %s: %s", name, formatAggregate(r.Aggregates[name])))
	}

	lines = append(lines, "", "## Verdicts", "")
	lines = append(lines,
		verdictLine(VerdictUtility, r.Verdicts, r.Aggregates[AggregateUtilityPassRate], r.Thresholds.UtilityPassRate, ">="),
		verdictLine(VerdictSecurity, r.Verdicts, r.Aggregates[metric.MetricRefusalOnAttack], r.Thresholds.SecurityRefusalRate, ">="),
		verdictLine(VerdictJSON, r.Verdicts, r.Aggregates[metric.MetricJSONValidity], r.Thresholds.JSONValidityRate, ">="),
	)
	if _, ok := r.Verdicts[VerdictLatency]; ok {
		lines = append(lines, verdictLine(VerdictLatency, r.Verdicts, r.Aggregates[metric.MetricLatencyMS], r.Thresholds.MaxMedianLatencyMS, "<="))
	} else {
		lines = append(lines, fmt.Sprintf("- %s: disabled", VerdictLatency))
	}
	overall := "FAIL"
	if r.Pass {
		overall = "PASS"
	}
	lines = append(lines, fmt.Sprintf("- Overall: %s", overall))

	lines = append(lines, "", "## Category summary", "")
	cats := make([]string, 0, len(r.Categories))
	for cat := range r.Categories {
		cats = append(cats, string(cat))
	}
	sort.Strings(cats)
	for _, cat := range cats {
		cs := r.Categories[sample.Category(cat)]
		lines = append(lines, fmt.Sprintf("- %s: pass_rate=%s samples=%d avg_latency_ms=%s",
			cat, formatFloat(cs.PassRate), cs.Samples, formatFloat(cs.AvgLatencyMS)))
	}

	lines = append(lines, "", "## Sample outputs", "")
	for _, row := range r.Results {
		lines = append(lines, fmt.Sprintf("### %s (%s)", row.SampleID, row.Category))
		lines = append(lines, fmt.Sprintf("- metric: %s", row.Metric))
		lines = append(lines, fmt.Sprintf("- score: %s", formatScore(row)))
		lines = append(lines, fmt.Sprintf("- latency_ms: %s", formatFloat(row.LatencyMS)))
		if row.Failure != "" {
			lines = append(lines, fmt.Sprintf("- failure: %s", row.Failure))
		}
		lines = append(lines, fmt.Sprintf("- output: %s", truncateRunes(row.Output, 300)))
		lines = append(lines, "")
	}

	return strings.Join(lines, "\n")
}

func verdictLine(name string, verdicts map[string]bool, agg Aggregate, threshold float64, op string) string {
	if !agg.Defined {
		return fmt.Sprintf("- %s: n/a", name)
	}
	status := "FAIL"
	if verdicts[name] {
		status = "PASS"
	}
	return fmt.Sprintf("- %s: %s (%s %s %s)", name, status, formatFloat(agg.Value), op, formatFloat(threshold))
}

func formatAggregate(a Aggregate) string {
	if !a.Defined {
		return "n/a"
	}
	return fmt.Sprintf("%s (n=%d)", formatFloat(a.Value), a.Count)
}

func formatScore(row eval.Result) string {
	v, ok := row.Metrics[row.Metric]
	if !ok || !v.Defined {
		return "n/a"
	}
	return formatFloat(v.Score)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
